package presence

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const roomTokenAudience = "presence-room"

// TokenIssuer 签发和校验房间 token。房间 token 只携带 roomID，不包含任何用户信息。
type TokenIssuer struct {
	key []byte
	ttl time.Duration
}

// NewTokenIssuer 从服务端密钥派生房间 token 的签名密钥，避免与 access token 互相冒用。
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{key: []byte(roomTokenAudience + ":" + secret), ttl: ttl}
}

func (ti *TokenIssuer) RoomToken(roomID string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   roomID,
		Audience:  jwt.ClaimStrings{roomTokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.key)
}

// ParseRoomToken 返回 token 授权读取的 roomID。
func (ti *TokenIssuer) ParseRoomToken(tokenStr string, now time.Time) (string, error) {
	if tokenStr == "" {
		return "", ErrInvalidRoomToken
	}
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (interface{}, error) {
		return ti.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(roomTokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return "", errors.Join(ErrInvalidRoomToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", ErrInvalidRoomToken
	}
	return claims.Subject, nil
}

func newSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
