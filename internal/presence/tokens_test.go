package presence

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIssuer_RoundTrip(t *testing.T) {
	ti := NewTokenIssuer("secret", time.Hour)
	now := time.Now()

	tok, err := ti.RoomToken("app-global-room", now)
	require.NoError(t, err)

	roomID, err := ti.ParseRoomToken(tok, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "app-global-room", roomID)
}

func TestTokenIssuer_Rejects(t *testing.T) {
	ti := NewTokenIssuer("secret", time.Hour)
	now := time.Now()
	tok, err := ti.RoomToken("r", now)
	require.NoError(t, err)

	otherKey, err := NewTokenIssuer("other", time.Hour).RoomToken("r", now)
	require.NoError(t, err)

	// 用原始密钥签发的访问 token 不能当作房间 token 使用。
	accessLike, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "r",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		at    time.Time
	}{
		{"empty", "", now},
		{"garbage", "not.a.token", now},
		{"expired", tok, now.Add(2 * time.Hour)},
		{"wrong key", otherKey, now},
		{"tampered", tok + "x", now},
		{"access token", accessLike, now},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ti.ParseRoomToken(tt.token, tt.at)
			assert.ErrorIs(t, err, ErrInvalidRoomToken)
		})
	}
}

func TestTokenIssuer_DefaultTTL(t *testing.T) {
	ti := NewTokenIssuer("secret", 0)
	now := time.Now()
	tok, err := ti.RoomToken("r", now)
	require.NoError(t, err)

	_, err = ti.ParseRoomToken(tok, now.Add(23*time.Hour))
	assert.NoError(t, err)
	_, err = ti.ParseRoomToken(tok, now.Add(25*time.Hour))
	assert.ErrorIs(t, err, ErrInvalidRoomToken)
}

func TestNewSessionToken(t *testing.T) {
	a, err := newSessionToken()
	require.NoError(t, err)
	b, err := newSessionToken()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}
