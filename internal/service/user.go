package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"presencehub/internal/auth"
	"presencehub/internal/config"
	"presencehub/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

// Presence 是用户服务依赖的在线状态能力，presence.Engine 实现该接口。
type Presence interface {
	DisconnectUser(ctx context.Context, userID string) error
	IsOnline(userID string) bool
}

// UserService 封装用户相关的业务逻辑。
type UserService struct {
	db       *gorm.DB
	cfg      config.Config
	presence Presence
}

func NewUserService(db *gorm.DB, cfg config.Config, presence Presence) *UserService {
	return &UserService{db: db, cfg: cfg, presence: presence}
}

// PresenceUserID 把数据库用户 ID 转成在线状态使用的字符串 ID。
func PresenceUserID(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

// UserView 是对外展示的用户信息，online 由会话表实时推导，不落库。
type UserView struct {
	ID        uint      `json:"id"`
	Username  string    `json:"username"`
	Online    bool      `json:"online"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *UserService) view(u models.User) UserView {
	return UserView{ID: u.ID, Username: u.Username, Online: s.presence.IsOnline(PresenceUserID(u.ID)), CreatedAt: u.CreatedAt}
}

// RegisterResult 注册成功后返回的数据。
type RegisterResult struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
}

// Register 注册新用户，返回用户 ID 和用户名。
func (s *UserService) Register(username, password string) (*RegisterResult, error) {
	var count int64
	if err := s.db.Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrUsernameTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := models.User{Username: username, PasswordHash: hash}
	if err := s.db.Create(&user).Error; err != nil {
		return nil, err
	}
	return &RegisterResult{ID: user.ID, Username: user.Username}, nil
}

// LoginResult 登录成功后返回的数据。
type LoginResult struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	User         models.User `json:"-"`
}

// Login 校验用户名密码并签发 token 对。
func (s *UserService) Login(username, password string) (*LoginResult, error) {
	var user models.User
	if err := s.db.Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	at, err := auth.GenerateAccessToken(user.ID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	exp := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
	if err := auth.SaveRefreshToken(s.db, user.ID, rt, exp); err != nil {
		return nil, err
	}
	return &LoginResult{AccessToken: at, RefreshToken: rt, User: user}, nil
}

// RefreshResult 刷新 token 后返回的新 token 对。
type RefreshResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// RefreshTokens 验证旧 refresh token 并签发新 token 对（旋转刷新）。
func (s *UserService) RefreshTokens(oldRT string) (*RefreshResult, error) {
	var result RefreshResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		rec, err := auth.ValidateRefreshToken(tx, oldRT)
		if err != nil {
			return err
		}
		if err := auth.RevokeRefreshToken(tx, oldRT); err != nil {
			return err
		}
		at, err := auth.GenerateAccessToken(rec.UserID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
		if err != nil {
			return err
		}
		newRT, err := auth.GenerateRefreshToken()
		if err != nil {
			return err
		}
		exp := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
		if err := auth.SaveRefreshToken(tx, rec.UserID, newRT, exp); err != nil {
			return err
		}
		result.AccessToken = at
		result.RefreshToken = newRT
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Logout 先清除该用户在所有房间的会话，再吊销 refresh token。
// 清除会话失败只记录日志，不阻止登出；残留会话会在 TTL 到期后被扫描掉。
func (s *UserService) Logout(ctx context.Context, userID uint, refreshToken string) error {
	if err := s.presence.DisconnectUser(ctx, PresenceUserID(userID)); err != nil {
		log.Warn().Err(err).Uint("user_id", userID).Msg("logout disconnect presence")
	}
	return auth.RevokeUserRefreshTokens(s.db.WithContext(ctx), userID, refreshToken)
}

// Me 返回当前用户信息。
func (s *UserService) Me(userID uint) (*UserView, error) {
	var user models.User
	if err := s.db.First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	v := s.view(user)
	return &v, nil
}

// List 返回全部用户，最多 limit 条，按 ID 升序。
func (s *UserService) List(limit int) ([]UserView, error) {
	var users []models.User
	if err := s.db.Order("id asc").Limit(limit).Find(&users).Error; err != nil {
		return nil, err
	}
	return lo.Map(users, func(u models.User, _ int) UserView { return s.view(u) }), nil
}
