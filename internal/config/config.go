package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
	CORSEnabled           bool
	CORSAllowedOrigins    []string
	InternalAPIKey        string
	Presence              PresenceConfig
}

// PresenceConfig 控制在线状态引擎：心跳间隔上下限、扫描周期与持久化后端。
type PresenceConfig struct {
	Backend       string // memory | postgres | redis
	RedisURL      string
	MinInterval   time.Duration
	MaxInterval   time.Duration
	SweepInterval time.Duration
	RoomTokenTTL  time.Duration
	DefaultRoom   string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getint 读取正整数，非法或非正数回退到默认值。
func getint(key string, def int) int {
	n, err := strconv.Atoi(getenv(key, ""))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getbool(key string, def bool) bool {
	b, err := strconv.ParseBool(getenv(key, ""))
	if err != nil {
		return def
	}
	return b
}

// getlist 读取逗号分隔的列表，忽略空项。
func getlist(key string) []string {
	var out []string
	for _, v := range strings.Split(getenv(key, ""), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func Load() Config {
	// .env 仅用于本地开发，缺失时忽略
	_ = godotenv.Load()

	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=presencehub port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:             getenv("JWT_SECRET", defaultJWTSecret),
		Env:                   getenv("APP_ENV", "dev"),
		AccessTokenTTLMinutes: getint("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTLDays:   getint("REFRESH_TOKEN_TTL_DAYS", 7),
		CORSEnabled:           getbool("CORS_ENABLED", true),
		CORSAllowedOrigins:    getlist("CORS_ALLOWED_ORIGINS"),
		InternalAPIKey:        getenv("INTERNAL_API_KEY", ""),
		Presence: PresenceConfig{
			Backend:       strings.ToLower(getenv("PRESENCE_BACKEND", "postgres")),
			RedisURL:      getenv("REDIS_URL", "redis://localhost:6379/0"),
			MinInterval:   time.Duration(getint("PRESENCE_MIN_INTERVAL_MS", 5000)) * time.Millisecond,
			MaxInterval:   time.Duration(getint("PRESENCE_MAX_INTERVAL_MS", 120000)) * time.Millisecond,
			SweepInterval: time.Duration(getint("PRESENCE_SWEEP_INTERVAL_MS", 2500)) * time.Millisecond,
			RoomTokenTTL:  time.Duration(getint("PRESENCE_ROOM_TOKEN_TTL_MINUTES", 1440)) * time.Minute,
			DefaultRoom:   getenv("PRESENCE_DEFAULT_ROOM", "app-global-room"),
		},
	}
}

// Validate 在启动时拒绝明显错误的配置，非 dev 环境不允许使用默认密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("JWT_SECRET must be changed in %s", cfg.Env)
	}
	return validatePresence(cfg.Presence)
}

// 零值表示未配置，交给引擎使用默认值。
func validatePresence(p PresenceConfig) error {
	switch p.Backend {
	case "", "memory", "postgres", "redis":
	default:
		return fmt.Errorf("PRESENCE_BACKEND %q is not one of memory, postgres, redis", p.Backend)
	}
	if p.Backend == "redis" && p.RedisURL == "" {
		return errors.New("REDIS_URL is required for the redis backend")
	}
	if p.MinInterval < 0 || p.MaxInterval < 0 || p.SweepInterval < 0 {
		return errors.New("presence intervals must not be negative")
	}
	if p.MinInterval > 0 && p.MaxInterval > 0 && p.MaxInterval < p.MinInterval {
		return fmt.Errorf("PRESENCE_MAX_INTERVAL_MS (%s) is below PRESENCE_MIN_INTERVAL_MS (%s)", p.MaxInterval, p.MinInterval)
	}
	// 扫描周期不超过最小间隔的一半，静默会话才能在 1.5 倍间隔内被清除
	if p.SweepInterval > 0 && p.MinInterval > 0 && p.SweepInterval > p.MinInterval/2 {
		return fmt.Errorf("PRESENCE_SWEEP_INTERVAL_MS (%s) exceeds half of PRESENCE_MIN_INTERVAL_MS (%s)", p.SweepInterval, p.MinInterval)
	}
	return nil
}
