package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"presencehub/internal/config"
	"presencehub/internal/db"
	clog "presencehub/internal/log"
	"presencehub/internal/presence"
	"presencehub/internal/server"
	"presencehub/internal/ws"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库、恢复会话表并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := presenceStore(ctx, cfg, gdb)
	engine := presence.NewEngine(presence.Options{
		MinInterval:  cfg.Presence.MinInterval,
		MaxInterval:  cfg.Presence.MaxInterval,
		RoomTokenTTL: cfg.Presence.RoomTokenTTL,
		Secret:       cfg.JWTSecret,
		Store:        store,
	})
	if err := engine.Rebuild(ctx); err != nil {
		log.Fatal().Err(err).Msg("presence rebuild")
	}

	hub := ws.NewHub(engine.ListRoom)
	engine.SetNotifier(hub)
	go presence.NewSweeper(engine, cfg.Presence.SweepInterval).Run(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(cfg, gdb, engine, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("presence_backend", cfg.Presence.Backend).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	hub.Close()
}

// presenceStore 按 PRESENCE_BACKEND 选择会话表的持久化后端。
func presenceStore(ctx context.Context, cfg config.Config, gdb *gorm.DB) presence.Store {
	switch cfg.Presence.Backend {
	case "memory":
		return presence.MemoryStore{}
	case "redis":
		rdb, err := db.ConnectRedis(ctx, cfg.Presence.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connect")
		}
		return db.NewRedisStore(rdb)
	default:
		return db.NewGormStore(gdb)
	}
}
