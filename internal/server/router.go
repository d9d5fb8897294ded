package server

import (
	"net/http"
	"time"

	"presencehub/internal/auth"
	"presencehub/internal/config"
	"presencehub/internal/metrics"
	"presencehub/internal/mw"
	"presencehub/internal/presence"
	"presencehub/internal/service"
	"presencehub/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, engine *presence.Engine, hub *ws.Hub) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	if cfg.CORSEnabled {
		r.Use(mw.CORS(cfg.Env, cfg.CORSAllowedOrigins))
	}
	// 心跳是高频接口，按 IP+路由限速时需给足余量。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40, "/healthz", "/metrics"))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := NewHandler(service.NewUserService(db, cfg, engine), engine, hub, cfg.Presence.DefaultRoom)
	requireAuth := auth.AuthMiddleware(cfg, db)

	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)
	api.POST("/auth/logout", requireAuth, h.Logout)

	users := api.Group("/users", requireAuth)
	users.GET("/me", h.Me)
	users.GET("", h.ListUsers)

	registerPresenceRoutes(api.Group("/presence"), h, requireAuth, auth.OptionalAuth(cfg, db), mw.InternalKey(cfg.InternalAPIKey))

	r.GET("/ws/presence", ws.Serve(hub, engine))
	return r
}

// registerPresenceRoutes 挂载在线状态接口，认证中间件由调用方注入，便于测试替换。
func registerPresenceRoutes(g *gin.RouterGroup, h *Handler, requireAuth, optionalAuth, internalKey gin.HandlerFunc) {
	g.POST("/heartbeat", optionalAuth, h.Heartbeat)
	g.POST("/list", h.List)
	g.GET("/list", h.List)
	g.POST("/disconnect", h.Disconnect)
	g.POST("/disconnect-current-user", requireAuth, h.DisconnectCurrentUser)
	g.GET("/users/:user_id/rooms", requireAuth, h.ListUserRooms)
	g.GET("/rooms/:room_id", requireAuth, internalKey, h.ListRoom)
}
