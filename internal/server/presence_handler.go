package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"presencehub/internal/auth"
	"presencehub/internal/models"
	"presencehub/internal/presence"
	"presencehub/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const defaultIntervalMs = 30000

// presenceUserID 返回已认证调用方的在线状态 ID，匿名调用返回空串。
func presenceUserID(c *gin.Context) string {
	uid := auth.GetUserID(c)
	if uid == 0 {
		return ""
	}
	return service.PresenceUserID(uid)
}

// writePresenceError 把引擎错误映射为 HTTP 状态码。
func writePresenceError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, presence.ErrInvalidInterval):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid interval"})
	case errors.Is(err, presence.ErrInvalidRoom):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room"})
	case errors.Is(err, presence.ErrInvalidSession):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
	case errors.Is(err, presence.ErrInvalidName):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid display name"})
	case errors.Is(err, presence.ErrInvalidRoomToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid room token"})
	case errors.Is(err, presence.ErrStoreUnavailable):
		log.Warn().Err(err).Str("op", op).Msg("presence store unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence temporarily unavailable"})
	default:
		log.Error().Err(err).Str("op", op).Msg("presence")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence failed"})
	}
}

// Heartbeat 创建或续期当前调用方的会话。未认证调用返回空 token，不报错。
func (h *Handler) Heartbeat(c *gin.Context) {
	var req struct {
		RoomID      string `json:"room_id"`
		SessionID   string `json:"session_id"`
		DisplayName string `json:"display_name"`
		IntervalMs  *int64 `json:"interval_ms"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.RoomID == "" {
		req.RoomID = h.defaultRoom
	}
	intervalMs := int64(defaultIntervalMs)
	if req.IntervalMs != nil {
		intervalMs = *req.IntervalMs
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		if v, ok := c.Get("user"); ok {
			if u, ok := v.(models.User); ok {
				name = u.Username
			}
		}
	}

	tokens, err := h.engine.Heartbeat(c.Request.Context(), presence.HeartbeatRequest{
		RoomID:      req.RoomID,
		UserID:      presenceUserID(c),
		SessionID:   strings.TrimSpace(req.SessionID),
		DisplayName: name,
		Interval:    time.Duration(intervalMs) * time.Millisecond,
	})
	if err != nil {
		writePresenceError(c, "heartbeat", err)
		return
	}
	c.JSON(http.StatusOK, tokens)
}

// List 凭房间 token 返回成员快照，支持 POST body 与 GET query 两种传参。
func (h *Handler) List(c *gin.Context) {
	token := c.Query("room_token")
	if c.Request.Method == http.MethodPost {
		var req struct {
			RoomToken string `json:"room_token"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		token = req.RoomToken
	}
	snap, err := h.engine.List(token)
	if err != nil {
		writePresenceError(c, "list", err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Disconnect 凭会话 token 结束会话。页面卸载时浏览器常以 text/plain 发送，
// 所以 body 既可以是 JSON 也可以是裸 token。未知 token 视为已断开。
func (h *Handler) Disconnect(c *gin.Context) {
	token := c.Query("session_token")
	if token == "" {
		token = sessionTokenFromBody(c)
	}
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing session token"})
		return
	}
	if err := h.engine.Disconnect(c.Request.Context(), token); err != nil {
		writePresenceError(c, "disconnect", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func sessionTokenFromBody(c *gin.Context) string {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 4<<10))
	if err != nil {
		return ""
	}
	raw := strings.TrimSpace(string(body))
	if strings.HasPrefix(raw, "{") {
		var req struct {
			SessionToken string `json:"session_token"`
		}
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			return ""
		}
		return strings.TrimSpace(req.SessionToken)
	}
	return strings.Trim(raw, `"`)
}

// DisconnectCurrentUser 结束当前用户在所有房间的全部会话。
func (h *Handler) DisconnectCurrentUser(c *gin.Context) {
	if err := h.engine.DisconnectUser(c.Request.Context(), presenceUserID(c)); err != nil {
		writePresenceError(c, "disconnect_user", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListUserRooms 返回用户当前在线的房间。
func (h *Handler) ListUserRooms(c *gin.Context) {
	userID := c.Param("user_id")
	if userID == "me" {
		userID = presenceUserID(c)
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "rooms": h.engine.ListUser(userID)})
}

// ListRoom 供内部调用方免 token 查看房间，额外返回各成员最近心跳时间与订阅连接数。
func (h *Handler) ListRoom(c *gin.Context) {
	roomID := c.Param("room_id")
	snap := h.engine.ListRoom(roomID)
	c.JSON(http.StatusOK, gin.H{
		"room_id":     snap.RoomID,
		"version":     snap.Version,
		"members":     h.engine.MembersOf(roomID),
		"subscribers": h.hub.Subscribers(roomID),
	})
}
