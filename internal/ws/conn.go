package ws

import (
	"errors"
	"net/http"
	"time"

	"presencehub/internal/presence"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Client struct {
	room    *RoomHub
	conn    *websocket.Conn
	send    chan []byte
	version uint64
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// OutboundMessage 是推送给订阅者的房间快照。
type OutboundMessage struct {
	Type string `json:"type"`
	presence.Snapshot
}

// RoomLister 按房间 token 返回快照，presence.Engine 实现该接口。
type RoomLister interface {
	List(roomToken string) (presence.Snapshot, error)
}

// Serve 校验 room_token 后升级为 WebSocket，并把连接注册到对应房间。
func Serve(h *Hub, lister RoomLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("room_token")
		snap, err := lister.List(token)
		if err != nil {
			if errors.Is(err, presence.ErrInvalidRoomToken) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid room token"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "subscribe failed"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("room_id", snap.RoomID).Msg("ws upgrade")
			return
		}
		client := &Client{conn: conn, send: make(chan []byte, 16)}
		h.subscribe(snap.RoomID, client)

		go client.writePump()
		client.readPump()
	}
}

// readPump 只用于感知断开与 pong，订阅连接不接受业务消息。
func (c *Client) readPump() {
	defer func() {
		select {
		case c.room.unregister <- c:
		case <-c.room.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(4 << 10)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
