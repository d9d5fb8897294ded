package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"presencehub/internal/metrics"
	"presencehub/internal/presence"

	"github.com/rs/zerolog/log"
)

// SnapshotSource 返回房间当前快照，新订阅者注册时先收到一份。
type SnapshotSource func(roomID string) presence.Snapshot

// Hub 管理房间级别的子 Hub，实现延迟创建与并发安全。
// Hub 实现 presence.Notifier，把引擎的快照变化扇出到订阅者。
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]*RoomHub
	source SnapshotSource
}

func NewHub(source SnapshotSource) *Hub {
	if source == nil {
		source = func(roomID string) presence.Snapshot {
			return presence.Snapshot{RoomID: roomID, Members: []presence.Member{}}
		}
	}
	return &Hub{rooms: make(map[string]*RoomHub), source: source}
}

// GetRoom 若房间未初始化则懒加载一个 RoomHub。
func (h *Hub) GetRoom(roomID string) *RoomHub {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room != nil {
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room = h.rooms[roomID]
	if room != nil {
		return room
	}
	room = NewRoomHub(roomID, h.source)
	room.hub = h
	h.rooms[roomID] = room
	go room.run()
	return room
}

// subscribe 把客户端注册到房间。房间 Hub 可能恰好因空闲而退出，此时重新获取一个。
func (h *Hub) subscribe(roomID string, c *Client) *RoomHub {
	for {
		rh := h.GetRoom(roomID)
		c.room = rh
		select {
		case rh.register <- c:
			return rh
		case <-rh.done:
		}
	}
}

// release 在房间最后一个订阅者离开后移除其 RoomHub。
func (h *Hub) release(rh *RoomHub) {
	h.mu.Lock()
	if h.rooms[rh.roomID] == rh {
		delete(h.rooms, rh.roomID)
	}
	h.mu.Unlock()
}

// Rooms 返回当前有订阅者的房间数。
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Publish 把快照交给对应房间；没有订阅者的房间直接忽略。
func (h *Hub) Publish(s presence.Snapshot) {
	h.mu.RLock()
	room := h.rooms[s.RoomID]
	h.mu.RUnlock()
	if room == nil {
		return
	}
	room.offer(s)
}

// Subscribers 返回房间当前订阅连接数。
func (h *Hub) Subscribers(roomID string) int {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room == nil {
		return 0
	}
	return room.Subscribers()
}

// Close 停止所有房间的事件循环，用于优雅停服。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, room := range h.rooms {
		room.stop()
		delete(h.rooms, id)
	}
}

type RoomHub struct {
	hub        *Hub
	roomID     string
	source     SnapshotSource
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	// notify 容量为 1，多次 offer 合并为一次推送，只推最新快照。
	notify      chan struct{}
	pendingMu   sync.Mutex
	pending     *presence.Snapshot
	done        chan struct{}
	stopOnce    sync.Once
	subscribers int32
}

func NewRoomHub(roomID string, source SnapshotSource) *RoomHub {
	return &RoomHub{
		roomID:     roomID,
		source:     source,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (rh *RoomHub) offer(s presence.Snapshot) {
	rh.pendingMu.Lock()
	if rh.pending == nil || s.Version > rh.pending.Version {
		rh.pending = &s
	}
	rh.pendingMu.Unlock()
	select {
	case rh.notify <- struct{}{}:
	default:
	}
}

func (rh *RoomHub) take() *presence.Snapshot {
	rh.pendingMu.Lock()
	defer rh.pendingMu.Unlock()
	s := rh.pending
	rh.pending = nil
	return s
}

func (rh *RoomHub) stop() {
	rh.stopOnce.Do(func() { close(rh.done) })
}

func (rh *RoomHub) run() {
	for {
		select {
		case <-rh.done:
			for c := range rh.clients {
				rh.drop(c)
			}
			return
		case c := <-rh.register:
			rh.clients[c] = true
			atomic.StoreInt32(&rh.subscribers, int32(len(rh.clients)))
			metrics.WsSubscribers.Inc()
			snap := rh.source(rh.roomID)
			rh.deliver(c, snap.Version, rh.encode(snap))
		case c := <-rh.unregister:
			if _, ok := rh.clients[c]; ok {
				rh.drop(c)
			}
		case <-rh.notify:
			if s := rh.take(); s != nil {
				b := rh.encode(*s)
				metrics.WsPushesTotal.Inc()
				for c := range rh.clients {
					rh.deliver(c, s.Version, b)
				}
			}
		}
		if len(rh.clients) == 0 && rh.hub != nil {
			// 先从 Hub 摘除再关闭 done，阻塞在 register 上的订阅者会重新获取房间
			rh.hub.release(rh)
			rh.stop()
			return
		}
	}
}

func (rh *RoomHub) encode(s presence.Snapshot) []byte {
	b, err := json.Marshal(OutboundMessage{Type: "presence", Snapshot: s})
	if err != nil {
		log.Error().Err(err).Str("room_id", rh.roomID).Msg("marshal snapshot")
		return nil
	}
	return b
}

// deliver 只推送比客户端已收到版本更新的快照；发送缓冲已满的慢客户端被断开。
func (rh *RoomHub) deliver(c *Client, version uint64, b []byte) {
	if b == nil || (c.version > 0 && version <= c.version) {
		return
	}
	select {
	case c.send <- b:
		c.version = version
	default:
		rh.drop(c)
	}
}

func (rh *RoomHub) drop(c *Client) {
	delete(rh.clients, c)
	close(c.send)
	atomic.StoreInt32(&rh.subscribers, int32(len(rh.clients)))
	metrics.WsSubscribers.Dec()
}

// Subscribers 返回房间订阅连接数，供 REST 接口复用。
func (rh *RoomHub) Subscribers() int { return int(atomic.LoadInt32(&rh.subscribers)) }
