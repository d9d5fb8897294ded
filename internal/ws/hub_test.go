package ws

import (
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"presencehub/internal/presence"
)

func snapshotOf(roomID string, version uint64, users ...string) presence.Snapshot {
	s := presence.Snapshot{RoomID: roomID, Version: version, Members: []presence.Member{}}
	for _, u := range users {
		s.Members = append(s.Members, presence.Member{UserID: u, Online: true})
	}
	return s
}

func newClient(rh *RoomHub) *Client {
	return &Client{room: rh, send: make(chan []byte, 16)}
}

func recv(t *testing.T, c *Client) OutboundMessage {
	t.Helper()
	select {
	case b := <-c.send:
		var msg OutboundMessage
		if err := json.Unmarshal(b, &msg); err != nil {
			t.Fatalf("unmarshal %s: %v", b, err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
	return OutboundMessage{}
}

func waitSubscribers(t *testing.T, rh *RoomHub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for rh.Subscribers() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Subscribers() = %d, want %d", rh.Subscribers(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewHub(t *testing.T) {
	hub := NewHub(nil)
	if hub == nil {
		t.Fatal("NewHub() returned nil")
	}
	if hub.rooms == nil {
		t.Error("NewHub() rooms map is nil")
	}
}

func TestHub_Subscribers_NonExistentRoom(t *testing.T) {
	hub := NewHub(nil)
	if n := hub.Subscribers("nope"); n != 0 {
		t.Errorf("Subscribers() for non-existent room = %d, want 0", n)
	}
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	hub := NewHub(nil)
	hub.Publish(snapshotOf("r", 1, "u1"))
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if len(hub.rooms) != 0 {
		t.Errorf("Publish() created %d room hubs, want 0", len(hub.rooms))
	}
}

func TestRoomHub_RegisterSendsCurrentSnapshot(t *testing.T) {
	source := func(roomID string) presence.Snapshot { return snapshotOf(roomID, 3, "u1") }
	hub := NewHub(source)
	defer hub.Close()

	rh := hub.GetRoom("r")
	c := newClient(rh)
	rh.register <- c

	msg := recv(t, c)
	if msg.Type != "presence" {
		t.Errorf("Type = %q, want presence", msg.Type)
	}
	if msg.RoomID != "r" || msg.Version != 3 {
		t.Errorf("snapshot = %s@%d, want r@3", msg.RoomID, msg.Version)
	}
	if len(msg.Members) != 1 || msg.Members[0].UserID != "u1" {
		t.Errorf("Members = %+v, want [u1]", msg.Members)
	}
	if hub.Subscribers("r") != 1 {
		t.Errorf("Subscribers() = %d, want 1", hub.Subscribers("r"))
	}
}

func TestRoomHub_Unregister(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	rh := hub.GetRoom("r")
	c := newClient(rh)
	rh.register <- c
	waitSubscribers(t, rh, 1)

	rh.unregister <- c
	waitSubscribers(t, rh, 0)

	// 客户端被移除后 send 通道关闭
	for range c.send {
	}
}

func TestRoomHub_PublishFansOut(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	rh := hub.GetRoom("r")
	clients := make([]*Client, 3)
	for i := range clients {
		clients[i] = newClient(rh)
		rh.register <- clients[i]
		recv(t, clients[i])
	}

	hub.Publish(snapshotOf("r", 1, "u1", "u2"))

	for i, c := range clients {
		msg := recv(t, c)
		if msg.Version != 1 || len(msg.Members) != 2 {
			t.Errorf("client %d got version %d with %d members", i, msg.Version, len(msg.Members))
		}
	}
}

func TestRoomHub_SkipsStaleVersions(t *testing.T) {
	source := func(roomID string) presence.Snapshot { return snapshotOf(roomID, 5, "u1") }
	hub := NewHub(source)
	defer hub.Close()

	rh := hub.GetRoom("r")
	c := newClient(rh)
	rh.register <- c
	recv(t, c)

	hub.Publish(snapshotOf("r", 4))
	hub.Publish(snapshotOf("r", 6, "u1", "u2"))

	msg := recv(t, c)
	if msg.Version != 6 {
		t.Errorf("Version = %d, want 6", msg.Version)
	}
	select {
	case b := <-c.send:
		t.Errorf("unexpected extra message %s", b)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRoomHub_CoalescesToLatest(t *testing.T) {
	rh := NewRoomHub("r", func(roomID string) presence.Snapshot { return snapshotOf(roomID, 0) })
	for v := uint64(1); v <= 10; v++ {
		rh.offer(snapshotOf("r", v))
	}
	rh.offer(snapshotOf("r", 7))

	s := rh.take()
	if s == nil || s.Version != 10 {
		t.Fatalf("take() = %+v, want version 10", s)
	}
	if rh.take() != nil {
		t.Error("take() after drain should be nil")
	}
}

func TestRoomHub_SlowClientDropped(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	rh := hub.GetRoom("r")
	slow := &Client{room: rh, send: make(chan []byte, 1)}
	rh.register <- slow
	waitSubscribers(t, rh, 1)

	// 初始快照占满缓冲，下一次推送无法入队
	hub.Publish(snapshotOf("r", 1, "u1"))
	waitSubscribers(t, rh, 0)
}

func TestRoomHub_MultipleRooms(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	c1 := newClient(hub.GetRoom("a"))
	c2 := newClient(hub.GetRoom("b"))
	c1.room.register <- c1
	c2.room.register <- c2
	recv(t, c1)
	recv(t, c2)

	hub.Publish(snapshotOf("a", 1, "u1"))
	if msg := recv(t, c1); msg.RoomID != "a" {
		t.Errorf("RoomID = %q, want a", msg.RoomID)
	}
	select {
	case b := <-c2.send:
		t.Errorf("room b received %s", b)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRoomHub_Concurrent(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	rh := hub.GetRoom("r")

	var wg sync.WaitGroup
	numClients := 10
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rh.register <- &Client{room: rh, send: make(chan []byte, 256)}
		}()
	}
	wg.Wait()
	waitSubscribers(t, rh, numClients)
}

func TestHub_CloseStopsRooms(t *testing.T) {
	hub := NewHub(nil)
	rh := hub.GetRoom("r")
	c := newClient(rh)
	rh.register <- c
	waitSubscribers(t, rh, 1)

	hub.Close()
	select {
	case <-rh.done:
	case <-time.After(time.Second):
		t.Fatal("room hub not stopped")
	}
	if hub.Subscribers("r") != 0 {
		t.Errorf("Subscribers() after Close = %d, want 0", hub.Subscribers("r"))
	}
}

func waitRooms(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Rooms() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Rooms() = %d, want %d", hub.Rooms(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHub_ReleasesIdleRooms(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	before := runtime.NumGoroutine()

	for i := 0; i < 200; i++ {
		c := newClient(nil)
		rh := hub.subscribe(fmt.Sprintf("room-%d", i), c)
		recv(t, c)
		rh.unregister <- c
	}
	waitRooms(t, hub, 0)

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before+5 {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines = %d, started with %d", runtime.NumGoroutine(), before)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHub_SubscribeAfterRelease(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	first := newClient(nil)
	old := hub.subscribe("r", first)
	recv(t, first)
	old.unregister <- first
	<-old.done

	// 旧 RoomHub 已退出，新订阅者拿到新的房间并能收到推送
	second := newClient(nil)
	rh := hub.subscribe("r", second)
	if rh == old {
		t.Fatal("subscribe() returned a released room hub")
	}
	if second.room != rh {
		t.Error("client not bound to the new room hub")
	}
	recv(t, second)
	hub.Publish(snapshotOf("r", 1, "u1"))
	if msg := recv(t, second); msg.Version != 1 {
		t.Errorf("Version = %d, want 1", msg.Version)
	}
	if hub.Rooms() != 1 {
		t.Errorf("Rooms() = %d, want 1", hub.Rooms())
	}
}

func TestHub_SubscribeRetriesStoppedRoom(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	// 模拟房间恰好在订阅前退出：仍在 map 中但 done 已关闭
	stale := NewRoomHub("r", hub.source)
	stale.stop()
	hub.mu.Lock()
	hub.rooms["r"] = stale
	hub.mu.Unlock()
	go func() {
		time.Sleep(10 * time.Millisecond)
		hub.release(stale)
	}()

	c := newClient(nil)
	rh := hub.subscribe("r", c)
	if rh == stale {
		t.Fatal("subscribe() registered with a stopped room hub")
	}
	recv(t, c)
}
