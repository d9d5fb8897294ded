package presence

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

type expiryEntry struct {
	sessionID string
	expiresAt time.Time
}

// expiryHeap 按 expiresAt 排序的最小堆。续期时直接压入新条目，旧条目在出堆时按会话实际状态丢弃。
type expiryHeap []expiryEntry

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x interface{}) { *h = append(*h, x.(expiryEntry)) }
func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// room 持有单个房间的会话表、过期堆与成员快照，所有字段由 mu 保护。
type room struct {
	id       string
	mu       sync.Mutex
	sessions map[string]*Session
	expiry   expiryHeap
	snapshot Snapshot
	// dead 表示房间已从引擎摘除，持有旧指针的调用方需要重新获取。
	dead bool
}

func newRoom(id string) *room {
	return &room{
		id:       id,
		sessions: make(map[string]*Session),
		snapshot: Snapshot{RoomID: id, Members: []Member{}},
	}
}

func (r *room) track(s *Session) {
	r.sessions[s.SessionID] = s
	heap.Push(&r.expiry, expiryEntry{sessionID: s.SessionID, expiresAt: s.ExpiresAt()})
	if len(r.expiry) > 4*len(r.sessions)+64 {
		r.rebuildExpiry()
	}
}

func (r *room) rebuildExpiry() {
	r.expiry = make(expiryHeap, 0, len(r.sessions))
	for _, s := range r.sessions {
		r.expiry = append(r.expiry, expiryEntry{sessionID: s.SessionID, expiresAt: s.ExpiresAt()})
	}
	heap.Init(&r.expiry)
}

// popDue 弹出所有 now 时刻已过期的会话。
func (r *room) popDue(now time.Time) (due []*Session, popped []expiryEntry) {
	for len(r.expiry) > 0 && r.expiry[0].expiresAt.Before(now) {
		e := heap.Pop(&r.expiry).(expiryEntry)
		popped = append(popped, e)
		s := r.sessions[e.sessionID]
		if s == nil || !s.expired(now) {
			continue
		}
		if lo.Contains(due, s) {
			continue
		}
		due = append(due, s)
	}
	return due, popped
}

func (r *room) restore(popped []expiryEntry) {
	for _, e := range popped {
		heap.Push(&r.expiry, e)
	}
}

func (r *room) sessionsOf(userID string) []*Session {
	return lo.Filter(lo.Values(r.sessions), func(s *Session, _ int) bool { return s.UserID == userID })
}

// membersLocked 从会话表推导房间成员：每个 userID 只出现一次，
// 展示名取最近一次心跳的会话，Since 取最早建立的会话。
func (r *room) membersLocked() []MemberStatus {
	sessions := lo.Values(r.sessions)
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].SessionID < sessions[j].SessionID })

	byUser := make(map[string]*MemberStatus, len(sessions))
	for _, s := range sessions {
		m, ok := byUser[s.UserID]
		if !ok {
			byUser[s.UserID] = &MemberStatus{
				Member:          Member{UserID: s.UserID, DisplayName: s.DisplayName, Online: true, Since: s.CreatedAt},
				LastHeartbeatAt: s.LastHeartbeatAt,
			}
			continue
		}
		if !s.LastHeartbeatAt.Before(m.LastHeartbeatAt) {
			m.LastHeartbeatAt = s.LastHeartbeatAt
			m.DisplayName = s.DisplayName
		}
		if s.CreatedAt.Before(m.Since) {
			m.Since = s.CreatedAt
		}
	}
	out := make([]MemberStatus, 0, len(byUser))
	for _, m := range byUser {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Since.Equal(out[j].Since) {
			return out[i].Since.Before(out[j].Since)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func sameMembers(a, b []Member) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].UserID != b[i].UserID || a[i].DisplayName != b[i].DisplayName ||
			a[i].Online != b[i].Online || !a[i].Since.Equal(b[i].Since) {
			return false
		}
	}
	return true
}
