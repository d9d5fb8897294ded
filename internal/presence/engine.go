package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"presencehub/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// 房间 ID、会话 ID 与显示名的最大字符数。
const (
	MaxIDLen          = 128
	MaxDisplayNameLen = 128
)

// Options 配置引擎。零值字段使用默认值。
type Options struct {
	MinInterval  time.Duration
	MaxInterval  time.Duration
	RoomTokenTTL time.Duration
	Secret       string
	Store        Store
	Notifier     Notifier
	Now          func() time.Time
}

type sessionRef struct {
	roomID    string
	sessionID string
}

// Engine 维护每个房间的在线会话。房间之间互不加锁；
// rooms 与 tokens 两张索引表各自的锁只在 map 读写期间持有。
type Engine struct {
	minInterval time.Duration
	maxInterval time.Duration
	store       Store
	issuer      *TokenIssuer
	now         func() time.Time

	notifierMu sync.RWMutex
	notifier   Notifier

	mu    sync.RWMutex
	rooms map[string]*room

	tokMu  sync.RWMutex
	tokens map[string]sessionRef

	version atomic.Uint64
}

func NewEngine(opts Options) *Engine {
	if opts.MinInterval <= 0 {
		opts.MinInterval = time.Second
	}
	if opts.MaxInterval < opts.MinInterval {
		opts.MaxInterval = opts.MinInterval
	}
	if opts.Store == nil {
		opts.Store = MemoryStore{}
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		minInterval: opts.MinInterval,
		maxInterval: opts.MaxInterval,
		store:       opts.Store,
		issuer:      NewTokenIssuer(opts.Secret, opts.RoomTokenTTL),
		now:         opts.Now,
		notifier:    opts.Notifier,
		rooms:       make(map[string]*room),
		tokens:      make(map[string]sessionRef),
	}
}

// SetNotifier 替换快照推送目标，通常在 ws Hub 创建后调用一次。
func (e *Engine) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	e.notifierMu.Lock()
	e.notifier = n
	e.notifierMu.Unlock()
}

func (e *Engine) publish(s Snapshot) {
	e.notifierMu.RLock()
	n := e.notifier
	e.notifierMu.RUnlock()
	n.Publish(s)
}

// MinInterval 返回允许的最小心跳间隔，清扫周期据此推导。
func (e *Engine) MinInterval() time.Duration { return e.minInterval }

func (e *Engine) room(id string) *room {
	e.mu.RLock()
	r := e.rooms[id]
	e.mu.RUnlock()
	if r != nil {
		return r
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r = e.rooms[id]
	if r != nil {
		return r
	}
	r = newRoom(id)
	e.rooms[id] = r
	metrics.PresenceRooms.Set(float64(len(e.rooms)))
	return r
}

func (e *Engine) existingRoom(id string) *room {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rooms[id]
}

// lockRoom 获取并锁住房间；若拿到的是已被回收的房间则重试。
func (e *Engine) lockRoom(id string) *room {
	for {
		r := e.room(id)
		r.mu.Lock()
		if !r.dead {
			return r
		}
		r.mu.Unlock()
	}
}

func (e *Engine) allRooms() []*room {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return lo.Values(e.rooms)
}

func (e *Engine) checkInterval(d time.Duration) error {
	if d <= 0 || d < e.minInterval || d > e.maxInterval {
		return ErrInvalidInterval
	}
	return nil
}

// checkRequest 校验心跳参数。长度上限与会话表列宽一致，超长输入直接拒绝，不会落到 Store 才失败。
func (e *Engine) checkRequest(req HeartbeatRequest) error {
	if req.RoomID == "" || utf8.RuneCountInString(req.RoomID) > MaxIDLen {
		return ErrInvalidRoom
	}
	if utf8.RuneCountInString(req.SessionID) > MaxIDLen {
		return ErrInvalidSession
	}
	if utf8.RuneCountInString(req.DisplayName) > MaxDisplayNameLen {
		return ErrInvalidName
	}
	return e.checkInterval(req.Interval)
}

// Heartbeat 创建或续期会话并返回房间/会话 token。
// UserID 为空表示调用方未认证，此时不做任何校验，直接返回空 token 且不修改任何状态。
func (e *Engine) Heartbeat(ctx context.Context, req HeartbeatRequest) (Tokens, error) {
	if req.UserID == "" {
		metrics.PresenceHeartbeatsTotal.WithLabelValues("inert").Inc()
		return Tokens{}, nil
	}
	if err := e.checkRequest(req); err != nil {
		metrics.PresenceHeartbeatsTotal.WithLabelValues("invalid").Inc()
		return Tokens{}, err
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	now := e.now()
	roomToken, err := e.issuer.RoomToken(req.RoomID, now)
	if err != nil {
		return Tokens{}, err
	}

	r := e.lockRoom(req.RoomID)
	cur := r.sessions[req.SessionID]
	var next Session
	fresh := cur == nil || cur.UserID != req.UserID
	if fresh {
		// 同一 sessionID 换了用户或旧会话已终结，都按逻辑上的新会话处理，旧 token 随之失效。
		tok, err := newSessionToken()
		if err != nil {
			r.mu.Unlock()
			return Tokens{}, err
		}
		next = Session{
			SessionID:       req.SessionID,
			RoomID:          req.RoomID,
			UserID:          req.UserID,
			DisplayName:     req.DisplayName,
			Token:           tok,
			Interval:        req.Interval,
			CreatedAt:       now,
			LastHeartbeatAt: now,
			State:           StateActive,
		}
	} else {
		next = *cur
		next.LastHeartbeatAt = now
		next.Interval = req.Interval
		if req.DisplayName != "" {
			next.DisplayName = req.DisplayName
		}
	}

	if err := e.store.Save(ctx, &next); err != nil {
		r.mu.Unlock()
		metrics.PresenceHeartbeatsTotal.WithLabelValues("store_error").Inc()
		log.Warn().Err(err).Str("room_id", req.RoomID).Str("session_id", req.SessionID).Msg("presence heartbeat save")
		return Tokens{}, storeErr("heartbeat", err)
	}

	if cur != nil && fresh {
		e.endLocked(r, cur, StateDisconnected, "replaced")
	}
	r.track(&next)
	if fresh {
		e.tokMu.Lock()
		e.tokens[next.Token] = sessionRef{roomID: next.RoomID, sessionID: next.SessionID}
		e.tokMu.Unlock()
		metrics.PresenceSessions.Inc()
		log.Debug().Str("room_id", next.RoomID).Str("user_id", next.UserID).Str("session_id", next.SessionID).Msg("presence session start")
	}
	snap, changed := e.refreshLocked(r)
	r.mu.Unlock()

	metrics.PresenceHeartbeatsTotal.WithLabelValues("ok").Inc()
	if changed {
		e.publish(snap)
	}
	return Tokens{RoomToken: roomToken, SessionToken: next.Token, SessionID: next.SessionID}, nil
}

// endLocked 把会话转入终态并从内存索引中移除，调用方需持有 r.mu 且已完成 Store 删除。
func (e *Engine) endLocked(r *room, s *Session, state State, reason string) {
	delete(r.sessions, s.SessionID)
	s.State = state
	e.tokMu.Lock()
	if ref, ok := e.tokens[s.Token]; ok && ref.roomID == r.id && ref.sessionID == s.SessionID {
		delete(e.tokens, s.Token)
	}
	e.tokMu.Unlock()
	metrics.PresenceSessions.Dec()
	metrics.PresenceSessionsEndedTotal.WithLabelValues(reason).Inc()
	log.Debug().Str("room_id", r.id).Str("user_id", s.UserID).Str("session_id", s.SessionID).Str("state", state.String()).Msg("presence session end")
}

// refreshLocked 重新推导成员列表，仅当投影变化时更新快照版本。
func (e *Engine) refreshLocked(r *room) (Snapshot, bool) {
	members := lo.Map(r.membersLocked(), func(m MemberStatus, _ int) Member { return m.Member })
	if sameMembers(members, r.snapshot.Members) {
		return r.snapshot, false
	}
	r.snapshot = Snapshot{RoomID: r.id, Version: e.version.Add(1), Members: members}
	return r.snapshot, true
}

// Disconnect 凭会话 token 立即结束会话。未知或已结束的 token 视为成功。
func (e *Engine) Disconnect(ctx context.Context, sessionToken string) error {
	if sessionToken == "" {
		return nil
	}
	e.tokMu.RLock()
	ref, ok := e.tokens[sessionToken]
	e.tokMu.RUnlock()
	if !ok {
		return nil
	}
	r := e.existingRoom(ref.roomID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	s := r.sessions[ref.sessionID]
	if r.dead || s == nil || s.Token != sessionToken {
		r.mu.Unlock()
		return nil
	}
	if err := e.store.Delete(ctx, r.id, s.SessionID); err != nil {
		r.mu.Unlock()
		return storeErr("disconnect", err)
	}
	e.endLocked(r, s, StateDisconnected, "disconnected")
	snap, changed := e.refreshLocked(r)
	r.mu.Unlock()
	if changed {
		e.publish(snap)
	}
	return nil
}

// RemoveUser 清除用户在房间内的全部会话，用于登出。
func (e *Engine) RemoveUser(ctx context.Context, roomID, userID string) error {
	r := e.existingRoom(roomID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.dead {
		r.mu.Unlock()
		return nil
	}
	sessions := r.sessionsOf(userID)
	if len(sessions) == 0 {
		r.mu.Unlock()
		return nil
	}
	ids := lo.Map(sessions, func(s *Session, _ int) string { return s.SessionID })
	if err := e.store.Delete(ctx, roomID, ids...); err != nil {
		r.mu.Unlock()
		return storeErr("remove user", err)
	}
	for _, s := range sessions {
		e.endLocked(r, s, StateDisconnected, "signed_out")
	}
	snap, changed := e.refreshLocked(r)
	r.mu.Unlock()
	if changed {
		e.publish(snap)
	}
	return nil
}

// DisconnectUser 把用户从其所在的所有房间移除，对应 disconnectCurrentUser。
func (e *Engine) DisconnectUser(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	var errs []error
	for _, ur := range e.ListUser(userID) {
		if err := e.RemoveUser(ctx, ur.RoomID, userID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sweep 让 now 时刻已过期的会话进入 EXPIRED，返回本次过期数量。
// 每个房间独立处理，某个房间的 Store 失败不影响其他房间，过期条目留待下次清扫。
func (e *Engine) Sweep(ctx context.Context, now time.Time) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, r := range e.allRooms() {
		r.mu.Lock()
		if r.dead {
			r.mu.Unlock()
			continue
		}
		due, popped := r.popDue(now)
		if len(due) == 0 {
			r.mu.Unlock()
			continue
		}
		ids := lo.Map(due, func(s *Session, _ int) string { return s.SessionID })
		if err := e.store.Delete(ctx, r.id, ids...); err != nil {
			r.restore(popped)
			r.mu.Unlock()
			errs = append(errs, storeErr("sweep", err))
			continue
		}
		for _, s := range due {
			e.endLocked(r, s, StateExpired, "expired")
		}
		total += len(due)
		snap, changed := e.refreshLocked(r)
		r.mu.Unlock()
		if changed {
			e.publish(snap)
		}
	}
	e.collectEmptyRooms()
	return total, errors.Join(errs...)
}

// collectEmptyRooms 回收没有会话的房间。快照版本全局单调，重建后的房间不会回退版本。
func (e *Engine) collectEmptyRooms() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, r := range e.rooms {
		r.mu.Lock()
		if len(r.sessions) == 0 {
			r.dead = true
			delete(e.rooms, id)
		}
		r.mu.Unlock()
	}
	metrics.PresenceRooms.Set(float64(len(e.rooms)))
}

// MembersOf 返回房间当前在线成员（按 userID 去重）以及各自最近心跳时间。
func (e *Engine) MembersOf(roomID string) []MemberStatus {
	r := e.existingRoom(roomID)
	if r == nil {
		return []MemberStatus{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.membersLocked()
}

// List 校验房间 token 后返回该房间的缓存快照。
func (e *Engine) List(roomToken string) (Snapshot, error) {
	roomID, err := e.issuer.ParseRoomToken(roomToken, e.now())
	if err != nil {
		return Snapshot{}, err
	}
	return e.ListRoom(roomID), nil
}

// ListRoom 不做 token 校验，供内部或特权调用方使用。
// 返回的 Members 切片由所有调用方共享，只读。
func (e *Engine) ListRoom(roomID string) Snapshot {
	r := e.existingRoom(roomID)
	if r == nil {
		return Snapshot{RoomID: roomID, Members: []Member{}}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead {
		return Snapshot{RoomID: roomID, Members: []Member{}}
	}
	return r.snapshot
}

// ListUser 返回用户当前在线的房间，按 roomID 排序。
func (e *Engine) ListUser(userID string) []UserRoom {
	out := []UserRoom{}
	for _, r := range e.allRooms() {
		r.mu.Lock()
		sessions := r.sessionsOf(userID)
		r.mu.Unlock()
		if len(sessions) == 0 {
			continue
		}
		latest := lo.MaxBy(sessions, func(a, b *Session) bool { return a.LastHeartbeatAt.After(b.LastHeartbeatAt) })
		out = append(out, UserRoom{RoomID: r.id, DisplayName: latest.DisplayName, LastHeartbeatAt: latest.LastHeartbeatAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// IsOnline 判断用户是否在任意房间在线，用户列表据此派生 online 字段。
func (e *Engine) IsOnline(userID string) bool {
	return len(e.ListUser(userID)) > 0
}

// Rebuild 从 Store 重新加载会话并重建所有房间索引，启动时调用。
func (e *Engine) Rebuild(ctx context.Context) error {
	if _, ok := e.store.(MemoryStore); ok {
		e.reindex()
		return nil
	}
	sessions, err := e.store.Load(ctx)
	if err != nil {
		return storeErr("rebuild", err)
	}
	byRoom := lo.GroupBy(sessions, func(s *Session) string { return s.RoomID })

	e.tokMu.Lock()
	e.tokens = make(map[string]sessionRef, len(sessions))
	e.tokMu.Unlock()

	for _, r := range e.allRooms() {
		if _, ok := byRoom[r.id]; ok {
			continue
		}
		r.mu.Lock()
		for _, s := range lo.Values(r.sessions) {
			delete(r.sessions, s.SessionID)
		}
		r.expiry = nil
		snap, changed := e.refreshLocked(r)
		r.mu.Unlock()
		if changed {
			e.publish(snap)
		}
	}

	count := 0
	for roomID, list := range byRoom {
		r := e.lockRoom(roomID)
		r.sessions = make(map[string]*Session, len(list))
		r.expiry = nil
		e.tokMu.Lock()
		for _, s := range list {
			s.State = StateActive
			r.sessions[s.SessionID] = s
			e.tokens[s.Token] = sessionRef{roomID: roomID, sessionID: s.SessionID}
		}
		e.tokMu.Unlock()
		r.rebuildExpiry()
		count += len(list)
		snap, changed := e.refreshLocked(r)
		r.mu.Unlock()
		if changed {
			e.publish(snap)
		}
	}
	metrics.PresenceSessions.Set(float64(count))
	log.Info().Int("sessions", count).Int("rooms", len(byRoom)).Msg("presence index rebuilt")
	return nil
}

// reindex 在没有持久化后端时直接从内存会话表重建过期堆、token 索引与快照。
func (e *Engine) reindex() {
	tokens := make(map[string]sessionRef)
	for _, r := range e.allRooms() {
		r.mu.Lock()
		for _, s := range r.sessions {
			tokens[s.Token] = sessionRef{roomID: r.id, sessionID: s.SessionID}
		}
		r.rebuildExpiry()
		snap, changed := e.refreshLocked(r)
		r.mu.Unlock()
		if changed {
			e.publish(snap)
		}
	}
	e.tokMu.Lock()
	e.tokens = tokens
	e.tokMu.Unlock()
}
