package presence

import "time"

// State 表示单个会话的生命周期状态。EXPIRED 与 DISCONNECTED 都是终态。
type State int

const (
	StateUnknown State = iota
	StateActive
	StateExpired
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session 是一个客户端连接在某个房间内的在线登记。
type Session struct {
	SessionID       string
	RoomID          string
	UserID          string
	DisplayName     string
	Token           string
	Interval        time.Duration
	CreatedAt       time.Time
	LastHeartbeatAt time.Time
	State           State
}

// ExpiresAt = LastHeartbeatAt + Interval。
func (s *Session) ExpiresAt() time.Time { return s.LastHeartbeatAt.Add(s.Interval) }

func (s *Session) expired(now time.Time) bool { return now.After(s.ExpiresAt()) }

// Member 是房间成员列表中的一行，按 userID 去重。
type Member struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Online      bool      `json:"online"`
	Since       time.Time `json:"since"`
}

// MemberStatus 在 Member 基础上附带最近一次心跳时间，供 MembersOf 使用。
type MemberStatus struct {
	Member
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// Snapshot 是某个房间成员列表的一次缓存结果，Version 在整个引擎内单调递增。
type Snapshot struct {
	RoomID  string   `json:"room_id"`
	Version uint64   `json:"version"`
	Members []Member `json:"members"`
}

// UserRoom 描述用户当前所在的一个房间。
type UserRoom struct {
	RoomID          string    `json:"room_id"`
	DisplayName     string    `json:"display_name"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// HeartbeatRequest 为一次心跳调用的参数。UserID 必须来自身份提供方，而不是客户端。
type HeartbeatRequest struct {
	RoomID      string
	UserID      string
	SessionID   string
	DisplayName string
	Interval    time.Duration
}

// Tokens 为心跳返回值。未认证调用返回空 token，不授权任何操作。
type Tokens struct {
	RoomToken    string `json:"room_token"`
	SessionToken string `json:"session_token"`
	SessionID    string `json:"session_id,omitempty"`
}
