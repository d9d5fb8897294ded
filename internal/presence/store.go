package presence

import "context"

// Store 是会话表的持久化后端。引擎先写 Store 再修改内存，写失败则整次变更不生效。
type Store interface {
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, roomID string, sessionIDs ...string) error
	Load(ctx context.Context) ([]*Session, error)
}

// Notifier 接收房间快照变化，用于向订阅者推送。
type Notifier interface {
	Publish(s Snapshot)
}

// MemoryStore 不做持久化，会话只存在于引擎内存。
type MemoryStore struct{}

func (MemoryStore) Save(context.Context, *Session) error           { return nil }
func (MemoryStore) Delete(context.Context, string, ...string) error { return nil }
func (MemoryStore) Load(context.Context) ([]*Session, error)        { return nil, nil }

type nopNotifier struct{}

func (nopNotifier) Publish(Snapshot) {}
