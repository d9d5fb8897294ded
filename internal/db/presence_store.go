package db

import (
	"context"
	"time"

	"presencehub/internal/models"
	"presencehub/internal/presence"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore 把会话表写入 Postgres，供进程重启后 Rebuild 恢复。
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(gdb *gorm.DB) *GormStore {
	return &GormStore{db: gdb}
}

func (g *GormStore) Save(ctx context.Context, s *presence.Session) error {
	row := toRow(s)
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "session_id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (g *GormStore) Delete(ctx context.Context, roomID string, sessionIDs ...string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	return g.db.WithContext(ctx).
		Where("room_id = ? AND session_id IN ?", roomID, sessionIDs).
		Delete(&models.PresenceSession{}).Error
}

func (g *GormStore) Load(ctx context.Context) ([]*presence.Session, error) {
	var rows []models.PresenceSession
	if err := g.db.WithContext(ctx).Order("room_id, session_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*presence.Session, 0, len(rows))
	for i := range rows {
		out = append(out, fromRow(&rows[i]))
	}
	return out, nil
}

func toRow(s *presence.Session) models.PresenceSession {
	return models.PresenceSession{
		RoomID:          s.RoomID,
		SessionID:       s.SessionID,
		UserID:          s.UserID,
		DisplayName:     s.DisplayName,
		Token:           s.Token,
		IntervalMs:      s.Interval.Milliseconds(),
		CreatedAt:       s.CreatedAt.UTC(),
		LastHeartbeatAt: s.LastHeartbeatAt.UTC(),
	}
}

func fromRow(r *models.PresenceSession) *presence.Session {
	return &presence.Session{
		SessionID:       r.SessionID,
		RoomID:          r.RoomID,
		UserID:          r.UserID,
		DisplayName:     r.DisplayName,
		Token:           r.Token,
		Interval:        time.Duration(r.IntervalMs) * time.Millisecond,
		CreatedAt:       r.CreatedAt,
		LastHeartbeatAt: r.LastHeartbeatAt,
		State:           presence.StateActive,
	}
}
