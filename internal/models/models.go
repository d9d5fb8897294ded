package models

import "time"

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}

// PresenceSession 是会话表的持久化行，同一 session_id 在不同房间互不影响。
type PresenceSession struct {
	RoomID          string    `gorm:"primaryKey;size:128"`
	SessionID       string    `gorm:"primaryKey;size:128"`
	UserID          string    `gorm:"index;size:64;not null"`
	DisplayName     string    `gorm:"size:128"`
	Token           string    `gorm:"uniqueIndex;size:128;not null"`
	IntervalMs      int64     `gorm:"not null"`
	CreatedAt       time.Time `gorm:"autoCreateTime:false;not null"`
	LastHeartbeatAt time.Time `gorm:"index;not null"`
}
