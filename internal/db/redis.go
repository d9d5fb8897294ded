package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"presencehub/internal/presence"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const sessionKeyPrefix = "presence:session:"

// ConnectRedis 解析 REDIS_URL 并确认连接可用。
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	log.Info().Str("addr", opt.Addr).Int("db", opt.DB).Msg("redis connected")
	return client, nil
}

// RedisStore 每个会话一个 JSON 键，TTL 为两倍心跳间隔，进程崩溃后遗留的键会自行过期。
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

type redisSession struct {
	SessionID       string    `json:"session_id"`
	RoomID          string    `json:"room_id"`
	UserID          string    `json:"user_id"`
	DisplayName     string    `json:"display_name"`
	Token           string    `json:"token"`
	IntervalMs      int64     `json:"interval_ms"`
	CreatedAt       time.Time `json:"created_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// sessionKey 给房间 ID 加长度前缀，ID 中含冒号时不同的 (房间, 会话) 组合也不会撞键。
func sessionKey(roomID, sessionID string) string {
	return sessionKeyPrefix + strconv.Itoa(len(roomID)) + ":" + roomID + ":" + sessionID
}

func (r *RedisStore) Save(ctx context.Context, s *presence.Session) error {
	data, err := json.Marshal(redisSession{
		SessionID:       s.SessionID,
		RoomID:          s.RoomID,
		UserID:          s.UserID,
		DisplayName:     s.DisplayName,
		Token:           s.Token,
		IntervalMs:      s.Interval.Milliseconds(),
		CreatedAt:       s.CreatedAt,
		LastHeartbeatAt: s.LastHeartbeatAt,
	})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return r.rdb.Set(ctx, sessionKey(s.RoomID, s.SessionID), data, 2*s.Interval).Err()
}

func (r *RedisStore) Delete(ctx context.Context, roomID string, sessionIDs ...string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range sessionIDs {
			pipe.Del(ctx, sessionKey(roomID, id))
		}
		return nil
	})
	return err
}

func (r *RedisStore) Load(ctx context.Context) ([]*presence.Session, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, sessionKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}

	var out []*presence.Session
	for start := 0; start < len(keys); start += 200 {
		end := min(start+200, len(keys))
		vals, err := r.rdb.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, fmt.Errorf("mget sessions: %w", err)
		}
		for i, v := range vals {
			raw, ok := v.(string)
			if !ok {
				// 扫描与读取之间键已过期
				continue
			}
			var rs redisSession
			if err := json.Unmarshal([]byte(raw), &rs); err != nil {
				log.Warn().Err(err).Str("key", keys[start+i]).Msg("skip malformed presence session")
				continue
			}
			out = append(out, &presence.Session{
				SessionID:       rs.SessionID,
				RoomID:          rs.RoomID,
				UserID:          rs.UserID,
				DisplayName:     rs.DisplayName,
				Token:           rs.Token,
				Interval:        time.Duration(rs.IntervalMs) * time.Millisecond,
				CreatedAt:       rs.CreatedAt,
				LastHeartbeatAt: rs.LastHeartbeatAt,
				State:           presence.StateActive,
			})
		}
	}
	return out, nil
}
