package realtime

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPresenceKey     = "pitchroom:online"
	presenceMirrorTimeout  = 2 * time.Second
	presenceMirrorEntryTTL = 24 * time.Hour
)

// PresenceMirror receives presence edge transitions.
//
// Mirrors are best effort: the in-process Presence registry stays
// authoritative for this hub, and a mirror failure must never block or fail
// the connection path. The mirror is the seam for running more than one hub
// process behind a shared view of who is online.
type PresenceMirror interface {
	UserOnline(ctx context.Context, userID string) error
	UserOffline(ctx context.Context, userID string) error
}

// RedisPresenceMirror mirrors online users into a Redis set.
type RedisPresenceMirror struct {
	rdb *redis.Client
	key string
}

// RedisMirrorOption configures RedisPresenceMirror behavior.
type RedisMirrorOption func(*RedisPresenceMirror) error

// WithPresenceKey overrides the Redis set key (default "pitchroom:online").
func WithPresenceKey(key string) RedisMirrorOption {
	return func(m *RedisPresenceMirror) error {
		key = strings.TrimSpace(key)
		if key == "" {
			return errors.New("realtime: empty presence key")
		}
		m.key = key
		return nil
	}
}

// NewRedisPresenceMirror constructs a mirror backed by an existing Redis client.
// The client is owned by the caller.
func NewRedisPresenceMirror(rdb *redis.Client, opts ...RedisMirrorOption) (*RedisPresenceMirror, error) {
	if rdb == nil {
		return nil, errors.New("realtime: nil redis client")
	}

	m := &RedisPresenceMirror{rdb: rdb, key: defaultPresenceKey}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// UserOnline adds the user to the online set.
// The key carries a TTL so a crashed hub cannot leave users online forever.
func (m *RedisPresenceMirror) UserOnline(ctx context.Context, userID string) error {
	if m == nil || m.rdb == nil {
		return errors.New("realtime: nil mirror")
	}
	if strings.TrimSpace(userID) == "" {
		return errors.New("realtime: empty user id")
	}

	ctx, cancel := context.WithTimeout(ctx, presenceMirrorTimeout)
	defer cancel()

	pipe := m.rdb.Pipeline()
	pipe.SAdd(ctx, m.key, userID)
	pipe.Expire(ctx, m.key, presenceMirrorEntryTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// UserOffline removes the user from the online set.
func (m *RedisPresenceMirror) UserOffline(ctx context.Context, userID string) error {
	if m == nil || m.rdb == nil {
		return errors.New("realtime: nil mirror")
	}
	if strings.TrimSpace(userID) == "" {
		return errors.New("realtime: empty user id")
	}

	ctx, cancel := context.WithTimeout(ctx, presenceMirrorTimeout)
	defer cancel()

	return m.rdb.SRem(ctx, m.key, userID).Err()
}

// OnlineUsers returns the mirrored online set. Useful for operational
// inspection; the in-process registry remains authoritative per hub.
func (m *RedisPresenceMirror) OnlineUsers(ctx context.Context) ([]string, error) {
	if m == nil || m.rdb == nil {
		return nil, errors.New("realtime: nil mirror")
	}

	ctx, cancel := context.WithTimeout(ctx, presenceMirrorTimeout)
	defer cancel()

	return m.rdb.SMembers(ctx, m.key).Result()
}
