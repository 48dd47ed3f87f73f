package realtime

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPresenceMirror publishes presence to Redis so other tooling can see who is online.
//
// Key: <prefix><userId>, value: session id. A positive ttl bounds how long an entry survives
// a crashed process that never wrote the offline update.
type RedisPresenceMirror struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisPresenceMirror constructs a mirror over rdb. The caller owns rdb.
func NewRedisPresenceMirror(rdb redis.UniversalClient, prefix string, ttl time.Duration) (*RedisPresenceMirror, error) {
	if rdb == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "parley:presence:"
	}
	if ttl < 0 {
		ttl = 0
	}
	return &RedisPresenceMirror{rdb: rdb, prefix: prefix, ttl: ttl}, nil
}

func (m *RedisPresenceMirror) key(userID string) string { return m.prefix + userID }

// Online records userID as online on sessionID.
func (m *RedisPresenceMirror) Online(ctx context.Context, userID, sessionID string) error {
	return m.rdb.Set(ctx, m.key(userID), sessionID, m.ttl).Err()
}

// Offline removes userID's entry.
func (m *RedisPresenceMirror) Offline(ctx context.Context, userID string) error {
	return m.rdb.Del(ctx, m.key(userID)).Err()
}
