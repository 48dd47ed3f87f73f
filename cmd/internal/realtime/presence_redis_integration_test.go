package realtime

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// Integration tests are enabled when PARLEY_REDIS_ADDR is set.

func TestRedisPresenceMirror_OnlineOffline(t *testing.T) {
	t.Parallel()

	addr := strings.TrimSpace(os.Getenv("PARLEY_REDIS_ADDR"))
	if addr == "" {
		t.Skip("integration test skipped: PARLEY_REDIS_ADDR is not set")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}

	mirror, err := NewRedisPresenceMirror(rdb, "parley_it:"+NewRandomHex(4)+":", time.Minute)
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}

	p := NewPresence(nil, WithPresenceMirror(mirror))
	c := NewClient("alice", "s1", 4)

	p.SetOnline(ctx, "alice", c)
	if sid, err := rdb.Get(ctx, mirror.key("alice")).Result(); err != nil || sid != "s1" {
		t.Fatalf("after online: sid=%q err=%v", sid, err)
	}
	if ttl := rdb.TTL(ctx, mirror.key("alice")).Val(); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("ttl=%v", ttl)
	}

	// A refresh rewrites the key with a full ttl.
	if err := rdb.Expire(ctx, mirror.key("alice"), time.Second).Err(); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if !p.Touch(ctx, "alice", c) {
		t.Fatal("touch did not refresh")
	}
	if ttl := rdb.TTL(ctx, mirror.key("alice")).Val(); ttl <= time.Second {
		t.Fatalf("ttl after touch=%v", ttl)
	}

	p.SetOffline(ctx, "alice", c)
	if _, err := rdb.Get(ctx, mirror.key("alice")).Result(); !errors.Is(err, redis.Nil) {
		t.Fatalf("after offline: err=%v want redis.Nil", err)
	}
}
