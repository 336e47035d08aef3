package reportcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeCmdable struct {
	redis.Cmdable
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func (f *fakeCmdable) Get(_ context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeCmdable) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.data[key] = string(value.([]byte))
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func TestRedisMissThenHit(t *testing.T) {
	ctx := context.Background()
	fake := &fakeCmdable{data: map[string]string{}, ttls: map[string]time.Duration{}}
	c := NewRedis(fake, "")

	if _, ok, err := c.Get(ctx, "report:1"); ok || err != nil {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
	if err := c.Set(ctx, "report:1", []byte(`{"total_sessions":3}`), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if fake.ttls["funnel:report:1"] != time.Minute {
		t.Fatalf("expected prefixed key with ttl, got %v", fake.ttls)
	}
	raw, ok, err := c.Get(ctx, "report:1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(raw) != `{"total_sessions":3}` {
		t.Fatalf("unexpected value %s", raw)
	}
}

func TestRedisError(t *testing.T) {
	boom := errors.New("connection refused")
	c := NewRedis(&fakeCmdable{err: boom}, "x:")
	if _, _, err := c.Get(context.Background(), "k"); !errors.Is(err, boom) {
		t.Fatalf("expected error, got %v", err)
	}
	if err := c.Set(context.Background(), "k", []byte("v"), 0); !errors.Is(err, boom) {
		t.Fatalf("expected error, got %v", err)
	}
}
