package funnel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Cache stores serialized reports by key. A miss is (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Cached serves reports for closed ranges from a cache. Ranges that end in the future are
// always recomputed because new events can still arrive. Cache failures fall through to the
// wrapped reporter.
type Cached struct {
	next   Reporter
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewCached(next Reporter, cache Cache, ttl time.Duration, logger *slog.Logger) *Cached {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{next: next, cache: cache, ttl: ttl, logger: logger, now: time.Now}
}

func (c *Cached) Compute(ctx context.Context, q Query) (Report, error) {
	if err := q.Validate(); err != nil {
		return Report{}, err
	}
	if q.To.After(c.now()) {
		return c.next.Compute(ctx, q)
	}
	key := cacheKey(q)
	if raw, ok, err := c.cache.Get(ctx, key); err != nil {
		c.logger.Warn("report cache read failed", "key", key, "err", err)
	} else if ok {
		var r Report
		if err := json.Unmarshal(raw, &r); err == nil {
			return r, nil
		}
		c.logger.Warn("report cache entry unreadable", "key", key)
	}

	r, err := c.next.Compute(ctx, q)
	if err != nil {
		return Report{}, err
	}
	if raw, err := json.Marshal(r); err == nil {
		if err := c.cache.Set(ctx, key, raw, c.ttl); err != nil {
			c.logger.Warn("report cache write failed", "key", key, "err", err)
		}
	}
	return r, nil
}

func cacheKey(q Query) string {
	loc := "UTC"
	if q.Location != nil {
		loc = q.Location.String()
	}
	return fmt.Sprintf("report:%d:%d:%s:%s:%s:%s",
		q.From.UTC().Unix(), q.To.UTC().Unix(), q.Category, q.DeviceType, q.Language, loc)
}
