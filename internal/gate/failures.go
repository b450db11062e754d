package gate

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	loginFailureKeyPrefix = "agentfactory:login_failures:"
	maxTrackedAddresses   = 50000
	maxHitsPerAddress     = 1024
)

// FailureCounter counts auth failures per address inside a time window.
type FailureCounter interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
	Reset(ctx context.Context, key string) error
}

// RedisFailureCounter shares counts across instances with a fixed window
// that starts at the first failure.
type RedisFailureCounter struct {
	client *redis.Client
}

func NewRedisFailureCounter(client *redis.Client) *RedisFailureCounter {
	return &RedisFailureCounter{client: client}
}

func (c *RedisFailureCounter) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	redisKey := loginFailureKeyPrefix + key

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisFailureCounter) Reset(ctx context.Context, key string) error {
	return c.client.Del(ctx, loginFailureKeyPrefix+key).Err()
}

// MemoryFailureCounter keeps a sliding window per address in process memory.
// At most limit addresses are tracked; when full, the address with the
// oldest latest failure is evicted.
type MemoryFailureCounter struct {
	mu    sync.Mutex
	hits  map[string][]time.Time
	limit int
	now   func() time.Time
}

func NewMemoryFailureCounter() *MemoryFailureCounter {
	return &MemoryFailureCounter{hits: make(map[string][]time.Time), limit: maxTrackedAddresses, now: time.Now}
}

func (c *MemoryFailureCounter) Hit(_ context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cutoff := now.Add(-window)

	if _, tracked := c.hits[key]; !tracked && len(c.hits) >= c.limit {
		c.pruneLocked(cutoff)
		if len(c.hits) >= c.limit {
			c.evictOldestLocked()
		}
	}

	kept := c.hits[key][:0]
	for _, at := range c.hits[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	kept = append(kept, now)
	if len(kept) > maxHitsPerAddress {
		kept = append(kept[:0], kept[len(kept)-maxHitsPerAddress:]...)
	}
	c.hits[key] = kept

	return int64(len(kept)), nil
}

func (c *MemoryFailureCounter) Reset(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.hits, key)
	c.mu.Unlock()
	return nil
}

func (c *MemoryFailureCounter) pruneLocked(cutoff time.Time) {
	for key, hits := range c.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(c.hits, key)
		}
	}
}

func (c *MemoryFailureCounter) evictOldestLocked() {
	var (
		oldestKey string
		oldestAt  time.Time
		found     bool
	)
	for key, hits := range c.hits {
		var last time.Time
		if len(hits) > 0 {
			last = hits[len(hits)-1]
		}
		if !found || last.Before(oldestAt) {
			oldestKey, oldestAt, found = key, last, true
		}
	}
	if found {
		delete(c.hits, oldestKey)
	}
}
