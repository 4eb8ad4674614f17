package cooldown

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Tracker rate-limits repeated notifications: Acquire returns true at most once per key per cooldown window.
type Tracker interface {
	Acquire(ctx context.Context, name, key string) (bool, error)
}

type MemTracker struct {
	Data *expirable.LRU[string, struct{}]

	mu sync.Mutex
}

var _ Tracker = (*MemTracker)(nil)

func NewMemTracker(capacity int, window time.Duration) *MemTracker {
	return &MemTracker{
		Data: expirable.NewLRU[string, struct{}](capacity, nil, window),
	}
}

func (t *MemTracker) Acquire(ctx context.Context, name, key string) (bool, error) {
	k := name + "/" + key
	t.mu.Lock()
	defer t.mu.Unlock()
	// Get (unlike Contains) honors expiry of stale entries
	if _, ok := t.Data.Get(k); ok {
		return false, nil
	}
	t.Data.Add(k, struct{}{})
	return true, nil
}

type RedisTracker struct {
	Client *redis.Client
	Window time.Duration
}

var _ Tracker = (*RedisTracker)(nil)

func NewRedisTracker(redisURL string, window time.Duration) (*RedisTracker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, err
	}
	return &RedisTracker{
		Client: rdb,
		Window: window,
	}, nil
}

func (t *RedisTracker) Acquire(ctx context.Context, name, key string) (bool, error) {
	return t.Client.SetNX(ctx, "cooldown/"+name+"/"+key, time.Now().UTC().Format(time.RFC3339), t.Window).Result()
}
