package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

var ErrNotPublished = errors.New("no catalog has been published")

var redisCatalogKey = "catalog/current"

// RedisSource distributes catalogs between replicas. Operators publish once; every daemon polls and swaps in new versions.
type RedisSource struct {
	Data *cache.Cache
}

func NewRedisSource(redisURL string, localTTL time.Duration) (*RedisSource, error) {
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
	return &RedisSource{
		Data: cache.New(&cache.Options{
			Redis:      rdb,
			LocalCache: cache.NewTinyLFU(16, localTTL),
		}),
	}, nil
}

func (s *RedisSource) Publish(ctx context.Context, c *Catalog) error {
	if !c.Compiled() {
		return ErrNotCompiled
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.Data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   redisCatalogKey,
		Value: raw,
		// negative TTL means no expiration
		TTL: -1,
	})
}

func (s *RedisSource) Fetch(ctx context.Context) (*Catalog, error) {
	var raw []byte
	err := s.Data.Get(ctx, redisCatalogKey, &raw)
	if err == cache.ErrCacheMiss {
		return nil, ErrNotPublished
	}
	if err != nil {
		return nil, fmt.Errorf("fetching published catalog: %w", err)
	}
	return Parse(raw)
}

// Poll fetches the published catalog on an interval and swaps it in to h when the version changes. Returns when ctx is done.
func (s *RedisSource) Poll(ctx context.Context, h *Holder, every time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		c, err := s.Fetch(ctx)
		switch {
		case errors.Is(err, ErrNotPublished):
			logger.Debug("no published catalog in redis")
		case err != nil:
			logger.Warn("failed to fetch published catalog", "err", err)
		case h.Current().Version != c.Version:
			if _, err := h.Swap(c); err != nil {
				logger.Error("failed to install published catalog", "err", err)
			} else {
				logger.Info("installed published catalog", "version", c.Version)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
