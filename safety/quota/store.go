package quota

import (
	"context"
	"math"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Usage is one user's raw counters for a single day.
type Usage struct {
	Calls  map[Category]int64
	Micros map[Category]int64
}

// UsageStore holds monotonic per-user, per-day, per-category counters. Days are "YYYY-MM-DD" in UTC.
type UsageStore interface {
	AddUsage(ctx context.Context, userID uuid.UUID, day string, cat Category, micros int64) error
	GetUsage(ctx context.Context, userID uuid.UUID, day string) (Usage, error)
	// Purge removes days strictly before the given day, returning the number of counters removed.
	Purge(ctx context.Context, before string) (int64, error)
}

func usageBucket(userID uuid.UUID, day string, cat Category) string {
	return userID.String() + "/" + day + "/" + string(cat)
}

type counter struct {
	calls  atomic.Int64
	micros atomic.Int64
}

type MemUsageStore struct {
	counters *xsync.MapOf[string, *counter]
}

var _ UsageStore = (*MemUsageStore)(nil)

func NewMemUsageStore() *MemUsageStore {
	return &MemUsageStore{
		counters: xsync.NewMapOf[string, *counter](),
	}
}

func (s *MemUsageStore) AddUsage(ctx context.Context, userID uuid.UUID, day string, cat Category, micros int64) error {
	c, _ := s.counters.LoadOrCompute(usageBucket(userID, day, cat), func() *counter {
		return &counter{}
	})
	c.calls.Add(1)
	addSaturating(&c.micros, micros)
	return nil
}

// addSaturating keeps a counter pinned at MaxInt64 instead of wrapping negative
func addSaturating(v *atomic.Int64, delta int64) {
	for {
		cur := v.Load()
		next := cur + delta
		if next < cur {
			next = math.MaxInt64
		}
		if v.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (s *MemUsageStore) GetUsage(ctx context.Context, userID uuid.UUID, day string) (Usage, error) {
	u := Usage{
		Calls:  make(map[Category]int64, len(Categories)),
		Micros: make(map[Category]int64, len(Categories)),
	}
	for _, cat := range Categories {
		c, ok := s.counters.Load(usageBucket(userID, day, cat))
		if !ok {
			continue
		}
		u.Calls[cat] = c.calls.Load()
		u.Micros[cat] = c.micros.Load()
	}
	return u, nil
}

func (s *MemUsageStore) Purge(ctx context.Context, before string) (int64, error) {
	var n int64
	s.counters.Range(func(key string, _ *counter) bool {
		parts := strings.SplitN(key, "/", 3)
		if len(parts) == 3 && parts[1] < before {
			s.counters.Delete(key)
			n++
		}
		return true
	})
	return n, nil
}
