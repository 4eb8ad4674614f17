package auditstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// MemAuditStore keeps events in per-user shards, so appends for one user never wait on reads or writes for another.
//
// A shard's slice is append-only: elements below its length are never rewritten, and Purge swaps in a new slice. Readers copy the slice header under the lock and scan without it, so appends never wait on a query.
type MemAuditStore struct {
	Retention time.Duration

	shards *xsync.MapOf[uuid.UUID, *memShard]
	ids    *xsync.MapOf[uuid.UUID, struct{}]
}

type memShard struct {
	mu     sync.RWMutex
	events []Event
}

var _ AuditStore = (*MemAuditStore)(nil)

func NewMemAuditStore(retention time.Duration) *MemAuditStore {
	return &MemAuditStore{
		Retention: retention,
		shards:    xsync.NewMapOf[uuid.UUID, *memShard](),
		ids:       xsync.NewMapOf[uuid.UUID, struct{}](),
	}
}

func (s *MemAuditStore) Append(ctx context.Context, ev Event) error {
	prepare(&ev)
	ev.Data = cloneData(ev.Data)
	if _, loaded := s.ids.LoadOrStore(ev.ID, struct{}{}); loaded {
		return ErrDuplicateEvent
	}
	shard, _ := s.shards.LoadOrCompute(ev.UserID, func() *memShard {
		return &memShard{}
	})
	shard.mu.Lock()
	shard.events = append(shard.events, ev)
	shard.mu.Unlock()
	return nil
}

func (s *MemAuditStore) Query(ctx context.Context, q Query) ([]Event, error) {
	var out []Event
	collect := func(shard *memShard) {
		shard.mu.RLock()
		events := shard.events
		shard.mu.RUnlock()
		for i := range events {
			if q.matches(&events[i]) {
				ev := events[i]
				ev.Data = cloneData(ev.Data)
				out = append(out, ev)
			}
		}
	}
	if q.UserID != uuid.Nil {
		if shard, ok := s.shards.Load(q.UserID); ok {
			collect(shard)
		}
	} else {
		s.shards.Range(func(_ uuid.UUID, shard *memShard) bool {
			collect(shard)
			return ctx.Err() == nil
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sortEvents(out, q.Order)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemAuditStore) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if err := checkRetention(olderThan, s.Retention); err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	var removed int64
	s.shards.Range(func(_ uuid.UUID, shard *memShard) bool {
		shard.mu.Lock()
		defer shard.mu.Unlock()
		// a fresh slice: concurrent readers may still hold the old one
		kept := make([]Event, 0, len(shard.events))
		for _, ev := range shard.events {
			if ev.Timestamp.Before(cutoff) {
				s.ids.Delete(ev.ID)
				removed++
				continue
			}
			kept = append(kept, ev)
		}
		shard.events = kept
		return true
	})
	return removed, nil
}

func sortEvents(events []Event, order Order) {
	if order != OrderOldest {
		// ties on timestamp come out latest-appended first
		slices.Reverse(events)
	}
	sort.SliceStable(events, func(i, j int) bool {
		if order == OrderOldest {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}
