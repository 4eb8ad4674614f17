package quota

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/bluesky-social/kidgate/safety/auditstore"
	"github.com/bluesky-social/kidgate/safety/cooldown"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []auditstore.Event
}

func (n *captureNotifier) SendEvent(ctx context.Context, ev auditstore.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

type brokenStore struct{}

func (brokenStore) AddUsage(ctx context.Context, userID uuid.UUID, day string, cat Category, micros int64) error {
	return errors.New("connection reset")
}

func (brokenStore) GetUsage(ctx context.Context, userID uuid.UUID, day string) (Usage, error) {
	return Usage{}, errors.New("connection reset")
}

func (brokenStore) Purge(ctx context.Context, before string) (int64, error) {
	return 0, errors.New("connection reset")
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testGate(t *testing.T, now time.Time) (*Gate, *auditstore.MemAuditStore, *captureNotifier) {
	audit := auditstore.NewMemAuditStore(auditstore.DefaultRetention)
	notifier := &captureNotifier{}
	rec := &auditstore.Recorder{Store: audit, Notifier: notifier}
	g := NewGate(NewMemUsageStore(), DefaultDailyLimit, cooldown.NewMemTracker(100, DefaultCooldown), rec, nil)
	g.Now = func() time.Time { return now }
	return g, audit, notifier
}

func TestParseCategory(t *testing.T) {
	assert := assert.New(t)

	fixtures := []struct {
		raw   string
		cat   Category
		known bool
	}{
		{"ai", CategoryAI, true},
		{"OpenAI", CategoryAI, true},
		{"azure-openai", CategoryAI, true},
		{"AzureSpeech", CategorySpeech, true},
		{"speech_services", CategorySpeech, true},
		{"ContentModerator", CategoryModeration, true},
		{"safety", CategoryModeration, true},
		{"translation", CategoryAI, false},
		{"", CategoryAI, false},
	}
	for _, f := range fixtures {
		cat, known := ParseCategory(f.raw)
		assert.Equal(f.cat, cat, f.raw)
		assert.Equal(f.known, known, f.raw)
	}
}

func TestRecordUsage(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC)
	g, audit, notifier := testGate(t, now)
	uid := uuid.New()

	sum, err := g.RecordUsage(ctx, uid, "openai", dec("0.03"))
	require.NoError(err)
	_, err = g.RecordUsage(ctx, uid, "speech", dec("0.01"))
	require.NoError(err)
	sum, err = g.RecordUsage(ctx, uid, "safety", dec("0.005"))
	require.NoError(err)

	assert.Equal("2025-06-01", sum.Date)
	assert.Equal(int64(1), sum.Calls[CategoryAI])
	assert.Equal(int64(1), sum.Calls[CategorySpeech])
	assert.Equal(int64(1), sum.Calls[CategoryModeration])
	assert.True(sum.Costs[CategoryAI].Equal(dec("0.03")))
	assert.True(sum.TotalCost.Equal(dec("0.045")), sum.TotalCost.String())
	assert.True(sum.RemainingBudget.Equal(dec("0.035")))
	assert.False(sum.IsOverLimit)
	assert.False(g.IsOverLimit(ctx, uid))

	// unknown service is billed as ai
	sum, err = g.RecordUsage(ctx, uid, "translation", dec("0.035"))
	require.NoError(err)
	assert.Equal(int64(2), sum.Calls[CategoryAI])
	assert.True(sum.TotalCost.Equal(dec("0.08")))
	// at the limit is not over it
	assert.False(sum.IsOverLimit)
	assert.True(sum.RemainingBudget.IsZero())

	sum, err = g.RecordUsage(ctx, uid, "ai", dec("0.000001"))
	require.NoError(err)
	assert.True(sum.IsOverLimit)
	assert.True(g.IsOverLimit(ctx, uid))
	assert.True(sum.RemainingBudget.IsZero())

	// only one alert inside the cooldown window
	all, err := audit.Query(ctx, auditstore.Query{UserID: uid})
	require.NoError(err)
	require.Len(all, 1)
	assert.Equal(auditstore.EventBudgetAlert, all[0].Type)
	assert.Equal(auditstore.SeverityMedium, all[0].Severity)
	assert.Equal("limit", all[0].Data["kind"])
	g.Recorder.Flush()
	assert.Len(notifier.events, 1)

	// other users are unaffected
	assert.False(g.IsOverLimit(ctx, uuid.New()))
}

func TestRecordUsageWarning(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	g, audit, _ := testGate(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	uid := uuid.New()

	_, err := g.RecordUsage(ctx, uid, "ai", dec("0.063"))
	require.NoError(err)
	all, err := audit.Query(ctx, auditstore.Query{UserID: uid})
	require.NoError(err)
	assert.Empty(all)

	_, err = g.RecordUsage(ctx, uid, "ai", dec("0.001"))
	require.NoError(err)
	all, err = audit.Query(ctx, auditstore.Query{UserID: uid})
	require.NoError(err)
	require.Len(all, 1)
	assert.Equal("warning", all[0].Data["kind"])
	assert.Equal("80", all[0].Data["percent"])

	// warning and limit alerts share one cooldown, so reaching the limit right after stays quiet
	sum, err := g.RecordUsage(ctx, uid, "ai", dec("0.02"))
	require.NoError(err)
	assert.True(sum.IsOverLimit)
	all, err = audit.Query(ctx, auditstore.Query{UserID: uid})
	require.NoError(err)
	require.Len(all, 1)
	assert.Equal("warning", all[0].Data["kind"])
}

func TestRecordUsageDays(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC)
	g, _, _ := testGate(t, now)
	g.Now = func() time.Time { return now }
	uid := uuid.New()

	_, err := g.RecordUsage(ctx, uid, "ai", dec("0.09"))
	require.NoError(err)
	assert.True(g.IsOverLimit(ctx, uid))

	now = now.Add(2 * time.Minute)
	assert.False(g.IsOverLimit(ctx, uid))
	sum, err := g.Summary(ctx, uid)
	require.NoError(err)
	assert.Equal("2025-06-02", sum.Date)
	assert.True(sum.TotalCost.IsZero())
}

func TestRecordUsageErrors(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	g, _, _ := testGate(t, time.Now())

	_, err := g.RecordUsage(ctx, uuid.New(), "ai", dec("-0.01"))
	assert.ErrorIs(err, ErrNegativeCost)

	// zero cost still counts a call
	sum, err := g.RecordUsage(ctx, uuid.New(), "ai", decimal.Zero)
	assert.NoError(err)
	assert.Equal(int64(1), sum.Calls[CategoryAI])

	g.Store = brokenStore{}
	_, err = g.RecordUsage(ctx, uuid.New(), "ai", dec("0.01"))
	assert.Error(err)
	// fails open
	assert.False(g.IsOverLimit(ctx, uuid.New()))
}

func TestRecordUsageCostBounds(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	g, _, _ := testGate(t, time.Now())
	uid := uuid.New()

	_, err := g.RecordUsage(ctx, uid, "ai", dec("0.05"))
	require.NoError(err)

	_, err = g.RecordUsage(ctx, uid, "ai", dec("10000000000000"))
	assert.ErrorIs(err, ErrCostTooLarge)
	sum, err := g.Summary(ctx, uid)
	require.NoError(err)
	assert.True(sum.TotalCost.Equal(dec("0.05")), sum.TotalCost.String())
	assert.Equal(int64(1), sum.Calls[CategoryAI])

	// sub-micro costs are rounded up, never dropped
	sum, err = g.RecordUsage(ctx, uid, "ai", dec("0.0000001"))
	require.NoError(err)
	assert.True(sum.TotalCost.Equal(dec("0.050001")), sum.TotalCost.String())

	// the largest allowed cost, repeated, pins the counter instead of wrapping
	for i := 0; i < 10; i++ {
		sum, err = g.RecordUsage(ctx, uid, "ai", MaxCost)
		require.NoError(err)
		assert.True(sum.TotalCost.IsPositive())
		assert.True(sum.IsOverLimit)
	}
}

func TestMemUsageStoreSaturates(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := NewMemUsageStore()
	uid := uuid.New()

	assert.NoError(s.AddUsage(ctx, uid, "2025-06-01", CategoryAI, math.MaxInt64-10))
	assert.NoError(s.AddUsage(ctx, uid, "2025-06-01", CategoryAI, 100))
	u, err := s.GetUsage(ctx, uid, "2025-06-01")
	assert.NoError(err)
	assert.Equal(int64(math.MaxInt64), u.Micros[CategoryAI])
	assert.Equal(int64(2), u.Calls[CategoryAI])
}

func TestRecordUsageConcurrent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	g, _, _ := testGate(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	uid := uuid.New()

	const workers = 16
	const calls = 250
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cat := Categories[i%len(Categories)]
			for j := 0; j < calls; j++ {
				_, err := g.RecordUsage(ctx, uid, string(cat), dec("0.0001"))
				assert.NoError(err)
			}
		}(i)
	}
	wg.Wait()

	sum, err := g.Summary(ctx, uid)
	assert.NoError(err)
	var n int64
	for _, c := range sum.Calls {
		n += c
	}
	assert.Equal(int64(workers*calls), n)
	assert.True(sum.TotalCost.Equal(dec("0.4")), sum.TotalCost.String())
	assert.True(sum.IsOverLimit)
}

func TestPurge(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	g, _, _ := testGate(t, now)
	g.Now = func() time.Time { return now }
	uid := uuid.New()

	_, err := g.RecordUsage(ctx, uid, "ai", dec("0.01"))
	require.NoError(err)
	_, err = g.RecordUsage(ctx, uid, "speech", dec("0.01"))
	require.NoError(err)

	// still inside retention
	now = now.Add(30 * 24 * time.Hour)
	n, err := g.Purge(ctx)
	require.NoError(err)
	assert.Equal(int64(0), n)

	now = now.Add(70 * 24 * time.Hour)
	_, err = g.RecordUsage(ctx, uid, "ai", dec("0.01"))
	require.NoError(err)
	n, err = g.Purge(ctx)
	require.NoError(err)
	assert.Equal(int64(2), n)

	old, err := g.Store.GetUsage(ctx, uid, "2025-01-01")
	require.NoError(err)
	assert.Empty(old.Calls)
	sum, err := g.Summary(ctx, uid)
	require.NoError(err)
	assert.Equal(int64(1), sum.Calls[CategoryAI])
}

func TestRedisUsageStore(t *testing.T) {
	t.Skip("live test, need redis running locally")
	assert := assert.New(t)
	ctx := context.Background()

	store, err := NewRedisUsageStore("redis://localhost:6379/0", time.Hour)
	if err != nil {
		t.Fail()
	}
	uid := uuid.New()
	assert.NoError(store.AddUsage(ctx, uid, "2025-06-01", CategoryAI, 30_000))
	assert.NoError(store.AddUsage(ctx, uid, "2025-06-01", CategoryAI, 20_000))
	u, err := store.GetUsage(ctx, uid, "2025-06-01")
	assert.NoError(err)
	assert.Equal(int64(2), u.Calls[CategoryAI])
	assert.Equal(int64(50_000), u.Micros[CategoryAI])
	assert.Equal(int64(0), u.Calls[CategorySpeech])
}
