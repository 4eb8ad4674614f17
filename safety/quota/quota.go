package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bluesky-social/kidgate/safety/auditstore"
	"github.com/bluesky-social/kidgate/safety/cooldown"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Category string

const (
	CategoryAI         Category = "ai"
	CategorySpeech     Category = "speech"
	CategoryModeration Category = "moderation"
)

var Categories = []Category{CategoryAI, CategorySpeech, CategoryModeration}

var categoryAliases = map[string]Category{
	"ai":               CategoryAI,
	"openai":           CategoryAI,
	"azureopenai":      CategoryAI,
	"speech":           CategorySpeech,
	"speechservices":   CategorySpeech,
	"azurespeech":      CategorySpeech,
	"moderation":       CategoryModeration,
	"contentmoderator": CategoryModeration,
	"safety":           CategoryModeration,
}

// ParseCategory maps a service name to its billing category. Unknown services are billed as AI usage, the most expensive category.
func ParseCategory(raw string) (Category, bool) {
	norm := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(raw))
	if c, ok := categoryAliases[norm]; ok {
		return c, true
	}
	return CategoryAI, false
}

const (
	DayFormat        = "2006-01-02"
	DefaultRetention = 90 * 24 * time.Hour
	DefaultCooldown  = 15 * time.Minute

	alertCooldownName = "budget-alert"
	// costs are stored as integer millionths of the currency unit
	microExp = 6
)

var (
	DefaultDailyLimit     = decimal.RequireFromString("0.08")
	DefaultAlertThreshold = decimal.RequireFromString("0.8")
)

// MaxCost bounds a single call's cost so that stored micro counters can not overflow.
var MaxCost = decimal.NewFromInt(1_000_000)

var (
	ErrNegativeCost = errors.New("usage cost must not be negative")
	ErrCostTooLarge = fmt.Errorf("usage cost must not exceed %s", MaxCost.String())
)

type Summary struct {
	UserID          uuid.UUID                    `json:"userId"`
	Date            string                       `json:"date"`
	Calls           map[Category]int64           `json:"calls"`
	Costs           map[Category]decimal.Decimal `json:"costs"`
	TotalCost       decimal.Decimal              `json:"totalCost"`
	DailyLimit      decimal.Decimal              `json:"dailyLimit"`
	RemainingBudget decimal.Decimal              `json:"remainingBudget"`
	IsOverLimit     bool                         `json:"isOverLimit"`
}

// Gate tracks per-user daily spend on paid services, and decides when a user has used up their day.
type Gate struct {
	Store      UsageStore
	DailyLimit decimal.Decimal
	// fraction of DailyLimit at which operators are alerted
	AlertThreshold decimal.Decimal
	Cooldown       cooldown.Tracker
	Recorder       *auditstore.Recorder
	Retention      time.Duration
	Logger         *slog.Logger
	// for tests
	Now func() time.Time
}

func NewGate(store UsageStore, dailyLimit decimal.Decimal, tracker cooldown.Tracker, recorder *auditstore.Recorder, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if tracker == nil {
		tracker = cooldown.NewMemTracker(100_000, DefaultCooldown)
	}
	if !dailyLimit.IsPositive() {
		dailyLimit = DefaultDailyLimit
	}
	return &Gate{
		Store:          store,
		DailyLimit:     dailyLimit,
		AlertThreshold: DefaultAlertThreshold,
		Cooldown:       tracker,
		Recorder:       recorder,
		Retention:      DefaultRetention,
		Logger:         logger,
	}
}

func (g *Gate) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Gate) today() string {
	return g.now().UTC().Format(DayFormat)
}

// toMicros rounds up, so fractions of a micro are billed rather than dropped
func toMicros(d decimal.Decimal) int64 {
	return d.Shift(microExp).Ceil().IntPart()
}

func fromMicros(n int64) decimal.Decimal {
	return decimal.New(n, -microExp)
}

// RecordUsage adds one call of the given cost to the user's current day. It never refuses usage; callers decide what to do with IsOverLimit.
func (g *Gate) RecordUsage(ctx context.Context, userID uuid.UUID, category string, cost decimal.Decimal) (Summary, error) {
	if cost.IsNegative() {
		return Summary{}, ErrNegativeCost
	}
	if cost.GreaterThan(MaxCost) {
		return Summary{}, ErrCostTooLarge
	}
	cat, known := ParseCategory(category)
	if !known {
		g.logger().Warn("unknown service category, billing as ai", "category", category, "user", userID)
	}

	day := g.today()
	if err := g.Store.AddUsage(ctx, userID, day, cat, toMicros(cost)); err != nil {
		return Summary{}, fmt.Errorf("recording usage: %w", err)
	}
	usageCostCount.WithLabelValues(string(cat)).Add(cost.InexactFloat64())

	sum, err := g.summary(ctx, userID, day)
	if err != nil {
		return Summary{}, err
	}
	g.checkAlert(ctx, sum)
	return sum, nil
}

// Summary returns the user's usage for the current UTC day.
func (g *Gate) Summary(ctx context.Context, userID uuid.UUID) (Summary, error) {
	return g.summary(ctx, userID, g.today())
}

func (g *Gate) summary(ctx context.Context, userID uuid.UUID, day string) (Summary, error) {
	u, err := g.Store.GetUsage(ctx, userID, day)
	if err != nil {
		return Summary{}, fmt.Errorf("fetching usage: %w", err)
	}
	sum := Summary{
		UserID:     userID,
		Date:       day,
		Calls:      make(map[Category]int64, len(Categories)),
		Costs:      make(map[Category]decimal.Decimal, len(Categories)),
		DailyLimit: g.DailyLimit,
	}
	sum.TotalCost = decimal.Zero
	for _, c := range Categories {
		sum.Calls[c] = u.Calls[c]
		sum.Costs[c] = fromMicros(u.Micros[c])
		sum.TotalCost = sum.TotalCost.Add(sum.Costs[c])
	}
	sum.IsOverLimit = sum.TotalCost.GreaterThan(g.DailyLimit)
	sum.RemainingBudget = decimal.Max(decimal.Zero, g.DailyLimit.Sub(sum.TotalCost))
	return sum, nil
}

// IsOverLimit fails open: when usage can not be read, the user is not blocked.
func (g *Gate) IsOverLimit(ctx context.Context, userID uuid.UUID) bool {
	sum, err := g.Summary(ctx, userID)
	if err != nil {
		quotaErrorCount.Inc()
		g.logger().Error("failed to check daily usage limit", "err", err, "user", userID)
		return false
	}
	return sum.IsOverLimit
}

func (g *Gate) checkAlert(ctx context.Context, sum Summary) {
	threshold := g.DailyLimit.Mul(g.AlertThreshold)
	if sum.TotalCost.LessThan(threshold) {
		return
	}
	if g.Cooldown != nil {
		ok, err := g.Cooldown.Acquire(ctx, alertCooldownName, sum.UserID.String())
		if err != nil {
			g.logger().Error("budget alert cooldown check failed", "err", err, "user", sum.UserID)
			return
		}
		if !ok {
			return
		}
	}

	kind := "warning"
	if sum.TotalCost.GreaterThanOrEqual(g.DailyLimit) {
		kind = "limit"
	}
	percent := sum.TotalCost.Div(g.DailyLimit).Mul(decimal.NewFromInt(100)).Round(0)
	msg := fmt.Sprintf("Daily usage at %s%% of limit (%s of %s)", percent.String(), sum.TotalCost.String(), g.DailyLimit.String())
	budgetAlertCount.WithLabelValues(kind).Inc()
	g.logger().Warn("budget alert", "user", sum.UserID, "kind", kind, "total", sum.TotalCost.String(), "limit", g.DailyLimit.String())
	g.Recorder.RecordNotify(ctx, auditstore.NewEvent(auditstore.EventBudgetAlert, auditstore.SeverityMedium, sum.UserID, msg, map[string]any{
		"kind":    kind,
		"total":   sum.TotalCost.String(),
		"limit":   g.DailyLimit.String(),
		"percent": percent.String(),
	}))
}

// Purge drops usage for days older than the retention window.
func (g *Gate) Purge(ctx context.Context) (int64, error) {
	retention := g.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	before := g.now().UTC().Add(-retention).Format(DayFormat)
	return g.Store.Purge(ctx, before)
}
