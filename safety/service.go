package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/kidgate/safety/auditstore"
	"github.com/bluesky-social/kidgate/safety/catalog"
	"github.com/bluesky-social/kidgate/safety/classifier"
	"github.com/bluesky-social/kidgate/safety/cooldown"
	"github.com/bluesky-social/kidgate/safety/gate"
	"github.com/bluesky-social/kidgate/safety/quota"
	"github.com/bluesky-social/kidgate/safety/responder"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrQuotaExceeded = errors.New("daily usage limit exceeded")

// QuotaExceededMessage is shown to players who have used up their day.
const QuotaExceededMessage = "You have used today's learning time, please try again tomorrow"

type Config struct {
	// defaults to the built-in catalog
	Catalogs *catalog.Holder
	// defaults to an in-process store
	AuditStore auditstore.AuditStore
	// defaults to an in-process store
	UsageStore quota.UsageStore
	// defaults to an in-process tracker
	Cooldown cooldown.Tracker
	// optional
	Notifier       auditstore.Notifier
	Backend        responder.Backend
	BackendTimeout time.Duration
	// defaults to gate.DefaultPolicy()
	Policy         *gate.Policy
	DailyLimit     decimal.Decimal
	AuditRetention time.Duration
	UsageRetention time.Duration
	Logger         *slog.Logger
}

// Service wires the gate, generator, audit trail, and usage quota together behind the operations that game services call.
type Service struct {
	Catalogs  *catalog.Holder
	Gate      *gate.Gate
	Responder *responder.Generator
	Audit     auditstore.AuditStore
	Recorder  *auditstore.Recorder
	Quota     *quota.Gate
	Logger    *slog.Logger
}

func NewService(cfg Config) (*Service, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	holder := cfg.Catalogs
	if holder == nil {
		h, err := catalog.NewHolder(catalog.Default())
		if err != nil {
			return nil, err
		}
		holder = h
	}
	retention := cfg.AuditRetention
	if retention <= 0 {
		retention = auditstore.DefaultRetention
	}
	audit := cfg.AuditStore
	if audit == nil {
		audit = auditstore.NewMemAuditStore(retention)
	}
	usage := cfg.UsageStore
	if usage == nil {
		usage = quota.NewMemUsageStore()
	}

	rec := &auditstore.Recorder{
		Store:    audit,
		Notifier: cfg.Notifier,
		Logger:   logger.With("component", "audit"),
	}
	policy := gate.DefaultPolicy()
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	g := gate.NewGate(holder, rec, policy, logger.With("component", "gate"))
	gen := responder.NewGenerator(g, cfg.Backend, rec, logger.With("component", "responder"))
	if cfg.BackendTimeout > 0 {
		gen.BackendTimeout = cfg.BackendTimeout
	}
	q := quota.NewGate(usage, cfg.DailyLimit, cfg.Cooldown, rec, logger.With("component", "quota"))
	if cfg.UsageRetention > 0 {
		q.Retention = cfg.UsageRetention
	}

	return &Service{
		Catalogs:  holder,
		Gate:      g,
		Responder: gen,
		Audit:     audit,
		Recorder:  rec,
		Quota:     q,
		Logger:    logger,
	}, nil
}

func (s *Service) ValidateContent(ctx context.Context, content string, class classifier.ContentClass, userID uuid.UUID) gate.Response {
	return s.Gate.Validate(ctx, gate.Request{
		UserID:  userID,
		Content: content,
		Class:   class,
	})
}

func (s *Service) ValidateRegistration(ctx context.Context, reg gate.Registration) gate.Response {
	return s.Gate.ValidateRegistration(ctx, reg)
}

// GenerateSafeResponse returns ErrQuotaExceeded, and nothing else, as an error: every other failure resolves to a fallback response.
func (s *Service) GenerateSafeResponse(ctx context.Context, persona responder.Persona, input, scenario string, userID uuid.UUID) (responder.Response, error) {
	if userID != uuid.Nil && s.Quota.IsOverLimit(ctx, userID) {
		s.Recorder.Record(ctx, auditstore.NewEvent(auditstore.EventQuotaExceeded, auditstore.SeverityInfo, userID, "response generation refused: daily limit reached", map[string]any{
			"persona": string(persona),
		}))
		return responder.Response{}, ErrQuotaExceeded
	}
	return s.Responder.Generate(ctx, responder.Request{
		Persona:  persona,
		Input:    input,
		Scenario: scenario,
		UserID:   userID,
	}), nil
}

// GetAuditTrail returns events between from and to, newest first. A zero userID means all users.
func (s *Service) GetAuditTrail(ctx context.Context, from, to time.Time, userID uuid.UUID, childSafetyOnly bool) ([]auditstore.Event, error) {
	return s.QueryAudit(ctx, auditstore.Query{
		From:            from,
		To:              to,
		UserID:          userID,
		ChildSafetyOnly: childSafetyOnly,
		Order:           auditstore.OrderNewest,
	})
}

func (s *Service) QueryAudit(ctx context.Context, q auditstore.Query) ([]auditstore.Event, error) {
	events, err := s.Audit.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying audit trail: %w", err)
	}
	return events, nil
}

func (s *Service) RecordServiceUsage(ctx context.Context, userID uuid.UUID, category string, cost decimal.Decimal) (quota.Summary, error) {
	return s.Quota.RecordUsage(ctx, userID, category, cost)
}

func (s *Service) UsageSummary(ctx context.Context, userID uuid.UUID) (quota.Summary, error) {
	return s.Quota.Summary(ctx, userID)
}

func (s *Service) IsOverDailyLimit(ctx context.Context, userID uuid.UUID) bool {
	return s.Quota.IsOverLimit(ctx, userID)
}

// PurgeAudit removes audit events older than olderThan, which must not be inside the retention window. The purge itself is audited.
func (s *Service) PurgeAudit(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.Audit.Purge(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	s.Logger.Info("purged audit events", "count", n, "olderThan", olderThan.String())
	s.Recorder.Record(ctx, auditstore.NewEvent(auditstore.EventRetentionPurge, auditstore.SeverityInfo, uuid.Nil, fmt.Sprintf("purged %d audit events", n), map[string]any{
		"count":     n,
		"olderThan": olderThan.String(),
	}))
	return n, nil
}

// PurgeUsage drops usage counters older than the usage retention window.
func (s *Service) PurgeUsage(ctx context.Context) (int64, error) {
	n, err := s.Quota.Purge(ctx)
	if err != nil {
		return 0, err
	}
	s.Logger.Info("purged usage counters", "count", n)
	return n, nil
}

// Close waits for in-flight operator notifications.
func (s *Service) Close() {
	s.Recorder.Flush()
}
