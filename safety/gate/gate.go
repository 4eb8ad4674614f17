package gate

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bluesky-social/kidgate/safety/auditstore"
	"github.com/bluesky-social/kidgate/safety/catalog"
	"github.com/bluesky-social/kidgate/safety/classifier"
	"github.com/bluesky-social/kidgate/safety/keyword"

	"github.com/google/uuid"
)

const (
	ServiceErrorReason  = "validation service error"
	ServiceErrorWarning = "Validation service temporarily unavailable"
	TopicWarning        = "Content may not be educational - consider adding learning elements"
	// the matched words go to the audit trail only, never back to the player
	PIIKeywordReason = "Content may contain personal information (personal details)"

	domainRejectConfidence  = 0.9
	domainApproveConfidence = 0.8
)

type ContentClassifier interface {
	Classify(ctx context.Context, content string, cc classifier.Context) (classifier.Verdict, error)
}

type Request struct {
	// uuid.Nil for pre-registration checks
	UserID  uuid.UUID
	Content string
	Class   classifier.ContentClass
	Topic   string
}

type Response struct {
	Approved   bool     `json:"approved"`
	Reason     string   `json:"reason"`
	Confidence float64  `json:"confidence"`
	Warnings   []string `json:"warnings"`
}

type Policy struct {
	ChildAgeThreshold      int
	RequireParentalConsent bool
	EnforceGDPR            bool
	// record an audit event for every content decision, not only failures and registrations
	LogAllEvents bool
	MaxLengths   map[classifier.ContentClass]int
}

func DefaultPolicy() Policy {
	return Policy{
		ChildAgeThreshold:      13,
		RequireParentalConsent: true,
		EnforceGDPR:            true,
		LogAllEvents:           true,
		MaxLengths: map[classifier.ContentClass]int{
			classifier.ClassUsername:    50,
			classifier.ClassDisplayName: 50,
			classifier.ClassMessage:     1000,
			classifier.ClassGameContent: 500,
			classifier.ClassAIResponse:  400,
			classifier.ClassGeneral:     1000,
		},
	}
}

const defaultMaxLength = 1000

// Gate is the final say on whether text may reach a child. It combines the generic classifier verdict with domain rules (per-class length, personal information, topic) and records every decision.
type Gate struct {
	Classifier ContentClassifier
	Catalogs   *catalog.Holder
	Recorder   *auditstore.Recorder
	Policy     Policy
	Logger     *slog.Logger
	// for tests
	Now func() time.Time
}

func NewGate(catalogs *catalog.Holder, recorder *auditstore.Recorder, policy Policy, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		Classifier: classifier.NewClassifier(catalogs),
		Catalogs:   catalogs,
		Recorder:   recorder,
		Policy:     policy,
		Logger:     logger,
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

// Validate never returns an error: any failure inside the classifier or domain rules becomes a rejection.
func (g *Gate) Validate(ctx context.Context, req Request) (resp Response) {
	start := time.Now()
	defer func() {
		// similar to an HTTP server, we want to recover any panics from classification
		if r := recover(); r != nil {
			g.logger().Error("content validation exception", "err", r, "class", req.Class)
			resp = g.failClosed(ctx, req, fmt.Errorf("panic: %v", r))
		}
		validationDuration.WithLabelValues(string(req.Class)).Observe(time.Since(start).Seconds())
	}()

	if g.Classifier == nil {
		return g.failClosed(ctx, req, classifier.ErrNoCatalog)
	}
	verdict, err := g.Classifier.Classify(ctx, req.Content, classifier.Context{Class: req.Class, Topic: req.Topic})
	if err != nil {
		return g.failClosed(ctx, req, err)
	}
	cat := g.currentCatalog()
	if cat == nil {
		return g.failClosed(ctx, req, classifier.ErrNoCatalog)
	}
	dom := g.domainCheck(cat, req)

	resp = Response{
		Approved:   verdict.Approved && dom.approved,
		Confidence: min(verdict.Confidence, dom.confidence),
		Warnings:   union(verdict.Concerns, dom.warnings),
	}
	switch {
	case resp.Approved:
		resp.Reason = verdict.Reason
	case !verdict.Approved && !dom.approved:
		resp.Reason = verdict.Reason + "; " + strings.Join(dom.reasons, "; ")
	case !verdict.Approved:
		resp.Reason = verdict.Reason
	default:
		resp.Reason = strings.Join(dom.reasons, "; ")
	}

	outcome := "rejected"
	if resp.Approved {
		outcome = "approved"
	}
	validationCount.WithLabelValues(string(req.Class), outcome).Inc()

	// decision is final; only now is it recorded
	if g.Policy.LogAllEvents {
		sev := auditstore.SeverityInfo
		if !resp.Approved {
			sev = auditstore.SeverityMedium
		}
		data := map[string]any{
			"class":          string(req.Class),
			"approved":       resp.Approved,
			"confidence":     resp.Confidence,
			"warnings":       slices.Clone(resp.Warnings),
			"catalogVersion": verdict.CatalogVersion,
		}
		if len(dom.piiTerms) > 0 {
			data["piiTerms"] = slices.Clone(dom.piiTerms)
		}
		g.Recorder.Record(ctx, auditstore.NewEvent(auditstore.EventContentFlagged, sev, req.UserID, resp.Reason, data))
	}
	return resp
}

func (g *Gate) currentCatalog() *catalog.Catalog {
	if g.Catalogs == nil {
		return nil
	}
	return g.Catalogs.Current()
}

func (g *Gate) failClosed(ctx context.Context, req Request, err error) Response {
	validationCount.WithLabelValues(string(req.Class), "error").Inc()
	return g.recordFailure(ctx, req.UserID, string(req.Class), err)
}

// recordFailure logs a High validation failure, which also reaches the operator notifier, and returns the fail-closed response.
func (g *Gate) recordFailure(ctx context.Context, userID uuid.UUID, class string, err error) Response {
	validationFailureCount.Inc()
	g.logger().Error("validation failed closed", "err", err, "class", class, "user", userID)
	g.Recorder.Record(ctx, auditstore.NewEvent(auditstore.EventValidationFailure, auditstore.SeverityHigh, userID, ServiceErrorReason, map[string]any{
		"class": class,
		"error": err.Error(),
	}))
	return Response{
		Approved:   false,
		Reason:     ServiceErrorReason,
		Confidence: 0.0,
		Warnings:   []string{ServiceErrorWarning},
	}
}

type domainResult struct {
	approved   bool
	confidence float64
	// reasons for rejection; always a subset of warnings
	reasons  []string
	warnings []string
	piiTerms []string
}

func (g *Gate) maxLength(class classifier.ContentClass) int {
	if n, ok := g.Policy.MaxLengths[class]; ok && n > 0 {
		return n
	}
	return defaultMaxLength
}

func (g *Gate) domainCheck(cat *catalog.Catalog, req Request) domainResult {
	res := domainResult{approved: true}
	reject := func(msg string) {
		res.approved = false
		res.reasons = append(res.reasons, msg)
		res.warnings = append(res.warnings, msg)
	}

	if limit := g.maxLength(req.Class); utf8.RuneCountInString(req.Content) > limit {
		reject(fmt.Sprintf("Content is too long (maximum %d characters)", limit))
	}

	for _, category := range cat.ScanPII(req.Content) {
		piiDetectionCount.WithLabelValues(category).Inc()
		reject(fmt.Sprintf("Content may contain personal information (%s)", category))
	}

	tokens := keyword.TokenizeText(req.Content)
	if terms := cat.Matches(catalog.SetPIIKeywords, tokens); len(terms) > 0 {
		piiDetectionCount.WithLabelValues("keyword").Inc()
		res.piiTerms = terms
		reject(PIIKeywordReason)
	}

	if req.Class == classifier.ClassGameContent && !cat.Has(catalog.SetTopicKeywords, tokens) {
		// advisory only
		res.warnings = append(res.warnings, TopicWarning)
	}

	res.confidence = domainApproveConfidence
	if !res.approved {
		res.confidence = domainRejectConfidence
	}
	return res
}

// union keeps first-seen order and drops duplicates
func union(lists ...[]string) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, l := range lists {
		for _, s := range l {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
