package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/bluesky-social/kidgate/safety/auditstore"
	"github.com/bluesky-social/kidgate/safety/classifier"
	"github.com/bluesky-social/kidgate/safety/gate"
	"github.com/bluesky-social/kidgate/safety/keyword"

	"github.com/google/uuid"
)

const (
	DefaultMaxLength      = 400
	DefaultBackendTimeout = 10 * time.Second
)

// reasons recorded on fallback responses
const (
	FallbackEmptyInput   = "empty input"
	FallbackRejected     = "candidate rejected"
	FallbackBackendError = "backend error"
	FallbackCancelled    = "cancelled"
	FallbackInternal     = "internal error"
)

// Rand picks fallback entries and phrasing. *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	IntN(n int) int
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.IntN(n)
}

// NewRand returns a goroutine-safe Rand with a fixed seed.
func NewRand(seed uint64) Rand {
	return &lockedRand{r: rand.New(rand.NewPCG(seed, seed))}
}

type Validator interface {
	Validate(ctx context.Context, req gate.Request) gate.Response
}

type Request struct {
	Persona  Persona
	Input    string
	Scenario string
	UserID   uuid.UUID
}

type Response struct {
	Text        string `json:"text"`
	WasFallback bool   `json:"wasFallback"`
	// empty unless WasFallback
	FallbackReason string `json:"fallbackReason,omitempty"`
}

// Generator produces persona responses. Every returned text has either passed the gate, or is a pre-approved fallback.
type Generator struct {
	Gate Validator
	// optional; when nil, responses are composed from persona phrase tables
	Backend        Backend
	BackendTimeout time.Duration
	MaxLength      int
	Rand           Rand
	Recorder       *auditstore.Recorder
	Logger         *slog.Logger
}

func NewGenerator(g Validator, backend Backend, recorder *auditstore.Recorder, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		Gate:           g,
		Backend:        backend,
		BackendTimeout: DefaultBackendTimeout,
		MaxLength:      DefaultMaxLength,
		Rand:           NewRand(uint64(time.Now().UnixNano())),
		Recorder:       recorder,
		Logger:         logger,
	}
}

func (g *Generator) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}

func (g *Generator) Generate(ctx context.Context, req Request) (resp Response) {
	start := time.Now()
	prof, ok := req.Persona.profile()
	if !ok {
		g.logger().Warn("unknown persona, using default", "persona", req.Persona)
		req.Persona = EventNarrator
		prof = profiles[EventNarrator]
	}
	defer func() {
		if r := recover(); r != nil {
			g.logger().Error("response generation exception", "err", r, "persona", req.Persona)
			resp = g.fallback(ctx, req, prof, FallbackInternal)
		}
		outcome := "approved"
		if resp.WasFallback {
			outcome = "fallback"
		}
		responseCount.WithLabelValues(string(req.Persona), outcome).Inc()
		responseDuration.WithLabelValues(string(req.Persona)).Observe(time.Since(start).Seconds())
	}()

	if strings.TrimSpace(req.Input) == "" {
		return g.fallback(ctx, req, prof, FallbackEmptyInput)
	}
	if ctx.Err() != nil {
		return g.fallback(ctx, req, prof, FallbackCancelled)
	}

	candidate, err := g.candidate(ctx, req, prof)
	if err != nil {
		reason := FallbackBackendError
		if ctx.Err() != nil {
			reason = FallbackCancelled
		}
		g.logger().Warn("candidate generation failed", "err", err, "persona", req.Persona)
		return g.fallback(ctx, req, prof, reason)
	}
	candidate = Truncate(candidate, g.maxLength())

	verdict := g.Gate.Validate(ctx, gate.Request{
		UserID:  req.UserID,
		Content: candidate,
		Class:   classifier.ClassAIResponse,
		Topic:   prof.topic,
	})
	if !verdict.Approved {
		reason := FallbackRejected
		if ctx.Err() != nil {
			reason = FallbackCancelled
		}
		g.logger().Info("candidate response rejected", "persona", req.Persona, "reason", verdict.Reason)
		return g.fallback(ctx, req, prof, reason)
	}
	return Response{Text: candidate}
}

func (g *Generator) maxLength() int {
	if g.MaxLength > 0 {
		return g.MaxLength
	}
	return DefaultMaxLength
}

func (g *Generator) pick(n int) int {
	if g.Rand == nil {
		return 0
	}
	return g.Rand.IntN(n)
}

func (g *Generator) candidate(ctx context.Context, req Request, prof *profile) (string, error) {
	if g.Backend == nil {
		return g.compose(req.Input, prof), nil
	}
	timeout := g.BackendTimeout
	if timeout <= 0 {
		timeout = DefaultBackendTimeout
	}
	bctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, err := g.Backend.GenerateCandidate(bctx, systemPrompt(prof), userPrompt(prof, req.Input, req.Scenario))
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("backend returned empty response")
	}
	return text, nil
}

func (g *Generator) compose(input string, prof *profile) string {
	tokens := keyword.TokenizeText(input)
	text := prof.generic
outer:
	for _, b := range prof.bodies {
		for _, trigger := range b.triggers {
			for _, tok := range tokens {
				if keyword.MatchPrefix(tok, trigger) {
					text = b.text
					break outer
				}
			}
		}
	}
	opening := prof.openings[g.pick(len(prof.openings))]
	closing := prof.closings[g.pick(len(prof.closings))]
	return opening + " " + text + " " + closing
}

func (g *Generator) fallback(ctx context.Context, req Request, prof *profile, reason string) Response {
	text := prof.fallbacks[g.pick(len(prof.fallbacks))]
	g.Recorder.Record(ctx, auditstore.NewEvent(auditstore.EventResponseFallback, auditstore.SeverityInfo, req.UserID, reason, map[string]any{
		"persona": string(req.Persona),
		"reason":  reason,
	}))
	return Response{Text: text, WasFallback: true, FallbackReason: reason}
}

// Truncate shortens text to at most maxLen runes, preferring to cut at a word boundary and marking the cut with "...".
func Truncate(text string, maxLen int) string {
	r := []rune(text)
	if len(r) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return string(r[:max(maxLen, 0)])
	}
	limit := maxLen - 3
	cut := -1
	for i := limit; i > 0; i-- {
		if unicode.IsSpace(r[i]) {
			cut = i
			break
		}
	}
	if cut <= 0 {
		return string(r[:limit]) + "..."
	}
	return strings.TrimRightFunc(string(r[:cut]), unicode.IsSpace) + "..."
}

func systemPrompt(prof *profile) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a friendly guide in an educational game about world leadership, geography, and economics. Your focus is %s.\n\n", prof.name, prof.focus)
	sb.WriteString("Focus on:\n")
	for _, ins := range prof.instructions {
		fmt.Fprintf(&sb, "- %s\n", ins)
	}
	sb.WriteString(`
Response requirements:
- Keep responses under 300 characters
- Use simple, encouraging language for 12-year-old players
- Include words like learn, explore, discover, great
- Never ask for or mention personal information
- Use only positive words and avoid anything scary or unkind
- End with encouragement, not a question
`)
	return sb.String()
}

func userPrompt(prof *profile, input, scenario string) string {
	if scenario == "" {
		scenario = "general play"
	}
	return fmt.Sprintf("Game context: %s\n\nStudent input: %q\n\nRespond as %s. Address the input with enthusiasm and teach one new thing related to your focus.", scenario, input, prof.name)
}
