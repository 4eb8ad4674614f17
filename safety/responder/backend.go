package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/kidgate/pkg/robusthttp"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

var ErrBackendUnconfigured = errors.New("generation backend is not configured")

// Backend produces a candidate response from an external model. Candidates are untrusted until they pass the gate.
type Backend interface {
	GenerateCandidate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

type ChatConfig struct {
	// full URL of an OpenAI-compatible chat completions endpoint
	URL         string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	// requests per second; zero means unlimited
	RateLimit float64
}

// ChatBackend calls an OpenAI-compatible chat completions API. Calls are rate limited, and a circuit breaker stops calling a failing upstream for a while so that players get fallbacks quickly.
type ChatBackend struct {
	Config  ChatConfig
	Client  *http.Client
	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker
	Logger  *slog.Logger
}

var _ Backend = (*ChatBackend)(nil)

func NewChatBackend(cfg ChatConfig, logger *slog.Logger) (*ChatBackend, error) {
	if cfg.URL == "" {
		return nil, ErrBackendUnconfigured
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 200
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "generation-backend",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &ChatBackend{
		Config: cfg,
		// retries are left to the breaker; a player is waiting
		Client: robusthttp.NewClient(
			robusthttp.WithMaxRetries(1),
			robusthttp.WithLogger(logger),
		),
		Limiter: limiter,
		Breaker: breaker,
		Logger:  logger,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (b *ChatBackend) GenerateCandidate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if b.Limiter != nil {
		if err := b.Limiter.Wait(ctx); err != nil {
			backendCallCount.WithLabelValues("ratelimited").Inc()
			return "", fmt.Errorf("waiting for backend rate limit: %w", err)
		}
	}
	call := func() (interface{}, error) {
		return b.call(ctx, systemPrompt, userPrompt)
	}
	var out interface{}
	var err error
	if b.Breaker != nil {
		out, err = b.Breaker.Execute(call)
	} else {
		out, err = call()
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			backendCallCount.WithLabelValues("open").Inc()
		} else {
			backendCallCount.WithLabelValues("error").Inc()
		}
		return "", err
	}
	backendCallCount.WithLabelValues("ok").Inc()
	return out.(string), nil
}

func (b *ChatBackend) call(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: b.Config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:   b.Config.MaxTokens,
		Temperature: b.Config.Temperature,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.Config.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.Config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.Config.APIKey)
	}

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling generation backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("generation backend HTTP status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var payload chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decoding generation backend response: %w", err)
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("generation backend returned no choices")
	}
	return payload.Choices[0].Message.Content, nil
}
