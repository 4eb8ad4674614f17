package robusthttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// retryLogger adapts slog to retryablehttp. Intermediate failures are expected when retrying, so ERROR is logged as WARN.
type retryLogger struct {
	inner *slog.Logger
}

func (l retryLogger) Error(msg string, kv ...any) { l.inner.Warn(msg, kv...) }
func (l retryLogger) Warn(msg string, kv ...any)  { l.inner.Warn(msg, kv...) }
func (l retryLogger) Info(msg string, kv ...any)  { l.inner.Info(msg, kv...) }
func (l retryLogger) Debug(msg string, kv ...any) { l.inner.Debug(msg, kv...) }

type settings struct {
	maxRetries int
	waitMin    time.Duration
	waitMax    time.Duration
	timeout    time.Duration
	logger     *slog.Logger
}

type Option func(*settings)

func WithMaxRetries(n int) Option {
	return func(s *settings) { s.maxRetries = n }
}

// WithRetryWaitMax caps the backoff between attempts.
func WithRetryWaitMax(d time.Duration) Option {
	return func(s *settings) { s.waitMax = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithTimeout bounds a whole request, retries included.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// NewClient returns a plain *http.Client backed by retryablehttp, with otel tracing on the transport.
//
// Connection errors and 5xx responses (except 501) are retried with backoff; 4xx responses, including 429, are returned to the caller. Defaults are two retries and a 15 second budget.
func NewClient(options ...Option) *http.Client {
	s := settings{
		maxRetries: 2,
		waitMin:    200 * time.Millisecond,
		waitMax:    2 * time.Second,
		timeout:    15 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(&s)
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Transport = otelhttp.NewTransport(cleanhttp.DefaultPooledTransport())
	rc.RetryMax = s.maxRetries
	rc.RetryWaitMin = min(s.waitMin, s.waitMax)
	rc.RetryWaitMax = s.waitMax
	rc.Logger = retryablehttp.LeveledLogger(retryLogger{inner: s.logger.With("subsystem", "robusthttp")})
	rc.CheckRetry = RetryPolicy

	client := rc.StandardClient()
	client.Timeout = s.timeout
	return client
}

// RetryPolicy is retryablehttp.DefaultRetryPolicy, except that 429 is returned to the caller rather than retried.
func RetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}
