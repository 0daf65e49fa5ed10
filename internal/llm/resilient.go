package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/clinic-scheduling-assistant/internal/observability/metrics"
	"github.com/hackgods/clinic-scheduling-assistant/pkg/logging"
)

var tracer = otel.Tracer("clinic.internal.llm")

// RetryClient bounds every attempt with a timeout and gives up after a fixed
// number of attempts. The final error wraps ErrUnavailable.
type RetryClient struct {
	next     Client
	provider string
	timeout  time.Duration
	attempts int
	backoff  time.Duration
	logger   *logging.Logger
	metrics  *metrics.SchedulingMetrics
}

type RetryConfig struct {
	Provider    string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

func NewRetryClient(next Client, cfg RetryConfig, logger *logging.Logger, m *metrics.SchedulingMetrics) *RetryClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RetryClient{
		next:     next,
		provider: cfg.Provider,
		timeout:  cfg.Timeout,
		attempts: cfg.MaxAttempts,
		backoff:  cfg.Backoff,
		logger:   logger,
		metrics:  m,
	}
}

func (c *RetryClient) Complete(ctx context.Context, req Request) (Completion, error) {
	ctx, span := tracer.Start(ctx, "llm.complete")
	defer span.End()
	span.SetAttributes(attribute.String("llm.provider", c.provider))

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		out, err := c.attempt(ctx, req)
		if err == nil {
			c.metrics.ObserveLLMCall(c.provider, "ok")
			return out, nil
		}
		lastErr = err
		c.metrics.ObserveLLMCall(c.provider, "error")
		c.logger.Warn("llm attempt failed",
			"provider", c.provider,
			"attempt", attempt,
			"error", err,
		)
		if ctx.Err() != nil {
			break
		}
		if attempt < c.attempts && c.backoff > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(c.backoff):
			}
		}
	}
	span.RecordError(lastErr)
	return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, c.provider, lastErr)
}

func (c *RetryClient) attempt(ctx context.Context, req Request) (Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.Complete(ctx, req)
}

// FallbackClient asks the secondary model when the primary one fails.
type FallbackClient struct {
	primary   Client
	secondary Client
	logger    *logging.Logger
}

func NewFallbackClient(primary, secondary Client, logger *logging.Logger) *FallbackClient {
	if logger == nil {
		logger = logging.Default()
	}
	return &FallbackClient{primary: primary, secondary: secondary, logger: logger}
}

func (c *FallbackClient) Complete(ctx context.Context, req Request) (Completion, error) {
	out, err := c.primary.Complete(ctx, req)
	if err == nil || c.secondary == nil {
		return out, err
	}
	if ctx.Err() != nil {
		return nil, err
	}
	c.logger.Warn("primary model failed, using fallback", "error", err)
	out, fbErr := c.secondary.Complete(ctx, req)
	if fbErr != nil {
		return nil, errors.Join(err, fbErr)
	}
	return out, nil
}
