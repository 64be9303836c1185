package governance

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/polisai/agentgov/pkg/domain"
)

// Operation is a unit of outbound work the retry policy may attempt repeatedly.
type Operation func(ctx context.Context) (any, error)

// RetryConfig defines default retry behaviour for outbound calls.
type RetryConfig struct {
	// MaxRetries is the total number of attempts (minimum 1).
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// Backoff is the base delay; attempt n sleeps Backoff * 2^n.
	Backoff time.Duration `yaml:"backoff" json:"backoff"`
	// MaxBackoff caps a single sleep.
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff"`
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		Backoff:    time.Second,
		MaxBackoff: 60 * time.Second,
	}
}

// RetryOptions tune a single Execute call. Zero values fall back to the policy config.
type RetryOptions struct {
	Component  string
	MaxRetries int
	Backoff    time.Duration
	// Limiter, when set, is penalised whenever an attempt fails with a rate-limit reason.
	Limiter *RateLimiter

	fallback    any
	hasFallback bool
}

// WithFallback returns a copy of o that substitutes value once retries are exhausted.
func (o RetryOptions) WithFallback(value any) RetryOptions {
	o.fallback = value
	o.hasFallback = true
	return o
}

// RetryStats are running counters kept by a RetryPolicy.
type RetryStats struct {
	Requests      int64         `json:"requests"`
	Successes     int64         `json:"successes"`
	Failures      int64         `json:"failures"`
	TotalLatency  time.Duration `json:"total_latency"`
	FallbacksUsed int64         `json:"fallbacks_used"`
}

// AvgLatency is the mean latency of successful calls.
func (s RetryStats) AvgLatency() time.Duration {
	if s.Successes == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.Successes)
}

// SuccessRate is the fraction of requests that eventually succeeded.
func (s RetryStats) SuccessRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Requests)
}

// RetryPolicy wraps operations with bounded retry, exponential backoff,
// failure categorisation and optional fallback substitution.
type RetryPolicy struct {
	config   RetryConfig
	recorder domain.FallbackRecorder
	logger   *slog.Logger

	mu    sync.Mutex
	stats RetryStats

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy creates a retry policy. recorder may be nil.
func NewRetryPolicy(config RetryConfig, recorder domain.FallbackRecorder, logger *slog.Logger) *RetryPolicy {
	defaults := DefaultRetryConfig()
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.Backoff <= 0 {
		config.Backoff = defaults.Backoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryPolicy{
		config:   config,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// CalculateBackoff returns the delay before the attempt following attempt.
func (rp *RetryPolicy) CalculateBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = rp.config.Backoff
	}
	backoff := base
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= rp.config.MaxBackoff {
			return rp.config.MaxBackoff
		}
	}
	if backoff > rp.config.MaxBackoff {
		backoff = rp.config.MaxBackoff
	}
	return backoff
}

// Execute runs op until it succeeds or opts.MaxRetries attempts have failed.
//
// After exhaustion the configured fallback is returned and a fallback event is
// recorded; without a fallback the last failure is returned as a KindRemote
// DomainError carrying its categorised reason.
func (rp *RetryPolicy) Execute(ctx context.Context, op Operation, opts RetryOptions) (any, error) {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = rp.config.MaxRetries
	}

	rp.mu.Lock()
	rp.stats.Requests++
	rp.mu.Unlock()

	var lastErr error
	var reason domain.FallbackReason

	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			reason = CategorizeError(err)
			break
		}

		start := rp.now()
		value, err := op(ctx)
		if err == nil {
			latency := rp.now().Sub(start)
			rp.mu.Lock()
			rp.stats.Successes++
			rp.stats.TotalLatency += latency
			rp.mu.Unlock()
			return value, nil
		}

		lastErr = err
		reason = CategorizeError(err)
		rp.logger.Warn("operation attempt failed",
			"component", opts.Component,
			"attempt", attempt+1,
			"max_retries", maxRetries,
			"reason", reason,
			"error", err,
		)

		if reason == domain.ReasonRateLimit && opts.Limiter != nil {
			opts.Limiter.Penalize(attempt + 1)
		}

		// Don't backoff after the last attempt
		if attempt < maxRetries-1 {
			if serr := rp.sleep(ctx, rp.CalculateBackoff(opts.Backoff, attempt)); serr != nil {
				break
			}
		}
	}

	rp.mu.Lock()
	rp.stats.Failures++
	if opts.hasFallback {
		rp.stats.FallbacksUsed++
	}
	rp.mu.Unlock()

	if opts.hasFallback {
		dataType := fallbackDataType(opts.fallback)
		rp.logger.Warn("retries exhausted, substituting fallback",
			"component", opts.Component,
			"reason", reason,
			"data_type", dataType,
		)
		if rp.recorder != nil {
			rp.recorder.MarkFallback(opts.Component, reason, dataType)
		}
		return opts.fallback, nil
	}

	rp.logger.Error("retries exhausted",
		"component", opts.Component,
		"reason", reason,
		"error", lastErr,
	)
	return nil, domain.RemoteError(reason, lastErr)
}

// Stats returns a copy of the running counters.
func (rp *RetryPolicy) Stats() RetryStats {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.stats
}

// ResetStats zeroes the running counters.
func (rp *RetryPolicy) ResetStats() {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.stats = RetryStats{}
}

// fallbackDataType reports cached for structured fallbacks and default otherwise.
func fallbackDataType(v any) domain.DataType {
	if v == nil {
		return domain.DataDefault
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Map, reflect.Struct, reflect.Slice, reflect.Array:
		return domain.DataCached
	case reflect.Pointer:
		elem := reflect.TypeOf(v).Elem().Kind()
		if elem == reflect.Struct || elem == reflect.Map {
			return domain.DataCached
		}
	}
	return domain.DataDefault
}
