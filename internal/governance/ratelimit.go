package governance

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultRequestsPerMinute = 60
	defaultAdmitThreshold    = 0.95
	defaultRateWindow        = time.Minute
	defaultMaxPenalty        = 60 * time.Second
)

// RateLimiterConfig defines per-integration pacing settings.
type RateLimiterConfig struct {
	// MaxRequestsPerMinute is the admission ceiling inside the trailing window.
	MaxRequestsPerMinute int `yaml:"max_requests_per_minute" json:"max_requests_per_minute"`
	// Threshold is the fraction of the ceiling at which callers start waiting.
	Threshold float64 `yaml:"threshold" json:"threshold"`
	// MaxPenalty caps the backoff set by Penalize.
	MaxPenalty time.Duration `yaml:"max_penalty" json:"max_penalty"`
}

func (c RateLimiterConfig) withDefaults() RateLimiterConfig {
	if c.MaxRequestsPerMinute <= 0 {
		c.MaxRequestsPerMinute = defaultRequestsPerMinute
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = defaultAdmitThreshold
	}
	if c.MaxPenalty <= 0 {
		c.MaxPenalty = defaultMaxPenalty
	}
	return c
}

// RateLimiter paces requests to one outbound integration using a trailing
// 60-second window of admission timestamps plus an optional penalty cooldown.
//
// When the window fills past the threshold the caller waits until the oldest
// admission leaves the window, after which the whole window is cleared rather
// than trimmed. That reset can under-count a burst that immediately follows the
// wait. Stats reports each reset in Resets.
type RateLimiter struct {
	integration string
	logger      *slog.Logger

	// turn serialises Acquire callers while still letting them observe ctx.
	turn chan struct{}

	mu           sync.Mutex
	config       RateLimiterConfig
	window       []time.Time
	backoffUntil time.Time
	waits        int64
	resets       int64
	lastWait     time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter creates a limiter for a single integration.
func NewRateLimiter(integration string, config RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		integration: integration,
		logger:      logger,
		turn:        make(chan struct{}, 1),
		config:      config.withDefaults(),
		now:         time.Now,
		sleep:       sleepContext,
	}
}

// Configure updates the limiter's ceiling without discarding the current window.
func (rl *RateLimiter) Configure(config RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.config = config.withDefaults()
}

// Acquire blocks until admitting one more request is safe, or ctx is done.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	select {
	case rl.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-rl.turn }()

	// Penalize may extend the cooldown while we sleep; keep waiting until none is pending.
	for {
		until, wait := rl.pendingPenalty()
		if wait <= 0 {
			break
		}
		rl.logger.Warn("rate limiter honouring penalty backoff",
			"integration", rl.integration,
			"wait", wait,
		)
		if err := rl.sleep(ctx, wait); err != nil {
			return err
		}
		rl.mu.Lock()
		if rl.backoffUntil.Equal(until) {
			rl.backoffUntil = time.Time{}
		}
		rl.waits++
		rl.lastWait = wait
		rl.mu.Unlock()
	}

	if wait, full := rl.windowWait(); full {
		rl.logger.Info("rate limiter window full, pacing caller",
			"integration", rl.integration,
			"wait", wait,
		)
		if err := rl.sleep(ctx, wait); err != nil {
			return err
		}
		rl.mu.Lock()
		rl.window = rl.window[:0]
		rl.waits++
		rl.resets++
		rl.lastWait = wait
		rl.mu.Unlock()
	}

	rl.mu.Lock()
	rl.window = append(rl.window, rl.now())
	rl.mu.Unlock()
	return nil
}

// Penalize sets a cooldown of min(2^retryCount seconds, MaxPenalty).
func (rl *RateLimiter) Penalize(retryCount int) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	penalty := rl.config.MaxPenalty
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount < 30 {
		if d := time.Duration(1<<uint(retryCount)) * time.Second; d < penalty {
			penalty = d
		}
	}
	rl.backoffUntil = rl.now().Add(penalty)

	rl.logger.Warn("rate limiter penalised",
		"integration", rl.integration,
		"retry_count", retryCount,
		"backoff", penalty,
	)
	return penalty
}

// pendingPenalty returns the active cooldown deadline and the time left until it.
func (rl *RateLimiter) pendingPenalty() (time.Time, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.backoffUntil.IsZero() {
		return time.Time{}, 0
	}
	until := rl.backoffUntil
	remaining := until.Sub(rl.now())
	if remaining <= 0 {
		rl.backoffUntil = time.Time{}
		return time.Time{}, 0
	}
	return until, remaining
}

// windowWait trims expired admissions and reports whether the caller must wait.
func (rl *RateLimiter) windowWait() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-defaultRateWindow)
	kept := rl.window[:0]
	for _, ts := range rl.window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	rl.window = kept

	if len(rl.window) == 0 {
		return 0, false
	}
	if float64(len(rl.window)) < rl.config.Threshold*float64(rl.config.MaxRequestsPerMinute) {
		return 0, false
	}

	wait := defaultRateWindow - now.Sub(rl.window[0])
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// Stats returns the current state of the limiter.
func (rl *RateLimiter) Stats() RateLimitStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	stats := RateLimitStats{
		Integration: rl.integration,
		Limit:       rl.config.MaxRequestsPerMinute,
		InWindow:    len(rl.window),
		Waits:       rl.waits,
		Resets:      rl.resets,
		LastWait:    rl.lastWait,
	}
	if !rl.backoffUntil.IsZero() {
		stats.BackoffUntil = rl.backoffUntil.UTC().Format(time.RFC3339)
	}
	return stats
}

// RateLimitStats exposes current state of an integration's rate window.
type RateLimitStats struct {
	Integration  string        `json:"integration"`
	Limit        int           `json:"limit"`
	InWindow     int           `json:"inWindow"`
	BackoffUntil string        `json:"backoffUntil,omitempty"`
	Waits        int64         `json:"waits"`
	Resets       int64         `json:"resets"`
	LastWait     time.Duration `json:"lastWait"`
}

// RateLimiters holds one RateLimiter per outbound integration.
type RateLimiters struct {
	mu       sync.RWMutex
	limiters map[string]*RateLimiter
	config   map[string]RateLimiterConfig
	defaults RateLimiterConfig
	logger   *slog.Logger
}

// NewRateLimiters creates a limiter set. Integrations without an explicit entry use defaults.
func NewRateLimiters(defaults RateLimiterConfig, config map[string]RateLimiterConfig, logger *slog.Logger) *RateLimiters {
	if logger == nil {
		logger = slog.Default()
	}
	rls := &RateLimiters{
		limiters: make(map[string]*RateLimiter),
		defaults: defaults.withDefaults(),
		logger:   logger,
	}
	rls.Configure(config)
	return rls
}

// Configure replaces per-integration limits, preserving the windows of existing limiters.
func (s *RateLimiters) Configure(config map[string]RateLimiterConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.config = make(map[string]RateLimiterConfig, len(config))
	for integration, cfg := range config {
		s.config[integration] = cfg
	}
	for integration, limiter := range s.limiters {
		limiter.Configure(s.configFor(integration))
	}
}

func (s *RateLimiters) configFor(integration string) RateLimiterConfig {
	if cfg, ok := s.config[integration]; ok {
		return cfg
	}
	return s.defaults
}

// For returns the limiter for integration, creating it on first use.
func (s *RateLimiters) For(integration string) *RateLimiter {
	s.mu.RLock()
	limiter, ok := s.limiters[integration]
	s.mu.RUnlock()
	if ok {
		return limiter
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if limiter, ok := s.limiters[integration]; ok {
		return limiter
	}
	limiter = NewRateLimiter(integration, s.configFor(integration), s.logger)
	s.limiters[integration] = limiter
	return limiter
}

// Stats returns current rate limit statistics for all integrations.
func (s *RateLimiters) Stats() map[string]RateLimitStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]RateLimitStats, len(s.limiters))
	for integration, limiter := range s.limiters {
		stats[integration] = limiter.Stats()
	}
	return stats
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
