package governance

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TimeoutConfig defines deadlines applied to top-level executions.
type TimeoutConfig struct {
	// RequestTimeout bounds a complete Enrich→Route→Persist run.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	// RecoveryTimeout bounds the recovery pattern invoked after a routing failure.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	// PersistTimeout bounds the provenance write and auto-save.
	PersistTimeout time.Duration `yaml:"persist_timeout" json:"persist_timeout"`
}

// DefaultTimeoutConfig returns sensible timeout defaults.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		RequestTimeout:  2 * time.Minute,
		RecoveryTimeout: 30 * time.Second,
		PersistTimeout:  15 * time.Second,
	}
}

// TimeoutManager enforces timeout policies on executions.
type TimeoutManager struct {
	mu     sync.RWMutex
	config TimeoutConfig
}

// NewTimeoutManager creates a timeout manager with the given configuration.
func NewTimeoutManager(config TimeoutConfig) *TimeoutManager {
	defaults := DefaultTimeoutConfig()
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = defaults.PersistTimeout
	}
	return &TimeoutManager{config: config}
}

// Config returns a copy of the current timeout configuration.
func (tm *TimeoutManager) Config() TimeoutConfig {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.config
}

// Configure updates the timeout configuration.
func (tm *TimeoutManager) Configure(config TimeoutConfig) error {
	if config.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if config.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery timeout must be positive")
	}
	if config.PersistTimeout <= 0 {
		return fmt.Errorf("persist timeout must be positive")
	}
	tm.mu.Lock()
	tm.config = config
	tm.mu.Unlock()
	return nil
}

// WithRequestTimeout derives a context bounded by the request timeout. An
// earlier deadline already present on ctx wins.
func (tm *TimeoutManager) WithRequestTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, tm.Config().RequestTimeout)
}

// WithRecoveryTimeout derives a context for the recovery step. It is detached
// from ctx's cancellation so that recovery can still run after the request
// deadline fired, but it keeps ctx's values.
func (tm *TimeoutManager) WithRecoveryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), tm.Config().RecoveryTimeout)
}

// WithPersistTimeout derives a detached context for provenance persistence.
func (tm *TimeoutManager) WithPersistTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), tm.Config().PersistTimeout)
}
