package registry

import (
	"context"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/agentgov/pkg/domain"
	"github.com/polisai/agentgov/pkg/policy"
	"github.com/polisai/agentgov/pkg/telemetry"
)

const unsafeAccessMethod = "UnsafeAccess"

var tracer = otel.Tracer("agentgov/registry")

// FacadeConfig configures the sanctioned entry point.
type FacadeConfig struct {
	// StrictMode refuses every direct access regardless of policy.
	StrictMode bool
	// Policy decides direct accesses outside strict mode. Nil applies the
	// built-in rule only.
	Policy policy.Evaluator
	// FailureMode overrides the posture applied when Policy errors.
	FailureMode policy.Mode
	Logger      *slog.Logger
}

// Facade is the sanctioned way to invoke registered agents. It implements
// domain.AgentDispatcher.
type Facade struct {
	registry    *Registry
	policy      policy.Evaluator
	failureMode policy.Mode
	strict      atomic.Bool
	logger      *slog.Logger
}

// NewFacade wraps registry.
func NewFacade(registry *Registry, cfg FacadeConfig) *Facade {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	f := &Facade{
		registry:    registry,
		policy:      cfg.Policy,
		failureMode: cfg.FailureMode,
		logger:      logger,
	}
	f.strict.Store(cfg.StrictMode)
	return f
}

// Execute invokes name through the compliance ledger. Results carry Migrated,
// marking that the call took the tracked path rather than UnsafeAccess.
func (f *Facade) Execute(ctx context.Context, name string, ectx *domain.ExecutionContext) (domain.ExecutionResult, error) {
	res, err := f.registry.ExecuteWithTracking(ctx, name, ectx)
	if err != nil {
		return res, err
	}
	res.Migrated = true
	return res, nil
}

// Has reports whether name is registered.
func (f *Facade) Has(name string) bool {
	return f.registry.Has(name)
}

// Registry returns the underlying ledger.
func (f *Facade) Registry() *Registry {
	return f.registry
}

// StrictMode reports whether direct access is currently refused.
func (f *Facade) StrictMode() bool {
	return f.strict.Load()
}

// SetStrictMode toggles strict mode at runtime.
func (f *Facade) SetStrictMode(strict bool) {
	if f.strict.Swap(strict) != strict {
		f.logger.Info("strict mode changed", "strict_mode", strict)
	}
}

// UnsafeAccess hands out the raw agent, skipping compliance tracking. The
// caller must identify itself with callSite. Every call is logged as a
// bypass warning; in strict mode, or when the policy denies it, no agent is
// returned and the error has KindForbidden.
//
// Deprecated: use Execute. This exists for legacy call sites being migrated.
func (f *Facade) UnsafeAccess(ctx context.Context, callSite, name string) (domain.Agent, error) {
	ctx, span := tracer.Start(ctx, "registry.unsafe_access", trace.WithAttributes(
		telemetry.RedactAttributes(nil, []attribute.KeyValue{
			attribute.String("caller", callSite),
			attribute.String("agent.name", name),
		})...,
	))
	defer span.End()

	f.registry.LogBypassWarning(callSite, name, unsafeAccessMethod)

	agent, ok := f.registry.agentFor(name)
	if !ok {
		return nil, domain.NewError(domain.KindNotFound, domain.ErrAgentNotFound, "agent %q", name)
	}

	decision := policy.Authorize(ctx, f.policy, policy.Input{
		Caller:     callSite,
		Agent:      name,
		Method:     unsafeAccessMethod,
		StrictMode: f.StrictMode(),
	}, f.failureMode, f.logger)
	if f.StrictMode() && decision.Allowed() {
		decision = policy.Decision{Action: policy.ActionDeny, Reason: "strict mode is on"}
	}
	telemetry.RecordBypass(ctx, name, decision.Allowed())
	if !decision.Allowed() {
		f.logger.Warn("direct agent access refused", "caller", callSite, "agent", name, "reason", decision.Reason)
		return nil, &domain.DomainError{
			Err:     domain.ErrDirectAccessDenied,
			Kind:    domain.KindForbidden,
			Code:    "DIRECT_ACCESS_DENIED",
			Message: "direct access to agent " + name + " denied: " + decision.Reason,
			Details: map[string]any{"caller": callSite, "agent": name},
		}
	}
	return agent, nil
}
