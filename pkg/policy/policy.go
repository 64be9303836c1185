package policy

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/agentgov/pkg/telemetry"
)

// Action defines the outcome of a policy evaluation.
type Action string

const (
	// ActionAllow permits the direct access.
	ActionAllow Action = "allow"
	// ActionDeny refuses the direct access.
	ActionDeny Action = "deny"
)

// Decision captures the result of an access evaluation.
type Decision struct {
	Action   Action            `json:"action"`
	Reason   string            `json:"reason,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Allowed reports whether the decision permits access.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

// Input describes one direct-access attempt.
type Input struct {
	Caller     string
	Agent      string
	Method     string
	StrictMode bool

	Entrypoint   string
	DisableCache bool
}

// Evaluator evaluates an access decision for a given input.
type Evaluator interface {
	Evaluate(ctx context.Context, input Input) (Decision, error)
}

// Authorize evaluates input and applies the failure posture when the
// evaluator errors. A nil evaluator applies the built-in strict-mode rule.
// The decision is recorded on the span carried by ctx.
func Authorize(ctx context.Context, evaluator Evaluator, input Input, mode Mode, logger *slog.Logger) Decision {
	decision := authorize(ctx, evaluator, input, mode, logger)
	telemetry.RecordAccessDecision(trace.SpanFromContext(ctx), string(decision.Action), decision.Reason, decision.Metadata)
	return decision
}

func authorize(ctx context.Context, evaluator Evaluator, input Input, mode Mode, logger *slog.Logger) Decision {
	if logger == nil {
		logger = slog.Default()
	}
	if evaluator == nil {
		return strictModeDecision(input.StrictMode)
	}

	decision, err := evaluator.Evaluate(ctx, input)
	if err == nil {
		return decision
	}

	if mode == "" {
		mode = PostureFor(input.StrictMode)
	}
	logger.Error("access policy evaluation failed",
		"caller", input.Caller,
		"agent", input.Agent,
		"posture", mode,
		"error", err,
	)
	if mode == ModeFailOpen {
		return Decision{Action: ActionAllow, Reason: "policy unavailable, failing open: " + err.Error()}
	}
	return Decision{Action: ActionDeny, Reason: "policy unavailable, failing closed: " + err.Error()}
}

func strictModeDecision(strict bool) Decision {
	if strict {
		return Decision{Action: ActionDeny, Reason: strictModeReason}
	}
	return Decision{Action: ActionAllow, Reason: allowReason}
}
