package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/agentgov/pkg/domain"
)

var (
	metricsOnce           sync.Once
	metricsInitErr        error
	executionCounter      metric.Int64Counter
	executionLatency      metric.Float64Histogram
	agentExecutionCounter metric.Int64Counter
	agentStoredCounter    metric.Int64Counter
	fallbackCounter       metric.Int64Counter
	bypassCounter         metric.Int64Counter
)

// Execution paths reported on the execution counter.
const (
	PathPattern  = "pattern"
	PathFallback = "fallback_dispatch"
	PathRecovery = "recovery"
	PathNone     = "unresolved"
)

// ExecutionMetrics captures one top-level execution.
type ExecutionMetrics struct {
	RequestType string
	Agent       string
	Path        string
	Failed      bool
	Reason      domain.FallbackReason
	Duration    time.Duration
}

// RecordExecution emits the executor counter and latency histogram.
func RecordExecution(ctx context.Context, m ExecutionMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	outcome := "success"
	if m.Failed {
		outcome = "failure"
	}
	attrs := []attribute.KeyValue{
		attribute.String("request.type", m.RequestType),
		attribute.String("agent.name", m.Agent),
		attribute.String("execution.path", m.Path),
		attribute.String("execution.outcome", outcome),
	}
	if m.Reason != "" {
		attrs = append(attrs, attribute.String("fallback.reason", string(m.Reason)))
	}

	executionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.Duration > 0 {
		executionLatency.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

// AgentObserver counts tracked agent executions. It satisfies registry.Observer.
type AgentObserver struct{}

// AgentExecuted records one tracked execution of agent.
func (AgentObserver) AgentExecuted(ctx context.Context, agent string, result domain.ExecutionResult, _ time.Duration) {
	if err := ensureMetrics(); err != nil {
		return
	}
	outcome := "success"
	if result.Failed() {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("agent.name", agent),
		attribute.String("execution.outcome", outcome),
	)
	agentExecutionCounter.Add(ctx, 1, attrs)
	if result.GraphStored {
		agentStoredCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("agent.name", agent)))
	}
}

// FallbackCounter forwards fallback events to next after counting them.
type FallbackCounter struct {
	next domain.FallbackRecorder
}

// NewFallbackCounter wraps next. A nil next only counts.
func NewFallbackCounter(next domain.FallbackRecorder) *FallbackCounter {
	return &FallbackCounter{next: next}
}

// MarkFallback counts the event and forwards it.
func (c *FallbackCounter) MarkFallback(component string, reason domain.FallbackReason, dataType domain.DataType) {
	if err := ensureMetrics(); err == nil {
		fallbackCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("fallback.reason", string(reason)),
			attribute.String("fallback.data_type", string(dataType)),
		))
	}
	if c.next != nil {
		c.next.MarkFallback(component, reason, dataType)
	}
}

// RecordBypass counts a direct agent access and whether it was allowed.
func RecordBypass(ctx context.Context, agent string, allowed bool) {
	if err := ensureMetrics(); err != nil {
		return
	}
	bypassCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent.name", agent),
		attribute.Bool("access.allowed", allowed),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("agentgov")

		executionCounter, metricsInitErr = meter.Int64Counter(
			"agentgov.executions_total",
			metric.WithDescription("Top-level executions partitioned by path and outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		executionLatency, metricsInitErr = meter.Float64Histogram(
			"agentgov.execution.duration_ms",
			metric.WithDescription("Observed end-to-end execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		agentExecutionCounter, metricsInitErr = meter.Int64Counter(
			"agentgov.agent.executions_total",
			metric.WithDescription("Tracked agent executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		agentStoredCounter, metricsInitErr = meter.Int64Counter(
			"agentgov.agent.graph_stored_total",
			metric.WithDescription("Agent executions that reported a knowledge graph write"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		fallbackCounter, metricsInitErr = meter.Int64Counter(
			"agentgov.fallbacks_total",
			metric.WithDescription("Degraded responses partitioned by reason and data type"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		bypassCounter, metricsInitErr = meter.Int64Counter(
			"agentgov.bypass_total",
			metric.WithDescription("Direct agent accesses outside the execution facade"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

// RecordExecutionResult annotates span with the outcome of an execution.
func RecordExecutionResult(span trace.Span, result domain.ExecutionResult) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("execution.pattern_routed", result.PatternRouted),
		attribute.Bool("execution.fallback_mode", result.FallbackMode),
		attribute.Bool("execution.graph_stored", result.GraphStored),
		attribute.Bool("execution.recovered", result.Recovered),
	}
	if result.Agent != "" {
		attrs = append(attrs, attribute.String("agent.name", result.Agent))
	}
	if result.Reason != "" {
		attrs = append(attrs, attribute.String("fallback.reason", string(result.Reason)))
	}
	span.SetAttributes(attrs...)

	if result.Failed() {
		span.SetAttributes(attribute.String("error.kind", string(result.Kind)))
		span.SetStatus(codes.Error, result.Error)
	}
}

// RecordAccessDecision annotates span with a direct-access decision.
func RecordAccessDecision(span trace.Span, action, reason string, metadata map[string]string) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(attribute.String("access.decision.action", action))
	if reason != "" {
		span.SetAttributes(attribute.String("access.decision.reason", reason))
	}
	for key, value := range metadata {
		if value == "" {
			continue
		}
		span.SetAttributes(attribute.String("access."+key, value))
	}
	if action == "deny" {
		span.AddEvent("access.denied")
	}
}
