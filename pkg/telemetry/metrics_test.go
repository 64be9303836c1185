package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/agentgov/pkg/domain"
)

func installReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})
	ResetMetricsForTest()
	return reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func sumOf(t *testing.T, metrics map[string]metricdata.Metrics, name string) metricdata.Sum[int64] {
	t.Helper()
	m, ok := metrics[name]
	require.True(t, ok, "missing metric %s", name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "unexpected data type for %s", name)
	return sum
}

func TestRecordExecution(t *testing.T) {
	reader := installReader(t)

	RecordExecution(context.Background(), ExecutionMetrics{
		RequestType: "analysis",
		Agent:       "market_data",
		Path:        PathFallback,
		Failed:      true,
		Reason:      domain.ReasonTimeout,
		Duration:    150 * time.Millisecond,
	})

	metrics := collect(t, reader)
	execs := sumOf(t, metrics, "agentgov.executions_total")
	require.Len(t, execs.DataPoints, 1)
	assert.EqualValues(t, 1, execs.DataPoints[0].Value)

	attrs := execs.DataPoints[0].Attributes
	path, ok := attrs.Value("execution.path")
	require.True(t, ok)
	assert.Equal(t, PathFallback, path.AsString())
	outcome, _ := attrs.Value("execution.outcome")
	assert.Equal(t, "failure", outcome.AsString())
	reason, _ := attrs.Value("fallback.reason")
	assert.Equal(t, "timeout", reason.AsString())

	hist, ok := metrics["agentgov.execution.duration_ms"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.EqualValues(t, 1, hist.DataPoints[0].Count)
	assert.InDelta(t, 150.0, hist.DataPoints[0].Sum, 1e-9)
}

func TestAgentObserver(t *testing.T) {
	reader := installReader(t)
	obs := AgentObserver{}
	ctx := context.Background()

	obs.AgentExecuted(ctx, "market_data", domain.ExecutionResult{GraphStored: true}, time.Millisecond)
	obs.AgentExecuted(ctx, "market_data", domain.ExecutionResult{GraphStored: true}, time.Millisecond)
	obs.AgentExecuted(ctx, "market_data", domain.ExecutionResult{Error: "boom"}, time.Millisecond)

	metrics := collect(t, reader)
	execs := sumOf(t, metrics, "agentgov.agent.executions_total")
	total := int64(0)
	for _, dp := range execs.DataPoints {
		total += dp.Value
	}
	assert.EqualValues(t, 3, total)
	assert.Len(t, execs.DataPoints, 2, "success and failure series")

	stored := sumOf(t, metrics, "agentgov.agent.graph_stored_total")
	require.Len(t, stored.DataPoints, 1)
	assert.EqualValues(t, 2, stored.DataPoints[0].Value)
}

type recordedFallback struct {
	component string
	reason    domain.FallbackReason
	dataType  domain.DataType
}

type fallbackSink struct{ events []recordedFallback }

func (s *fallbackSink) MarkFallback(component string, reason domain.FallbackReason, dataType domain.DataType) {
	s.events = append(s.events, recordedFallback{component, reason, dataType})
}

func TestFallbackCounterForwards(t *testing.T) {
	reader := installReader(t)
	sink := &fallbackSink{}
	counter := NewFallbackCounter(sink)

	counter.MarkFallback("live:quotes", domain.ReasonRateLimit, domain.DataStale)
	NewFallbackCounter(nil).MarkFallback("live:news", domain.ReasonTimeout, domain.DataCached)

	require.Len(t, sink.events, 1)
	assert.Equal(t, recordedFallback{"live:quotes", domain.ReasonRateLimit, domain.DataStale}, sink.events[0])

	fallbacks := sumOf(t, collect(t, reader), "agentgov.fallbacks_total")
	assert.Len(t, fallbacks.DataPoints, 2)
}

func TestRecordBypass(t *testing.T) {
	reader := installReader(t)
	RecordBypass(context.Background(), "market_data", false)

	bypass := sumOf(t, collect(t, reader), "agentgov.bypass_total")
	require.Len(t, bypass.DataPoints, 1)
	allowed, ok := bypass.DataPoints[0].Attributes.Value("access.allowed")
	require.True(t, ok)
	assert.False(t, allowed.AsBool())
}

func newRecordingTracer(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return recorder, tp
}

func TestRecordExecutionResult(t *testing.T) {
	recorder, tp := newRecordingTracer(t)

	_, span := tp.Tracer("test").Start(context.Background(), "execute")
	RecordExecutionResult(span, domain.ExecutionResult{
		Error:        "no agent",
		Kind:         domain.KindNotFound,
		FallbackMode: true,
	})
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	attrs := attribute.NewSet(spans[0].Attributes()...)
	fallback, ok := attrs.Value("execution.fallback_mode")
	require.True(t, ok)
	assert.True(t, fallback.AsBool())
	kind, _ := attrs.Value("error.kind")
	assert.Equal(t, "not_found", kind.AsString())
}

func TestRecordAccessDecision(t *testing.T) {
	recorder, tp := newRecordingTracer(t)

	_, span := tp.Tracer("test").Start(context.Background(), "unsafe_access")
	RecordAccessDecision(span, "deny", "strict mode", map[string]string{"rule": "strict", "empty": ""})
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	events := spans[0].Events()
	require.Len(t, events, 1)
	assert.Equal(t, "access.denied", events[0].Name)

	attrs := attribute.NewSet(spans[0].Attributes()...)
	rule, ok := attrs.Value("access.rule")
	require.True(t, ok)
	assert.Equal(t, "strict", rule.AsString())
	_, ok = attrs.Value("access.empty")
	assert.False(t, ok)
}

func TestRedactAttributes(t *testing.T) {
	attrs := []attribute.KeyValue{
		attribute.String("request.content", "analyse my portfolio"),
		attribute.String("caller", "nightly_job"),
		attribute.String("account", "1234567890"),
		attribute.String("agent.name", "market_data"),
	}

	defaults := RedactAttributes(nil, attrs)
	require.Len(t, defaults, 3)
	set := attribute.NewSet(defaults...)
	caller, _ := set.Value("caller")
	assert.Regexp(t, `^\[REDACTED:hash:[0-9a-f]{8}\]$`, caller.AsString())
	_, ok := set.Value("request.content")
	assert.False(t, ok)

	masked := RedactAttributes(map[string]string{"account": RedactMask}, attrs)
	set = attribute.NewSet(masked...)
	account, _ := set.Value("account")
	assert.Equal(t, "1234***7890", account.AsString())
	content, _ := set.Value("request.content")
	assert.Equal(t, "analyse my portfolio", content.AsString(), "explicit map replaces the defaults")
}
