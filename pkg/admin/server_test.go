package admin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/agentgov/internal/governance"
	"github.com/polisai/agentgov/pkg/capability"
	"github.com/polisai/agentgov/pkg/domain"
	"github.com/polisai/agentgov/pkg/executor"
	"github.com/polisai/agentgov/pkg/registry"
	"github.com/polisai/agentgov/pkg/telemetry/collector"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	srv       *httptest.Server
	registry  *registry.Registry
	fallbacks *governance.FallbackTracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New(registry.Config{Logger: testLogger()})
	facade := registry.NewFacade(reg, registry.FacadeConfig{Logger: testLogger()})
	exec, err := executor.New(executor.Config{Facade: facade, Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, exec.RegisterAgent("market_data", domain.AgentFunc(
		func(_ context.Context, ectx *domain.ExecutionContext) domain.ExecutionResult {
			res := domain.Success(map[string]any{"symbol": ectx.String("symbol")})
			res.GraphStored = true
			return res
		}), "quotes"))

	router := capability.NewRouter(capability.RouterConfig{Mode: capability.ModeFixture, Logger: testLogger()})
	fallbacks := governance.NewFallbackTracker(10, testLogger())
	metrics := collector.Handler(collector.NewRegistry(collector.New(collector.Sources{
		Compliance: reg,
		Fallbacks:  fallbacks,
		Router:     router,
	})))

	s, err := New(Config{
		Executor:  exec,
		Facade:    facade,
		Router:    router,
		Fallbacks: fallbacks,
		Metrics:   metrics,
		Logger:    testLogger(),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, registry: reg, fallbacks: fallbacks}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, f.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, domain.ErrMissingParameter)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "ok", got["status"])
	assert.Equal(t, false, got["strict_mode"])
}

func TestExecuteAndCompliance(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/execute",
		`{"type":"quote","context":{"agent":"market_data","symbol":"AAPL"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result domain.ExecutionResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.False(t, result.Failed(), result.Error)
	assert.True(t, result.FallbackMode)
	assert.Equal(t, "market_data", result.Agent)
	assert.NotEmpty(t, result.ExecutionID)

	resp, body = f.do(t, http.MethodGet, "/v1/compliance", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap registry.ComplianceSnapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.EqualValues(t, 1, snap.TotalExecutions)
	assert.EqualValues(t, 1, snap.TotalStored)
	assert.InDelta(t, 100.0, snap.OverallCompliance, 0.001)

	resp, _ = f.do(t, http.MethodDelete, "/v1/compliance", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.EqualValues(t, 0, f.registry.ComplianceMetrics().TotalExecutions)
}

func TestExecuteUnresolvedIsStillOK(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/execute", `{"type":"query","content":"hello"}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result domain.ExecutionResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, domain.KindNotFound, result.Kind)
	assert.EqualValues(t, 1, f.registry.ComplianceMetrics().UnresolvedExecutions)
}

func TestExecuteRejectsMalformedBody(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{type`},
		{name: "unknown field", body: `{"type":"quote","surprise":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/v1/execute", tt.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var e domain.ErrorResponse
			require.NoError(t, json.Unmarshal(body, &e))
			assert.Equal(t, "VALIDATION_FAILURE", e.Code)
			assert.NotEmpty(t, e.Message)
		})
	}
}

func TestFallbacksReportAndClear(t *testing.T) {
	f := newFixture(t)
	f.fallbacks.MarkFallback("quotes", domain.ReasonRateLimit, domain.DataStale)
	f.fallbacks.MarkFallback("news", domain.ReasonTimeout, domain.DataDefault)

	resp, body := f.do(t, http.MethodGet, "/v1/fallbacks?limit=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report fallbackReport
	require.NoError(t, json.Unmarshal(body, &report))
	assert.EqualValues(t, 2, report.Stats.TotalFallbacks)
	require.Len(t, report.Events, 1)
	assert.Equal(t, "news", report.Events[0].Component)
	require.Len(t, report.Explanations, 1)
	assert.NotEmpty(t, report.Explanations[0].Message)

	resp, _ = f.do(t, http.MethodDelete, "/v1/fallbacks", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, f.fallbacks.Events(0))
}

func TestLimitValidation(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/v1/bypass-warnings?limit=-3", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/fallbacks?limit=many", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBypassWarnings(t *testing.T) {
	f := newFixture(t)
	f.registry.LogBypassWarning("legacy.go:12", "market_data", "direct")

	resp, body := f.do(t, http.MethodGet, "/v1/bypass-warnings", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		Warnings []registry.BypassWarning `json:"warnings"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got.Warnings, 1)
	assert.Equal(t, "market_data", got.Warnings[0].Agent)
}

func TestCapabilities(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/v1/capabilities", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status capability.Status
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, capability.ModeFixture, status.Requested)
	assert.Len(t, status.Capabilities, len(capability.All()))

	resp, body = f.do(t, http.MethodPost, "/v1/capabilities/"+string(capability.StockQuotes), `{"symbol":"msft"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out capability.Response
	require.NoError(t, json.Unmarshal(body, &out))
	assert.False(t, out.Failed(), out.Error)
	assert.NotNil(t, out.Data)

	resp, body = f.do(t, http.MethodPost, "/v1/capabilities/can_predict_the_future", `{}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, domain.KindNotFound, out.Kind)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/execute", `{"context":{"agent":"market_data"}}`)

	resp, body := f.do(t, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "agent_executions_total")
}

func TestExecutorStats(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/execute", `{"context":{"agent":"market_data"}}`)

	resp, body := f.do(t, http.MethodGet, "/v1/executor", "")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats executor.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.EqualValues(t, 1, stats.TotalExecutions)
	assert.EqualValues(t, 1, stats.FallbackDispatches)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPut, "/v1/compliance", "{}")

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
