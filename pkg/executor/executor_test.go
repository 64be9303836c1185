package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/polisai/agentgov/pkg/domain"
	"github.com/polisai/agentgov/pkg/graph"
	"github.com/polisai/agentgov/pkg/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type patternFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

// fakePatterns is a PatternEngine backed by Go functions.
type fakePatterns struct {
	mu     sync.Mutex
	funcs  map[string]patternFunc
	inputs map[string][]map[string]any
}

func newFakePatterns() *fakePatterns {
	return &fakePatterns{
		funcs:  make(map[string]patternFunc),
		inputs: make(map[string][]map[string]any),
	}
}

func (p *fakePatterns) set(id string, fn patternFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.funcs[id] = fn
}

func (p *fakePatterns) HasPattern(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.funcs[id]
	return ok
}

func (p *fakePatterns) GetPattern(id string) (domain.Pattern, bool) {
	if !p.HasPattern(id) {
		return domain.Pattern{}, false
	}
	return domain.Pattern{ID: id, Name: id}, true
}

func (p *fakePatterns) ExecutePattern(ctx context.Context, pattern domain.Pattern, input map[string]any) (map[string]any, error) {
	p.mu.Lock()
	fn := p.funcs[pattern.ID]
	p.inputs[pattern.ID] = append(p.inputs[pattern.ID], input)
	p.mu.Unlock()
	return fn(ctx, input)
}

func (p *fakePatterns) calls(id string) []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inputs[id]
}

func storingAgent() domain.Agent {
	return domain.AgentFunc(func(_ context.Context, ectx *domain.ExecutionContext) domain.ExecutionResult {
		res := domain.Success(map[string]any{"symbol": ectx.String("symbol")})
		res.GraphStored = true
		return res
	})
}

type harness struct {
	exec     *Executor
	registry *registry.Registry
	graph    *graph.Memory
	patterns *fakePatterns
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	reg := registry.New(registry.Config{Logger: testLogger()})
	g := graph.NewMemory()
	patterns := newFakePatterns()
	cfg := Config{
		Facade:   registry.NewFacade(reg, registry.FacadeConfig{Logger: testLogger()}),
		Graph:    g,
		Patterns: patterns,
		Logger:   testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	exec, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, exec.RegisterAgent("market_data", storingAgent(), "quotes"))
	return &harness{exec: exec, registry: reg, graph: g, patterns: patterns}
}

func TestNewRequiresFacade(t *testing.T) {
	_, err := New(Config{Logger: testLogger()})
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestExecuteUnresolvedRequestIsStructuredFailure(t *testing.T) {
	h := newHarness(t, nil)

	res := h.exec.Execute(context.Background(), domain.Request{Type: "query", Content: "what is up"})

	assert.True(t, res.FallbackMode)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, domain.KindNotFound, res.Kind)
	assert.NotEmpty(t, res.ExecutionID)

	snap := h.registry.ComplianceMetrics()
	assert.EqualValues(t, 1, snap.TotalExecutions)
	assert.EqualValues(t, 0, snap.ComplianceFailures)
	assert.EqualValues(t, 1, snap.UnresolvedExecutions)
	assert.EqualValues(t, 1, h.exec.Stats().TotalExecutions)
}

func TestExecuteUnknownAgentIsUnresolved(t *testing.T) {
	h := newHarness(t, nil)

	res := h.exec.Execute(context.Background(), domain.Request{
		Type:    "query",
		Context: map[string]any{"agent": "ghost"},
	})

	assert.True(t, res.FallbackMode)
	assert.Contains(t, res.Error, `"ghost"`)
	assert.EqualValues(t, 1, h.registry.ComplianceMetrics().UnresolvedExecutions)
}

func TestExecuteFallbackDispatchToNamedAgent(t *testing.T) {
	h := newHarness(t, nil)

	res := h.exec.Execute(context.Background(), domain.Request{
		Type:    "quote",
		Content: "price of AAPL",
		Context: map[string]any{"agent": "market_data", "symbol": "AAPL"},
	})

	require.False(t, res.Failed(), res.Error)
	assert.True(t, res.FallbackMode)
	assert.False(t, res.PatternRouted)
	assert.True(t, res.Migrated)
	assert.True(t, res.GraphStored)
	assert.Equal(t, "market_data", res.Agent)
	assert.Equal(t, map[string]any{"symbol": "AAPL"}, res.Data)

	m, ok := h.registry.Metric("market_data")
	require.True(t, ok)
	assert.EqualValues(t, 1, m.TotalExecutions)
	assert.EqualValues(t, 1, m.Stored)

	stats := h.exec.Stats()
	assert.EqualValues(t, 1, stats.FallbackDispatches)
	assert.Zero(t, stats.PatternRouted)
}

func TestExecuteRecordsProvenanceLinkedToAgent(t *testing.T) {
	h := newHarness(t, nil)

	res := h.exec.Execute(context.Background(), domain.Request{
		Type:    "quote",
		Context: map[string]any{"agent": "market_data"},
	})
	require.False(t, res.Failed())

	node, ok := h.graph.FindNode(nodeTypeExecution, "execution_id", res.ExecutionID)
	require.True(t, ok)
	assert.Equal(t, "quote", node.Data["request_type"])

	agentNode, ok := h.graph.FindNode(nodeTypeAgent, "name", "market_data")
	require.True(t, ok)

	edges := h.graph.Edges(node.ID)
	require.Len(t, edges, 1)
	assert.Equal(t, agentNode.ID, edges[0].To)
	assert.Equal(t, relationExecutedBy, edges[0].Relation)
}

func TestExecuteUnresolvedStillRecordsOneExecutionNode(t *testing.T) {
	h := newHarness(t, nil)

	res := h.exec.Execute(context.Background(), domain.Request{Type: "query"})
	node, ok := h.graph.FindNode(nodeTypeExecution, "execution_id", res.ExecutionID)
	require.True(t, ok)
	assert.Empty(t, h.graph.Edges(node.ID))
	assert.Len(t, h.graph.NodesByType(nodeTypeExecution), 1)
}

func TestExecuteMetaPatternRoutes(t *testing.T) {
	h := newHarness(t, nil)
	h.patterns.set(DefaultMetaPattern, func(_ context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{
			"data":         "routed",
			"agent":        "market_data",
			"graph_stored": true,
		}, nil
	})

	res := h.exec.Execute(context.Background(), domain.Request{Type: "analysis", Content: "compare sectors"})

	require.False(t, res.Failed(), res.Error)
	assert.True(t, res.PatternRouted)
	assert.False(t, res.FallbackMode)
	assert.Equal(t, "routed", res.Data)

	m, _ := h.registry.Metric("market_data")
	assert.EqualValues(t, 1, m.TotalExecutions, "pattern-reported agent is tracked once")
	assert.EqualValues(t, 1, m.Stored)
	assert.EqualValues(t, 1, h.exec.Stats().PatternRouted)

	calls := h.patterns.calls(DefaultMetaPattern)
	require.Len(t, calls, 1)
	request, ok := calls[0]["request"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "compare sectors", request["content"])
	assert.Equal(t, res.ExecutionID, calls[0]["execution_id"])
}

func TestExecuteMetaPatternFallsBack(t *testing.T) {
	tests := []struct {
		name string
		fn   patternFunc
	}{
		{
			name: "no runtime flag",
			fn: func(context.Context, map[string]any) (map[string]any, error) {
				return map[string]any{"no_runtime": true}, nil
			},
		},
		{
			name: "runtime unavailable error",
			fn: func(context.Context, map[string]any) (map[string]any, error) {
				return nil, domain.NewError(domain.KindRuntimeUnavailable, domain.ErrRuntimeUnavailable, "pattern runtime")
			},
		},
		{
			name: "malformed result",
			fn: func(context.Context, map[string]any) (map[string]any, error) {
				return map[string]any{"unexpected": 42}, nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.patterns.set(DefaultMetaPattern, tt.fn)

			res := h.exec.Execute(context.Background(), domain.Request{
				Type:    "quote",
				Context: map[string]any{"agent": "market_data"},
			})

			require.False(t, res.Failed(), res.Error)
			assert.True(t, res.FallbackMode)
			assert.False(t, res.PatternRouted)
			assert.Equal(t, "market_data", res.Agent)
		})
	}
}

func TestExecuteRecoversThroughValidator(t *testing.T) {
	h := newHarness(t, nil)
	h.patterns.set(DefaultMetaPattern, func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("step 3 exploded")
	})
	h.patterns.set(DefaultValidatorPattern, func(_ context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"recovered": true, "response": "served a safe default"}, nil
	})

	res := h.exec.Execute(context.Background(), domain.Request{Type: "analysis"})

	require.False(t, res.Failed(), res.Error)
	assert.True(t, res.Recovered)
	assert.Equal(t, "served a safe default", res.Response)
	assert.EqualValues(t, 1, h.exec.Stats().Recoveries)

	calls := h.patterns.calls(DefaultValidatorPattern)
	require.Len(t, calls, 1)
	assert.Equal(t, true, calls[0]["recovery_mode"])
	assert.Contains(t, calls[0]["error"], "step 3 exploded")
}

func TestExecuteRecoveryFailures(t *testing.T) {
	tests := []struct {
		name      string
		validator patternFunc
	}{
		{name: "no validator"},
		{
			name: "validator declines",
			validator: func(context.Context, map[string]any) (map[string]any, error) {
				return map[string]any{"recovered": false}, nil
			},
		},
		{
			name: "validator errors",
			validator: func(context.Context, map[string]any) (map[string]any, error) {
				return nil, errors.New("validator offline")
			},
		},
		{
			name: "validator panics",
			validator: func(context.Context, map[string]any) (map[string]any, error) {
				panic("validator bug")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.patterns.set(DefaultMetaPattern, func(context.Context, map[string]any) (map[string]any, error) {
				panic("meta pattern bug")
			})
			if tt.validator != nil {
				h.patterns.set(DefaultValidatorPattern, tt.validator)
			}

			var res domain.ExecutionResult
			require.NotPanics(t, func() {
				res = h.exec.Execute(context.Background(), domain.Request{Type: "analysis"})
			})

			assert.True(t, res.Failed())
			assert.Equal(t, domain.KindRecovery, res.Kind)
			assert.Contains(t, res.Error, "meta pattern bug")
			assert.False(t, res.Recovered)
			assert.Nil(t, res.Data)
		})
	}
}

func TestExecuteAgentPanicIsConvertedByRegistry(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.exec.RegisterAgent("flaky", domain.AgentFunc(func(context.Context, *domain.ExecutionContext) domain.ExecutionResult {
		panic("nil map")
	})))

	res := h.exec.Execute(context.Background(), domain.Request{Context: map[string]any{"agent": "flaky"}})

	assert.True(t, res.Failed())
	assert.True(t, res.FallbackMode)
	snap := h.registry.ComplianceMetrics()
	assert.EqualValues(t, 1, snap.ComplianceFailures)
	assert.Zero(t, snap.UnresolvedExecutions)
}

type fakeExtractor struct {
	entities []string
	err      error
}

func (f fakeExtractor) Extract(context.Context, string) ([]string, error) {
	return f.entities, f.err
}

func TestExecuteEntityExtraction(t *testing.T) {
	t.Run("entities reach the pattern", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.Extractor = fakeExtractor{entities: []string{"AAPL", "MSFT"}} })
		h.patterns.set(DefaultMetaPattern, func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{"data": "ok"}, nil
		})

		res := h.exec.Execute(context.Background(), domain.Request{Type: "compare", Content: "AAPL vs MSFT"})
		require.False(t, res.Failed())

		calls := h.patterns.calls(DefaultMetaPattern)
		require.Len(t, calls, 1)
		assert.Equal(t, []string{"AAPL", "MSFT"}, calls[0]["entities"])
	})

	t.Run("extractor error is swallowed", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.Extractor = fakeExtractor{err: errors.New("ner model missing")} })

		res := h.exec.Execute(context.Background(), domain.Request{Context: map[string]any{"agent": "market_data"}})
		require.False(t, res.Failed(), res.Error)
	})
}

func TestExecuteHonoursRequestDeadline(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.exec.RegisterAgent("deadline_aware", domain.AgentFunc(func(ctx context.Context, _ *domain.ExecutionContext) domain.ExecutionResult {
		if err := ctx.Err(); err != nil {
			return domain.Failure(domain.KindRemote, err.Error())
		}
		return domain.Success("in time")
	})))

	res := h.exec.Execute(context.Background(), domain.Request{
		Context:  map[string]any{"agent": "deadline_aware"},
		Deadline: time.Now().Add(-time.Second),
	})
	assert.True(t, res.Failed())
	assert.Contains(t, res.Error, context.DeadlineExceeded.Error())
}

func TestExecuteConcurrent(t *testing.T) {
	h := newHarness(t, nil)
	const workers, perWorker = 8, 20

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				h.exec.Execute(context.Background(), domain.Request{Context: map[string]any{"agent": "market_data"}})
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, workers*perWorker, h.exec.Stats().TotalExecutions)
	m, _ := h.registry.Metric("market_data")
	assert.EqualValues(t, workers*perWorker, m.TotalExecutions)
	assert.Len(t, h.graph.NodesByType(nodeTypeExecution), workers*perWorker)
}

func TestRegisterAgentRejectsDuplicates(t *testing.T) {
	h := newHarness(t, nil)
	err := h.exec.RegisterAgent("market_data", storingAgent())
	require.Error(t, err)
	assert.Len(t, h.graph.NodesByType(nodeTypeAgent), 1)
}
