// Package executor is the top-level entry point for governed executions.
//
// Every request runs Enrich, then Route (meta pattern or fallback dispatch to
// a named agent), then Recovery when routing failed, then Persist. Execute
// always returns a result: failures are converted at this boundary and never
// escape as errors or panics.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/agentgov/internal/governance"
	"github.com/polisai/agentgov/pkg/domain"
	"github.com/polisai/agentgov/pkg/graph"
	"github.com/polisai/agentgov/pkg/registry"
	"github.com/polisai/agentgov/pkg/storage"
	"github.com/polisai/agentgov/pkg/telemetry"
)

const (
	// DefaultMetaPattern is the pattern id tried first for every request.
	DefaultMetaPattern = "meta_executor"
	// DefaultValidatorPattern is the pattern id invoked to recover from routing failures.
	DefaultValidatorPattern = "system_validator"
	// DefaultSnapshotEvery is how many executions pass between runtime-state snapshots.
	DefaultSnapshotEvery = 10

	nodeTypeExecution  = "execution"
	nodeTypeAgent      = "agent"
	relationExecutedBy = "executed_by"
)

var tracer = otel.Tracer("agentgov/executor")

// Config wires the executor to its collaborators. Only Facade is required.
type Config struct {
	Facade       *registry.Facade
	Graph        domain.KnowledgeGraph
	Patterns     domain.PatternEngine
	Persistence  domain.PersistenceManager
	Log          storage.AppendLog
	PatternStore storage.PatternStore
	Extractor    domain.EntityExtractor
	Timeouts     *governance.TimeoutManager

	MetaPattern      string
	ValidatorPattern string
	// RuntimeStatePath is where the periodic runtime-state snapshot goes. Empty disables it.
	RuntimeStatePath string
	SnapshotEvery    int

	Logger *slog.Logger
}

// Stats summarises executor activity since start.
type Stats struct {
	TotalExecutions    int64      `json:"total_executions"`
	PatternRouted      int64      `json:"pattern_routed"`
	FallbackDispatches int64      `json:"fallback_dispatches"`
	Recoveries         int64      `json:"recoveries"`
	LastSave           *time.Time `json:"last_save,omitempty"`
	LastBackup         string     `json:"last_backup,omitempty"`
	LastChecksum       string     `json:"last_checksum,omitempty"`
	TotalBackups       int64      `json:"total_backups"`
}

// Executor is the UniversalExecutor. It is safe for concurrent use.
type Executor struct {
	facade       *registry.Facade
	registry     *registry.Registry
	graph        domain.KnowledgeGraph
	patterns     domain.PatternEngine
	persistence  domain.PersistenceManager
	log          storage.AppendLog
	patternStore storage.PatternStore
	extractor    domain.EntityExtractor
	timeouts     *governance.TimeoutManager
	logger       *slog.Logger

	metaPattern      string
	validatorPattern string
	statePath        string
	snapshotEvery    int64

	mu    sync.Mutex
	stats Stats
	// saveMu serialises graph saves so backups rotate in order.
	saveMu sync.Mutex

	now   func() time.Time
	newID func() string
}

// New creates an executor. A nil Graph gets an in-memory graph and nil
// Timeouts get the default timeout policy.
func New(cfg Config) (*Executor, error) {
	if cfg.Facade == nil {
		return nil, domain.NewError(domain.KindValidation, domain.ErrMissingParameter, "executor facade")
	}
	if cfg.Graph == nil {
		cfg.Graph = graph.NewMemory()
	}
	if cfg.Timeouts == nil {
		cfg.Timeouts = governance.NewTimeoutManager(governance.DefaultTimeoutConfig())
	}
	if cfg.MetaPattern == "" {
		cfg.MetaPattern = DefaultMetaPattern
	}
	if cfg.ValidatorPattern == "" {
		cfg.ValidatorPattern = DefaultValidatorPattern
	}
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = DefaultSnapshotEvery
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		facade:           cfg.Facade,
		registry:         cfg.Facade.Registry(),
		graph:            cfg.Graph,
		patterns:         cfg.Patterns,
		persistence:      cfg.Persistence,
		log:              cfg.Log,
		patternStore:     cfg.PatternStore,
		extractor:        cfg.Extractor,
		timeouts:         cfg.Timeouts,
		logger:           logger,
		metaPattern:      cfg.MetaPattern,
		validatorPattern: cfg.ValidatorPattern,
		statePath:        cfg.RuntimeStatePath,
		snapshotEvery:    int64(cfg.SnapshotEvery),
		now:              time.Now,
		newID:            uuid.NewString,
	}, nil
}

// Graph returns the knowledge graph executions are recorded into.
func (e *Executor) Graph() domain.KnowledgeGraph {
	return e.graph
}

// RegisterAgent registers agent under name and records an agent node in the
// graph so that executions can be linked to it.
func (e *Executor) RegisterAgent(name string, agent domain.Agent, tags ...string) error {
	if err := e.registry.Register(name, agent, tags...); err != nil {
		return err
	}
	if _, ok := e.agentNode(name); !ok {
		e.graph.AddNode(nodeTypeAgent, map[string]any{
			"name": name,
			"tags": slices.Clone(tags),
		})
	}
	return nil
}

// Execute runs req to completion and always returns a result.
func (e *Executor) Execute(ctx context.Context, req domain.Request) (result domain.ExecutionResult) {
	start := e.now()
	ctx, span := tracer.Start(ctx, "executor.execute", trace.WithAttributes(
		telemetry.RedactAttributes(nil, []attribute.KeyValue{
			attribute.String("request.type", req.Type),
			attribute.String("request.content", req.Text()),
		})...,
	))
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("execution aborted", "panic", rec)
			result = domain.Failure(domain.KindInternal, fmt.Sprintf("execution aborted: %v", rec))
			telemetry.RecordExecutionResult(span, result)
		}
	}()

	ectx := e.enrich(ctx, req)
	span.SetAttributes(attribute.String("execution.id", ectx.ExecutionID))

	runCtx, cancel := e.withDeadline(ctx, req)
	result, path, err := e.route(runCtx, ectx)
	cancel()
	if err != nil {
		span.RecordError(err)
		result = e.recoverFrom(ctx, ectx, err)
		path = telemetry.PathRecovery
	}

	result.ExecutionID = ectx.ExecutionID
	if result.Timestamp.IsZero() {
		result.Timestamp = ectx.Timestamp
	}
	result = result.Normalize()

	total := e.count(path)
	elapsed := e.now().Sub(start)
	e.persist(ctx, ectx, result, elapsed, total)

	telemetry.RecordExecutionResult(span, result)
	span.SetAttributes(attribute.String("execution.path", path))
	telemetry.RecordExecution(ctx, telemetry.ExecutionMetrics{
		RequestType: req.Type,
		Agent:       result.Agent,
		Path:        path,
		Failed:      result.Failed(),
		Reason:      result.Reason,
		Duration:    elapsed,
	})

	e.logger.Debug("execution complete",
		"execution_id", ectx.ExecutionID,
		"path", path,
		"agent", result.Agent,
		"failed", result.Failed(),
		"elapsed", elapsed,
	)
	return result
}

func (e *Executor) withDeadline(ctx context.Context, req domain.Request) (context.Context, context.CancelFunc) {
	if !req.Deadline.IsZero() {
		return context.WithDeadline(ctx, req.Deadline)
	}
	return e.timeouts.WithRequestTimeout(ctx)
}

func (e *Executor) enrich(ctx context.Context, req domain.Request) *domain.ExecutionContext {
	values := make(map[string]any, len(req.Context))
	maps.Copy(values, req.Context)

	ectx := &domain.ExecutionContext{
		ExecutionID: e.newID(),
		Timestamp:   e.now().UTC(),
		Request:     req,
		Values:      values,
		Graph:       e.graph,
		Patterns:    e.patterns,
		Dispatcher:  e.facade,
	}
	if e.extractor != nil {
		entities, err := e.extractor.Extract(ctx, req.Text())
		if err != nil {
			e.logger.Warn("entity extraction failed", "execution_id", ectx.ExecutionID, "error", err)
		} else {
			ectx.Entities = entities
		}
	}
	return ectx
}

// route returns an error only for failures that need recovery.
func (e *Executor) route(ctx context.Context, ectx *domain.ExecutionContext) (result domain.ExecutionResult, path string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("routing panicked: %v", rec)
		}
	}()

	pattern, ok := e.pattern(e.metaPattern)
	if !ok {
		return e.dispatch(ctx, ectx)
	}

	out, err := e.patterns.ExecutePattern(ctx, pattern, patternInput(ectx))
	if err != nil {
		if errors.Is(err, domain.ErrRuntimeUnavailable) {
			return e.dispatch(ctx, ectx)
		}
		return domain.ExecutionResult{}, "", fmt.Errorf("pattern %q: %w", pattern.ID, err)
	}
	if domain.SignalsNoRuntime(out) {
		return e.dispatch(ctx, ectx)
	}
	res, wellFormed := domain.ResultFromMap(out)
	if !wellFormed {
		e.logger.Warn("pattern returned a malformed result, dispatching directly",
			"execution_id", ectx.ExecutionID,
			"pattern", pattern.ID,
		)
		return e.dispatch(ctx, ectx)
	}

	res.PatternRouted = true
	if res.Agent != "" {
		recorded, rerr := e.registry.Record(ctx, res.Agent, res)
		if rerr != nil {
			e.logger.Warn("pattern reported an unregistered agent", "agent", res.Agent, "error", rerr)
		} else {
			res = recorded
		}
	}
	return res, telemetry.PathPattern, nil
}

// dispatch is the fallback path used when no pattern runtime handled the request.
func (e *Executor) dispatch(ctx context.Context, ectx *domain.ExecutionContext) (domain.ExecutionResult, string, error) {
	name := ectx.Request.AgentName()
	if name == "" || !e.facade.Has(name) {
		e.registry.RecordUnresolved()
		msg := "no pattern runtime available and the request names no agent"
		if name != "" {
			msg = fmt.Sprintf("no pattern runtime available and agent %q is not registered", name)
		}
		res := domain.Failure(domain.KindNotFound, msg)
		res.FallbackMode = true
		return res, telemetry.PathNone, nil
	}

	res, err := e.facade.Execute(ctx, name, ectx)
	if err != nil {
		e.registry.RecordUnresolved()
		res = domain.FailureFromError(err)
		res.FallbackMode = true
		return res, telemetry.PathNone, nil
	}
	res.FallbackMode = true
	return res, telemetry.PathFallback, nil
}

func (e *Executor) recoverFrom(ctx context.Context, ectx *domain.ExecutionContext, cause error) domain.ExecutionResult {
	e.logger.Warn("routing failed, attempting recovery",
		"execution_id", ectx.ExecutionID,
		"validator", e.validatorPattern,
		"error", cause,
	)

	pattern, ok := e.pattern(e.validatorPattern)
	if !ok {
		return domain.FailureFromError(domain.NewError(domain.KindRecovery, cause, "recovery failed, validator %q unavailable", e.validatorPattern))
	}

	rctx, cancel := e.timeouts.WithRecoveryTimeout(ctx)
	defer cancel()

	out, err := e.runValidator(rctx, pattern, map[string]any{
		"request":       requestMap(ectx.Request),
		"error":         cause.Error(),
		"execution_id":  ectx.ExecutionID,
		"recovery_mode": true,
	})
	if err != nil {
		e.logger.Error("validator failed", "execution_id", ectx.ExecutionID, "error", err)
		return domain.FailureFromError(domain.NewError(domain.KindRecovery, cause, "recovery failed"))
	}
	if recovered, _ := out["recovered"].(bool); !recovered {
		return domain.FailureFromError(domain.NewError(domain.KindRecovery, cause, "recovery failed"))
	}

	res, _ := domain.ResultFromMap(out)
	res.Recovered = true
	return res
}

func (e *Executor) runValidator(ctx context.Context, pattern domain.Pattern, input map[string]any) (out map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("validator panicked: %v", rec)
		}
	}()
	return e.patterns.ExecutePattern(ctx, pattern, input)
}

func (e *Executor) pattern(id string) (domain.Pattern, bool) {
	if e.patterns == nil || id == "" || !e.patterns.HasPattern(id) {
		return domain.Pattern{}, false
	}
	return e.patterns.GetPattern(id)
}

func (e *Executor) count(path string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.TotalExecutions++
	switch path {
	case telemetry.PathPattern:
		e.stats.PatternRouted++
	case telemetry.PathFallback, telemetry.PathNone:
		e.stats.FallbackDispatches++
	case telemetry.PathRecovery:
		e.stats.Recoveries++
	}
	return e.stats.TotalExecutions
}

// Stats returns a copy of the executor counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.stats
	if e.stats.LastSave != nil {
		at := *e.stats.LastSave
		out.LastSave = &at
	}
	return out
}

func patternInput(ectx *domain.ExecutionContext) map[string]any {
	return map[string]any{
		"request":      requestMap(ectx.Request),
		"context":      maps.Clone(ectx.Values),
		"entities":     slices.Clone(ectx.Entities),
		"execution_id": ectx.ExecutionID,
		"timestamp":    ectx.Timestamp,
	}
}

func requestMap(req domain.Request) map[string]any {
	return map[string]any{
		"type":       req.Type,
		"content":    req.Content,
		"user_input": req.UserInput,
		"context":    maps.Clone(req.Context),
	}
}
