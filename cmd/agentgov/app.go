package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/polisai/agentgov/internal/governance"
	"github.com/polisai/agentgov/pkg/admin"
	"github.com/polisai/agentgov/pkg/capability"
	"github.com/polisai/agentgov/pkg/config"
	"github.com/polisai/agentgov/pkg/executor"
	"github.com/polisai/agentgov/pkg/graph"
	"github.com/polisai/agentgov/pkg/policy"
	"github.com/polisai/agentgov/pkg/registry"
	"github.com/polisai/agentgov/pkg/storage"
	"github.com/polisai/agentgov/pkg/telemetry"
	"github.com/polisai/agentgov/pkg/telemetry/collector"
)

// app holds every wired component of one process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	limiters  *governance.RateLimiters
	retry     *governance.RetryPolicy
	cache     *governance.TTLCache
	fallbacks *governance.FallbackTracker
	timeouts  *governance.TimeoutManager

	registry   *registry.Registry
	facade     *registry.Facade
	httpClient *http.Client
	router     *capability.Router
	graph      *graph.Memory
	executor   *executor.Executor
	patterns   storage.PatternStore
	metrics    http.Handler
}

// newApp wires components from cfg. Callers must call close.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	gov := cfg.Governance

	a.fallbacks = governance.NewFallbackTracker(gov.FallbackEventCapacity, logger)
	recorder := telemetry.NewFallbackCounter(a.fallbacks)
	a.limiters = governance.NewRateLimiters(gov.DefaultRateLimit, gov.RateLimits, logger)
	a.retry = governance.NewRetryPolicy(gov.Retry, recorder, logger)
	a.cache = governance.NewTTLCache(gov.CacheTTLs)
	a.timeouts = governance.NewTimeoutManager(gov.Timeouts)

	a.registry = registry.New(registry.Config{
		BypassCapacity: gov.BypassLogCapacity,
		Observer:       telemetry.AgentObserver{},
		Logger:         logger,
	})

	modules, err := policy.LoadModules(cfg.Policy.Files)
	if err != nil {
		return nil, err
	}
	engine, err := policy.NewAccessEngine(ctx, modules, logger)
	if err != nil {
		return nil, fmt.Errorf("build access policy: %w", err)
	}
	failureMode, err := policy.ParseMode(gov.PolicyFailureMode)
	if err != nil {
		return nil, err
	}
	a.facade = registry.NewFacade(a.registry, registry.FacadeConfig{
		StrictMode:  gov.StrictMode,
		Policy:      engine,
		FailureMode: failureMode,
		Logger:      logger,
	})

	a.httpClient = capability.NewHTTPClient(cfg.Backend.Timeout)
	a.router = capability.NewRouter(capability.RouterConfig{
		Mode: cfg.Backend.Mode,
		Live: cfg.Backend.Live(),
		Governance: capability.Governance{
			Limiters: a.limiters,
			Retry:    a.retry,
			Cache:    a.cache,
			Tracker:  a.fallbacks,
			Recorder: recorder,
		},
		HTTPClient: a.httpClient,
		Logger:     logger,
	})

	if err := a.openStorage(ctx); err != nil {
		return nil, err
	}

	var patterns *executor.Catalog
	if cfg.Executor.PatternsFile != "" {
		if patterns, err = executor.LoadCatalog(cfg.Executor.PatternsFile); err != nil {
			a.close()
			return nil, err
		}
	}

	persistence, err := storage.NewFilePersistenceManager(storage.PersistenceConfig{
		Dir:           cfg.Storage.Dir,
		BackupsToKeep: cfg.Storage.BackupsToKeep,
		Logger:        logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.graph = graph.NewMemory()
	if snap, err := persistence.LoadGraph(ctx); err == nil {
		a.graph.Restore(snap)
		logger.Info("knowledge graph restored", "path", persistence.Path(), "nodes", len(snap.Nodes))
	} else if !errors.Is(err, storage.ErrNotFound) {
		logger.Warn("knowledge graph not restored, starting empty", "error", err)
	}

	execLog, err := storage.OpenExecutionLog(storage.ExecutionLogConfig{
		Dir:         cfg.Storage.Dir,
		MaxEntries:  cfg.Storage.MaxLogEntries,
		RotateBytes: cfg.Storage.LogRotateBytes,
		Logger:      logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	execCfg := executor.Config{
		Facade:           a.facade,
		Graph:            a.graph,
		Persistence:      persistence,
		Log:              execLog,
		PatternStore:     a.patterns,
		Timeouts:         a.timeouts,
		MetaPattern:      cfg.Executor.MetaPattern,
		ValidatorPattern: cfg.Executor.ValidatorPattern,
		RuntimeStatePath: cfg.Storage.RuntimeStatePath(),
		SnapshotEvery:    cfg.Storage.SnapshotEvery,
		Logger:           logger,
	}
	if patterns != nil {
		execCfg.Patterns = patterns
	}
	if a.executor, err = executor.New(execCfg); err != nil {
		a.close()
		return nil, err
	}
	if err := registerAgents(a.executor, a.router, a.graph); err != nil {
		a.close()
		return nil, err
	}

	a.metrics = collector.Handler(collector.NewRegistry(collector.New(collector.Sources{
		Compliance: a.registry,
		Fallbacks:  a.fallbacks,
		Retry:      a.retry,
		Cache:      a.cache,
		Limiters:   a.limiters,
		Router:     a.router,
	})))
	return a, nil
}

func (a *app) openStorage(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.Storage.Dir, 0o750); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	path := a.cfg.Storage.PatternDBPath()
	if path == "" {
		a.patterns = storage.NewMemoryPatternStore(a.cfg.Storage.PatternThreshold)
		return nil
	}
	store, err := storage.OpenSQLitePatternStore(ctx, path, a.cfg.Storage.PatternThreshold, a.logger)
	if err != nil {
		return err
	}
	a.patterns = store
	return nil
}

func (a *app) adminServer() (*admin.Server, error) {
	return admin.New(admin.Config{
		Executor:  a.executor,
		Facade:    a.facade,
		Router:    a.router,
		Fallbacks: a.fallbacks,
		Metrics:   a.metrics,
		Logger:    a.logger,
	})
}

// apply pushes hot-reloadable settings from a new configuration.
func (a *app) apply(cfg *config.Config) {
	gov := cfg.Governance
	if gov.StrictMode != a.facade.StrictMode() {
		a.facade.SetStrictMode(gov.StrictMode)
	}
	a.limiters.Configure(gov.RateLimits)
	a.cache.SetTTLs(gov.CacheTTLs)
	if err := a.timeouts.Configure(gov.Timeouts); err != nil {
		a.logger.Warn("timeouts not updated", "error", err)
	}
	a.registry.BypassLog().Resize(gov.BypassLogCapacity)
}

// shutdown checkpoints the graph and releases storage.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if a.executor != nil {
		if err := a.executor.Checkpoint(ctx); err != nil {
			errs = append(errs, fmt.Errorf("checkpoint: %w", err))
		}
	}
	a.close()
	return errors.Join(errs...)
}

func (a *app) close() {
	if a.patterns == nil {
		return
	}
	if err := a.patterns.Close(); err != nil {
		a.logger.Warn("pattern store close failed", "error", err)
	}
	a.patterns = nil
}
