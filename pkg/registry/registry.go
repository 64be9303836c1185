// Package registry is the compliance ledger for agent executions. It owns the
// name-to-agent mapping, tracks per-agent execution, storage and failure
// counts, and keeps an audit trail of accesses that bypassed the ledger.
//
// The raw agent map never leaves this package: agents are reached through
// ExecuteWithTracking or, explicitly and audited, through Facade.UnsafeAccess.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/agentgov/pkg/domain"
)

// ExecutionMetric is the per-agent ledger.
//
// Stored counts executions whose result set GraphStored. That flag is
// self-reported by the agent and never verified against the graph, so the
// compliance rate is only as trustworthy as the agents reporting it.
type ExecutionMetric struct {
	TotalExecutions int64      `json:"total_executions"`
	Stored          int64      `json:"stored"`
	Failures        int64      `json:"failures"`
	LastFailure     *time.Time `json:"last_failure,omitempty"`
	CapabilityTags  []string   `json:"capability_tags,omitempty"`
}

// ComplianceRate is Stored/TotalExecutions, or 0 before the first execution.
func (m ExecutionMetric) ComplianceRate() float64 {
	if m.TotalExecutions == 0 {
		return 0
	}
	return float64(m.Stored) / float64(m.TotalExecutions)
}

// AgentCompliance is one agent's metric plus its derived rate.
type AgentCompliance struct {
	ExecutionMetric
	ComplianceRate float64 `json:"compliance_rate"`
}

// ComplianceSnapshot is computed on demand and never stored.
type ComplianceSnapshot struct {
	Agents map[string]AgentCompliance `json:"agents"`
	// OverallCompliance is TotalStored/TotalExecutions*100.
	OverallCompliance float64 `json:"overall_compliance"`
	TotalExecutions   int64   `json:"total_executions"`
	TotalStored       int64   `json:"total_stored"`
	// ComplianceFailures sums per-agent failures.
	ComplianceFailures int64 `json:"compliance_failures"`
	// UnresolvedExecutions counts dispatches that found no agent. They are
	// part of TotalExecutions but not of ComplianceFailures.
	UnresolvedExecutions int64     `json:"unresolved_executions"`
	BypassWarnings       int       `json:"bypass_warnings"`
	TakenAt              time.Time `json:"taken_at"`
}

// Observer is notified after every tracked execution.
type Observer interface {
	AgentExecuted(ctx context.Context, agent string, result domain.ExecutionResult, elapsed time.Duration)
}

// Config configures a Registry.
type Config struct {
	BypassCapacity int
	Observer       Observer
	Logger         *slog.Logger
}

type entry struct {
	agent domain.Agent
	tags  []string

	mu     sync.Mutex
	metric ExecutionMetric
}

// Registry tracks agent executions. Updates to one agent's metric serialise
// on that agent's lock only; the map lock is held just for lookups.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	bypass     *BypassLog
	unresolved atomic.Int64
	observer   Observer
	logger     *slog.Logger

	now func() time.Time
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:  make(map[string]*entry),
		bypass:   NewBypassLog(cfg.BypassCapacity),
		observer: cfg.Observer,
		logger:   logger,
		now:      time.Now,
	}
}

// Register adds agent under name. Names are unique for the registry's lifetime.
func (r *Registry) Register(name string, agent domain.Agent, tags ...string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.NewError(domain.KindValidation, domain.ErrMissingParameter, "agent name")
	}
	if agent == nil {
		return domain.NewError(domain.KindValidation, domain.ErrMissingParameter, "agent %q implementation", name)
	}

	tagCopy := append([]string(nil), tags...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return domain.NewError(domain.KindValidation, domain.ErrAgentExists, "agent %q", name)
	}
	r.entries[name] = &entry{
		agent:  agent,
		tags:   tagCopy,
		metric: ExecutionMetric{CapabilityTags: tagCopy},
	}
	r.logger.Info("agent registered", "agent", name, "tags", tagCopy)
	return nil
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// Names returns the registered agent names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Tags returns the capability tags declared for name.
func (r *Registry) Tags(name string) ([]string, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, false
	}
	return append([]string(nil), e.tags...), true
}

// Metric returns a copy of one agent's ledger.
func (r *Registry) Metric(name string) (ExecutionMetric, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return ExecutionMetric{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyMetric(e.metric), true
}

// ExecuteWithTracking invokes the named agent and records exactly one metric
// update. An unknown name yields a NotFound error and no update. Agent panics
// are recovered and recorded as failures.
func (r *Registry) ExecuteWithTracking(ctx context.Context, name string, ectx *domain.ExecutionContext) (domain.ExecutionResult, error) {
	e, ok := r.lookup(name)
	if !ok {
		err := domain.NewError(domain.KindNotFound, domain.ErrAgentNotFound, "agent %q", name)
		return domain.FailureFromError(err), err
	}

	start := r.now()
	result := r.invoke(ctx, name, e.agent, ectx)
	return r.update(ctx, name, e, result, r.now().Sub(start)), nil
}

// Record books an execution of name that ran outside ExecuteWithTracking,
// such as an agent invoked by a pattern that reported it. It applies the
// same single metric update.
func (r *Registry) Record(ctx context.Context, name string, result domain.ExecutionResult) (domain.ExecutionResult, error) {
	e, ok := r.lookup(name)
	if !ok {
		return result, domain.NewError(domain.KindNotFound, domain.ErrAgentNotFound, "agent %q", name)
	}
	return r.update(ctx, name, e, result, 0), nil
}

func (r *Registry) update(ctx context.Context, name string, e *entry, result domain.ExecutionResult, elapsed time.Duration) domain.ExecutionResult {
	if result.Agent == "" {
		result.Agent = name
	}
	result = result.Normalize()

	e.mu.Lock()
	e.metric.TotalExecutions++
	if result.GraphStored {
		e.metric.Stored++
	}
	if result.Failed() {
		e.metric.Failures++
		at := r.now().UTC()
		e.metric.LastFailure = &at
	}
	e.mu.Unlock()

	if result.Failed() {
		r.logger.Warn("agent execution failed", "agent", name, "error", result.Error, "kind", result.Kind)
	} else {
		r.logger.Debug("agent executed", "agent", name, "graph_stored", result.GraphStored, "elapsed", elapsed)
	}
	if r.observer != nil {
		r.observer.AgentExecuted(ctx, name, result, elapsed)
	}
	return result
}

func (r *Registry) invoke(ctx context.Context, name string, agent domain.Agent, ectx *domain.ExecutionContext) (result domain.ExecutionResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("agent panicked", "agent", name, "panic", rec)
			result = domain.Failure(domain.KindInternal, fmt.Sprintf("agent %s panicked: %v", name, rec))
		}
	}()
	return agent.Execute(ctx, ectx)
}

// RecordUnresolved counts a dispatch attempt for which no agent could be found.
func (r *Registry) RecordUnresolved() {
	r.unresolved.Add(1)
}

// ComplianceMetrics computes a snapshot over all agents.
func (r *Registry) ComplianceMetrics() ComplianceSnapshot {
	r.mu.RLock()
	entries := make(map[string]*entry, len(r.entries))
	for name, e := range r.entries {
		entries[name] = e
	}
	r.mu.RUnlock()

	unresolved := r.unresolved.Load()
	snap := ComplianceSnapshot{
		Agents:               make(map[string]AgentCompliance, len(entries)),
		TotalExecutions:      unresolved,
		UnresolvedExecutions: unresolved,
		BypassWarnings:       r.bypass.Size(),
		TakenAt:              r.now().UTC(),
	}
	for name, e := range entries {
		e.mu.Lock()
		m := copyMetric(e.metric)
		e.mu.Unlock()

		snap.Agents[name] = AgentCompliance{ExecutionMetric: m, ComplianceRate: m.ComplianceRate()}
		snap.TotalExecutions += m.TotalExecutions
		snap.TotalStored += m.Stored
		snap.ComplianceFailures += m.Failures
	}
	if snap.TotalExecutions > 0 {
		snap.OverallCompliance = float64(snap.TotalStored) / float64(snap.TotalExecutions) * 100
	}
	return snap
}

// ResetMetrics zeroes every ledger. It is an explicit operator action;
// nothing else resets metrics.
func (r *Registry) ResetMetrics() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		e.mu.Lock()
		e.metric = ExecutionMetric{CapabilityTags: e.tags}
		e.mu.Unlock()
	}
	r.unresolved.Store(0)
	r.logger.Warn("compliance metrics reset")
}

// LogBypassWarning records a direct access that skipped the ledger. It always succeeds.
func (r *Registry) LogBypassWarning(caller, agent, method string) BypassWarning {
	if caller == "" {
		caller = "unknown"
	}
	w := BypassWarning{
		Caller:    caller,
		Agent:     agent,
		Method:    method,
		Timestamp: r.now().UTC(),
		Message:   fmt.Sprintf("agent %q accessed directly via %s by %s; execution is not tracked for compliance", agent, method, caller),
	}
	r.bypass.Add(w)
	r.logger.Warn("registry bypass detected", "caller", caller, "agent", agent, "method", method)
	return w
}

// BypassWarnings returns up to limit of the newest warnings, oldest first.
func (r *Registry) BypassWarnings(limit int) []BypassWarning {
	return r.bypass.Recent(limit)
}

// BypassLog exposes the warning buffer for capacity management.
func (r *Registry) BypassLog() *BypassLog {
	return r.bypass
}

// agentFor returns the raw agent; callers outside this package go through Facade.UnsafeAccess.
func (r *Registry) agentFor(name string) (domain.Agent, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, false
	}
	return e.agent, true
}

func copyMetric(m ExecutionMetric) ExecutionMetric {
	out := m
	out.CapabilityTags = append([]string(nil), m.CapabilityTags...)
	if m.LastFailure != nil {
		at := *m.LastFailure
		out.LastFailure = &at
	}
	return out
}
