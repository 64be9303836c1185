package executor

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/polisai/agentgov/pkg/domain"
	"github.com/polisai/agentgov/pkg/storage"
)

// nodeFinder is implemented by graphs with an indexed lookup.
type nodeFinder interface {
	FindNode(nodeType, key, value string) (domain.Node, bool)
}

// persist records provenance for one execution. Failures are logged only.
func (e *Executor) persist(ctx context.Context, ectx *domain.ExecutionContext, result domain.ExecutionResult, elapsed time.Duration, total int64) {
	pctx, cancel := e.timeouts.WithPersistTimeout(ctx)
	defer cancel()

	e.recordProvenance(ectx, result)

	if e.log != nil {
		record := storage.ExecutionRecord{
			ExecutionID:   ectx.ExecutionID,
			Timestamp:     result.Timestamp,
			RequestType:   ectx.Request.Type,
			Agent:         result.Agent,
			PatternRouted: result.PatternRouted,
			FallbackMode:  result.FallbackMode,
			Recovered:     result.Recovered,
			GraphStored:   result.GraphStored,
			Error:         result.Error,
			Reason:        string(result.Reason),
			Duration:      elapsed,
		}
		if err := e.log.Append(pctx, record); err != nil {
			e.logger.Warn("execution log append failed", "execution_id", ectx.ExecutionID, "error", err)
		}
	}

	if e.patternStore != nil && !result.Failed() {
		e.observePattern(pctx, ectx, result)
	}

	e.save(pctx)

	if e.statePath != "" && total%e.snapshotEvery == 0 {
		if err := e.writeRuntimeState(total); err != nil {
			e.logger.Warn("runtime state snapshot failed", "path", e.statePath, "error", err)
		}
	}
}

func (e *Executor) recordProvenance(ectx *domain.ExecutionContext, result domain.ExecutionResult) {
	id := e.graph.AddNode(nodeTypeExecution, map[string]any{
		"execution_id":   ectx.ExecutionID,
		"request_type":   ectx.Request.Type,
		"agent":          result.Agent,
		"pattern_routed": result.PatternRouted,
		"fallback_mode":  result.FallbackMode,
		"recovered":      result.Recovered,
		"failed":         result.Failed(),
		"timestamp":      result.Timestamp.Format(time.RFC3339Nano),
	})
	if result.Agent == "" {
		return
	}
	agentID, ok := e.agentNode(result.Agent)
	if !ok {
		return
	}
	if err := e.graph.Connect(id, agentID, relationExecutedBy); err != nil {
		e.logger.Warn("link execution to agent failed", "execution_id", ectx.ExecutionID, "agent", result.Agent, "error", err)
	}
}

func (e *Executor) agentNode(name string) (string, bool) {
	if finder, ok := e.graph.(nodeFinder); ok {
		node, found := finder.FindNode(nodeTypeAgent, "name", name)
		return node.ID, found
	}
	for id, node := range e.graph.NodesByType(nodeTypeAgent) {
		if s, _ := node.Data["name"].(string); s == name {
			return id, true
		}
	}
	return "", false
}

// patternKey names a recurring request shape: the request type and the path
// that served it.
func patternKey(req domain.Request, result domain.ExecutionResult) string {
	kind := req.Type
	if kind == "" {
		kind = "untyped"
	}
	target := result.Agent
	if target == "" {
		target = "pattern"
	}
	return fmt.Sprintf("%s:%s", kind, target)
}

func (e *Executor) observePattern(ctx context.Context, ectx *domain.ExecutionContext, result domain.ExecutionResult) {
	name := patternKey(ectx.Request, result)
	obs, err := e.patternStore.Observe(ctx, name, map[string]any{
		"request_type":   ectx.Request.Type,
		"agent":          result.Agent,
		"pattern_routed": result.PatternRouted,
		"fallback_mode":  result.FallbackMode,
		"entities":       slices.Clone(ectx.Entities),
	})
	if err != nil {
		e.logger.Warn("pattern observation failed", "pattern", name, "error", err)
		return
	}
	if obs.Promoted {
		e.logger.Info("pattern established", "pattern", name, "occurrences", obs.Occurrences)
	}
}

func (e *Executor) save(ctx context.Context) {
	if e.persistence == nil {
		return
	}
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	report, err := e.persistence.SaveGraphWithBackup(ctx, e.graph)
	if err != nil {
		e.logger.Error("graph auto-save failed", "error", err)
		return
	}
	savedAt := report.SavedAt
	if savedAt.IsZero() {
		savedAt = e.now().UTC()
	}

	e.mu.Lock()
	e.stats.LastSave = &savedAt
	e.stats.LastChecksum = report.Checksum
	if report.BackupPath != "" {
		e.stats.LastBackup = report.BackupPath
		e.stats.TotalBackups++
	}
	e.mu.Unlock()
}

func (e *Executor) writeRuntimeState(total int64) error {
	return storage.WriteRuntimeState(e.statePath, storage.RuntimeState{
		Timestamp:      e.now().UTC(),
		Agents:         e.registry.Names(),
		ExecutionCount: total,
	})
}

// Checkpoint saves the graph and writes the runtime-state snapshot outside
// the periodic schedule. It is called on shutdown.
func (e *Executor) Checkpoint(ctx context.Context) error {
	pctx, cancel := e.timeouts.WithPersistTimeout(ctx)
	defer cancel()

	if e.persistence != nil {
		e.saveMu.Lock()
		report, err := e.persistence.SaveGraphWithBackup(pctx, e.graph)
		e.saveMu.Unlock()
		if err != nil {
			return fmt.Errorf("save graph: %w", err)
		}
		e.logger.Info("graph checkpointed", "checksum", report.Checksum)
	}
	if e.statePath != "" {
		if err := e.writeRuntimeState(e.Stats().TotalExecutions); err != nil {
			return fmt.Errorf("write runtime state: %w", err)
		}
	}
	return nil
}
