package main

import (
	"context"
	"fmt"
	"maps"

	"github.com/polisai/agentgov/pkg/capability"
	"github.com/polisai/agentgov/pkg/domain"
	"github.com/polisai/agentgov/pkg/executor"
)

const nodeTypeCapabilityResult = "capability_result"

// builtinAgents maps each agent name to the capability it serves.
var builtinAgents = []struct {
	name string
	cap  capability.Capability
	tags []string
}{
	{name: "market_data", cap: capability.StockQuotes, tags: []string{"quotes"}},
	{name: "economic_data", cap: capability.EconomicData, tags: []string{"macro"}},
	{name: "fundamentals", cap: capability.Fundamentals, tags: []string{"company"}},
	{name: "news", cap: capability.News, tags: []string{"news"}},
	{name: "risk_analysis", cap: capability.RiskMetrics, tags: []string{"risk", "analytics"}},
	{name: "crypto_data", cap: capability.CryptoData, tags: []string{"crypto"}},
	{name: "pattern_detection", cap: capability.DetectPatterns, tags: []string{"analytics"}},
}

func registerAgents(exec *executor.Executor, router *capability.Router, graph domain.KnowledgeGraph) error {
	for _, b := range builtinAgents {
		tags := append([]string{string(b.cap)}, b.tags...)
		if err := exec.RegisterAgent(b.name, capabilityAgent(router, b.cap, graph), tags...); err != nil {
			return fmt.Errorf("register agent %s: %w", b.name, err)
		}
	}
	return nil
}

// capabilityAgent serves one capability through the router and records every
// successful response in the graph.
func capabilityAgent(router *capability.Router, c capability.Capability, graph domain.KnowledgeGraph) domain.Agent {
	return domain.AgentFunc(func(ctx context.Context, ectx *domain.ExecutionContext) domain.ExecutionResult {
		values := maps.Clone(ectx.Values)
		delete(values, "agent")

		resp := router.RouteName(ctx, string(c), values)
		if resp.Failed() {
			res := domain.Failure(resp.Kind, resp.Error)
			res.Reason = resp.Reason
			return res
		}

		res := domain.Success(resp.Data)
		res.Reason = resp.Reason
		if graph != nil {
			graph.AddNode(nodeTypeCapabilityResult, map[string]any{
				"capability":   string(c),
				"backend":      resp.Backend,
				"stale":        resp.Stale,
				"execution_id": ectx.ExecutionID,
			})
			res.GraphStored = true
		}
		return res
	})
}
