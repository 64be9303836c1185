// Package collector exposes compliance and governance snapshots as
// Prometheus metrics. Values are read from their owners on every scrape;
// nothing is cached here.
package collector

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/agentgov/internal/governance"
	"github.com/polisai/agentgov/pkg/capability"
	"github.com/polisai/agentgov/pkg/registry"
)

const namespace = "agentgov"

// ComplianceSource supplies the agent ledger.
type ComplianceSource interface {
	ComplianceMetrics() registry.ComplianceSnapshot
}

// FallbackSource supplies fallback aggregates.
type FallbackSource interface {
	Stats() governance.FallbackStats
}

// RetrySource supplies retry counters.
type RetrySource interface {
	Stats() governance.RetryStats
}

// CacheSource supplies cache counters.
type CacheSource interface {
	Stats() governance.CacheStats
}

// RateLimitSource supplies per-integration window state.
type RateLimitSource interface {
	Stats() map[string]governance.RateLimitStats
}

// RouterSource supplies the capability router status.
type RouterSource interface {
	Status() capability.Status
}

// Sources lists what the collector reads. Nil members are skipped.
type Sources struct {
	Compliance ComplianceSource
	Fallbacks  FallbackSource
	Retry      RetrySource
	Cache      CacheSource
	Limiters   RateLimitSource
	Router     RouterSource
}

// Collector implements prometheus.Collector over Sources.
type Collector struct {
	src Sources

	agentExecutions   *prometheus.Desc
	agentStored       *prometheus.Desc
	agentFailures     *prometheus.Desc
	agentCompliance   *prometheus.Desc
	overallCompliance *prometheus.Desc
	unresolved        *prometheus.Desc
	bypassWarnings    *prometheus.Desc

	fallbacks        *prometheus.Desc
	fallbacksByClass *prometheus.Desc
	fallbackCache    *prometheus.Desc

	retryRequests  *prometheus.Desc
	retryOutcomes  *prometheus.Desc
	retryFallbacks *prometheus.Desc
	retryLatency   *prometheus.Desc

	cacheLookups *prometheus.Desc
	cacheEntries *prometheus.Desc

	rateInWindow *prometheus.Desc
	rateWaits    *prometheus.Desc
	rateResets   *prometheus.Desc

	backendInfo     *prometheus.Desc
	capabilityCalls *prometheus.Desc
}

// New creates a collector reading from src.
func New(src Sources) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		src: src,

		agentExecutions:   desc("agent_executions_total", "Tracked executions per agent", "agent"),
		agentStored:       desc("agent_graph_stored_total", "Executions per agent that reported a graph write", "agent"),
		agentFailures:     desc("agent_failures_total", "Failed executions per agent", "agent"),
		agentCompliance:   desc("agent_compliance_ratio", "Stored over total executions per agent", "agent"),
		overallCompliance: desc("overall_compliance_percent", "Stored over total executions across all agents"),
		unresolved:        desc("unresolved_executions_total", "Dispatch attempts that found no agent"),
		bypassWarnings:    desc("bypass_warnings", "Bypass warnings currently held"),

		fallbacks:        desc("fallback_events_total", "Fallback events by reason", "reason"),
		fallbacksByClass: desc("fallback_events_by_class_total", "Fallback events by component class", "class"),
		fallbackCache:    desc("fallback_cache_hits_total", "Fallback events that served stale or cached data"),

		retryRequests:  desc("retry_requests_total", "Calls made through the retry executor"),
		retryOutcomes:  desc("retry_outcomes_total", "Retry executor outcomes", "outcome"),
		retryFallbacks: desc("retry_fallbacks_used_total", "Fallback values returned after exhausted retries"),
		retryLatency:   desc("retry_avg_latency_seconds", "Mean latency of successful retried calls"),

		cacheLookups: desc("cache_lookups_total", "Cache lookups by result", "result"),
		cacheEntries: desc("cache_entries", "Entries held in the cache"),

		rateInWindow: desc("rate_limit_window_requests", "Requests inside the trailing window", "integration"),
		rateWaits:    desc("rate_limit_waits_total", "Times a caller was paced", "integration"),
		rateResets:   desc("rate_limit_window_resets_total", "Whole-window resets after a wait", "integration"),

		backendInfo:     desc("capability_backend_info", "Active capability backend", "backend", "requested", "substituted"),
		capabilityCalls: desc("capability_calls_total", "Capability router calls by outcome", "outcome"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.agentExecutions, c.agentStored, c.agentFailures, c.agentCompliance,
		c.overallCompliance, c.unresolved, c.bypassWarnings,
		c.fallbacks, c.fallbacksByClass, c.fallbackCache,
		c.retryRequests, c.retryOutcomes, c.retryFallbacks, c.retryLatency,
		c.cacheLookups, c.cacheEntries,
		c.rateInWindow, c.rateWaits, c.rateResets,
		c.backendInfo, c.capabilityCalls,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	if c.src.Compliance != nil {
		snap := c.src.Compliance.ComplianceMetrics()
		for name, agent := range snap.Agents {
			counter(c.agentExecutions, float64(agent.TotalExecutions), name)
			counter(c.agentStored, float64(agent.Stored), name)
			counter(c.agentFailures, float64(agent.Failures), name)
			gauge(c.agentCompliance, agent.ComplianceRate, name)
		}
		gauge(c.overallCompliance, snap.OverallCompliance)
		counter(c.unresolved, float64(snap.UnresolvedExecutions))
		gauge(c.bypassWarnings, float64(snap.BypassWarnings))
	}

	if c.src.Fallbacks != nil {
		stats := c.src.Fallbacks.Stats()
		for reason, n := range stats.ByReason {
			counter(c.fallbacks, float64(n), string(reason))
		}
		counter(c.fallbacksByClass, float64(stats.LLMFallbacks), "llm")
		counter(c.fallbacksByClass, float64(stats.APIFallbacks), "api")
		counter(c.fallbackCache, float64(stats.CacheHits))
	}

	if c.src.Retry != nil {
		stats := c.src.Retry.Stats()
		counter(c.retryRequests, float64(stats.Requests))
		counter(c.retryOutcomes, float64(stats.Successes), "success")
		counter(c.retryOutcomes, float64(stats.Failures), "failure")
		counter(c.retryFallbacks, float64(stats.FallbacksUsed))
		gauge(c.retryLatency, stats.AvgLatency().Seconds())
	}

	if c.src.Cache != nil {
		stats := c.src.Cache.Stats()
		counter(c.cacheLookups, float64(stats.Hits), "hit")
		counter(c.cacheLookups, float64(stats.Misses), "miss")
		counter(c.cacheLookups, float64(stats.ExpiredFallbacks), "stale_used")
		gauge(c.cacheEntries, float64(stats.Entries))
	}

	if c.src.Limiters != nil {
		for integration, stats := range c.src.Limiters.Stats() {
			gauge(c.rateInWindow, float64(stats.InWindow), integration)
			counter(c.rateWaits, float64(stats.Waits), integration)
			counter(c.rateResets, float64(stats.Resets), integration)
		}
	}

	if c.src.Router != nil {
		status := c.src.Router.Status()
		substituted := "false"
		if status.Substituted {
			substituted = "true"
		}
		gauge(c.backendInfo, 1, status.ActiveBackend, string(status.Requested), substituted)
		counter(c.capabilityCalls, float64(status.Calls-status.Failures), "success")
		counter(c.capabilityCalls, float64(status.Failures), "failure")
	}
}

// NewRegistry returns a registry holding c plus the Go runtime and process collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the Prometheus metrics HTTP handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
