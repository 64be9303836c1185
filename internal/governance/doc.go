// Package governance coordinates the resilience controls that sit between agents
// and the outbound integrations they depend on: sliding-window rate limiting with
// penalty backoff, TTL caching with stale fallback, bounded retry with failure
// categorisation, and the fallback ledger that records every degraded response.
//
// Every primitive here is scoped to a single integration and owns its state
// behind its own lock, so concurrent calls to different integrations never
// contend. All suspension points observe context cancellation.
package governance
