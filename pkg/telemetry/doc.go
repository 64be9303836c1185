// Package telemetry wires OpenTelemetry tracing and metrics for agent
// executions.
//
// It centralises trace provider setup, owns the execution, fallback and
// bypass instruments, and offers span helpers that attach execution results
// and access decisions so operators can correlate degraded responses with
// the calls that produced them. Prometheus exposition of the compliance and
// governance snapshots lives in the collector subpackage.
package telemetry
