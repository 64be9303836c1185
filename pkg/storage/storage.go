// Package storage persists execution provenance: graph snapshots with
// checksummed backups, the append-only execution log, the runtime-state
// snapshot and the established-pattern store.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested artifact does not exist.
	ErrNotFound = errors.New("artifact not found")
	// ErrChecksumMismatch is returned when a saved graph does not match its recorded checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// ExecutionRecord is one line of the execution log.
type ExecutionRecord struct {
	ExecutionID   string        `json:"execution_id"`
	Timestamp     time.Time     `json:"timestamp"`
	RequestType   string        `json:"request_type,omitempty"`
	Agent         string        `json:"agent,omitempty"`
	PatternRouted bool          `json:"pattern_routed,omitempty"`
	FallbackMode  bool          `json:"fallback_mode,omitempty"`
	Recovered     bool          `json:"recovered,omitempty"`
	GraphStored   bool          `json:"graph_stored,omitempty"`
	Error         string        `json:"error,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Duration      time.Duration `json:"duration_ns"`
}

// AppendLog is an append-only log that keeps its most recent records and
// rotates its backing file when it grows past a size limit.
type AppendLog interface {
	Append(ctx context.Context, record ExecutionRecord) error
	RotateIfOversize(limitBytes int64) (archive string, err error)
}

// Observation reports the state of a pattern after one occurrence was counted.
type Observation struct {
	Name        string `json:"name"`
	Occurrences int    `json:"occurrences"`
	// Established is true once Occurrences reached the store threshold.
	Established bool `json:"established"`
	// Promoted is true only for the occurrence that crossed the threshold.
	Promoted bool `json:"promoted"`
}

// EstablishedPattern is a recurring pattern promoted to the permanent store.
type EstablishedPattern struct {
	Name          string         `json:"name"`
	Occurrences   int            `json:"occurrences"`
	Sample        map[string]any `json:"sample,omitempty"`
	EstablishedAt time.Time      `json:"established_at"`
	LastSeen      time.Time      `json:"last_seen"`
}

// PatternStore counts recurring patterns and keeps those seen at least
// Threshold times.
type PatternStore interface {
	Observe(ctx context.Context, name string, sample map[string]any) (Observation, error)
	Established(ctx context.Context) ([]EstablishedPattern, error)
	Close() error
}

// DefaultPatternThreshold is the occurrence count at which a pattern is established.
const DefaultPatternThreshold = 3
