package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can branch on it without string matching.
type Kind string

const (
	// KindValidation marks a missing or malformed required parameter.
	KindValidation Kind = "validation_failure"
	// KindNotFound marks an unknown agent, capability or pattern.
	KindNotFound Kind = "not_found"
	// KindRuntimeUnavailable marks a missing execution runtime (pattern engine, backend).
	KindRuntimeUnavailable Kind = "runtime_unavailable"
	// KindRemote marks a failure of an outbound dependency. The Reason field carries the sub-kind.
	KindRemote Kind = "remote_failure"
	// KindSchema marks a malformed upstream response.
	KindSchema Kind = "schema_validation_failure"
	// KindRecovery marks a failed recovery attempt.
	KindRecovery Kind = "recovery_failure"
	// KindForbidden marks an access refused by policy (strict mode).
	KindForbidden Kind = "forbidden"
	// KindInternal is the catch-all for unclassified failures.
	KindInternal Kind = "internal"
)

// Common domain errors
var (
	ErrAgentNotFound       = errors.New("agent not found")
	ErrAgentExists         = errors.New("agent already registered")
	ErrCapabilityNotFound  = errors.New("unknown capability")
	ErrPatternNotFound     = errors.New("pattern not found")
	ErrMissingParameter    = errors.New("missing required parameter")
	ErrRuntimeUnavailable  = errors.New("no runtime configured")
	ErrDirectAccessDenied  = errors.New("direct agent access denied")
	ErrMalformedResponse   = errors.New("malformed upstream response")
	ErrRecoveryFailed      = errors.New("recovery failed")
	ErrNotImplemented      = errors.New("capability not implemented")
	ErrSnapshotUnsupported = errors.New("graph does not support snapshots")
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Kind    Kind
	Reason  FallbackReason
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewError builds a DomainError of the given kind wrapping err.
func NewError(kind Kind, err error, format string, args ...any) *DomainError {
	msg := fmt.Sprintf(format, args...)
	if err != nil && msg != "" {
		msg = msg + ": " + err.Error()
	}
	return &DomainError{Err: err, Kind: kind, Message: msg}
}

// RemoteError builds a KindRemote DomainError tagged with its categorised reason.
func RemoteError(reason FallbackReason, err error) *DomainError {
	return &DomainError{
		Err:     err,
		Kind:    KindRemote,
		Reason:  reason,
		Code:    string(reason),
		Message: err.Error(),
	}
}

// KindOf returns the Kind carried by err, or KindInternal when err is not a DomainError.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var de *DomainError
	if errors.As(err, &de) && de.Kind != "" {
		return de.Kind
	}
	switch {
	case errors.Is(err, ErrAgentNotFound), errors.Is(err, ErrCapabilityNotFound), errors.Is(err, ErrPatternNotFound):
		return KindNotFound
	case errors.Is(err, ErrMissingParameter), errors.Is(err, ErrAgentExists):
		return KindValidation
	case errors.Is(err, ErrRuntimeUnavailable):
		return KindRuntimeUnavailable
	case errors.Is(err, ErrDirectAccessDenied):
		return KindForbidden
	case errors.Is(err, ErrMalformedResponse):
		return KindSchema
	case errors.Is(err, ErrRecoveryFailed):
		return KindRecovery
	}
	return KindInternal
}

// ReasonOf returns the fallback reason attached to err, if any.
func ReasonOf(err error) FallbackReason {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Reason
	}
	return ""
}

// ErrorResponse defines the standard JSON error model returned by the admin API.
// TraceID should carry the current OpenTelemetry trace identifier when available to aid diagnostics.
type ErrorResponse struct {
	Code    string `json:"code"`               // Machine-readable error code (e.g., NOT_FOUND, VALIDATION_FAILURE)
	Message string `json:"message"`            // Human-readable message (safe for logs)
	TraceID string `json:"trace_id,omitempty"` // Optional trace/correlation ID
}
