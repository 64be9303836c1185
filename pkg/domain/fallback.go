package domain

import "time"

// FallbackReason is the machine-checkable code attached to every degraded response.
type FallbackReason string

const (
	ReasonTimeout         FallbackReason = "timeout"
	ReasonRateLimit       FallbackReason = "rate_limit"
	ReasonQuotaExceeded   FallbackReason = "quota_exceeded"
	ReasonConnectionError FallbackReason = "connection_error"
	ReasonAPIKeyMissing   FallbackReason = "api_key_missing"
	ReasonAPIKeyInvalid   FallbackReason = "api_key_invalid"
	ReasonAPIError        FallbackReason = "api_error"
)

// FallbackReasons lists every reason in a stable order.
func FallbackReasons() []FallbackReason {
	return []FallbackReason{
		ReasonTimeout,
		ReasonRateLimit,
		ReasonQuotaExceeded,
		ReasonConnectionError,
		ReasonAPIKeyMissing,
		ReasonAPIKeyInvalid,
		ReasonAPIError,
	}
}

// Valid reports whether r is one of the fixed reason codes.
func (r FallbackReason) Valid() bool {
	for _, known := range FallbackReasons() {
		if r == known {
			return true
		}
	}
	return false
}

// DataType describes what kind of substitute data a degraded response carries.
type DataType string

const (
	// DataCached is a structured substitute prepared ahead of time.
	DataCached DataType = "cached"
	// DataDefault is a scalar or empty default.
	DataDefault DataType = "default"
	// DataStale is a previously fetched value served past its TTL.
	DataStale DataType = "stale"
)

// FallbackEvent records a single degraded response.
type FallbackEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Component string         `json:"component"`
	Reason    FallbackReason `json:"reason"`
	DataType  DataType       `json:"data_type"`
}

// FallbackRecorder is implemented by anything that accepts degradation events.
type FallbackRecorder interface {
	MarkFallback(component string, reason FallbackReason, dataType DataType)
}
