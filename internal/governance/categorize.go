package governance

import (
	"context"
	"errors"
	"strings"

	"github.com/polisai/agentgov/pkg/domain"
)

// CategorizeError maps a failure to one of the fixed fallback reasons.
//
// Matching is best-effort: it inspects the error message for fixed substrings
// and can misclassify messages that happen to contain them. Errors already
// tagged with a reason keep it.
func CategorizeError(err error) domain.FallbackReason {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ReasonTimeout
	}
	if reason := domain.ReasonOf(err); reason.Valid() {
		return reason
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return domain.ReasonTimeout
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		return domain.ReasonRateLimit
	case strings.Contains(msg, "quota"):
		return domain.ReasonQuotaExceeded
	case strings.Contains(msg, "connection"), strings.Contains(msg, "network"):
		return domain.ReasonConnectionError
	case strings.Contains(msg, "api key") && (strings.Contains(msg, "missing") || strings.Contains(msg, "not set")):
		return domain.ReasonAPIKeyMissing
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "401"):
		return domain.ReasonAPIKeyInvalid
	case strings.Contains(msg, "forbidden"), strings.Contains(msg, "403"):
		return domain.ReasonAPIKeyInvalid
	default:
		return domain.ReasonAPIError
	}
}
