// Package capability exposes a closed set of named data operations behind a
// single router. Each capability carries its own validated parameter struct
// and every call, successful or not, is normalised to the same Response shape.
package capability

import (
	"fmt"
	"strings"

	"github.com/polisai/agentgov/pkg/domain"
)

// Capability names one operation the router can serve.
type Capability string

const (
	StockQuotes    Capability = "can_fetch_stock_quotes"
	EconomicData   Capability = "can_fetch_economic_data"
	Fundamentals   Capability = "can_fetch_fundamentals"
	News           Capability = "can_fetch_news"
	RiskMetrics    Capability = "can_calculate_risk_metrics"
	CryptoData     Capability = "can_fetch_crypto_data"
	DetectPatterns Capability = "can_detect_patterns"
)

// All returns every capability in a stable order.
func All() []Capability {
	return []Capability{
		StockQuotes,
		EconomicData,
		Fundamentals,
		News,
		RiskMetrics,
		CryptoData,
		DetectPatterns,
	}
}

// Valid reports whether c is a member of the enumeration.
func (c Capability) Valid() bool {
	for _, known := range All() {
		if c == known {
			return true
		}
	}
	return false
}

// Integration returns the outbound integration that serves c. Rate limits and
// caches are scoped per integration.
func (c Capability) Integration() string {
	switch c {
	case StockQuotes:
		return "quotes"
	case EconomicData:
		return "economic"
	case Fundamentals:
		return "fundamentals"
	case News:
		return "news"
	case RiskMetrics:
		return "risk"
	case CryptoData:
		return "crypto"
	default:
		return "patterns"
	}
}

// ParseCapability resolves a capability by name.
func ParseCapability(name string) (Capability, error) {
	c := Capability(strings.TrimSpace(name))
	if c.Valid() {
		return c, nil
	}
	return "", &domain.DomainError{
		Err:     domain.ErrCapabilityNotFound,
		Kind:    domain.KindNotFound,
		Code:    "UNKNOWN_CAPABILITY",
		Message: fmt.Sprintf("unknown capability %s, available: %s", name, availableList()),
	}
}

func availableList() string {
	names := make([]string, 0, len(All()))
	for _, c := range All() {
		names = append(names, string(c))
	}
	return "[" + strings.Join(names, ", ") + "]"
}
