package capability

import (
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polisai/agentgov/pkg/domain"
)

const defaultNewsLimit = 10

// DefaultIndicators is the indicator set fetched when a caller names none.
var DefaultIndicators = []string{"GDP", "CPIAUCSL", "UNRATE", "FEDFUNDS"}

// Params is the validated input of one capability. The set of implementations
// is closed to this package.
type Params interface {
	Capability() Capability
	Validate() error
	params()
}

// QuoteParams selects a single ticker.
type QuoteParams struct {
	Symbol string `yaml:"symbol" json:"symbol"`
}

// EconomicParams selects macro indicator series. Start and End are YYYY-MM-DD.
type EconomicParams struct {
	Indicators []string `yaml:"indicators" json:"indicators,omitempty"`
	Start      string   `yaml:"start" json:"start,omitempty"`
	End        string   `yaml:"end" json:"end,omitempty"`
}

// FundamentalsParams selects a single ticker.
type FundamentalsParams struct {
	Symbol string `yaml:"symbol" json:"symbol"`
}

// NewsParams filters headlines. All fields are optional.
type NewsParams struct {
	Symbol   string `yaml:"symbol" json:"symbol,omitempty"`
	Category string `yaml:"category" json:"category,omitempty"`
	Limit    int    `yaml:"limit" json:"limit,omitempty"`
}

// Holding is one weighted portfolio position.
type Holding struct {
	Symbol string  `yaml:"symbol" json:"symbol"`
	Weight float64 `yaml:"weight" json:"weight"`
}

// RiskParams selects either a single ticker or a portfolio of holdings.
type RiskParams struct {
	Symbol   string    `yaml:"symbol" json:"symbol,omitempty"`
	Holdings []Holding `yaml:"holdings" json:"holdings,omitempty"`
}

// CryptoParams selects a crypto asset.
type CryptoParams struct {
	Symbol string `yaml:"symbol" json:"symbol,omitempty"`
}

// PatternParams names a chart pattern to detect.
type PatternParams struct {
	Symbol  string `yaml:"symbol" json:"symbol,omitempty"`
	Pattern string `yaml:"pattern" json:"pattern,omitempty"`
}

func (QuoteParams) Capability() Capability        { return StockQuotes }
func (EconomicParams) Capability() Capability     { return EconomicData }
func (FundamentalsParams) Capability() Capability { return Fundamentals }
func (NewsParams) Capability() Capability         { return News }
func (RiskParams) Capability() Capability         { return RiskMetrics }
func (CryptoParams) Capability() Capability       { return CryptoData }
func (PatternParams) Capability() Capability      { return DetectPatterns }

func (QuoteParams) params()        {}
func (EconomicParams) params()     {}
func (FundamentalsParams) params() {}
func (NewsParams) params()         {}
func (RiskParams) params()         {}
func (CryptoParams) params()       {}
func (PatternParams) params()      {}

// Validate requires a symbol.
func (p QuoteParams) Validate() error {
	return requireSymbol(StockQuotes, p.Symbol)
}

// Validate checks the date bounds when present.
func (p EconomicParams) Validate() error {
	if p.Start != "" && p.End != "" && p.Start > p.End {
		return domain.NewError(domain.KindValidation, nil, "%s: start %s is after end %s", EconomicData, p.Start, p.End)
	}
	return nil
}

// Validate requires a symbol.
func (p FundamentalsParams) Validate() error {
	return requireSymbol(Fundamentals, p.Symbol)
}

// Validate rejects negative limits.
func (p NewsParams) Validate() error {
	if p.Limit < 0 {
		return domain.NewError(domain.KindValidation, nil, "%s: limit must not be negative", News)
	}
	return nil
}

// Validate requires a symbol or at least one holding.
func (p RiskParams) Validate() error {
	if p.Symbol == "" && len(p.Holdings) == 0 {
		return missing(RiskMetrics, "symbol or holdings")
	}
	for _, h := range p.Holdings {
		if h.Symbol == "" {
			return missing(RiskMetrics, "holdings[].symbol")
		}
		if h.Weight < 0 {
			return domain.NewError(domain.KindValidation, nil, "%s: holding %s has negative weight", RiskMetrics, h.Symbol)
		}
	}
	return nil
}

// Validate accepts anything; the capability is a placeholder.
func (p CryptoParams) Validate() error { return nil }

// Validate accepts anything; the capability is served by patterns.
func (p PatternParams) Validate() error { return nil }

func requireSymbol(c Capability, symbol string) error {
	if symbol == "" {
		return missing(c, "symbol")
	}
	return nil
}

func missing(c Capability, key string) error {
	return domain.NewError(domain.KindValidation, domain.ErrMissingParameter, "%s requires %q", c, key)
}

// ParamsFromContext decodes an untyped context map into the params of c and
// normalises it. The returned params are not yet validated.
func ParamsFromContext(c Capability, values map[string]any) (Params, error) {
	prepared := prepareValues(values)
	data, err := yaml.Marshal(prepared)
	if err != nil {
		return nil, domain.NewError(domain.KindValidation, err, "%s: encode parameters", c)
	}

	var p Params
	switch c {
	case StockQuotes:
		var q QuoteParams
		err = yaml.Unmarshal(data, &q)
		q.Symbol = normalizeSymbol(q.Symbol)
		p = q
	case EconomicData:
		var e EconomicParams
		err = yaml.Unmarshal(data, &e)
		e.Indicators = normalizeIndicators(e.Indicators)
		p = e
	case Fundamentals:
		var f FundamentalsParams
		err = yaml.Unmarshal(data, &f)
		f.Symbol = normalizeSymbol(f.Symbol)
		p = f
	case News:
		var n NewsParams
		err = yaml.Unmarshal(data, &n)
		n.Symbol = normalizeSymbol(n.Symbol)
		n.Category = strings.ToLower(strings.TrimSpace(n.Category))
		if n.Limit == 0 {
			n.Limit = defaultNewsLimit
		}
		p = n
	case RiskMetrics:
		var r RiskParams
		err = yaml.Unmarshal(data, &r)
		r.Symbol = normalizeSymbol(r.Symbol)
		for i := range r.Holdings {
			r.Holdings[i].Symbol = normalizeSymbol(r.Holdings[i].Symbol)
		}
		p = r
	case CryptoData:
		var cp CryptoParams
		err = yaml.Unmarshal(data, &cp)
		cp.Symbol = normalizeSymbol(cp.Symbol)
		p = cp
	case DetectPatterns:
		var pp PatternParams
		err = yaml.Unmarshal(data, &pp)
		pp.Symbol = normalizeSymbol(pp.Symbol)
		p = pp
	default:
		_, perr := ParseCapability(string(c))
		return nil, perr
	}
	if err != nil {
		return nil, domain.NewError(domain.KindValidation, err, "%s: invalid parameters", c)
	}
	return p, nil
}

// prepareValues coerces the loose shapes callers commonly send (comma
// separated indicator lists, "SYM:weight" holdings, numeric strings) into the
// shapes the params structs decode.
func prepareValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}

	if s, ok := out["indicators"].(string); ok {
		out["indicators"] = strings.Split(s, ",")
	}
	if s, ok := out["limit"].(string); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			out["limit"] = n
		}
	}
	switch h := out["holdings"].(type) {
	case string:
		out["holdings"] = parseHoldings(strings.Split(h, ","))
	case []string:
		out["holdings"] = parseHoldings(h)
	case []any:
		items := make([]any, 0, len(h))
		for _, item := range h {
			if s, ok := item.(string); ok {
				items = append(items, parseHolding(s))
				continue
			}
			items = append(items, item)
		}
		out["holdings"] = items
	}
	return out
}

func parseHoldings(items []string) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item) == "" {
			continue
		}
		out = append(out, parseHolding(item))
	}
	return out
}

func parseHolding(s string) map[string]any {
	symbol, weight, found := strings.Cut(strings.TrimSpace(s), ":")
	h := map[string]any{"symbol": symbol, "weight": 1.0}
	if found {
		if w, err := strconv.ParseFloat(weight, 64); err == nil {
			h["weight"] = w
		}
	}
	return h
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func normalizeIndicators(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, ind := range in {
		ind = strings.ToUpper(strings.TrimSpace(ind))
		if ind == "" || seen[ind] {
			continue
		}
		seen[ind] = true
		out = append(out, ind)
	}
	if len(out) == 0 {
		return append([]string(nil), DefaultIndicators...)
	}
	return out
}
