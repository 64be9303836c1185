package capability

import (
	"context"
	"time"

	"github.com/polisai/agentgov/pkg/domain"
)

// Quote is a point-in-time market price.
type Quote struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
	Volume        int64     `json:"volume"`
	AsOf          time.Time `json:"as_of"`
}

// Observation is one dated value of an indicator series.
type Observation struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// EconomicSeries maps indicator ids to their observations.
type EconomicSeries struct {
	Indicators map[string][]Observation `json:"indicators"`
	Start      string                   `json:"start,omitempty"`
	End        string                   `json:"end,omitempty"`
}

// CompanyFundamentals holds headline balance-sheet and valuation figures.
type CompanyFundamentals struct {
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name,omitempty"`
	Sector       string  `json:"sector,omitempty"`
	MarketCap    float64 `json:"market_cap"`
	PERatio      float64 `json:"pe_ratio"`
	EPS          float64 `json:"eps"`
	Revenue      float64 `json:"revenue"`
	DebtToEquity float64 `json:"debt_to_equity"`
}

// Article is one news headline.
type Article struct {
	Title     string    `json:"title"`
	Source    string    `json:"source"`
	URL       string    `json:"url,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	Category  string    `json:"category,omitempty"`
	Published time.Time `json:"published"`
}

// RiskReport summarises risk measures for a symbol or portfolio.
type RiskReport struct {
	Symbols     []string `json:"symbols"`
	Volatility  float64  `json:"volatility"`
	Beta        float64  `json:"beta"`
	SharpeRatio float64  `json:"sharpe_ratio"`
	VaR95       float64  `json:"var_95"`
	MaxDrawdown float64  `json:"max_drawdown"`
}

// Result wraps a backend value with its provenance.
type Result[T any] struct {
	Value T
	// Stale is set when the value was served from an expired cache entry
	// because the upstream call failed.
	Stale     bool
	Reason    domain.FallbackReason
	FetchedAt time.Time
}

// Backend serves the data capabilities. Implementations return errors rather
// than panicking; the router converts both.
type Backend interface {
	Name() string
	Quote(ctx context.Context, p QuoteParams) (Result[Quote], error)
	Economic(ctx context.Context, p EconomicParams) (Result[EconomicSeries], error)
	Fundamentals(ctx context.Context, p FundamentalsParams) (Result[CompanyFundamentals], error)
	News(ctx context.Context, p NewsParams) (Result[[]Article], error)
	Risk(ctx context.Context, p RiskParams) (Result[RiskReport], error)
}
