package capability

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/polisai/agentgov/pkg/domain"
)

const (
	dateLayout             = "2006-01-02"
	maxFixtureObservations = 120
)

var indicatorBaselines = map[string]float64{
	"GDP":      27000,
	"CPIAUCSL": 305,
	"UNRATE":   4.0,
	"FEDFUNDS": 5.25,
}

var newsSources = []string{"Reuters", "Bloomberg", "Financial Times", "WSJ", "MarketWatch"}

// FixtureBackend serves deterministic data derived from its inputs. It never
// touches the network and is the substitute whenever a live backend cannot be built.
type FixtureBackend struct {
	now func() time.Time
}

// NewFixtureBackend creates a fixture backend.
func NewFixtureBackend() *FixtureBackend {
	return &FixtureBackend{now: time.Now}
}

func (b *FixtureBackend) Name() string { return "fixture" }

func (b *FixtureBackend) Quote(_ context.Context, p QuoteParams) (Result[Quote], error) {
	r := seeded(p.Symbol, "quote")
	price := round2(20 + r.Float64()*500)
	change := round2((r.Float64() - 0.5) * price * 0.04)
	return Result[Quote]{
		Value: Quote{
			Symbol:        p.Symbol,
			Price:         price,
			Change:        change,
			ChangePercent: round2(change / price * 100),
			Volume:        100_000 + r.Int64N(50_000_000),
			AsOf:          b.today(),
		},
		FetchedAt: b.now().UTC(),
	}, nil
}

func (b *FixtureBackend) Economic(_ context.Context, p EconomicParams) (Result[EconomicSeries], error) {
	end := b.today()
	if p.End != "" {
		t, err := time.Parse(dateLayout, p.End)
		if err != nil {
			return Result[EconomicSeries]{}, domain.NewError(domain.KindValidation, err, "%s: invalid end date", EconomicData)
		}
		end = t
	}
	start := end.AddDate(0, -11, 0)
	if p.Start != "" {
		t, err := time.Parse(dateLayout, p.Start)
		if err != nil {
			return Result[EconomicSeries]{}, domain.NewError(domain.KindValidation, err, "%s: invalid start date", EconomicData)
		}
		start = t
	}
	start = time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)

	indicators := p.Indicators
	if len(indicators) == 0 {
		indicators = DefaultIndicators
	}

	series := EconomicSeries{
		Indicators: make(map[string][]Observation, len(indicators)),
		Start:      start.Format(dateLayout),
		End:        end.Format(dateLayout),
	}
	for _, ind := range indicators {
		base, ok := indicatorBaselines[ind]
		if !ok {
			base = 100
		}
		var obs []Observation
		for d := start; !d.After(end) && len(obs) < maxFixtureObservations; d = d.AddDate(0, 1, 0) {
			date := d.Format(dateLayout)
			r := seeded(ind, date)
			obs = append(obs, Observation{Date: date, Value: round2(base * (0.97 + r.Float64()*0.06))})
		}
		series.Indicators[ind] = obs
	}
	return Result[EconomicSeries]{Value: series, FetchedAt: b.now().UTC()}, nil
}

func (b *FixtureBackend) Fundamentals(_ context.Context, p FundamentalsParams) (Result[CompanyFundamentals], error) {
	r := seeded(p.Symbol, "fundamentals")
	sectors := []string{"Technology", "Healthcare", "Financials", "Energy", "Industrials", "Consumer"}
	eps := round2(0.5 + r.Float64()*12)
	pe := round2(8 + r.Float64()*40)
	return Result[CompanyFundamentals]{
		Value: CompanyFundamentals{
			Symbol:       p.Symbol,
			Name:         p.Symbol + " Holdings",
			Sector:       sectors[r.IntN(len(sectors))],
			MarketCap:    math.Round((1 + r.Float64()*999) * 1e9),
			PERatio:      pe,
			EPS:          eps,
			Revenue:      math.Round((0.5 + r.Float64()*200) * 1e9),
			DebtToEquity: round2(r.Float64() * 2.5),
		},
		FetchedAt: b.now().UTC(),
	}, nil
}

func (b *FixtureBackend) News(_ context.Context, p NewsParams) (Result[[]Article], error) {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultNewsLimit
	}
	subject := p.Symbol
	if subject == "" {
		subject = "Markets"
	}
	category := p.Category
	if category == "" {
		category = "general"
	}

	r := seeded(subject, category)
	base := b.today().Add(16 * time.Hour)
	articles := make([]Article, 0, limit)
	for i := 0; i < limit; i++ {
		source := newsSources[r.IntN(len(newsSources))]
		articles = append(articles, Article{
			Title:     fmt.Sprintf("%s: %s update #%d", subject, category, i+1),
			Source:    source,
			URL:       fmt.Sprintf("https://news.example.com/%s/%s/%d", strings.ToLower(subject), category, i+1),
			Symbol:    p.Symbol,
			Category:  category,
			Published: base.Add(-time.Duration(i) * 90 * time.Minute),
		})
	}
	return Result[[]Article]{Value: articles, FetchedAt: b.now().UTC()}, nil
}

func (b *FixtureBackend) Risk(_ context.Context, p RiskParams) (Result[RiskReport], error) {
	holdings := append([]Holding(nil), p.Holdings...)
	if len(holdings) == 0 {
		holdings = []Holding{{Symbol: p.Symbol, Weight: 1}}
	}

	var total float64
	for _, h := range holdings {
		total += h.Weight
	}
	if total == 0 {
		total = float64(len(holdings))
		for i := range holdings {
			holdings[i].Weight = 1
		}
	}

	report := RiskReport{Symbols: make([]string, 0, len(holdings))}
	for _, h := range holdings {
		w := h.Weight / total
		r := seeded(h.Symbol, "risk")
		report.Symbols = append(report.Symbols, h.Symbol)
		report.Volatility += w * (0.12 + r.Float64()*0.5)
		report.Beta += w * (0.5 + r.Float64()*1.3)
		report.SharpeRatio += w * (r.Float64()*2.5 - 0.5)
		report.VaR95 += w * (0.01 + r.Float64()*0.05)
		report.MaxDrawdown += w * (0.05 + r.Float64()*0.5)
	}
	report.Volatility = round4(report.Volatility)
	report.Beta = round4(report.Beta)
	report.SharpeRatio = round4(report.SharpeRatio)
	report.VaR95 = round4(report.VaR95)
	report.MaxDrawdown = round4(report.MaxDrawdown)
	return Result[RiskReport]{Value: report, FetchedAt: b.now().UTC()}, nil
}

func (b *FixtureBackend) today() time.Time {
	now := b.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func seeded(parts ...string) *rand.Rand {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	sum := h.Sum64()
	return rand.New(rand.NewPCG(sum, sum^0x9e3779b97f4a7c15))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
