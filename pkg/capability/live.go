package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/agentgov/internal/governance"
	"github.com/polisai/agentgov/pkg/domain"
)

const (
	defaultLiveTimeout = 30 * time.Second
	maxResponseBytes   = 4 << 20
)

// LiveConfig configures the HTTP data backend.
type LiveConfig struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	APIKey  string        `yaml:"api_key" json:"-"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// Governance bundles the resilience components every live call goes through.
// Nil members are replaced with defaults.
type Governance struct {
	Limiters *governance.RateLimiters
	Retry    *governance.RetryPolicy
	Cache    *governance.TTLCache
	Tracker  *governance.FallbackTracker
	// Recorder receives fallback events. It defaults to Tracker and is
	// typically a telemetry counter forwarding to it.
	Recorder domain.FallbackRecorder
}

func (g Governance) withDefaults(logger *slog.Logger) Governance {
	if g.Tracker == nil {
		g.Tracker = governance.NewFallbackTracker(0, logger)
	}
	if g.Recorder == nil {
		g.Recorder = g.Tracker
	}
	if g.Limiters == nil {
		g.Limiters = governance.NewRateLimiters(governance.RateLimiterConfig{}, nil, logger)
	}
	if g.Retry == nil {
		g.Retry = governance.NewRetryPolicy(governance.DefaultRetryConfig(), g.Recorder, logger)
	}
	if g.Cache == nil {
		g.Cache = governance.NewTTLCache(nil)
	}
	return g
}

// LiveBackend fetches data from an upstream JSON API. Each call is paced by
// the integration's rate limiter, retried with backoff, and cached; when the
// upstream is down an expired cache entry is served and reported as stale.
type LiveBackend struct {
	baseURL *url.URL
	apiKey  string
	client  *http.Client
	gov     Governance
	logger  *slog.Logger
}

// NewLiveBackend validates cfg and builds the backend. client may be nil.
func NewLiveBackend(cfg LiveConfig, gov Governance, client *http.Client, logger *slog.Logger) (*LiveBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, domain.NewError(domain.KindRuntimeUnavailable, domain.ErrRuntimeUnavailable, "live backend: base_url is not set")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, domain.NewError(domain.KindValidation, err, "live backend: invalid base_url %q", cfg.BaseURL)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &domain.DomainError{
			Kind:    domain.KindRemote,
			Reason:  domain.ReasonAPIKeyMissing,
			Code:    string(domain.ReasonAPIKeyMissing),
			Message: "live backend: api key not set",
		}
	}

	if client == nil {
		client = NewHTTPClient(cfg.Timeout)
	}

	return &LiveBackend{
		baseURL: base,
		apiKey:  cfg.APIKey,
		client:  client,
		gov:     gov.withDefaults(logger),
		logger:  logger,
	}, nil
}

func (b *LiveBackend) Name() string { return "live" }

func (b *LiveBackend) Quote(ctx context.Context, p QuoteParams) (Result[Quote], error) {
	key := governance.Key(string(StockQuotes), p.Symbol)
	return fetch(ctx, b, StockQuotes, governance.ClassQuote, key, func(ctx context.Context) (Quote, error) {
		var q Quote
		if err := b.getJSON(ctx, "quote", url.Values{"symbol": {p.Symbol}}, &q); err != nil {
			return Quote{}, err
		}
		if q.Symbol == "" {
			return Quote{}, malformed("quote", errors.New("missing symbol"))
		}
		return q, nil
	})
}

func (b *LiveBackend) Economic(ctx context.Context, p EconomicParams) (Result[EconomicSeries], error) {
	indicators := p.Indicators
	if len(indicators) == 0 {
		indicators = DefaultIndicators
	}

	out := Result[EconomicSeries]{
		Value: EconomicSeries{
			Indicators: make(map[string][]Observation, len(indicators)),
			Start:      p.Start,
			End:        p.End,
		},
	}
	for _, ind := range indicators {
		key := governance.Key(string(EconomicData), ind, p.Start, p.End)
		res, err := fetch(ctx, b, EconomicData, governance.ClassHistorical, key, func(ctx context.Context) ([]Observation, error) {
			var body struct {
				Observations []Observation `json:"observations"`
			}
			q := url.Values{"id": {ind}}
			if p.Start != "" {
				q.Set("start", p.Start)
			}
			if p.End != "" {
				q.Set("end", p.End)
			}
			if err := b.getJSON(ctx, "economic/series", q, &body); err != nil {
				return nil, err
			}
			return body.Observations, nil
		})
		if err != nil {
			return Result[EconomicSeries]{}, fmt.Errorf("indicator %s: %w", ind, err)
		}
		out.Value.Indicators[ind] = res.Value
		if res.Stale {
			out.Stale = true
			out.Reason = res.Reason
		}
		if out.FetchedAt.IsZero() || res.FetchedAt.Before(out.FetchedAt) {
			out.FetchedAt = res.FetchedAt
		}
	}
	return out, nil
}

func (b *LiveBackend) Fundamentals(ctx context.Context, p FundamentalsParams) (Result[CompanyFundamentals], error) {
	key := governance.Key(string(Fundamentals), p.Symbol)
	return fetch(ctx, b, Fundamentals, governance.ClassAnalytics, key, func(ctx context.Context) (CompanyFundamentals, error) {
		var f CompanyFundamentals
		if err := b.getJSON(ctx, "fundamentals", url.Values{"symbol": {p.Symbol}}, &f); err != nil {
			return CompanyFundamentals{}, err
		}
		if f.Symbol == "" {
			return CompanyFundamentals{}, malformed("fundamentals", errors.New("missing symbol"))
		}
		return f, nil
	})
}

func (b *LiveBackend) News(ctx context.Context, p NewsParams) (Result[[]Article], error) {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultNewsLimit
	}
	key := governance.Key(string(News), p.Symbol, p.Category, strconv.Itoa(limit))
	return fetch(ctx, b, News, governance.ClassQuote, key, func(ctx context.Context) ([]Article, error) {
		q := url.Values{"limit": {strconv.Itoa(limit)}}
		if p.Symbol != "" {
			q.Set("symbol", p.Symbol)
		}
		if p.Category != "" {
			q.Set("category", p.Category)
		}
		var body struct {
			Articles []Article `json:"articles"`
		}
		if err := b.getJSON(ctx, "news", q, &body); err != nil {
			return nil, err
		}
		if len(body.Articles) > limit {
			body.Articles = body.Articles[:limit]
		}
		return body.Articles, nil
	})
}

func (b *LiveBackend) Risk(ctx context.Context, p RiskParams) (Result[RiskReport], error) {
	q := url.Values{}
	if len(p.Holdings) > 0 {
		parts := make([]string, 0, len(p.Holdings))
		for _, h := range p.Holdings {
			parts = append(parts, h.Symbol+":"+strconv.FormatFloat(h.Weight, 'f', -1, 64))
		}
		q.Set("holdings", strings.Join(parts, ","))
	} else {
		q.Set("symbol", p.Symbol)
	}
	key := governance.Key(string(RiskMetrics), q.Encode())
	return fetch(ctx, b, RiskMetrics, governance.ClassAnalytics, key, func(ctx context.Context) (RiskReport, error) {
		var r RiskReport
		if err := b.getJSON(ctx, "risk", q, &r); err != nil {
			return RiskReport{}, err
		}
		return r, nil
	})
}

// NewHTTPClient returns an instrumented client for upstream calls. A
// non-positive timeout uses the default of 30s.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultLiveTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// fetch runs call through the cache, the retry policy and the integration's
// rate limiter, in that order from the outside in.
func fetch[T any](ctx context.Context, b *LiveBackend, c Capability, class governance.TTLClass, key string, call func(ctx context.Context) (T, error)) (Result[T], error) {
	integration := c.Integration()
	limiter := b.gov.Limiters.For(integration)

	lookup, err := b.gov.Cache.GetOrLoad(ctx, key, class, func(ctx context.Context) (any, error) {
		return b.gov.Retry.Execute(ctx, func(ctx context.Context) (any, error) {
			if err := limiter.Acquire(ctx); err != nil {
				return nil, err
			}
			return call(ctx)
		}, governance.RetryOptions{Component: integration, Limiter: limiter})
	})
	if err != nil {
		return Result[T]{}, err
	}

	value, ok := lookup.Value.(T)
	if !ok {
		return Result[T]{}, malformed(string(c), fmt.Errorf("cached value has type %T", lookup.Value))
	}
	res := Result[T]{Value: value, FetchedAt: lookup.StoredAt}
	if lookup.Cause != nil {
		reason := governance.CategorizeError(lookup.Cause)
		b.gov.Recorder.MarkFallback(integration, reason, domain.DataStale)
		b.logger.Warn("serving stale data",
			"capability", c,
			"age", lookup.Age,
			"reason", reason,
		)
		res.Stale = true
		res.Reason = reason
	}
	return res, nil
}

func (b *LiveBackend) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	target := b.baseURL.JoinPath(path)
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: connection error: %w", path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return statusError(path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return malformed(path, err)
	}
	return nil
}

// statusError phrases upstream HTTP failures so the failure categoriser maps
// them to the right reason.
func statusError(path string, status int, body string) error {
	switch status {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%s: rate limit exceeded (429)", path)
	case http.StatusUnauthorized:
		return fmt.Errorf("%s: unauthorized (401)", path)
	case http.StatusForbidden:
		return fmt.Errorf("%s: forbidden (403)", path)
	case http.StatusPaymentRequired:
		return fmt.Errorf("%s: quota exceeded (402)", path)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return fmt.Errorf("%s: upstream timeout (%d)", path, status)
	default:
		return fmt.Errorf("%s: api error status %d: %s", path, status, body)
	}
}

func malformed(what string, err error) error {
	return domain.NewError(domain.KindSchema, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err), "%s", what)
}
