package capability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/polisai/agentgov/pkg/domain"
)

// Mode selects the requested backend.
type Mode string

const (
	ModeFixture Mode = "fixture"
	ModeLive    Mode = "live"
)

// RouterConfig configures backend selection.
type RouterConfig struct {
	Mode       Mode
	Live       LiveConfig
	Governance Governance
	// HTTPClient overrides the live backend's client.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Response is the uniform output of every capability call.
type Response struct {
	Data   any                   `json:"data"`
	Error  string                `json:"error,omitempty"`
	Kind   domain.Kind           `json:"kind,omitempty"`
	Reason domain.FallbackReason `json:"reason,omitempty"`
	Stale  bool                  `json:"stale,omitempty"`
	// Backend names the backend that produced Data.
	Backend string `json:"backend,omitempty"`
}

// Failed reports whether the response carries an error.
func (r Response) Failed() bool { return r.Error != "" }

// Status describes which backend is serving requests and why.
type Status struct {
	ActiveBackend string       `json:"active_backend"`
	Requested     Mode         `json:"requested"`
	Substituted   bool         `json:"substituted"`
	Reason        string       `json:"reason,omitempty"`
	Capabilities  []Capability `json:"capabilities"`
	Calls         int64        `json:"calls"`
	Failures      int64        `json:"failures"`
}

// Router maps capabilities to backend calls.
type Router struct {
	backend Backend
	status  Status
	logger  *slog.Logger

	calls    atomic.Int64
	failures atomic.Int64
}

// NewRouter builds a router. When the live backend is requested but cannot
// be constructed, the fixture backend is substituted and the substitution is
// reported by Status.
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	requested := cfg.Mode
	if requested == "" {
		requested = ModeFixture
	}

	r := &Router{
		logger: logger,
		status: Status{Requested: requested, Capabilities: All()},
	}

	switch requested {
	case ModeLive:
		live, err := NewLiveBackend(cfg.Live, cfg.Governance, cfg.HTTPClient, logger)
		if err != nil {
			logger.Warn("live backend unavailable, substituting fixture backend", "error", err)
			r.backend = NewFixtureBackend()
			r.status.Substituted = true
			r.status.Reason = err.Error()
		} else {
			r.backend = live
		}
	case ModeFixture:
		r.backend = NewFixtureBackend()
	default:
		logger.Warn("unknown backend mode, using fixture backend", "mode", requested)
		r.backend = NewFixtureBackend()
		r.status.Substituted = true
		r.status.Reason = fmt.Sprintf("unknown backend mode %q", requested)
	}
	r.status.ActiveBackend = r.backend.Name()
	return r
}

// NewRouterWithBackend builds a router around an explicit backend.
func NewRouterWithBackend(backend Backend, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		backend: backend,
		logger:  logger,
		status: Status{
			ActiveBackend: backend.Name(),
			Requested:     Mode(backend.Name()),
			Capabilities:  All(),
		},
	}
}

// Status reports the active backend and call counters.
func (r *Router) Status() Status {
	s := r.status
	s.Capabilities = append([]Capability(nil), r.status.Capabilities...)
	s.Calls = r.calls.Load()
	s.Failures = r.failures.Load()
	return s
}

// RouteName resolves name and decodes values before routing. Unknown names
// produce an error response listing the available capabilities.
func (r *Router) RouteName(ctx context.Context, name string, values map[string]any) Response {
	c, err := ParseCapability(name)
	if err != nil {
		return r.record(errorResponse(err))
	}
	p, err := ParamsFromContext(c, values)
	if err != nil {
		return r.record(errorResponse(err))
	}
	return r.Route(ctx, p)
}

// Route validates p and serves it. Backend errors and panics are converted
// into the error fields of the response.
func (r *Router) Route(ctx context.Context, p Params) (resp Response) {
	if p == nil {
		return r.record(errorResponse(domain.NewError(domain.KindValidation, domain.ErrMissingParameter, "capability params are nil")))
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("capability handler panicked", "capability", p.Capability(), "panic", rec)
			resp = r.record(Response{
				Error: fmt.Sprintf("%s: handler panicked: %v", p.Capability(), rec),
				Kind:  domain.KindInternal,
			})
		}
	}()

	if err := p.Validate(); err != nil {
		return r.record(errorResponse(err))
	}

	switch p := p.(type) {
	case QuoteParams:
		res, err := r.backend.Quote(ctx, p)
		resp = respond(res, err)
	case EconomicParams:
		res, err := r.backend.Economic(ctx, p)
		resp = respond(res, err)
	case FundamentalsParams:
		res, err := r.backend.Fundamentals(ctx, p)
		resp = respond(res, err)
	case NewsParams:
		res, err := r.backend.News(ctx, p)
		resp = respond(res, err)
	case RiskParams:
		res, err := r.backend.Risk(ctx, p)
		resp = respond(res, err)
	case CryptoParams:
		resp = errorResponse(domain.NewError(domain.KindRuntimeUnavailable, domain.ErrNotImplemented, "%s is not available yet", CryptoData))
	case PatternParams:
		resp = errorResponse(domain.NewError(domain.KindValidation, nil,
			"%s is served by the pattern engine; run a detection pattern instead of calling the capability directly", DetectPatterns))
	default:
		resp = errorResponse(domain.NewError(domain.KindValidation, nil, "unsupported params type %T", p))
	}

	if !resp.Failed() {
		resp.Backend = r.backend.Name()
	}
	if resp.Stale {
		r.logger.Info("capability served stale data", "capability", p.Capability(), "reason", resp.Reason)
	}
	return r.record(resp)
}

func (r *Router) record(resp Response) Response {
	r.calls.Add(1)
	if resp.Failed() {
		r.failures.Add(1)
	}
	return resp
}

func respond[T any](res Result[T], err error) Response {
	if err != nil {
		return errorResponse(err)
	}
	return Response{Data: res.Value, Stale: res.Stale, Reason: res.Reason}
}

func errorResponse(err error) Response {
	return Response{
		Error:  err.Error(),
		Kind:   domain.KindOf(err),
		Reason: domain.ReasonOf(err),
	}
}
