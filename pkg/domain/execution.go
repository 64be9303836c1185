package domain

import (
	"context"
	"strings"
	"time"
)

// Request is the input accepted by the top-level executor.
type Request struct {
	Type      string         `json:"type" yaml:"type"`
	Content   string         `json:"content,omitempty" yaml:"content,omitempty"`
	UserInput string         `json:"user_input,omitempty" yaml:"user_input,omitempty"`
	Context   map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
	// Deadline bounds the execution; zero means the configured request timeout.
	Deadline time.Time `json:"deadline,omitzero" yaml:"deadline,omitempty"`
}

// Text returns the free-text payload of the request, preferring Content.
func (r Request) Text() string {
	if strings.TrimSpace(r.Content) != "" {
		return r.Content
	}
	return r.UserInput
}

// AgentName returns the explicit agent named in the request context, if any.
func (r Request) AgentName() string {
	if r.Context == nil {
		return ""
	}
	name, _ := r.Context["agent"].(string)
	return strings.TrimSpace(name)
}

// ExecutionContext is the enriched per-request state handed to agents and patterns.
type ExecutionContext struct {
	ExecutionID string
	Timestamp   time.Time
	Request     Request
	Values      map[string]any
	Entities    []string

	Graph      KnowledgeGraph
	Patterns   PatternEngine
	Dispatcher AgentDispatcher
}

// Value returns a context value by key.
func (c *ExecutionContext) Value(key string) (any, bool) {
	if c == nil || c.Values == nil {
		return nil, false
	}
	v, ok := c.Values[key]
	return v, ok
}

// String returns a string context value, or "" when absent or not a string.
func (c *ExecutionContext) String(key string) string {
	v, _ := c.Value(key)
	s, _ := v.(string)
	return s
}

// ExecutionResult is the uniform contract returned by every public entry point.
// It never carries both a fatal Error and a success payload.
type ExecutionResult struct {
	Data          any            `json:"data,omitempty"`
	Response      string         `json:"response,omitempty"`
	Error         string         `json:"error,omitempty"`
	Kind          Kind           `json:"kind,omitempty"`
	Reason        FallbackReason `json:"reason,omitempty"`
	Agent         string         `json:"agent,omitempty"`
	PatternRouted bool           `json:"pattern_routed,omitempty"`
	// Migrated is set on results that went through the facade's tracked path,
	// or when a pattern reports it.
	Migrated     bool `json:"migrated,omitempty"`
	FallbackMode bool `json:"fallback_mode,omitempty"`
	// GraphStored is self-reported by the agent. Nothing verifies that a graph
	// write actually happened; compliance figures inherit that trust boundary.
	GraphStored bool      `json:"graph_stored,omitempty"`
	Recovered   bool      `json:"recovered,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Failed reports whether the result carries an error.
func (r ExecutionResult) Failed() bool {
	return r.Error != ""
}

// Failure builds an error-bearing result with no payload.
func Failure(kind Kind, message string) ExecutionResult {
	return ExecutionResult{Error: message, Kind: kind, Timestamp: time.Now().UTC()}
}

// FailureFromError builds an error-bearing result, carrying kind and reason from err.
func FailureFromError(err error) ExecutionResult {
	res := Failure(KindOf(err), err.Error())
	res.Reason = ReasonOf(err)
	return res
}

// Success builds a payload-bearing result.
func Success(data any) ExecutionResult {
	return ExecutionResult{Data: data, Timestamp: time.Now().UTC()}
}

// Normalize enforces the "never both error and payload" invariant and fills the timestamp.
func (r ExecutionResult) Normalize() ExecutionResult {
	if r.Error != "" {
		r.Data = nil
		r.Response = ""
		if r.Kind == "" {
			r.Kind = KindInternal
		}
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	return r
}

// ResultFromMap converts an untyped pattern result into an ExecutionResult.
// ok is false when m is not a well-formed result.
func ResultFromMap(m map[string]any) (res ExecutionResult, ok bool) {
	if m == nil {
		return ExecutionResult{}, false
	}
	_, hasData := m["data"]
	_, hasResponse := m["response"]
	_, hasError := m["error"]
	_, hasRecovered := m["recovered"]
	if !hasData && !hasResponse && !hasError && !hasRecovered {
		return ExecutionResult{}, false
	}

	res.Data = m["data"]
	res.Response, _ = m["response"].(string)
	if errVal, present := m["error"]; present && errVal != nil {
		switch e := errVal.(type) {
		case string:
			res.Error = e
		case error:
			res.Error = e.Error()
		default:
			return ExecutionResult{}, false
		}
	}
	res.Agent, _ = m["agent"].(string)
	res.GraphStored, _ = m["graph_stored"].(bool)
	res.Recovered, _ = m["recovered"].(bool)
	res.Migrated, _ = m["migrated"].(bool)
	if reason, _ := m["reason"].(string); reason != "" {
		res.Reason = FallbackReason(reason)
	}
	if res.Error != "" {
		res.Kind = KindInternal
	}
	return res, true
}

// SignalsNoRuntime reports whether a pattern result says no runtime is configured.
func SignalsNoRuntime(m map[string]any) bool {
	if m == nil {
		return false
	}
	if flag, _ := m["no_runtime"].(bool); flag {
		return true
	}
	msg, _ := m["error"].(string)
	return strings.Contains(strings.ToLower(msg), ErrRuntimeUnavailable.Error())
}

// Agent is a registered execution unit. Implementations convert their own
// failures into ExecutionResult.Error rather than panicking.
type Agent interface {
	Execute(ctx context.Context, ectx *ExecutionContext) ExecutionResult
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, ectx *ExecutionContext) ExecutionResult

// Execute calls f.
func (f AgentFunc) Execute(ctx context.Context, ectx *ExecutionContext) ExecutionResult {
	return f(ctx, ectx)
}

// AgentDispatcher invokes registered agents through the sanctioned, tracked path.
type AgentDispatcher interface {
	Execute(ctx context.Context, name string, ectx *ExecutionContext) (ExecutionResult, error)
	Has(name string) bool
}
