package governance

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/polisai/agentgov/pkg/domain"
)

const defaultFallbackEventCapacity = 1000

// FallbackStats aggregates recorded fallback events.
type FallbackStats struct {
	LLMFallbacks   int64                           `json:"llm_fallbacks"`
	APIFallbacks   int64                           `json:"api_fallbacks"`
	CacheHits      int64                           `json:"cache_hits"`
	TotalFallbacks int64                           `json:"total_fallbacks"`
	ByReason       map[domain.FallbackReason]int64 `json:"by_reason"`
	LastEvent      *domain.FallbackEvent           `json:"last_event,omitempty"`
}

// Explanation is a presentation-ready description of a degraded response.
type Explanation struct {
	Reason    domain.FallbackReason `json:"reason"`
	DataType  domain.DataType       `json:"data_type"`
	Component string                `json:"component"`
	Title     string                `json:"title"`
	Message   string                `json:"message"`
	Timestamp time.Time             `json:"timestamp"`
}

// FallbackTracker is the append-only ledger of degraded responses. Any number
// of producers may record concurrently.
type FallbackTracker struct {
	logger   *slog.Logger
	capacity int

	mu     sync.Mutex
	events []domain.FallbackEvent
	stats  FallbackStats

	now func() time.Time
}

// NewFallbackTracker creates a tracker keeping at most capacity events (counters are unbounded).
func NewFallbackTracker(capacity int, logger *slog.Logger) *FallbackTracker {
	if capacity <= 0 {
		capacity = defaultFallbackEventCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackTracker{
		logger:   logger,
		capacity: capacity,
		stats:    FallbackStats{ByReason: make(map[domain.FallbackReason]int64)},
		now:      time.Now,
	}
}

// MarkFallback records one degraded response.
func (t *FallbackTracker) MarkFallback(component string, reason domain.FallbackReason, dataType domain.DataType) {
	if !reason.Valid() {
		reason = domain.ReasonAPIError
	}
	if dataType == "" {
		dataType = domain.DataDefault
	}
	event := domain.FallbackEvent{
		Timestamp: t.now().UTC(),
		Component: component,
		Reason:    reason,
		DataType:  dataType,
	}

	t.mu.Lock()
	if len(t.events) >= t.capacity {
		copy(t.events, t.events[1:])
		t.events = t.events[:len(t.events)-1]
	}
	t.events = append(t.events, event)

	t.stats.TotalFallbacks++
	t.stats.ByReason[reason]++
	if isLLMComponent(component) {
		t.stats.LLMFallbacks++
	} else {
		t.stats.APIFallbacks++
	}
	if dataType == domain.DataStale || dataType == domain.DataCached {
		t.stats.CacheHits++
	}
	last := event
	t.stats.LastEvent = &last
	t.mu.Unlock()

	t.logger.Warn("fallback engaged",
		"component", component,
		"reason", reason,
		"data_type", dataType,
	)
}

// Stats returns a copy of the aggregate counters.
func (t *FallbackTracker) Stats() FallbackStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.stats
	out.ByReason = make(map[domain.FallbackReason]int64, len(t.stats.ByReason))
	for reason, n := range t.stats.ByReason {
		out.ByReason[reason] = n
	}
	if t.stats.LastEvent != nil {
		last := *t.stats.LastEvent
		out.LastEvent = &last
	}
	return out
}

// Events returns up to limit of the most recent events, oldest first. limit <= 0 returns all.
func (t *FallbackTracker) Events(limit int) []domain.FallbackEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := 0
	if limit > 0 && limit < len(t.events) {
		start = len(t.events) - limit
	}
	out := make([]domain.FallbackEvent, len(t.events)-start)
	copy(out, t.events[start:])
	return out
}

// ClearStats resets every counter and empties the event list.
func (t *FallbackTracker) ClearStats() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
	t.stats = FallbackStats{ByReason: make(map[domain.FallbackReason]int64)}
}

// Explain turns an event into a specific, non-generic explanation.
func (t *FallbackTracker) Explain(event domain.FallbackEvent) Explanation {
	return Explanation{
		Reason:    event.Reason,
		DataType:  event.DataType,
		Component: event.Component,
		Title:     reasonTitle(event.Reason),
		Message:   fmt.Sprintf("%s %s", reasonMessage(event.Reason), dataTypeMessage(event.DataType)),
		Timestamp: event.Timestamp,
	}
}

// Explanations explains the most recent limit events.
func (t *FallbackTracker) Explanations(limit int) []Explanation {
	events := t.Events(limit)
	out := make([]Explanation, 0, len(events))
	for _, ev := range events {
		out = append(out, t.Explain(ev))
	}
	return out
}

func isLLMComponent(component string) bool {
	c := strings.ToLower(component)
	for _, marker := range []string{"llm", "claude", "model", "openai", "anthropic"} {
		if strings.Contains(c, marker) {
			return true
		}
	}
	return false
}

func reasonTitle(reason domain.FallbackReason) string {
	switch reason {
	case domain.ReasonTimeout:
		return "Service timed out"
	case domain.ReasonRateLimit:
		return "Rate limit reached"
	case domain.ReasonQuotaExceeded:
		return "Quota exhausted"
	case domain.ReasonConnectionError:
		return "Service unreachable"
	case domain.ReasonAPIKeyMissing:
		return "API key not configured"
	case domain.ReasonAPIKeyInvalid:
		return "API key rejected"
	default:
		return "Upstream error"
	}
}

func reasonMessage(reason domain.FallbackReason) string {
	switch reason {
	case domain.ReasonTimeout:
		return "The data provider did not answer in time."
	case domain.ReasonRateLimit:
		return "Too many requests were sent to the data provider; calls are paused briefly."
	case domain.ReasonQuotaExceeded:
		return "The plan quota for the data provider is used up for this period."
	case domain.ReasonConnectionError:
		return "The data provider could not be reached over the network."
	case domain.ReasonAPIKeyMissing:
		return "No credentials are configured for the data provider."
	case domain.ReasonAPIKeyInvalid:
		return "The data provider refused the configured credentials."
	default:
		return "The data provider returned an error."
	}
}

func dataTypeMessage(dataType domain.DataType) string {
	switch dataType {
	case domain.DataStale:
		return "Showing the last known value, which may be out of date."
	case domain.DataCached:
		return "Showing prepared substitute data."
	default:
		return "Showing default values."
	}
}
