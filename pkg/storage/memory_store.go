package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/polisai/agentgov/pkg/domain"
)

type memoryPattern struct {
	occurrences   int
	sample        map[string]any
	establishedAt time.Time
	lastSeen      time.Time
}

// MemoryPatternStore is an in-memory implementation of PatternStore.
type MemoryPatternStore struct {
	mu        sync.RWMutex
	patterns  map[string]*memoryPattern
	threshold int

	now func() time.Time
}

// NewMemoryPatternStore creates a new MemoryPatternStore. threshold <= 0 selects the default.
func NewMemoryPatternStore(threshold int) *MemoryPatternStore {
	if threshold <= 0 {
		threshold = DefaultPatternThreshold
	}
	return &MemoryPatternStore{
		patterns:  make(map[string]*memoryPattern),
		threshold: threshold,
		now:       time.Now,
	}
}

// Observe counts one occurrence of name.
func (s *MemoryPatternStore) Observe(_ context.Context, name string, sample map[string]any) (Observation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Observation{}, domain.NewError(domain.KindValidation, domain.ErrMissingParameter, "pattern name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	p, ok := s.patterns[name]
	if !ok {
		p = &memoryPattern{}
		s.patterns[name] = p
	}
	p.occurrences++
	p.sample = cloneSample(sample)
	p.lastSeen = now

	obs := Observation{Name: name, Occurrences: p.occurrences, Established: p.occurrences >= s.threshold}
	if p.occurrences == s.threshold {
		p.establishedAt = now
		obs.Promoted = true
	}
	return obs, nil
}

// Established lists established patterns ordered by name.
func (s *MemoryPatternStore) Established(_ context.Context) ([]EstablishedPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]EstablishedPattern, 0)
	for name, p := range s.patterns {
		if p.occurrences < s.threshold {
			continue
		}
		out = append(out, EstablishedPattern{
			Name:          name,
			Occurrences:   p.occurrences,
			Sample:        cloneSample(p.sample),
			EstablishedAt: p.establishedAt,
			LastSeen:      p.lastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Close is a no-op for memory store.
func (s *MemoryPatternStore) Close() error {
	return nil
}

func cloneSample(sample map[string]any) map[string]any {
	if sample == nil {
		return nil
	}
	out := make(map[string]any, len(sample))
	for k, v := range sample {
		out[k] = v
	}
	return out
}
