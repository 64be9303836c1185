package executor

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/polisai/agentgov/pkg/domain"
)

// Catalog is a PatternEngine over pattern definitions with no interpreter
// attached. ExecutePattern always reports a missing runtime, which routes
// requests to fallback dispatch.
type Catalog struct {
	mu       sync.RWMutex
	patterns map[string]domain.Pattern
}

type catalogFile struct {
	Patterns []domain.Pattern `yaml:"patterns"`
}

// NewCatalog creates a catalog holding patterns.
func NewCatalog(patterns ...domain.Pattern) *Catalog {
	c := &Catalog{patterns: make(map[string]domain.Pattern, len(patterns))}
	for _, p := range patterns {
		c.patterns[p.ID] = p
	}
	return c
}

// LoadCatalog reads a YAML document with a top-level "patterns" list.
func LoadCatalog(path string) (*Catalog, error) {
	//nolint:gosec // Pattern file path is controlled by admin/operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read patterns %s: %w", path, err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse patterns %s: %w", path, err)
	}
	for i, p := range file.Patterns {
		if strings.TrimSpace(p.ID) == "" {
			return nil, domain.NewError(domain.KindValidation, domain.ErrMissingParameter, "pattern %d id", i)
		}
	}
	return NewCatalog(file.Patterns...), nil
}

// HasPattern reports whether id is defined.
func (c *Catalog) HasPattern(id string) bool {
	_, ok := c.GetPattern(id)
	return ok
}

// GetPattern returns the definition for id.
func (c *Catalog) GetPattern(id string) (domain.Pattern, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.patterns[id]
	return p, ok
}

// ExecutePattern always fails with a RuntimeUnavailable error.
func (c *Catalog) ExecutePattern(_ context.Context, pattern domain.Pattern, _ map[string]any) (map[string]any, error) {
	return nil, domain.NewError(domain.KindRuntimeUnavailable, domain.ErrRuntimeUnavailable, "pattern %q", pattern.ID)
}

// IDs lists the defined pattern ids in order.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.patterns))
	for id := range c.patterns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
