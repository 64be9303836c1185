package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/agentgov/pkg/domain"
)

const catalogYAML = `patterns:
  - id: meta_executor
    name: Meta executor
    version: "2"
    definition:
      steps: [classify, dispatch]
  - id: system_validator
    name: System validator
`

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"meta_executor", "system_validator"}, c.IDs())
	p, ok := c.GetPattern("meta_executor")
	require.True(t, ok)
	assert.Equal(t, "2", p.Version)
	assert.Contains(t, p.Definition, "steps")
	assert.False(t, c.HasPattern("unknown"))
}

func TestLoadCatalogRejectsMissingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte("patterns:\n  - name: anonymous\n"), 0o600))

	_, err := LoadCatalog(path)
	require.ErrorIs(t, err, domain.ErrMissingParameter)
}

func TestCatalogRoutesToFallbackDispatch(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Patterns = NewCatalog(domain.Pattern{ID: DefaultMetaPattern})
	})

	res := h.exec.Execute(context.Background(), domain.Request{Context: map[string]any{"agent": "market_data"}})

	require.False(t, res.Failed(), res.Error)
	assert.True(t, res.FallbackMode)
	assert.False(t, res.PatternRouted)
}
