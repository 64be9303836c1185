package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/agentgov/pkg/domain"
)

func patternStores(t *testing.T) map[string]PatternStore {
	t.Helper()
	sqlite, err := OpenSQLitePatternStore(context.Background(), filepath.Join(t.TempDir(), "patterns.db"), 0, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]PatternStore{
		"memory": NewMemoryPatternStore(0),
		"sqlite": sqlite,
	}
}

func TestPatternStoreThreshold(t *testing.T) {
	for name, store := range patternStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sample := map[string]any{"request_type": "analysis", "agent": "market_data"}

			for i := 1; i <= 2; i++ {
				obs, err := store.Observe(ctx, "analysis:market_data", sample)
				require.NoError(t, err)
				assert.Equal(t, i, obs.Occurrences)
				assert.False(t, obs.Established)
			}
			established, err := store.Established(ctx)
			require.NoError(t, err)
			assert.Empty(t, established, "two occurrences are not enough")

			obs, err := store.Observe(ctx, "analysis:market_data", sample)
			require.NoError(t, err)
			assert.True(t, obs.Established)
			assert.True(t, obs.Promoted)

			obs, err = store.Observe(ctx, "analysis:market_data", sample)
			require.NoError(t, err)
			assert.Equal(t, 4, obs.Occurrences)
			assert.True(t, obs.Established)
			assert.False(t, obs.Promoted, "promotion happens once")

			_, err = store.Observe(ctx, "news:news_agent", nil)
			require.NoError(t, err)

			established, err = store.Established(ctx)
			require.NoError(t, err)
			require.Len(t, established, 1)
			assert.Equal(t, "analysis:market_data", established[0].Name)
			assert.Equal(t, 4, established[0].Occurrences)
			assert.Equal(t, "market_data", established[0].Sample["agent"])
			assert.False(t, established[0].EstablishedAt.IsZero())
		})
	}
}

func TestPatternStoreRejectsEmptyName(t *testing.T) {
	for name, store := range patternStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Observe(context.Background(), "  ", nil)
			assert.ErrorIs(t, err, domain.ErrMissingParameter)
		})
	}
}

func TestSQLitePatternStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "patterns.db")

	store, err := OpenSQLitePatternStore(ctx, path, 2, testLogger())
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := store.Observe(ctx, "recurring", map[string]any{"n": i})
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	reopened, err := OpenSQLitePatternStore(ctx, path, 2, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	established, err := reopened.Established(ctx)
	require.NoError(t, err)
	require.Len(t, established, 1)
	assert.EqualValues(t, 1, established[0].Sample["n"], "the newest sample is kept")

	obs, err := reopened.Observe(ctx, "recurring", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, obs.Occurrences)
}

func TestOpenSQLitePatternStoreRequiresPath(t *testing.T) {
	_, err := OpenSQLitePatternStore(context.Background(), "", 0, testLogger())
	assert.ErrorIs(t, err, domain.ErrMissingParameter)
}
