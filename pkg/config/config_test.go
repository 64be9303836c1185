package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/agentgov/internal/governance"
	"github.com/polisai/agentgov/pkg/capability"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "agentgov.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// replaceConfig swaps the file in one rename so the watcher never reads a
// half-written revision.
func replaceConfig(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":19090", cfg.Server.AdminAddress)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, capability.ModeFixture, cfg.Backend.Mode)
	assert.False(t, cfg.Governance.StrictMode)
	assert.Equal(t, 100, cfg.Governance.BypassLogCapacity)
	assert.Equal(t, 3, cfg.Governance.Retry.MaxRetries)
	assert.Equal(t, 15*time.Minute, cfg.Governance.CacheTTLs[governance.ClassQuote])
	assert.Equal(t, 5, cfg.Storage.BackupsToKeep)
	assert.Equal(t, filepath.Join("data", "patterns.db"), cfg.Storage.PatternDBPath())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
server:
  admin_address: "127.0.0.1:9100"
logging:
  level: DEBUG
  format: text
governance:
  strict_mode: true
  policy_failure_mode: fail-closed
  rate_limits:
    fred:
      max_requests_per_minute: 30
      threshold: 0.5
  cache_ttls:
    quote: 5m
  timeouts:
    request_timeout: 45s
backend:
  mode: live
  base_url: https://data.example.com
  timeout: 3s
storage:
  dir: /var/lib/agentgov
  pattern_db: memory
policy:
  files: [deny_legacy.rego]
executor:
  patterns_file: patterns.yaml
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9100", cfg.Server.AdminAddress)
	assert.Equal(t, "debug", cfg.Logging.Level, "level is normalised")
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.True(t, cfg.Governance.StrictMode)
	assert.Equal(t, 30, cfg.Governance.RateLimits["fred"].MaxRequestsPerMinute)
	assert.InDelta(t, 0.5, cfg.Governance.RateLimits["fred"].Threshold, 1e-9)
	assert.Equal(t, 5*time.Minute, cfg.Governance.CacheTTLs[governance.ClassQuote])
	assert.Equal(t, time.Hour, cfg.Governance.CacheTTLs[governance.ClassAnalytics], "unlisted classes keep defaults")
	assert.Equal(t, 45*time.Second, cfg.Governance.Timeouts.RequestTimeout)
	assert.Equal(t, capability.ModeLive, cfg.Backend.Mode)
	assert.Equal(t, "https://data.example.com", cfg.Backend.Live().BaseURL)
	assert.Equal(t, 3*time.Second, cfg.Backend.Live().Timeout)
	assert.Empty(t, cfg.Storage.PatternDBPath())
	assert.Equal(t, "/var/lib/agentgov/runtime_state.json", cfg.Storage.RuntimeStatePath())
	assert.Equal(t, []string{"deny_legacy.rego"}, cfg.Policy.Files)
	assert.Equal(t, "patterns.yaml", cfg.Executor.PatternsFile)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AGENTGOV_STRICT_MODE", "true")
	t.Setenv("AGENTGOV_LOG_LEVEL", "WARN")
	t.Setenv("AGENTGOV_ADMIN_ADDR", ":9999")
	t.Setenv("AGENTGOV_DATA_DIR", "/tmp/agentgov")
	t.Setenv("AGENTGOV_API_KEY", "secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Governance.StrictMode)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, ":9999", cfg.Server.AdminAddress)
	assert.Equal(t, "/tmp/agentgov", cfg.Storage.Dir)
	assert.Equal(t, "secret", cfg.Backend.APIKey)
}

func TestLoadRejectsBadStrictModeEnv(t *testing.T) {
	t.Setenv("AGENTGOV_STRICT_MODE", "sometimes")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENTGOV_STRICT_MODE")
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown log level",
			content: "logging:\n  level: verbose\n",
			wantErr: "Logging.Level",
		},
		{
			name:    "unknown backend mode",
			content: "backend:\n  mode: mock\n",
			wantErr: "Backend.Mode",
		},
		{
			name:    "live without url",
			content: "backend:\n  mode: live\n",
			wantErr: "base_url",
		},
		{
			name:    "bad policy failure mode",
			content: "governance:\n  policy_failure_mode: maybe\n",
			wantErr: "PolicyFailureMode",
		},
		{
			name:    "unknown ttl class",
			content: "governance:\n  cache_ttls:\n    weekly: 1h\n",
			wantErr: "CacheTTLs",
		},
		{
			name:    "threshold out of range",
			content: "governance:\n  rate_limits:\n    fred:\n      threshold: 1.5\n",
			wantErr: "threshold",
		},
		{
			name:    "empty storage dir",
			content: "storage:\n  dir: \"\"\n",
			wantErr: "Storage.Dir",
		},
		{
			name:    "malformed yaml",
			content: "server: [unclosed\n",
			wantErr: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func receive(t *testing.T, ch <-chan *Config) *Config {
	t.Helper()
	select {
	case cfg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return cfg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config")
		return nil
	}
}

func TestWatcherPublishesReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "governance:\n  strict_mode: false\n")

	w, err := NewWatcher(WatcherConfig{Path: path, Debounce: 10 * time.Millisecond, Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	updates := w.Subscribe()
	first := receive(t, updates)
	assert.False(t, first.Governance.StrictMode)

	replaceConfig(t, path, "governance:\n  strict_mode: true\n")

	next := receive(t, updates)
	assert.True(t, next.Governance.StrictMode)
	assert.Same(t, next, w.Current())
}

func TestWatcherKeepsLastGoodConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "governance:\n  strict_mode: true\n")

	w, err := NewWatcher(WatcherConfig{Path: path, Debounce: 10 * time.Millisecond, Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	updates := w.Subscribe()
	receive(t, updates)

	replaceConfig(t, path, "logging:\n  level: loud\n")
	time.Sleep(200 * time.Millisecond)

	select {
	case cfg := <-updates:
		t.Fatalf("invalid revision was published: %+v", cfg.Logging)
	default:
	}
	assert.True(t, w.Current().Governance.StrictMode)
}

func TestWatcherCloseClosesSubscribers(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "")
	w, err := NewWatcher(WatcherConfig{Path: path, Logger: testLogger()})
	require.NoError(t, err)

	updates := w.Subscribe()
	receive(t, updates)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "close is idempotent")

	_, ok := <-updates
	assert.False(t, ok)
}

func TestNewWatcherRejectsInvalidInitialConfig(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "backend:\n  mode: mock\n")
	_, err := NewWatcher(WatcherConfig{Path: path, Logger: testLogger()})
	require.Error(t, err)
}
