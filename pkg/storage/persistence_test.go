package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/agentgov/pkg/domain"
	"github.com/polisai/agentgov/pkg/graph"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func steppingClock() func() time.Time {
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func newTestPersistence(t *testing.T, keep int) *FilePersistenceManager {
	t.Helper()
	m, err := NewFilePersistenceManager(PersistenceConfig{Dir: t.TempDir(), BackupsToKeep: keep, Logger: testLogger()})
	require.NoError(t, err)
	m.now = steppingClock()
	return m
}

func TestSaveGraphWithBackupFirstSave(t *testing.T) {
	m := newTestPersistence(t, 5)
	g := graph.NewMemory()
	g.AddNode("agent", map[string]any{"name": "a"})

	report, err := m.SaveGraphWithBackup(context.Background(), g)
	require.NoError(t, err)
	assert.Empty(t, report.BackupPath, "nothing to back up on first save")
	assert.Zero(t, report.BackupsRemoved)

	data, err := os.ReadFile(m.Path())
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), report.Checksum)

	snap, err := m.LoadGraph(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Nodes, 1)
}

func TestSaveGraphWithBackupRotation(t *testing.T) {
	m := newTestPersistence(t, 3)
	g := graph.NewMemory()
	ctx := context.Background()

	var reports []domain.SaveReport
	for i := 0; i < 6; i++ {
		g.AddNode("execution", map[string]any{"n": i})
		report, err := m.SaveGraphWithBackup(ctx, g)
		require.NoError(t, err)
		reports = append(reports, report)
	}

	assert.NotEmpty(t, reports[1].BackupPath)
	assert.Equal(t, backupDirName, filepath.Base(filepath.Dir(reports[1].BackupPath)))
	assert.Zero(t, reports[3].BackupsRemoved, "three backups fit")
	assert.Equal(t, 1, reports[4].BackupsRemoved)
	assert.Equal(t, 1, reports[5].BackupsRemoved)

	backups, err := m.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, reports[5].BackupPath, backups[2])
	assert.NoFileExists(t, reports[1].BackupPath)
}

func TestLoadGraphDetectsTampering(t *testing.T) {
	m := newTestPersistence(t, 5)
	g := graph.NewMemory()
	g.AddNode("agent", nil)
	_, err := m.SaveGraphWithBackup(context.Background(), g)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(m.Path(), []byte(`{"nodes":[],"edges":[]}`), 0o600))
	_, err = m.LoadGraph(context.Background())
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestLoadGraphMissing(t *testing.T) {
	m := newTestPersistence(t, 5)
	_, err := m.LoadGraph(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

type opaqueGraph struct{ domain.KnowledgeGraph }

func TestSaveGraphRequiresSnapshotter(t *testing.T) {
	m := newTestPersistence(t, 5)
	_, err := m.SaveGraphWithBackup(context.Background(), opaqueGraph{})
	require.ErrorIs(t, err, domain.ErrSnapshotUnsupported)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestSaveGraphHonoursCancellation(t *testing.T) {
	m := newTestPersistence(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.SaveGraphWithBackup(ctx, graph.NewMemory())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewFilePersistenceManagerRequiresDir(t *testing.T) {
	_, err := NewFilePersistenceManager(PersistenceConfig{})
	assert.ErrorIs(t, err, domain.ErrMissingParameter)
}

func TestRuntimeStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime_state.json")
	_, err := ReadRuntimeState(path)
	require.ErrorIs(t, err, ErrNotFound)

	state := RuntimeState{
		Timestamp:      time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
		Agents:         []string{"market_data", "news"},
		ExecutionCount: 42,
	}
	require.NoError(t, WriteRuntimeState(path, state))

	got, err := ReadRuntimeState(path)
	require.NoError(t, err)
	assert.Equal(t, state, got)
}
