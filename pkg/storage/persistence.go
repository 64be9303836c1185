package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/polisai/agentgov/pkg/domain"
)

const (
	defaultGraphFile     = "knowledge_graph.json"
	defaultBackupsToKeep = 5
	backupDirName        = "backups"
	backupPrefix         = "graph-"
	backupTimeLayout     = "20060102T150405.000000000Z"
	checksumSuffix       = ".sha256"
)

// PersistenceConfig configures a FilePersistenceManager.
type PersistenceConfig struct {
	Dir           string
	FileName      string
	BackupsToKeep int
	Logger        *slog.Logger
}

// FilePersistenceManager writes graph snapshots as JSON next to a sha256
// checksum file and keeps a bounded number of timestamped backups.
type FilePersistenceManager struct {
	path      string
	backupDir string
	keep      int
	logger    *slog.Logger

	now func() time.Time
}

// NewFilePersistenceManager creates the data and backup directories if needed.
func NewFilePersistenceManager(cfg PersistenceConfig) (*FilePersistenceManager, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, domain.NewError(domain.KindValidation, domain.ErrMissingParameter, "storage dir")
	}
	if cfg.FileName == "" {
		cfg.FileName = defaultGraphFile
	}
	if cfg.BackupsToKeep <= 0 {
		cfg.BackupsToKeep = defaultBackupsToKeep
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	backupDir := filepath.Join(cfg.Dir, backupDirName)
	if err := os.MkdirAll(backupDir, 0o750); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &FilePersistenceManager{
		path:      filepath.Join(cfg.Dir, cfg.FileName),
		backupDir: backupDir,
		keep:      cfg.BackupsToKeep,
		logger:    cfg.Logger,
		now:       time.Now,
	}, nil
}

// Path returns the location of the live graph file.
func (m *FilePersistenceManager) Path() string {
	return m.path
}

// SaveGraphWithBackup snapshots graph, backs up the previous file and prunes
// old backups. The graph must implement domain.GraphSnapshotter.
func (m *FilePersistenceManager) SaveGraphWithBackup(ctx context.Context, graph domain.KnowledgeGraph) (domain.SaveReport, error) {
	if err := ctx.Err(); err != nil {
		return domain.SaveReport{}, err
	}
	snapshotter, ok := graph.(domain.GraphSnapshotter)
	if !ok {
		return domain.SaveReport{}, domain.NewError(domain.KindValidation, domain.ErrSnapshotUnsupported, "save graph")
	}

	data, err := json.MarshalIndent(snapshotter.Snapshot(), "", "  ")
	if err != nil {
		return domain.SaveReport{}, fmt.Errorf("encode graph snapshot: %w", err)
	}
	sum := sha256.Sum256(data)
	report := domain.SaveReport{
		Checksum: hex.EncodeToString(sum[:]),
		SavedAt:  m.now().UTC(),
	}

	backup, err := m.backupCurrent(report.SavedAt)
	if err != nil {
		return domain.SaveReport{}, err
	}
	report.BackupPath = backup

	if err := writeFileAtomic(m.path, data); err != nil {
		return domain.SaveReport{}, fmt.Errorf("write graph: %w", err)
	}
	if err := writeFileAtomic(m.path+checksumSuffix, []byte(report.Checksum+"\n")); err != nil {
		return domain.SaveReport{}, fmt.Errorf("write checksum: %w", err)
	}

	removed, err := m.pruneBackups()
	if err != nil {
		m.logger.Warn("backup pruning failed", "dir", m.backupDir, "error", err)
	}
	report.BackupsRemoved = removed

	m.logger.Debug("graph saved", "path", m.path, "checksum", report.Checksum, "backup", backup, "backups_removed", removed)
	return report, nil
}

// LoadGraph reads the live graph file and verifies it against its checksum.
func (m *FilePersistenceManager) LoadGraph(ctx context.Context) (domain.GraphSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.GraphSnapshot{}, err
	}
	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.GraphSnapshot{}, fmt.Errorf("graph file %s: %w", m.path, ErrNotFound)
	}
	if err != nil {
		return domain.GraphSnapshot{}, fmt.Errorf("read graph: %w", err)
	}

	if want, err := os.ReadFile(m.path + checksumSuffix); err == nil {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != strings.TrimSpace(string(want)) {
			return domain.GraphSnapshot{}, fmt.Errorf("graph file %s: %w", m.path, ErrChecksumMismatch)
		}
	}

	var snap domain.GraphSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.GraphSnapshot{}, fmt.Errorf("decode graph: %w", err)
	}
	return snap, nil
}

// Backups lists backup files, oldest first.
func (m *FilePersistenceManager) Backups() ([]string, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), backupPrefix) {
			continue
		}
		out = append(out, filepath.Join(m.backupDir, e.Name()))
	}
	// The timestamp layout sorts lexically.
	sort.Strings(out)
	return out, nil
}

func (m *FilePersistenceManager) backupCurrent(at time.Time) (string, error) {
	current, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read current graph: %w", err)
	}
	backup := filepath.Join(m.backupDir, backupPrefix+at.Format(backupTimeLayout)+".json")
	if err := writeFileAtomic(backup, current); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return backup, nil
}

func (m *FilePersistenceManager) pruneBackups() (int, error) {
	backups, err := m.Backups()
	if err != nil {
		return 0, err
	}
	removed := 0
	for len(backups)-removed > m.keep {
		if err := os.Remove(backups[removed]); err != nil {
			return removed, fmt.Errorf("remove backup: %w", err)
		}
		removed++
	}
	return removed, nil
}

// writeFileAtomic writes data to a sibling temp file and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
