package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	defaultLogFile     = "execution_log.jsonl"
	defaultMaxEntries  = 1000
	defaultRotateBytes = 5 << 20
	archiveTimeLayout  = "20060102T150405Z"
)

// ExecutionLogConfig configures an ExecutionLog.
type ExecutionLogConfig struct {
	Dir         string
	FileName    string
	MaxEntries  int
	RotateBytes int64
	Logger      *slog.Logger
}

// ExecutionLog is a JSON-lines AppendLog that keeps the newest MaxEntries
// records and rotates into a timestamped archive once the file reaches
// RotateBytes.
type ExecutionLog struct {
	path        string
	maxEntries  int
	rotateBytes int64
	logger      *slog.Logger

	mu      sync.Mutex
	records []ExecutionRecord
	// lines in the file; may exceed len(records) until the next compaction.
	fileLines int

	now func() time.Time
}

// OpenExecutionLog loads existing records from disk. Lines that fail to
// decode are skipped.
func OpenExecutionLog(cfg ExecutionLogConfig) (*ExecutionLog, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("execution log: dir is required")
	}
	if cfg.FileName == "" {
		cfg.FileName = defaultLogFile
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.RotateBytes <= 0 {
		cfg.RotateBytes = defaultRotateBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	l := &ExecutionLog{
		path:        filepath.Join(cfg.Dir, cfg.FileName),
		maxEntries:  cfg.MaxEntries,
		rotateBytes: cfg.RotateBytes,
		logger:      cfg.Logger,
		now:         time.Now,
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *ExecutionLog) load() error {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read execution log: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	skipped := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		l.fileLines++
		var rec ExecutionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			continue
		}
		l.records = append(l.records, rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan execution log: %w", err)
	}
	if skipped > 0 {
		l.logger.Warn("skipped malformed execution log lines", "path", l.path, "skipped", skipped)
	}
	l.trim()
	return nil
}

// Path returns the live log file.
func (l *ExecutionLog) Path() string {
	return l.path
}

// Append writes record and enforces the retention and size limits.
func (l *ExecutionLog) Append(ctx context.Context, record ExecutionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode execution record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open execution log: %w", err)
	}
	_, werr := f.Write(append(line, '\n'))
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("append execution record: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("close execution log: %w", cerr)
	}
	l.records = append(l.records, record)
	l.fileLines++
	l.trim()

	// Compact in batches so the file is not rewritten on every append.
	if l.fileLines > l.maxEntries+l.maxEntries/10 {
		if err := l.rewriteLocked(); err != nil {
			return err
		}
	}
	if _, err := l.rotateLocked(l.rotateBytes); err != nil {
		return err
	}
	return nil
}

// RotateIfOversize moves the live file to an archive when it is at least
// limitBytes long. It returns the archive path, or "" when nothing rotated.
func (l *ExecutionLog) RotateIfOversize(limitBytes int64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotateLocked(limitBytes)
}

func (l *ExecutionLog) rotateLocked(limitBytes int64) (string, error) {
	if limitBytes <= 0 {
		limitBytes = l.rotateBytes
	}
	info, err := os.Stat(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("stat execution log: %w", err)
	}
	if info.Size() < limitBytes {
		return "", nil
	}

	base := strings.TrimSuffix(filepath.Base(l.path), filepath.Ext(l.path))
	archive := filepath.Join(filepath.Dir(l.path), fmt.Sprintf("%s-%s%s", base, l.now().UTC().Format(archiveTimeLayout), filepath.Ext(l.path)))
	for i := 1; fileExists(archive); i++ {
		archive = filepath.Join(filepath.Dir(l.path), fmt.Sprintf("%s-%s-%d%s", base, l.now().UTC().Format(archiveTimeLayout), i, filepath.Ext(l.path)))
	}
	if err := os.Rename(l.path, archive); err != nil {
		return "", fmt.Errorf("rotate execution log: %w", err)
	}
	l.records = nil
	l.fileLines = 0
	l.logger.Info("execution log rotated", "archive", archive, "bytes", info.Size())
	return archive, nil
}

// Recent returns up to limit of the newest records, oldest first. limit <= 0 returns all.
func (l *ExecutionLog) Recent(limit int) []ExecutionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := 0
	if limit > 0 && limit < len(l.records) {
		start = len(l.records) - limit
	}
	return append([]ExecutionRecord(nil), l.records[start:]...)
}

// Len returns the number of retained records.
func (l *ExecutionLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *ExecutionLog) trim() {
	if over := len(l.records) - l.maxEntries; over > 0 {
		l.records = append([]ExecutionRecord(nil), l.records[over:]...)
	}
}

func (l *ExecutionLog) rewriteLocked() error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range l.records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode execution record: %w", err)
		}
	}
	if err := writeFileAtomic(l.path, buf.Bytes()); err != nil {
		return fmt.Errorf("compact execution log: %w", err)
	}
	l.fileLines = len(l.records)
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
