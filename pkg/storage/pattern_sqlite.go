package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the pure-Go "sqlite" driver

	"github.com/polisai/agentgov/pkg/domain"
)

const patternSchema = `
CREATE TABLE IF NOT EXISTS pattern_observations (
	name        TEXT PRIMARY KEY,
	occurrences INTEGER NOT NULL DEFAULT 0,
	sample      TEXT NOT NULL DEFAULT '{}',
	first_seen  TEXT NOT NULL,
	last_seen   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS established_patterns (
	name           TEXT PRIMARY KEY,
	occurrences    INTEGER NOT NULL,
	sample         TEXT NOT NULL DEFAULT '{}',
	established_at TEXT NOT NULL,
	last_seen      TEXT NOT NULL
);
`

// SQLitePatternStore implements PatternStore using modernc.org/sqlite.
// Observations are counted in one table and copied to established_patterns
// once they reach the threshold.
type SQLitePatternStore struct {
	db        *sql.DB
	threshold int
	logger    *slog.Logger

	now func() time.Time
}

// OpenSQLitePatternStore opens or creates the database at path and ensures the schema.
func OpenSQLitePatternStore(ctx context.Context, path string, threshold int, logger *slog.Logger) (*SQLitePatternStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, domain.NewError(domain.KindValidation, domain.ErrMissingParameter, "pattern store path")
	}
	if threshold <= 0 {
		threshold = DefaultPatternThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open pattern store: %w", err)
	}
	// One writer at a time; sqlite reports SQLITE_BUSY otherwise.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.ExecContext(ctx, patternSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create pattern schema: %w", err)
	}

	logger.Info("pattern store opened", "path", path, "threshold", threshold)
	return &SQLitePatternStore{db: db, threshold: threshold, logger: logger, now: time.Now}, nil
}

// Observe counts one occurrence of name and promotes it once the threshold is reached.
func (s *SQLitePatternStore) Observe(ctx context.Context, name string, sample map[string]any) (Observation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Observation{}, domain.NewError(domain.KindValidation, domain.ErrMissingParameter, "pattern name")
	}
	encoded, err := encodeSample(sample)
	if err != nil {
		return Observation{}, err
	}
	now := s.now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Observation{}, fmt.Errorf("begin observe: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pattern_observations (name, occurrences, sample, first_seen, last_seen)
		 VALUES (?, 1, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			occurrences = occurrences + 1,
			sample = excluded.sample,
			last_seen = excluded.last_seen`,
		name, encoded, now, now,
	)
	if err != nil {
		return Observation{}, fmt.Errorf("record observation %s: %w", name, err)
	}

	var occurrences int
	if err := tx.QueryRowContext(ctx,
		`SELECT occurrences FROM pattern_observations WHERE name = ?`, name,
	).Scan(&occurrences); err != nil {
		return Observation{}, fmt.Errorf("read observation %s: %w", name, err)
	}

	obs := Observation{Name: name, Occurrences: occurrences, Established: occurrences >= s.threshold}
	if obs.Established {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO established_patterns (name, occurrences, sample, established_at, last_seen)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET
				occurrences = excluded.occurrences,
				sample = excluded.sample,
				last_seen = excluded.last_seen`,
			name, occurrences, encoded, now, now,
		)
		if err != nil {
			return Observation{}, fmt.Errorf("establish pattern %s: %w", name, err)
		}
		obs.Promoted = occurrences == s.threshold
	}

	if err := tx.Commit(); err != nil {
		return Observation{}, fmt.Errorf("commit observe: %w", err)
	}
	if obs.Promoted {
		s.logger.Info("pattern established", "pattern", name, "occurrences", occurrences)
	}
	return obs, nil
}

// Established lists established patterns ordered by name.
func (s *SQLitePatternStore) Established(ctx context.Context) ([]EstablishedPattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, occurrences, sample, established_at, last_seen
		 FROM established_patterns ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list established patterns: %w", err)
	}
	defer rows.Close()

	out := make([]EstablishedPattern, 0)
	for rows.Next() {
		var (
			p                       EstablishedPattern
			sample, established, at string
		)
		if err := rows.Scan(&p.Name, &p.Occurrences, &sample, &established, &at); err != nil {
			return nil, fmt.Errorf("scan established pattern: %w", err)
		}
		if err := json.Unmarshal([]byte(sample), &p.Sample); err != nil {
			return nil, fmt.Errorf("decode sample for %s: %w", p.Name, err)
		}
		p.EstablishedAt, _ = time.Parse(time.RFC3339Nano, established)
		p.LastSeen, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLitePatternStore) Close() error {
	return s.db.Close()
}

func encodeSample(sample map[string]any) (string, error) {
	if sample == nil {
		return "{}", nil
	}
	b, err := json.Marshal(sample)
	if err != nil {
		return "", domain.NewError(domain.KindValidation, err, "pattern sample is not serialisable")
	}
	return string(b), nil
}
