// Package history persists job lifecycle records to SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	// SQLite driver.
	_ "modernc.org/sqlite"
)

// Record is the lifecycle record emitted at every job state transition.
// The row is upserted, so the latest transition wins.
type Record struct {
	JobID        string
	OwnerID      int64
	Filename     string
	SizeBytes    int64
	Status       string
	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
	FinalPath    string
	DurationSecs float64
	AvgSpeedBps  int64
	Error        string
}

// Stats aggregates the stored history.
type Stats struct {
	Total          int
	ByStatus       map[string]int
	BytesCompleted int64
}

// Store is a SQLite-backed history store.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Option is a functional option for configuring the store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open opens (creating if needed) the history database at path.
// Use ":memory:" for an in-memory database.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	if err = configure(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err = migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// configure applies SQLite PRAGMA settings.
func configure(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	owner_id      INTEGER NOT NULL,
	filename      TEXT NOT NULL,
	size_bytes    INTEGER NOT NULL,
	status        TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	started_at    INTEGER,
	completed_at  INTEGER,
	final_path    TEXT,
	duration_secs REAL,
	avg_speed_bps INTEGER,
	error         TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts the lifecycle record for a job.
func (s *Store) Save(ctx context.Context, rec Record) error {
	const query = `
INSERT INTO jobs (id, owner_id, filename, size_bytes, status, created_at,
	started_at, completed_at, final_path, duration_secs, avg_speed_bps, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	started_at = excluded.started_at,
	completed_at = excluded.completed_at,
	final_path = excluded.final_path,
	duration_secs = excluded.duration_secs,
	avg_speed_bps = excluded.avg_speed_bps,
	error = excluded.error
`
	_, err := s.db.ExecContext(ctx, query,
		rec.JobID,
		rec.OwnerID,
		rec.Filename,
		rec.SizeBytes,
		rec.Status,
		rec.CreatedAt.Unix(),
		unixOrNull(rec.StartedAt),
		unixOrNull(rec.CompletedAt),
		rec.FinalPath,
		rec.DurationSecs,
		rec.AvgSpeedBps,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to save job record: %w", err)
	}

	return nil
}

// ErrNotFound is returned by Get when no record exists for the id.
var ErrNotFound = errors.New("history: record not found")

// Get returns the record for a single job.
func (s *Store) Get(ctx context.Context, jobID string) (Record, error) {
	const query = `
SELECT id, owner_id, filename, size_bytes, status, created_at,
	started_at, completed_at, final_path, duration_secs, avg_speed_bps, error
FROM jobs WHERE id = ?
`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to query job record: %w", err)
	}
	return rec, nil
}

// Recent returns the most recently created records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	const query = `
SELECT id, owner_id, filename, size_bytes, status, created_at,
	started_at, completed_at, final_path, duration_secs, avg_speed_bps, error
FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var records []Record
	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan job record: %w", scanErr)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec       Record
		createdAt int64
		startedAt sql.NullInt64
		completed sql.NullInt64
		finalPath sql.NullString
		duration  sql.NullFloat64
		avgSpeed  sql.NullInt64
		errMsg    sql.NullString
	)

	if err := row.Scan(&rec.JobID, &rec.OwnerID, &rec.Filename, &rec.SizeBytes,
		&rec.Status, &createdAt, &startedAt, &completed, &finalPath,
		&duration, &avgSpeed, &errMsg); err != nil {
		return Record{}, err
	}

	rec.CreatedAt = time.Unix(createdAt, 0)
	if startedAt.Valid && startedAt.Int64 > 0 {
		rec.StartedAt = time.Unix(startedAt.Int64, 0)
	}
	if completed.Valid && completed.Int64 > 0 {
		rec.CompletedAt = time.Unix(completed.Int64, 0)
	}
	rec.FinalPath = finalPath.String
	rec.DurationSecs = duration.Float64
	rec.AvgSpeedBps = avgSpeed.Int64
	rec.Error = errMsg.String

	return rec, nil
}

// Stats aggregates counts by status and total completed bytes.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	for rows.Next() {
		var (
			status string
			count  int
		)
		if err = rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err = rows.Err(); err != nil {
		return Stats{}, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size_bytes), 0) FROM jobs WHERE status = 'completed'`,
	).Scan(&stats.BytesCompleted)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query completed bytes: %w", err)
	}

	return stats, nil
}

func unixOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
