// Package deadletter keeps records whose delivery was abandoned so an
// operator can inspect and replay them by hand.
package deadletter

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"

	"github.com/tinytelemetry/ibforward/internal/deadletter/migrate"
	"github.com/tinytelemetry/ibforward/internal/model"
)

// DefaultListLimit bounds List when the caller passes no limit.
const DefaultListLimit = 100

// Entry is one abandoned record.
type Entry struct {
	ID            string    `json:"id"`
	FailedAt      time.Time `json:"failed_at"`
	LogTime       time.Time `json:"log_time"`
	JobID         string    `json:"job_id"`
	ExtensionName string    `json:"extension_name"`
	ContainerName string    `json:"container_name"`
	PodName       string    `json:"pod_name"`
	Log           string    `json:"log"`
	Reason        string    `json:"reason"`
	Attempts      int       `json:"attempts"`
}

// Store is a DuckDB-backed dead-letter ledger.
type Store struct {
	db           *sql.DB
	mu           sync.Mutex
	dbPath       string
	QueryTimeout time.Duration

	now func() time.Time
}

// Open opens or creates the ledger at dbPath. An empty path keeps the
// ledger in memory.
func Open(ctx context.Context, dbPath string, queryTimeout ...time.Duration) (*Store, error) {
	dsn := ""
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("deadletter: create dir: %w", err)
		}
		dsn = dbPath
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("deadletter: open %q: %w", dbPath, err)
	}
	if err := migrate.NewRunner(db).Run(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("deadletter: migrate: %w", err)
	}

	qt := 10 * time.Second
	if len(queryTimeout) > 0 && queryTimeout[0] > 0 {
		qt = queryTimeout[0]
	}
	return &Store{
		db:           db,
		dbPath:       dbPath,
		QueryTimeout: qt,
		now:          time.Now,
	}, nil
}

// RecordFailure appends a failed outcome to the ledger. Delivered outcomes
// are ignored.
func (s *Store) RecordFailure(ctx context.Context, o model.Outcome) error {
	if o.Status != model.Failed {
		return nil
	}
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	r := o.Record
	_, err := s.db.ExecContext(ctx, `INSERT INTO dead_letters
		(id, failed_at, log_time, job_id, extension_name, container_name, pod_name, log, reason, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), s.now().UTC(), r.Time.UTC(),
		r.JobID, r.ExtensionName, r.ContainerName, r.PodName, r.Log,
		o.Reason, o.Attempts,
	)
	if err != nil {
		return fmt.Errorf("deadletter: insert: %w", err)
	}
	return nil
}

// List returns the most recent entries, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT
		id, failed_at, log_time, job_id, extension_name, container_name, pod_name, log, reason, attempts
		FROM dead_letters
		ORDER BY failed_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("deadletter: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.FailedAt, &e.LogTime, &e.JobID, &e.ExtensionName,
			&e.ContainerName, &e.PodName, &e.Log, &e.Reason, &e.Attempts); err != nil {
			return nil, fmt.Errorf("deadletter: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListJob returns every entry recorded for one job, oldest first.
func (s *Store) ListJob(ctx context.Context, jobID string) ([]Entry, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT
		id, failed_at, log_time, job_id, extension_name, container_name, pod_name, log, reason, attempts
		FROM dead_letters
		WHERE job_id = ?
		ORDER BY failed_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("deadletter: list job: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.FailedAt, &e.LogTime, &e.JobID, &e.ExtensionName,
			&e.ContainerName, &e.PodName, &e.Log, &e.Reason, &e.Attempts); err != nil {
			return nil, fmt.Errorf("deadletter: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of entries in the ledger.
func (s *Store) Count(ctx context.Context) (int64, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letters").Scan(&n); err != nil {
		return 0, fmt.Errorf("deadletter: count: %w", err)
	}
	return n, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.QueryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.QueryTimeout)
}
