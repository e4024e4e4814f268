// Package history records irrigation cycles in a local SQLite database.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/sweeney/irrigation-controller/internal/logic"
)

const (
	dirPermissions  = 0750
	filePermissions = 0600

	busyTimeoutMs     = 5000
	connectionTimeout = 5 * time.Second

	defaultLimit = 20
	maxLimit     = 200

	timeLayout = time.RFC3339Nano
)

// Outcome values stored for each cycle.
const (
	OutcomeRunning  = "running"
	OutcomeComplete = "complete"
	OutcomeFault    = "fault"
)

// ErrUnknownCycle is returned when finishing a cycle that was never started.
var ErrUnknownCycle = errors.New("unknown cycle")

//go:embed schema.sql
var schema string

// Record is one stored cycle.
type Record struct {
	ID          int64      `json:"id"`
	Schedule    string     `json:"schedule"`
	Fertilizer1 int        `json:"fertilizer1"`
	Fertilizer2 int        `json:"fertilizer2"`
	Fertilizer3 int        `json:"fertilizer3"`
	WaterAmount int        `json:"waterAmount"`
	Area        int        `json:"area"`
	Estimate    float64    `json:"estimate_seconds"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Outcome     string     `json:"outcome"`
	Detail      string     `json:"detail,omitempty"`
}

// Store persists cycle records.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL",
		path, busyTimeoutMs)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying history database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying history schema: %w", err)
	}
	_ = os.Chmod(path, filePermissions)

	return &Store{db: db, path: path}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing history database: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Start inserts a running cycle and returns its ID.
func (s *Store) Start(ctx context.Context, sc logic.Schedule, estimate time.Duration, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cycles (schedule, fertilizer1, fertilizer2, fertilizer3, water_amount, area, estimate_seconds, started_at, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.Name, sc.Fertilizer1, sc.Fertilizer2, sc.Fertilizer3, sc.WaterAmount, sc.Area,
		estimate.Seconds(), at.UTC().Format(timeLayout), OutcomeRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting cycle: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading cycle id: %w", err)
	}
	return id, nil
}

// Complete marks a running cycle as finished.
func (s *Store) Complete(ctx context.Context, id int64, at time.Time) error {
	return s.finish(ctx, id, at, OutcomeComplete, "")
}

// Fail marks a running cycle as aborted by a fault.
func (s *Store) Fail(ctx context.Context, id int64, at time.Time, detail string) error {
	return s.finish(ctx, id, at, OutcomeFault, detail)
}

func (s *Store) finish(ctx context.Context, id int64, at time.Time, outcome, detail string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cycles SET finished_at = ?, outcome = ?, detail = ?
		 WHERE id = ? AND outcome = ?`,
		at.UTC().Format(timeLayout), outcome, detail, id, OutcomeRunning,
	)
	if err != nil {
		return fmt.Errorf("updating cycle %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("cycle %d: %w", id, ErrUnknownCycle)
	}
	return nil
}

// Recent returns the most recent cycles, newest first.
// limit <= 0 selects the default; it is capped at 200.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, schedule, fertilizer1, fertilizer2, fertilizer3, water_amount, area,
		        estimate_seconds, started_at, finished_at, outcome, detail
		 FROM cycles
		 ORDER BY id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying cycles: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var (
			r        Record
			started  string
			finished sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Schedule, &r.Fertilizer1, &r.Fertilizer2, &r.Fertilizer3,
			&r.WaterAmount, &r.Area, &r.Estimate, &started, &finished, &r.Outcome, &r.Detail); err != nil {
			return nil, fmt.Errorf("scanning cycle: %w", err)
		}
		if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if finished.Valid {
			t, err := time.Parse(timeLayout, finished.String)
			if err != nil {
				return nil, fmt.Errorf("parsing finished_at: %w", err)
			}
			r.FinishedAt = &t
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cycles: %w", err)
	}
	return records, nil
}

// Prune deletes finished cycles that started before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM cycles WHERE started_at < ? AND outcome != ?",
		cutoff.UTC().Format(timeLayout), OutcomeRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning cycles: %w", err)
	}
	return res.RowsAffected()
}
