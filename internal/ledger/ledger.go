package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id       TEXT PRIMARY KEY,
	condition    TEXT NOT NULL,
	seed         INTEGER NOT NULL,
	budget       INTEGER NOT NULL DEFAULT 0,
	completed_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS attempts (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL,
	exit_code   INTEGER NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_job ON attempts(job_id);
`

// Attempt is one worker launch for a job.
type Attempt struct {
	ID         string    `db:"id"`
	JobID      string    `db:"job_id"`
	ExitCode   int       `db:"exit_code"`
	Error      string    `db:"error"`
	StartedAt  time.Time `db:"started_at"`
	FinishedAt time.Time `db:"finished_at"`
}

// Store is the scheduler's durable record of finished jobs and of every
// worker attempt. The job matrix is recomputed deterministically on each
// start, so the completed jobs and the budgets they met are all that is
// needed to resume.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open opens (creating if needed) a SQLite ledger at path and applies the
// schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := New(db, logger)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Job ledger opened", zap.String("path", path))
	return s, nil
}

// New wraps an existing connection.
func New(db *sqlx.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Migrate creates the tables if they do not exist and adds the budget
// column to ledgers written before it existed. Their completions read as
// budget 0, so those jobs run again.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM pragma_table_info('jobs') WHERE name = 'budget'`); err != nil {
		return fmt.Errorf("inspect ledger schema: %w", err)
	}
	if n == 0 {
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE jobs ADD COLUMN budget INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("add budget column: %w", err)
		}
		s.logger.Info("Ledger migrated", zap.String("column", "jobs.budget"))
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordAttempt stores the outcome of one worker launch.
func (s *Store) RecordAttempt(ctx context.Context, a Attempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (id, job_id, exit_code, error, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.JobID, a.ExitCode, a.Error, a.StartedAt, a.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record attempt for %s: %w", a.JobID, err)
	}
	return nil
}

// MarkComplete records that a job met budget. Marking a job twice keeps
// the latest budget and completion time.
func (s *Store) MarkComplete(ctx context.Context, jobID, condition string, seed int64, budget int, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, condition, seed, budget, completed_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET budget = excluded.budget, completed_at = excluded.completed_at`,
		jobID, condition, seed, budget, at,
	)
	if err != nil {
		return fmt.Errorf("mark %s complete: %w", jobID, err)
	}
	return nil
}

// Completed maps every completed job id to the budget it met.
func (s *Store) Completed(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		JobID  string `db:"job_id"`
		Budget int    `db:"budget"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT job_id, budget FROM jobs WHERE completed_at IS NOT NULL`); err != nil {
		return nil, fmt.Errorf("load completed jobs: %w", err)
	}
	done := make(map[string]int, len(rows))
	for _, r := range rows {
		done[r.JobID] = r.Budget
	}
	return done, nil
}

// Attempts returns every recorded attempt for a job, oldest first.
func (s *Store) Attempts(ctx context.Context, jobID string) ([]Attempt, error) {
	var out []Attempt
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, job_id, exit_code, error, started_at, finished_at FROM attempts WHERE job_id = ? ORDER BY started_at ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("load attempts for %s: %w", jobID, err)
	}
	return out, nil
}
