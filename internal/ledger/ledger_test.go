package ledger

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock"), zaptest.NewLogger(t)), mock
}

func TestRecordAttempt(t *testing.T) {
	store, mock := newMockStore(t)
	started := time.Now().UTC().Truncate(time.Second)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO attempts (id, job_id, exit_code, error, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?)")).
		WithArgs("a-1", "clear_day/42", 3, "exit status 3", started, started.Add(time.Minute)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.RecordAttempt(context.Background(), Attempt{
		ID:         "a-1",
		JobID:      "clear_day/42",
		ExitCode:   3,
		Error:      "exit status 3",
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCompleteAndCompleted(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	at := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs (job_id, condition, seed, budget, completed_at)")).
		WithArgs("clear_day/42", "clear_day", int64(42), 400, at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, store.MarkComplete(ctx, "clear_day/42", "clear_day", 42, 400, at))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT job_id, budget FROM jobs WHERE completed_at IS NOT NULL")).
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "budget"}).AddRow("clear_day/42", 400).AddRow("clear_day/7", 50))
	done, err := store.Completed(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"clear_day/42": 400, "clear_day/7": 50}, done)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompletedQueryError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT job_id FROM jobs").WillReturnError(errors.New("database is locked"))
	_, err := store.Completed(context.Background())
	assert.ErrorContains(t, err, "database is locked")
}

func TestAttempts(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, job_id, exit_code, error, started_at, finished_at FROM attempts WHERE job_id = ?")).
		WithArgs("fog/1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_id", "exit_code", "error", "started_at", "finished_at"}).
			AddRow("a-1", "fog/1", 1, "exit status 1", now, now.Add(time.Second)).
			AddRow("a-2", "fog/1", 0, "", now.Add(time.Minute), now.Add(2*time.Minute)))

	attempts, err := store.Attempts(context.Background(), "fog/1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].ExitCode)
	assert.Equal(t, "a-2", attempts[1].ID)
}

func TestOpenSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, t.TempDir()+"/state/ledger.db", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.MarkComplete(ctx, "rain/1", "rain", 1, 100, time.Now()))
	require.NoError(t, store.MarkComplete(ctx, "rain/1", "rain", 1, 150, time.Now()), "re-marking keeps one row")

	done, err := store.Completed(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"rain/1": 150}, done)
}

func TestOpenMigratesLedgerWithoutBudgets(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/ledger.db"

	old, err := sqlx.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = old.Exec(`CREATE TABLE jobs (job_id TEXT PRIMARY KEY, condition TEXT NOT NULL, seed INTEGER NOT NULL, completed_at TIMESTAMP);
		INSERT INTO jobs VALUES ('fog/3', 'fog', 3, CURRENT_TIMESTAMP);`)
	require.NoError(t, err)
	require.NoError(t, old.Close())

	store, err := Open(ctx, path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	done, err := store.Completed(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"fog/3": 0}, done, "completions without a budget must be redone")
}
