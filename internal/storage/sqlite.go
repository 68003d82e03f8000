package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the execution journal and tracked
// background handles.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "respond.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrationsFS)
	goose.SetVerbose(false)
	goose.SetLogger(goose.NopLogger())

	// goose names the dialect "sqlite3" whatever the driver is registered as.
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(s.db, "migrations")
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query(`SELECT DISTINCT version_id FROM goose_db_version
		WHERE is_applied = 1 AND version_id > 0 ORDER BY version_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// withRetry retries an operation on transient SQLite contention.
func withRetry(op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	b.RandomizationFactor = 0.1

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}

// isBusy relies on modernc.org/sqlite error strings.
func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(field, v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Executions ---

func (s *Store) SaveExecution(e Execution) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	mode := e.Mode
	if mode == "" {
		mode = "sync"
	}
	return withRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO executions (id, created_at, model, response_id, previous_response_id, mode, retry_count, successful, original_error, classification, reset_message, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, formatTime(createdAt), e.Model, e.ResponseID, e.PreviousResponseID, mode,
			e.RetryCount, boolToInt(e.Successful), e.OriginalError, e.Classification, e.ResetMessage,
			e.Duration.Milliseconds(),
		)
		return err
	})
}

const executionColumns = `id, created_at, model, response_id, previous_response_id, mode, retry_count, successful, original_error, classification, reset_message, duration_ms`

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (Execution, error) {
	var e Execution
	var createdAt string
	var successful int
	var durationMs int64
	if err := row.Scan(&e.ID, &createdAt, &e.Model, &e.ResponseID, &e.PreviousResponseID, &e.Mode,
		&e.RetryCount, &successful, &e.OriginalError, &e.Classification, &e.ResetMessage, &durationMs); err != nil {
		return Execution{}, err
	}
	t, err := parseTime("created_at", createdAt)
	if err != nil {
		return Execution{}, err
	}
	e.CreatedAt = t
	e.Successful = successful != 0
	e.Duration = time.Duration(durationMs) * time.Millisecond
	return e, nil
}

func (s *Store) GetExecution(id string) (Execution, error) {
	e, err := scanExecution(s.db.QueryRow(`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Execution{}, ErrNotFound
	}
	return e, err
}

func (s *Store) RecentExecutions(limit int) ([]Execution, error) {
	rows, err := s.db.Query(`SELECT `+executionColumns+` FROM executions
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// --- Background jobs ---

// TrackBackground starts tracking a handle. Tracking the same id again
// is a no-op.
func (s *Store) TrackBackground(j BackgroundJob) error {
	now := time.Now()
	status := j.Status
	if status == "" {
		status = "running"
	}
	pollAfter := j.PollAfter
	if pollAfter.IsZero() {
		pollAfter = now
	}
	return withRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO background_jobs (id, status_url, stream_url, status, progress, estimated_completion, error, result, poll_after, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			j.ID, j.StatusURL, j.StreamURL, status, j.Progress, j.EstimatedCompletion, j.Error, j.Result,
			formatTime(pollAfter), formatTime(now), formatTime(now),
		)
		return err
	})
}

const backgroundColumns = `id, status_url, stream_url, status, progress, estimated_completion, error, result, poll_failures, last_poll_error, poll_after, created_at, updated_at`

func scanBackground(row scanner) (BackgroundJob, error) {
	var j BackgroundJob
	var progress sql.NullInt64
	var pollAfter, createdAt, updatedAt string
	if err := row.Scan(&j.ID, &j.StatusURL, &j.StreamURL, &j.Status, &progress, &j.EstimatedCompletion,
		&j.Error, &j.Result, &j.PollFailures, &j.LastPollError, &pollAfter, &createdAt, &updatedAt); err != nil {
		return BackgroundJob{}, err
	}
	if progress.Valid {
		p := int(progress.Int64)
		j.Progress = &p
	}
	var err error
	if j.PollAfter, err = parseTime("poll_after", pollAfter); err != nil {
		return BackgroundJob{}, err
	}
	if j.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return BackgroundJob{}, err
	}
	if j.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return BackgroundJob{}, err
	}
	return j, nil
}

func (s *Store) GetBackground(id string) (BackgroundJob, error) {
	j, err := scanBackground(s.db.QueryRow(`SELECT `+backgroundColumns+` FROM background_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return BackgroundJob{}, ErrNotFound
	}
	return j, err
}

func (s *Store) listBackground(query string, args ...any) ([]BackgroundJob, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []BackgroundJob
	for rows.Next() {
		j, err := scanBackground(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, j)
	}
	return results, rows.Err()
}

// DueBackground returns running handles whose next poll is due, oldest
// first.
func (s *Store) DueBackground(limit int) ([]BackgroundJob, error) {
	return s.listBackground(`SELECT `+backgroundColumns+` FROM background_jobs
		WHERE status = 'running' AND poll_after <= ?
		ORDER BY poll_after ASC, created_at ASC LIMIT ?`, formatTime(time.Now()), limit)
}

// RecentBackground returns tracked handles of any status, newest first.
func (s *Store) RecentBackground(limit int) ([]BackgroundJob, error) {
	return s.listBackground(`SELECT `+backgroundColumns+` FROM background_jobs
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
}

// UpdateBackground stores the latest polled state of a handle and clears
// its poll failure count. nextPoll is ignored for terminal states.
func (s *Store) UpdateBackground(j BackgroundJob, nextPoll time.Time) error {
	now := time.Now()
	if nextPoll.IsZero() {
		nextPoll = now
	}
	return withRetry(func() error {
		res, err := s.db.Exec(`
			UPDATE background_jobs
			SET status = ?, progress = ?, estimated_completion = ?, error = ?, result = ?,
				poll_failures = 0, last_poll_error = '', poll_after = ?, updated_at = ?
			WHERE id = ?`,
			j.Status, j.Progress, j.EstimatedCompletion, j.Error, j.Result,
			formatTime(nextPoll), formatTime(now), j.ID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// maxPollDelay caps the delay between polls of a failing handle.
const maxPollDelay = 5 * time.Minute

// RecordPollFailure pushes the next poll of a handle back exponentially.
// The handle stays running; its state only changes through a status report.
func (s *Store) RecordPollFailure(id, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning poll failure transaction: %w", err)
	}
	defer tx.Rollback()

	var failures int
	err = tx.QueryRow(`SELECT poll_failures FROM background_jobs WHERE id = ?`, id).Scan(&failures)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	failures++
	delay := time.Duration(1<<min(failures, 16)) * time.Second
	if delay > maxPollDelay {
		delay = maxPollDelay
	}
	now := time.Now()
	if _, err := tx.Exec(`UPDATE background_jobs SET poll_failures = ?, last_poll_error = ?, poll_after = ?, updated_at = ? WHERE id = ?`,
		failures, errMsg, formatTime(now.Add(delay)), formatTime(now), id); err != nil {
		return err
	}
	return tx.Commit()
}
