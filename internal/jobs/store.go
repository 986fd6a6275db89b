package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"lsifd/internal/errors"
	"lsifd/internal/logging"
)

// timeFormat is RFC 3339 with fixed-width nanoseconds so the stored strings
// order lexicographically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store provides persistence for jobs in a dedicated SQLite database. The
// HTTP surface and the worker open the same file; claims are serialized by
// sqlite's single-writer transactions.
type Store struct {
	conn   *sql.DB
	logger *logging.Logger
}

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	payload TEXT,
	status TEXT NOT NULL DEFAULT 'queued',
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	process_after TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status, process_after);
CREATE INDEX IF NOT EXISTS idx_jobs_type ON jobs (type);
`

// OpenStore opens or creates the jobs database at path.
func OpenStore(logger *logging.Logger, path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open jobs database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := conn.Exec(jobsSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize jobs schema: %w", err)
	}

	return &Store{conn: conn, logger: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// CreateJob inserts a new job into the database.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload, status, attempts, max_attempts, created_at, process_after, started_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Type,
		nullString(job.Payload),
		job.Status,
		job.Attempts,
		job.MaxAttempts,
		job.CreatedAt.Format(timeFormat),
		job.ProcessAfter.Format(timeFormat),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		nullString(job.Error),
	)
	if err != nil {
		return errors.Wrap(errors.Transient, "failed to create job", err)
	}

	s.logger.Debug("Created job", map[string]interface{}{
		"jobId": job.ID,
		"type":  job.Type,
	})
	return nil
}

// EnqueueUnlessPending inserts the job only if no job of the same type is
// currently queued or running. Returns true when the job was inserted.
func (s *Store) EnqueueUnlessPending(ctx context.Context, job *Job) (bool, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(errors.Transient, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	var n int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM jobs WHERE type = ? AND status IN ('queued', 'running')",
		job.Type,
	).Scan(&n)
	if err != nil {
		return false, errors.Wrap(errors.Transient, "failed to probe pending jobs", err)
	}
	if n > 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload, status, attempts, max_attempts, created_at, process_after, started_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL)
	`,
		job.ID, job.Type, nullString(job.Payload), job.Status, job.Attempts, job.MaxAttempts,
		job.CreatedAt.Format(timeFormat), job.ProcessAfter.Format(timeFormat),
	)
	if err != nil {
		return false, errors.Wrap(errors.Transient, "failed to enqueue job", err)
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(errors.Transient, "failed to commit transaction", err)
	}
	return true, nil
}

// Dequeue atomically claims the oldest runnable queued job, marking it
// running and counting the attempt. Returns nil when nothing is runnable.
func (s *Store) Dequeue(ctx context.Context) (*Job, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(errors.Transient, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'queued' AND process_after <= ?
		ORDER BY created_at ASC
		LIMIT 1
	`, now.Format(timeFormat))

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.Transient, "failed to scan job", err)
	}

	job.Status = JobRunning
	job.Attempts++
	job.StartedAt = &now
	if _, err := tx.ExecContext(ctx,
		"UPDATE jobs SET status = 'running', attempts = ?, started_at = ? WHERE id = ?",
		job.Attempts, now.Format(timeFormat), job.ID,
	); err != nil {
		return nil, errors.Wrap(errors.Transient, "failed to claim job", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(errors.Transient, "failed to commit claim", err)
	}
	return job, nil
}

// UpdateJob persists a job's current state.
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempts = ?, process_after = ?, started_at = ?, completed_at = ?, error = ?
		WHERE id = ?
	`,
		job.Status,
		job.Attempts,
		job.ProcessAfter.Format(timeFormat),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		nullString(job.Error),
		job.ID,
	)
	if err != nil {
		return errors.Wrap(errors.Transient, "failed to update job", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return errors.Newf(errors.Fatal, "job not found: %s", job.ID)
	}
	return nil
}

// GetJob retrieves a job by ID. The boolean is false when no job exists.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, bool, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE id = ?", id,
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(errors.Transient, "failed to read job", err)
	}
	return job, true, nil
}

// PendingCount returns the number of queued and running jobs.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM jobs WHERE status IN ('queued', 'running')",
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(errors.Transient, "failed to count pending jobs", err)
	}
	return n, nil
}

// RecoverStale returns running jobs older than deadline to the queue. A job
// abandoned by a crashed worker becomes runnable again without losing its
// attempt count.
func (s *Store) RecoverStale(ctx context.Context, deadline time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-deadline).Format(timeFormat)
	result, err := s.conn.ExecContext(ctx, `
		UPDATE jobs SET status = 'queued', started_at = NULL
		WHERE status = 'running' AND started_at < ?
	`, cutoff)
	if err != nil {
		return 0, errors.Wrap(errors.Transient, "failed to recover stale jobs", err)
	}
	return result.RowsAffected()
}

// CleanupOldJobs removes terminal jobs older than the given retention.
func (s *Store) CleanupOldJobs(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(timeFormat)
	result, err := s.conn.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed') AND completed_at < ?
	`, cutoff)
	if err != nil {
		return 0, errors.Wrap(errors.Transient, "failed to cleanup old jobs", err)
	}
	return result.RowsAffected()
}

const jobColumns = "id, type, payload, status, attempts, max_attempts, created_at, process_after, started_at, completed_at, error"

func scanJob(scanner interface{ Scan(...interface{}) error }) (*Job, error) {
	var job Job
	var payload, startedAt, completedAt, errMsg sql.NullString
	var createdAt, processAfter string

	err := scanner.Scan(
		&job.ID,
		&job.Type,
		&payload,
		&job.Status,
		&job.Attempts,
		&job.MaxAttempts,
		&createdAt,
		&processAfter,
		&startedAt,
		&completedAt,
		&errMsg,
	)
	if err != nil {
		return nil, err
	}

	job.Payload = payload.String
	job.Error = errMsg.String
	if t, err := time.Parse(timeFormat, createdAt); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(timeFormat, processAfter); err == nil {
		job.ProcessAfter = t
	}
	if startedAt.Valid {
		if t, err := time.Parse(timeFormat, startedAt.String); err == nil {
			job.StartedAt = &t
		}
	}
	if completedAt.Valid {
		if t, err := time.Parse(timeFormat, completedAt.String); err == nil {
			job.CompletedAt = &t
		}
	}
	return &job, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(timeFormat), Valid: true}
}
