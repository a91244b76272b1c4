package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JobStatus is the delivery state of an outbox job. Delivered jobs are
// deleted, so "sent" is never observed in the table.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobFailed  JobStatus = "failed"
	JobSent    JobStatus = "sent"
)

const (
	// DefaultMaxRetries is the retry ceiling after which a job stays failed.
	DefaultMaxRetries = 5

	// DefaultBatchSize bounds one GetPending call.
	DefaultBatchSize = 20
)

// OutboxOptions tunes the outbox.
type OutboxOptions struct {
	MaxRetries int
	BatchSize  int
}

func (o OutboxOptions) withDefaults() OutboxOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	return o
}

// Job is one queued delivery.
type Job struct {
	ID        int64           `json:"id" yaml:"id"`
	RecordID  string          `json:"recordId,omitempty" yaml:"recordId,omitempty"`
	Payload   json.RawMessage `json:"payload" yaml:"-"`
	Status    JobStatus       `json:"status" yaml:"status"`
	Retries   int             `json:"retries" yaml:"retries"`
	CreatedAt time.Time       `json:"createdAt" yaml:"createdAt"`
	SentAt    *time.Time      `json:"sentAt,omitempty" yaml:"sentAt,omitempty"`
	LastError string          `json:"lastError,omitempty" yaml:"lastError,omitempty"`
}

// OutboxOptions returns the effective outbox tuning.
func (db *DB) OutboxOptions() OutboxOptions {
	return db.outbox
}

// Enqueue appends a payload to the outbox. The job is durable when Enqueue
// returns, before any delivery attempt.
func (db *DB) Enqueue(ctx context.Context, payload []byte, recordID string) (int64, error) {
	if !json.Valid(payload) {
		return 0, fmt.Errorf("failed to enqueue: payload is not valid JSON")
	}

	var id int64
	err := db.writeTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO outbox (record_id, payload, status, retries, created_at) VALUES (?, ?, ?, 0, ?)`,
			nullString(recordID), string(payload), string(JobPending), now())
		if err != nil {
			return fmt.Errorf("failed to insert outbox job: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetPending returns up to limit deliverable jobs: pending jobs in id order
// first, then failed jobs still under the retry ceiling. A limit <= 0 uses
// the configured batch size.
func (db *DB) GetPending(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = db.outbox.BatchSize
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, record_id, payload, status, retries, created_at, sent_at, last_error
		FROM outbox
		WHERE status = ? OR (status = ? AND retries < ?)
		ORDER BY CASE status WHEN ? THEN 0 ELSE 1 END, id
		LIMIT ?`,
		string(JobPending), string(JobFailed), db.outbox.MaxRetries, string(JobPending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// MarkSent removes delivered jobs. Unknown ids are ignored.
func (db *DB) MarkSent(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return db.writeTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE id IN (`+placeholders+`)`, args...); err != nil {
			return fmt.Errorf("failed to mark jobs sent: %w", err)
		}
		return nil
	})
}

// MarkFailed records a failed attempt. The job stays pending until its
// retries reach the ceiling, then becomes failed. Unknown ids are ignored.
func (db *DB) MarkFailed(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return db.writeTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE outbox SET
				retries = retries + 1,
				status = CASE WHEN retries + 1 >= ? THEN ? ELSE ? END,
				last_error = ?
			WHERE id = ?`,
			db.outbox.MaxRetries, string(JobFailed), string(JobPending), msg, id)
		if err != nil {
			return fmt.Errorf("failed to mark job %d failed: %w", id, err)
		}
		return nil
	})
}

// PendingCount returns the number of jobs with status pending. Jobs that
// exhausted their retries are not counted.
func (db *DB) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE status = ?`, string(JobPending)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return count, nil
}

// DumpJobs returns every job regardless of status, oldest first.
func (db *DB) DumpJobs(ctx context.Context) ([]Job, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, record_id, payload, status, retries, created_at, sent_at, last_error
		FROM outbox ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// PurgeFilter selects failed jobs to delete.
type PurgeFilter struct {
	// Before limits the purge to jobs created before this time (zero = all).
	Before time.Time
	// IDs limits the purge to these jobs (empty = all).
	IDs []int64
}

// Purge deletes failed jobs matching the filter and returns how many were
// removed. Pending jobs are never purged.
func (db *DB) Purge(ctx context.Context, f PurgeFilter) (int, error) {
	conditions := []string{"status = ?"}
	args := []any{string(JobFailed)}
	if !f.Before.IsZero() {
		conditions = append(conditions, "created_at < ?")
		args = append(args, f.Before.UTC().Format(time.RFC3339Nano))
	}
	if len(f.IDs) > 0 {
		conditions = append(conditions, "id IN ("+strings.TrimSuffix(strings.Repeat("?,", len(f.IDs)), ",")+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}

	var n int64
	err := db.writeTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE `+strings.Join(conditions, " AND "), args...)
		if err != nil {
			return fmt.Errorf("failed to purge jobs: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		db.logger.Printf("Purged %d failed jobs", n)
	}
	return int(n), nil
}

// Requeue resets failed jobs to pending with zero retries. With no ids every
// failed job is requeued. It returns the number of jobs changed.
func (db *DB) Requeue(ctx context.Context, ids ...int64) (int, error) {
	query := `UPDATE outbox SET status = ?, retries = 0 WHERE status = ?`
	args := []any{string(JobPending), string(JobFailed)}
	if len(ids) > 0 {
		query += " AND id IN (" + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}

	var n int64
	err := db.writeTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to requeue jobs: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		var (
			j         Job
			recordID  sql.NullString
			payload   string
			status    string
			createdAt string
			sentAt    sql.NullString
		)
		if err := rows.Scan(&j.ID, &recordID, &payload, &status, &j.Retries, &createdAt, &sentAt, &j.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		j.RecordID = recordID.String
		j.Payload = json.RawMessage(payload)
		j.Status = JobStatus(status)
		j.CreatedAt = parseTime(createdAt)
		if sentAt.Valid {
			t := parseTime(sentAt.String)
			j.SentAt = &t
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
