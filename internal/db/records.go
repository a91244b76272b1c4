package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/impact7/attend/internal/record"
)

const recordColumns = `r.data`

// GetAll returns every stored record in insertion order.
func (db *DB) GetAll(ctx context.Context) ([]record.Record, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+recordColumns+` FROM records r ORDER BY r.rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// GetByID returns the record with the given id, or ErrNotFound.
func (db *DB) GetByID(ctx context.Context, id string) (record.Record, error) {
	var data string
	err := db.conn.QueryRowContext(ctx, `SELECT data FROM records WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return record.Record{}, fmt.Errorf("failed to get record %s: %w", id, err)
	}
	return decodeRecord(data)
}

// Put normalizes and writes a single record.
func (db *DB) Put(ctx context.Context, r record.Record) error {
	return db.writeTx(ctx, func(tx *sql.Tx) error {
		return upsertRecord(ctx, tx, record.NormalizeRecord(r))
	})
}

// BulkUpsert writes the records of next whose content differs from the
// record with the same id in prev. prev is the caller's last known persisted
// snapshot; records missing from it count as changed.
//
// All changed records are written in one transaction. It returns the number
// of records written, or 0 and an error wrapping ErrTransaction when the
// transaction was rolled back.
func (db *DB) BulkUpsert(ctx context.Context, next, prev []record.Record) (int, error) {
	changed := changedRecords(next, prev)
	if len(changed) == 0 {
		return 0, nil
	}

	err := db.writeTx(ctx, func(tx *sql.Tx) error {
		for _, r := range changed {
			if err := upsertRecord(ctx, tx, record.NormalizeRecord(r)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.logger.Printf("Bulk upsert of %d records failed: %v", len(changed), err)
		return 0, err
	}
	return len(changed), nil
}

// SaveSnapshot makes the store match next, given prev as the last persisted
// snapshot: changed records of next are written and records of prev missing
// from next are deleted, all in one transaction. It returns the number of
// records written and deleted, or zeros and an error wrapping ErrTransaction
// when nothing landed.
func (db *DB) SaveSnapshot(ctx context.Context, next, prev []record.Record) (written, deleted int, err error) {
	changed := changedRecords(next, prev)
	removed := removedIDs(next, prev)
	if len(changed) == 0 && len(removed) == 0 {
		return 0, 0, nil
	}

	err = db.writeTx(ctx, func(tx *sql.Tx) error {
		for _, r := range changed {
			if err := upsertRecord(ctx, tx, record.NormalizeRecord(r)); err != nil {
				return err
			}
		}
		for _, id := range removed {
			if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to delete record %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		db.logger.Printf("Saving snapshot (%d changed, %d removed) failed: %v", len(changed), len(removed), err)
		return 0, 0, err
	}
	return len(changed), len(removed), nil
}

// changedRecords returns the records of next whose content differs from the
// record with the same id in prev.
func changedRecords(next, prev []record.Record) []record.Record {
	before := make(map[string]string, len(prev))
	for _, r := range prev {
		before[r.ID] = record.ContentHash(r)
	}
	var changed []record.Record
	for _, r := range next {
		if h, ok := before[r.ID]; ok && h == record.ContentHash(r) {
			continue
		}
		changed = append(changed, r)
	}
	return changed
}

// removedIDs returns the ids in prev that next no longer holds.
func removedIDs(next, prev []record.Record) []string {
	keep := make(map[string]bool, len(next))
	for _, r := range next {
		keep[r.ID] = true
	}
	var out []string
	for _, r := range prev {
		if !keep[r.ID] {
			out = append(out, r.ID)
		}
	}
	return out
}

// ReplaceAll clears the collection and inserts rs in a single transaction.
// On failure the previous contents remain.
func (db *DB) ReplaceAll(ctx context.Context, rs []record.Record) error {
	return db.writeTx(ctx, func(tx *sql.Tx) error {
		if err := clearRecords(ctx, tx); err != nil {
			return err
		}
		for _, r := range rs {
			if err := upsertRecord(ctx, tx, record.NormalizeRecord(r)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes a record. Deleting a missing id is not an error.
func (db *DB) Delete(ctx context.Context, id string) error {
	return db.writeTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete record %s: %w", id, err)
		}
		return nil
	})
}

// Clear removes all records.
func (db *DB) Clear(ctx context.Context) error {
	return db.writeTx(ctx, func(tx *sql.Tx) error {
		return clearRecords(ctx, tx)
	})
}

// Count returns the number of stored records.
func (db *DB) Count(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// GetScheduledOn returns records whose regular attendance days include day
// exactly. The lookup is driven by the day index; special and extra days and
// partial tokens such as "월요일" for "월" are not matched here (see
// record.IsScheduledOn for the looser roster match).
func (db *DB) GetScheduledOn(ctx context.Context, day string) ([]record.Record, error) {
	return db.queryRecords(ctx, scheduledOnQuery, day)
}

const scheduledOnQuery = `
	SELECT ` + recordColumns + ` FROM record_days d
	JOIN records r ON r.id = d.record_id
	WHERE d.day = ? AND d.kind = 'attendance'
	ORDER BY r.rowid`

// GetByClass returns records enrolled in the class.
func (db *DB) GetByClass(ctx context.Context, class string) ([]record.Record, error) {
	return db.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM records r
		JOIN record_classes c ON c.record_id = r.id
		WHERE c.class = ?
		ORDER BY r.rowid`, class)
}

// GetByDepartment returns records in the department.
func (db *DB) GetByDepartment(ctx context.Context, department string) ([]record.Record, error) {
	return db.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM records r
		WHERE r.department = ?
		ORDER BY r.rowid`, department)
}

// GetByStatus returns records with the status.
func (db *DB) GetByStatus(ctx context.Context, status record.Status) ([]record.Record, error) {
	return db.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM records r
		WHERE r.status = ?
		ORDER BY r.rowid`, string(status))
}

func (db *DB) queryRecords(ctx context.Context, query string, args ...any) ([]record.Record, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// upsertRecord writes one normalized record and rebuilds its index rows.
func upsertRecord(ctx context.Context, tx *sql.Tx, r record.Record) error {
	if r.ID == "" {
		return fmt.Errorf("record %q has no id", r.DedupeKey)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", r.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (id, dedupe_key, department, status, content_hash, data, written_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			dedupe_key = excluded.dedupe_key,
			department = excluded.department,
			status = excluded.status,
			content_hash = excluded.content_hash,
			data = excluded.data,
			written_at = excluded.written_at`,
		r.ID, r.DedupeKey, r.Department, string(r.Status), record.ContentHash(r), string(data), now())
	if err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", r.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM record_days WHERE record_id = ?`, r.ID); err != nil {
		return fmt.Errorf("failed to clear day index for %s: %w", r.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM record_classes WHERE record_id = ?`, r.ID); err != nil {
		return fmt.Errorf("failed to clear class index for %s: %w", r.ID, err)
	}

	days := []struct {
		kind string
		list []string
	}{
		{"attendance", r.AttendanceDays},
		{"special", r.SpecialDays},
		{"extra", r.ExtraDays},
	}
	for _, d := range days {
		for _, day := range d.list {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO record_days (record_id, kind, day) VALUES (?, ?, ?)`,
				r.ID, d.kind, day); err != nil {
				return fmt.Errorf("failed to index days for %s: %w", r.ID, err)
			}
		}
	}
	for i, class := range r.Classes {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO record_classes (record_id, class, position) VALUES (?, ?, ?)`,
			r.ID, class, i); err != nil {
			return fmt.Errorf("failed to index classes for %s: %w", r.ID, err)
		}
	}
	return nil
}

func clearRecords(ctx context.Context, tx *sql.Tx) error {
	for _, table := range []string{"record_days", "record_classes", "records"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]record.Record, error) {
	out := []record.Record{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		r, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return out, nil
}

func decodeRecord(data string) (record.Record, error) {
	var r record.Record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return record.Record{}, fmt.Errorf("failed to decode stored record: %w", err)
	}
	return r, nil
}
