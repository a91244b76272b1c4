package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Meta keys shared by the session stores and the legacy migration.
const (
	MetaImportHistory = "importHistory"
	MetaFilters       = "impact7_filters"
	MetaPinned        = "impact7_pinned"
	MetaMigrated      = "impact7_migrated_v2"
)

// GetMeta decodes the meta value stored under key into v. It reports false
// when the key is absent.
func (db *DB) GetMeta(ctx context.Context, key string, v any) (bool, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(value), v); err != nil {
		return true, fmt.Errorf("failed to decode meta %s: %w", key, err)
	}
	return true, nil
}

// SetMeta stores v as JSON under key.
func (db *DB) SetMeta(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode meta %s: %w", key, err)
	}
	return db.writeTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO meta (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, string(data), now())
		if err != nil {
			return fmt.Errorf("failed to write meta %s: %w", key, err)
		}
		return nil
	})
}

// DeleteMeta removes key. Missing keys are ignored.
func (db *DB) DeleteMeta(ctx context.Context, key string) error {
	return db.writeTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, key); err != nil {
			return fmt.Errorf("failed to delete meta %s: %w", key, err)
		}
		return nil
	})
}
