// Package db provides the embedded SQLite store behind attend.
//
// One database file holds three areas:
//   - records: the durable collection of fully normalized records, with
//     side tables (record_days, record_classes) backing the multi-valued
//     indexes
//   - outbox: the write-behind queue of payloads awaiting delivery to GAS
//   - meta: small JSON values (import history, filters, migration flag)
//
// The file is opened in WAL mode so readers never wait on the drain loop or
// the session persister. Writers are serialized by a store level mutex on
// top of SQLite's own locking, which keeps the single-writer assumption of
// the outbox explicit.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

var (
	// ErrNotFound is returned when a record id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTransaction marks a write transaction that was rolled back. Nothing
	// from the failed batch is visible afterwards.
	ErrTransaction = errors.New("store transaction failed")
)

// Options configures Open.
type Options struct {
	// Logger for store activity. Defaults to stderr with a "[store] " prefix.
	Logger *log.Logger

	// Outbox tunes the retry ceiling and batch size.
	Outbox OutboxOptions
}

// DB is a handle on the attend database file.
type DB struct {
	conn *sql.DB
	path string

	// mu serializes write transactions.
	mu sync.Mutex

	logger *log.Logger
	outbox OutboxOptions
}

// Open opens (creating if needed) the database at path and initializes the
// schema. A failure here is fatal for the caller; there is no degraded mode.
//
// The caller must call Close when done.
func Open(ctx context.Context, path string, opts Options) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	db := &DB{
		conn:   conn,
		path:   path,
		logger: opts.Logger,
		outbox: opts.Outbox.withDefaults(),
	}

	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// dsn builds the connection string. Pragmas are passed per connection so
// that every pooled connection gets WAL, the busy timeout and foreign keys.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables and indexes if they do not exist. It is
// idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		dedupe_key TEXT NOT NULL,
		department TEXT NOT NULL,
		status TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		data TEXT NOT NULL,  -- canonical JSON
		written_at TEXT NOT NULL
	);

	-- Multi-valued indexes
	CREATE TABLE IF NOT EXISTS record_days (
		record_id TEXT NOT NULL,
		kind TEXT NOT NULL,  -- attendance, special, extra
		day TEXT NOT NULL,
		PRIMARY KEY (record_id, kind, day),
		FOREIGN KEY (record_id) REFERENCES records(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS record_classes (
		record_id TEXT NOT NULL,
		class TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (record_id, class),
		FOREIGN KEY (record_id) REFERENCES records(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id TEXT,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',  -- pending, failed
		retries INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		sent_at TEXT,
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_dedupe ON records(dedupe_key);
	CREATE INDEX IF NOT EXISTS idx_records_department ON records(department);
	CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);
	CREATE INDEX IF NOT EXISTS idx_record_days_day ON record_days(day, kind);
	CREATE INDEX IF NOT EXISTS idx_record_classes_class ON record_classes(class);
	CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status, id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// writeTx runs fn inside a serialized write transaction. Any error rolls the
// whole transaction back and is reported wrapped in ErrTransaction.
func (db *DB) writeTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", ErrTransaction, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("%w: %w", ErrTransaction, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit transaction: %w", ErrTransaction, err)
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
