// Package migrate lifts data out of the legacy key/value storage into the
// attend database. The migration runs once; a completion flag in the meta
// area turns later runs into no-ops.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/impact7/attend/internal/db"
	"github.com/impact7/attend/internal/record"
)

// Legacy storage keys.
const (
	KeySessions = "impact7_sessions"
	KeyHistory  = "impact7_history"
	KeyFilters  = "impact7_filters"
	KeyPinned   = "impact7_pinned"
)

// Store is the destination of a migration.
type Store interface {
	GetMeta(ctx context.Context, key string, v any) (bool, error)
	SetMeta(ctx context.Context, key string, v any) error
	BulkUpsert(ctx context.Context, next, prev []record.Record) (int, error)
}

// ParseError reports a legacy value that could not be decoded. The key is
// skipped and kept in legacy storage.
type ParseError struct {
	Key string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse legacy key %s: %v", e.Key, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Result reports what a migration did.
type Result struct {
	Migrated    bool
	RecordCount int
	// Skipped lists keys left in place because they failed to parse.
	Skipped []string
}

// Runner performs the legacy migration.
type Runner struct {
	legacy LegacyStorage
	store  Store
	logger *log.Logger
}

// NewRunner returns a Runner. A nil logger writes to stderr.
func NewRunner(legacy LegacyStorage, store Store, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.New(os.Stderr, "[migration] ", log.LstdFlags)
	}
	return &Runner{legacy: legacy, store: store, logger: logger}
}

// MigrateLegacy moves every legacy key into the store and sets the
// completion flag last. When the flag is already set it returns
// Result{Migrated: false} without touching anything.
//
// A key that fails to parse is logged and skipped. Store and storage
// failures abort the run with an error; the flag is then unset, so a later
// run resumes where this one stopped. Upserts are idempotent, which makes a
// partial run harmless to repeat.
func (r *Runner) MigrateLegacy(ctx context.Context) (Result, error) {
	var done bool
	if _, err := r.store.GetMeta(ctx, db.MetaMigrated, &done); err != nil {
		return Result{}, fmt.Errorf("failed to read migration flag: %w", err)
	}
	if done {
		return Result{}, nil
	}

	var res Result
	steps := []struct {
		key string
		fn  func(ctx context.Context, raw string, res *Result) error
	}{
		{KeySessions, r.migrateSessions},
		{KeyHistory, r.migrateHistory},
		{KeyFilters, r.migrateFilters},
		{KeyPinned, r.migratePinned},
	}

	for _, step := range steps {
		raw, ok, err := r.legacy.Get(step.key)
		if err != nil {
			return res, fmt.Errorf("failed to read legacy key %s: %w", step.key, err)
		}
		if !ok {
			continue
		}

		if err := step.fn(ctx, raw, &res); err != nil {
			var perr *ParseError
			if errors.As(err, &perr) {
				r.logger.Printf("Warning: %v", perr)
				res.Skipped = append(res.Skipped, step.key)
				continue
			}
			return res, err
		}

		if err := r.legacy.Remove(step.key); err != nil {
			return res, fmt.Errorf("failed to remove legacy key %s: %w", step.key, err)
		}
	}

	if err := r.store.SetMeta(ctx, db.MetaMigrated, true); err != nil {
		return res, fmt.Errorf("failed to set migration flag: %w", err)
	}
	res.Migrated = true
	r.logger.Printf("Migration complete: %d records", res.RecordCount)
	return res, nil
}

func (r *Runner) migrateSessions(ctx context.Context, raw string, res *Result) error {
	var items []map[string]any
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return &ParseError{Key: KeySessions, Err: err}
	}
	if len(items) == 0 {
		return nil
	}

	records := record.AssignMissingIDs(record.Deduplicate(record.NormalizeAll(items)))
	if _, err := r.store.BulkUpsert(ctx, records, nil); err != nil {
		return fmt.Errorf("failed to store legacy sessions: %w", err)
	}
	res.RecordCount = len(records)
	r.logger.Printf("Migrated %d sessions", len(records))
	return nil
}

func (r *Runner) migrateHistory(ctx context.Context, raw string, _ *Result) error {
	var history []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return &ParseError{Key: KeyHistory, Err: err}
	}
	if err := r.store.SetMeta(ctx, db.MetaImportHistory, history); err != nil {
		return fmt.Errorf("failed to store import history: %w", err)
	}
	r.logger.Printf("Migrated %d import history entries", len(history))
	return nil
}

func (r *Runner) migrateFilters(ctx context.Context, raw string, _ *Result) error {
	var filters map[string]any
	if err := json.Unmarshal([]byte(raw), &filters); err != nil {
		return &ParseError{Key: KeyFilters, Err: err}
	}
	if err := r.store.SetMeta(ctx, db.MetaFilters, filters); err != nil {
		return fmt.Errorf("failed to store filters: %w", err)
	}
	return nil
}

func (r *Runner) migratePinned(ctx context.Context, raw string, _ *Result) error {
	if err := r.store.SetMeta(ctx, db.MetaPinned, raw == "true"); err != nil {
		return fmt.Errorf("failed to store pinned flag: %w", err)
	}
	return nil
}
