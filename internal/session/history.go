package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/impact7/attend/internal/db"
	"github.com/impact7/attend/internal/record"
)

// metaStore is the slice of the store used by the history and filter stores.
type metaStore interface {
	GetMeta(ctx context.Context, key string, v any) (bool, error)
	SetMeta(ctx context.Context, key string, v any) error
}

// Import is one entry of the import history: a batch of records pasted or
// pulled in, and whether it has been committed to the remote.
type Import struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Students  []record.Record `json:"students"`
	Committed bool            `json:"isCommited"`
}

// ImportHistory is the newest-first list of imports, saved to the meta table
// after a quiet period.
type ImportHistory struct {
	store  metaStore
	logger *log.Logger
	saver  *debouncer

	mu    sync.Mutex
	items []Import
}

func newImportHistory(store metaStore, delay time.Duration, logger *log.Logger) *ImportHistory {
	h := &ImportHistory{store: store, logger: logger}
	h.saver = newDebouncer(delay, func() {
		if err := h.save(context.Background()); err != nil {
			h.logger.Printf("Error saving import history: %v", err)
		}
	})
	return h
}

// Load replaces the in-memory history with the stored one.
func (h *ImportHistory) Load(ctx context.Context) error {
	var items []Import
	if _, err := h.store.GetMeta(ctx, db.MetaImportHistory, &items); err != nil {
		return fmt.Errorf("failed to load import history: %w", err)
	}
	h.mu.Lock()
	h.items = items
	h.mu.Unlock()
	return nil
}

// Items returns a copy of the history, newest first.
func (h *ImportHistory) Items() []Import {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Import, len(h.items))
	for i, imp := range h.items {
		out[i] = cloneImport(imp)
	}
	return out
}

// Get returns the import with the given id.
func (h *ImportHistory) Get(id string) (Import, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, imp := range h.items {
		if imp.ID == id {
			return cloneImport(imp), true
		}
	}
	return Import{}, false
}

// Add prepends imp.
func (h *ImportHistory) Add(imp Import) {
	h.mu.Lock()
	h.items = append([]Import{cloneImport(imp)}, h.items...)
	h.mu.Unlock()
	h.saver.Touch()
}

// AddManual creates a blank record and files it under the import importID,
// creating a "Manual" import when no such entry exists.
func (h *ImportHistory) AddManual(importID string, in record.BlankInput) (Import, record.Record) {
	r := record.NewBlank(in)

	h.mu.Lock()
	idx := -1
	for i, imp := range h.items {
		if imp.ID == importID {
			idx = i
			break
		}
	}
	if idx < 0 {
		if importID == "" {
			importID = fmt.Sprintf("manual-%d", time.Now().UnixMilli())
		}
		h.items = append([]Import{{ID: importID, Name: "Manual"}}, h.items...)
		idx = 0
	}
	h.items[idx].Students = append(h.items[idx].Students, r)
	h.items[idx].Committed = false
	imp := cloneImport(h.items[idx])
	h.mu.Unlock()

	h.saver.Touch()
	return imp, r
}

// UpdateStudent replaces every staged copy of r, matched by id.
func (h *ImportHistory) UpdateStudent(r record.Record) bool {
	h.mu.Lock()
	changed := false
	for i := range h.items {
		for j := range h.items[i].Students {
			if h.items[i].Students[j].ID == r.ID {
				h.items[i].Students[j] = r.Clone()
				changed = true
			}
		}
	}
	h.mu.Unlock()
	if changed {
		h.saver.Touch()
	}
	return changed
}

// MarkCommitted flags the imports whose first record has the same dedupe key
// as first.
func (h *ImportHistory) MarkCommitted(first record.Record) int {
	h.mu.Lock()
	n := 0
	for i := range h.items {
		students := h.items[i].Students
		if len(students) > 0 && students[0].DedupeKey == first.DedupeKey {
			h.items[i].Committed = true
			n++
		}
	}
	h.mu.Unlock()
	if n > 0 {
		h.saver.Touch()
	}
	return n
}

// Clear empties the history and saves immediately.
func (h *ImportHistory) Clear(ctx context.Context) error {
	h.saver.Cancel()
	h.mu.Lock()
	h.items = nil
	h.mu.Unlock()
	return h.save(ctx)
}

// Close writes a pending save.
func (h *ImportHistory) Close(ctx context.Context) error {
	if !h.saver.Cancel() {
		return nil
	}
	return h.save(ctx)
}

func (h *ImportHistory) save(ctx context.Context) error {
	h.mu.Lock()
	items := make([]Import, len(h.items))
	for i, imp := range h.items {
		items[i] = cloneImport(imp)
	}
	h.mu.Unlock()
	if err := h.store.SetMeta(ctx, db.MetaImportHistory, items); err != nil {
		return fmt.Errorf("failed to save import history: %w", err)
	}
	return nil
}

func cloneImport(imp Import) Import {
	out := imp
	out.Students = cloneAll(imp.Students)
	return out
}
