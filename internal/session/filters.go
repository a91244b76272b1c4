package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/impact7/attend/internal/db"
)

// FilterAll is the "no restriction" value of the class and school filters.
const FilterAll = "All"

// Filters is the list view selection the UI can pin across restarts.
type Filters struct {
	Departments []string `json:"departments"`
	Grades      []string `json:"grades"`
	Class       string   `json:"class"`
	School      string   `json:"school"`
}

// DefaultFilters selects everything.
func DefaultFilters() Filters {
	return Filters{
		Departments: []string{},
		Grades:      []string{},
		Class:       FilterAll,
		School:      FilterAll,
	}
}

// FilterStore holds the current filters and the pinned flag. Filters are
// only persisted while pinned.
type FilterStore struct {
	store metaStore

	mu      sync.Mutex
	filters Filters
	pinned  bool
}

func newFilterStore(store metaStore) *FilterStore {
	return &FilterStore{store: store, filters: DefaultFilters()}
}

// Load reads the pinned flag and, when pinned, the saved filters.
func (f *FilterStore) Load(ctx context.Context) error {
	var pinned bool
	if _, err := f.store.GetMeta(ctx, db.MetaPinned, &pinned); err != nil {
		return fmt.Errorf("failed to load pinned flag: %w", err)
	}
	filters := DefaultFilters()
	if pinned {
		if _, err := f.store.GetMeta(ctx, db.MetaFilters, &filters); err != nil {
			return fmt.Errorf("failed to load filters: %w", err)
		}
		filters = withFilterDefaults(filters)
	}

	f.mu.Lock()
	f.pinned = pinned
	f.filters = filters
	f.mu.Unlock()
	return nil
}

// Current returns the active filters.
func (f *FilterStore) Current() Filters {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneFilters(f.filters)
}

// Pinned reports whether the filters persist.
func (f *FilterStore) Pinned() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pinned
}

// Set makes filters current and saves them if pinned.
func (f *FilterStore) Set(ctx context.Context, filters Filters) error {
	filters = withFilterDefaults(filters)
	f.mu.Lock()
	f.filters = cloneFilters(filters)
	pinned := f.pinned
	f.mu.Unlock()

	if !pinned {
		return nil
	}
	if err := f.store.SetMeta(ctx, db.MetaFilters, filters); err != nil {
		return fmt.Errorf("failed to save filters: %w", err)
	}
	return nil
}

// SetPinned changes the pinned flag. Pinning saves the current filters;
// unpinning clears the saved ones.
func (f *FilterStore) SetPinned(ctx context.Context, pinned bool) error {
	f.mu.Lock()
	f.pinned = pinned
	filters := cloneFilters(f.filters)
	f.mu.Unlock()

	if err := f.store.SetMeta(ctx, db.MetaPinned, pinned); err != nil {
		return fmt.Errorf("failed to save pinned flag: %w", err)
	}
	if !pinned {
		filters = DefaultFilters()
	}
	if err := f.store.SetMeta(ctx, db.MetaFilters, filters); err != nil {
		return fmt.Errorf("failed to save filters: %w", err)
	}
	return nil
}

// Clear resets the filters to defaults and unpins them.
func (f *FilterStore) Clear(ctx context.Context) error {
	f.mu.Lock()
	f.filters = DefaultFilters()
	f.mu.Unlock()
	return f.SetPinned(ctx, false)
}

func withFilterDefaults(f Filters) Filters {
	if f.Departments == nil {
		f.Departments = []string{}
	}
	if f.Grades == nil {
		f.Grades = []string{}
	}
	if f.Class == "" {
		f.Class = FilterAll
	}
	if f.School == "" {
		f.School = FilterAll
	}
	return f
}

func cloneFilters(f Filters) Filters {
	out := f
	out.Departments = append([]string{}, f.Departments...)
	out.Grades = append([]string{}, f.Grades...)
	return out
}
