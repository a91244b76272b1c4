// Package session is the facade the UI talks to.
//
// A Session keeps the working set of records in memory and treats the store
// as its durable mirror: edits land in memory immediately and are persisted
// by a debounced writer that diffs against the last snapshot that was
// actually written. Outbound changes go through the outbox first and are
// then delivered right away; anything that does not get through is left to
// the drain coordinator.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/impact7/attend/internal/db"
	"github.com/impact7/attend/internal/drain"
	"github.com/impact7/attend/internal/gateway"
	"github.com/impact7/attend/internal/record"
)

const (
	// DefaultPersistDelay is the quiet period before in-memory edits are
	// written to the store.
	DefaultPersistDelay = 300 * time.Millisecond

	// DefaultHistoryDelay is the quiet period before import history is saved.
	DefaultHistoryDelay = 500 * time.Millisecond
)

// Remote is the GAS endpoint as seen by a Session.
type Remote interface {
	Deliver(ctx context.Context, payload []byte) (gateway.Outcome, error)
	Pull(ctx context.Context) ([]map[string]any, error)
	PullBatch(ctx context.Context, name string) ([]map[string]any, error)
	ListRemoteBatches(ctx context.Context) ([]string, error)
}

// Deps are the collaborators of a Session.
type Deps struct {
	Store  *db.DB
	Remote Remote

	// Drain defaults to a coordinator over Store and Remote.
	Drain *drain.Coordinator

	Logger       *log.Logger
	PersistDelay time.Duration
	HistoryDelay time.Duration
	Now          func() time.Time
}

// SyncResult reports a pull from the remote.
type SyncResult struct {
	Success bool
	Count   int
	Error   string
}

// Session is the in-memory working set plus its persistence and delivery
// plumbing. It is safe for concurrent use.
type Session struct {
	store  *db.DB
	remote Remote
	drain  *drain.Coordinator
	logger *log.Logger
	now    func() time.Time

	History *ImportHistory
	Filters *FilterStore

	mu        sync.Mutex
	records   []record.Record
	persisted []record.Record
	version   uint64
	written   uint64
	ready     bool
	listeners []func(int)

	// persistMu orders store writes of the working set against Sync.
	persistMu sync.Mutex
	persister *debouncer
}

// Open loads the stored records and returns a ready Session.
func Open(ctx context.Context, deps Deps) (*Session, error) {
	if deps.Store == nil {
		return nil, errors.New("session: store cannot be nil")
	}
	if deps.Remote == nil {
		return nil, errors.New("session: remote cannot be nil")
	}
	if deps.Logger == nil {
		deps.Logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	if deps.PersistDelay <= 0 {
		deps.PersistDelay = DefaultPersistDelay
	}
	if deps.HistoryDelay <= 0 {
		deps.HistoryDelay = DefaultHistoryDelay
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Drain == nil {
		c, err := drain.New(deps.Store, deps.Remote, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create drain coordinator: %w", err)
		}
		deps.Drain = c
	}

	s := &Session{
		store:  deps.Store,
		remote: deps.Remote,
		drain:  deps.Drain,
		logger: deps.Logger,
		now:    deps.Now,
	}
	s.persister = newDebouncer(deps.PersistDelay, func() {
		if err := s.persist(context.Background()); err != nil {
			s.logger.Printf("Error persisting sessions: %v", err)
		}
	})
	s.History = newImportHistory(deps.Store, deps.HistoryDelay, deps.Logger)
	s.Filters = newFilterStore(deps.Store)

	stored, err := deps.Store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	loaded := record.Deduplicate(stored)
	if err := s.History.Load(ctx); err != nil {
		return nil, err
	}
	if err := s.Filters.Load(ctx); err != nil {
		return nil, err
	}

	s.drain.OnPass(func(r drain.Result) { s.notifyPending(r.Pending) })

	s.mu.Lock()
	s.records = cloneAll(loaded)
	s.persisted = cloneAll(loaded)
	s.ready = true
	s.mu.Unlock()

	s.logger.Printf("Loaded %d sessions", len(loaded))
	return s, nil
}

// Ready reports whether the initial load finished.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Drain returns the delivery coordinator.
func (s *Session) Drain() *drain.Coordinator {
	return s.drain
}

// Sessions returns a copy of the working set.
func (s *Session) Sessions() []record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAll(s.records)
}

// SetSessions replaces the working set and schedules a persist.
func (s *Session) SetSessions(rs []record.Record) {
	s.mu.Lock()
	s.records = cloneAll(rs)
	s.version++
	s.mu.Unlock()
	s.persister.Touch()
}

// Update replaces the working set with fn applied to a copy of it.
func (s *Session) Update(fn func([]record.Record) []record.Record) {
	s.mu.Lock()
	s.records = fn(cloneAll(s.records))
	s.version++
	s.mu.Unlock()
	s.persister.Touch()
}

// persist writes the working set against the last persisted snapshot. On
// failure the snapshot is kept so the next attempt writes the same diff.
func (s *Session) persist(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	if s.version == s.written {
		s.mu.Unlock()
		return nil
	}
	next := cloneAll(s.records)
	prev := s.persisted
	version := s.version
	s.mu.Unlock()

	n, removed, err := s.store.SaveSnapshot(ctx, next, prev)
	if err != nil {
		return err
	}
	if n > 0 || removed > 0 {
		s.logger.Printf("Persisted %d sessions, removed %d", n, removed)
	}

	s.mu.Lock()
	s.persisted = next
	s.written = version
	s.mu.Unlock()
	return nil
}

// PendingCount returns the number of outbox jobs awaiting delivery.
func (s *Session) PendingCount(ctx context.Context) (int, error) {
	return s.store.PendingCount(ctx)
}

// OnPendingChange registers fn to receive the pending count whenever it may
// have changed.
func (s *Session) OnPendingChange(fn func(int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Session) notifyPending(n int) {
	s.mu.Lock()
	listeners := append([]func(int){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(n)
	}
}

func (s *Session) refreshPending(ctx context.Context) {
	n, err := s.store.PendingCount(ctx)
	if err != nil {
		s.logger.Printf("Warning: failed to count pending jobs: %v", err)
		return
	}
	s.notifyPending(n)
}

// Send queues payload and attempts delivery immediately. It reports whether
// the payload was delivered now; undelivered payloads stay queued and a
// drain pass is scheduled. Only a failure to queue is returned as an error.
//
// The payload is enveloped with the date and time of the call before it is
// queued, so every later attempt delivers the same bytes.
func (s *Session) Send(ctx context.Context, payload []byte, recordID string) (bool, error) {
	body, err := gateway.Envelope(payload, s.now())
	if err != nil {
		return false, fmt.Errorf("failed to queue payload: %w", err)
	}
	id, err := s.store.Enqueue(ctx, body, recordID)
	if err != nil {
		return false, fmt.Errorf("failed to queue payload: %w", err)
	}
	defer s.refreshPending(ctx)

	outcome, derr := s.remote.Deliver(ctx, body)
	if outcome == gateway.Delivered {
		if err := s.store.MarkSent(ctx, id); err != nil {
			s.logger.Printf("Warning: delivered job %d could not be marked sent: %v", id, err)
		}
		return true, nil
	}

	if derr == nil {
		derr = fmt.Errorf("delivery %s", outcome)
	}
	if err := s.store.MarkFailed(ctx, id, derr); err != nil {
		s.logger.Printf("Warning: failed to record delivery failure for job %d: %v", id, err)
	}
	s.logger.Printf("Delivery of job %d failed (%s), will retry: %v", id, outcome, derr)
	s.drain.ScheduleAfterFailure()
	return false, nil
}

func (s *Session) sendRecord(ctx context.Context, r record.Record) (bool, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return false, fmt.Errorf("failed to encode record %s: %w", r.ID, err)
	}
	return s.Send(ctx, data, r.ID)
}

// Sync replaces the local collection with the remote one. On any failure
// both the store and the working set are left as they were.
func (s *Session) Sync(ctx context.Context) SyncResult {
	raws, err := s.remote.Pull(ctx)
	if err != nil {
		s.logger.Printf("Sync failed: %v", err)
		return SyncResult{Error: err.Error()}
	}
	pulled := record.AssignMissingIDs(record.Deduplicate(record.NormalizeAll(raws)))

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if err := s.store.ReplaceAll(ctx, pulled); err != nil {
		s.logger.Printf("Sync failed to store %d records: %v", len(pulled), err)
		return SyncResult{Error: err.Error()}
	}
	s.persister.Cancel()

	s.mu.Lock()
	s.records = cloneAll(pulled)
	s.persisted = cloneAll(pulled)
	s.version++
	s.written = s.version
	s.mu.Unlock()

	s.logger.Printf("Synced %d records from remote", len(pulled))
	return SyncResult{Success: true, Count: len(pulled)}
}

// Flush runs a drain pass now.
func (s *Session) Flush(ctx context.Context) drain.Result {
	res, err := s.drain.DrainNow(ctx)
	if err != nil {
		s.logger.Printf("Flush failed: %v", err)
	}
	return res
}

// Close writes any pending edits and history and stops background timers.
func (s *Session) Close(ctx context.Context) error {
	s.persister.Cancel()
	s.drain.Stop()
	err := s.persist(ctx)
	if herr := s.History.Close(ctx); err == nil {
		err = herr
	}
	return err
}

func cloneAll(rs []record.Record) []record.Record {
	out := make([]record.Record, len(rs))
	for i, r := range rs {
		out[i] = r.Clone()
	}
	return out
}

