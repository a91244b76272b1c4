package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/impact7/attend/internal/db"
	"github.com/impact7/attend/internal/record"
)

var (
	// ErrUnknownCategory is returned by UpdateCheck for a category name that
	// is not part of Checks.
	ErrUnknownCategory = errors.New("unknown check category")

	// ErrEmptyMemo is returned by AddMemo for blank text.
	ErrEmptyMemo = errors.New("memo text is empty")

	// ErrNoBatches is returned by ImportRemoteBatch when the remote lists
	// no batches.
	ErrNoBatches = errors.New("no remote batches")
)

// sheetNameLayout is YYMMDDHHmm.
const sheetNameLayout = "0601021504"

// CommitResult reports a CommitImport.
type CommitResult struct {
	SheetName string
	Delivered bool
	Merged    int
	Added     int
}

// mutate applies fn to the record with the given id in the working set,
// schedules a persist and returns the updated record.
func (s *Session) mutate(id string, fn func(record.Record) (record.Record, error)) (record.Record, error) {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return record.Record{}, fmt.Errorf("record %s: %w", id, db.ErrNotFound)
	}
	updated, err := fn(s.records[idx].Clone())
	if err != nil {
		s.mu.Unlock()
		return record.Record{}, err
	}
	s.records[idx] = updated.Clone()
	s.version++
	s.mu.Unlock()

	s.persister.Touch()
	return updated, nil
}

func (s *Session) indexLocked(id string) int {
	for i, r := range s.records {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// ToggleStatus presses the status button of one record and sends it.
func (s *Session) ToggleStatus(ctx context.Context, id string, status record.Status) (record.Record, error) {
	updated, err := s.mutate(id, func(r record.Record) (record.Record, error) {
		return record.ToggleStatus(r, status), nil
	})
	if err != nil {
		return record.Record{}, err
	}
	if _, err := s.sendRecord(ctx, updated); err != nil {
		return updated, err
	}
	return updated, nil
}

// BulkStatus sets status on every listed record. Unknown ids are skipped.
// It returns how many records were changed.
func (s *Session) BulkStatus(ctx context.Context, ids []string, status record.Status) (int, error) {
	n := 0
	for _, id := range ids {
		updated, err := s.mutate(id, func(r record.Record) (record.Record, error) {
			return record.WithStatus(r, status), nil
		})
		if errors.Is(err, db.ErrNotFound) {
			s.logger.Printf("Warning: skipping unknown record %s", id)
			continue
		}
		if err != nil {
			return n, err
		}
		n++
		if _, err := s.sendRecord(ctx, updated); err != nil {
			return n, err
		}
	}
	return n, nil
}

// UpdateRecord replaces a record by id, updates its staged copies in the
// import history and sends it.
func (s *Session) UpdateRecord(ctx context.Context, r record.Record) (record.Record, error) {
	next := record.NormalizeRecord(r)
	updated, err := s.mutate(next.ID, func(record.Record) (record.Record, error) {
		return next, nil
	})
	if err != nil {
		return record.Record{}, err
	}
	s.History.UpdateStudent(updated)
	if _, err := s.sendRecord(ctx, updated); err != nil {
		return updated, err
	}
	return updated, nil
}

// UpdateCheck sets one completion mark. The category "homeworkResult" sets
// the scalar result and ignores field.
func (s *Session) UpdateCheck(ctx context.Context, id, category, field, value string) (record.Record, error) {
	updated, err := s.mutate(id, func(r record.Record) (record.Record, error) {
		if category == "homeworkResult" {
			r.Checks.HomeworkResult = value
			return r, nil
		}
		marks := r.Checks.Category(category)
		if marks == nil {
			return r, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
		}
		marks[field] = value
		return r, nil
	})
	if err != nil {
		return record.Record{}, err
	}
	if _, err := s.sendRecord(ctx, updated); err != nil {
		return updated, err
	}
	return updated, nil
}

// AddMemo appends one desk memo to every listed record.
func (s *Session) AddMemo(ctx context.Context, ids []string, text string) (record.Memo, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return record.Memo{}, ErrEmptyMemo
	}
	memo := record.NewMemo(text, s.now())
	for _, id := range ids {
		updated, err := s.mutate(id, func(r record.Record) (record.Record, error) {
			return record.AppendMemo(r, memo), nil
		})
		if errors.Is(err, db.ErrNotFound) {
			s.logger.Printf("Warning: skipping unknown record %s", id)
			continue
		}
		if err != nil {
			return memo, err
		}
		if _, err := s.sendRecord(ctx, updated); err != nil {
			return memo, err
		}
	}
	return memo, nil
}

// DeleteMemo removes one desk memo from a record.
func (s *Session) DeleteMemo(ctx context.Context, id, memoID string) (record.Record, error) {
	updated, err := s.mutate(id, func(r record.Record) (record.Record, error) {
		return record.DeleteMemo(r, memoID), nil
	})
	if err != nil {
		return record.Record{}, err
	}
	if _, err := s.sendRecord(ctx, updated); err != nil {
		return updated, err
	}
	return updated, nil
}

// CommitImport sends a staged import as one bulk_import payload and merges
// it into the working set by dedupe key. An empty sheetName defaults to the
// current time as YYMMDDHHmm.
func (s *Session) CommitImport(ctx context.Context, students []record.Record, sheetName string) (CommitResult, error) {
	if sheetName == "" {
		sheetName = s.now().Format(sheetNameLayout)
	}
	incoming := make([]record.Record, len(students))
	for i, r := range students {
		incoming[i] = record.NormalizeRecord(r)
	}
	incoming = record.AssignMissingIDs(record.Deduplicate(incoming))
	res := CommitResult{SheetName: sheetName}
	if len(incoming) == 0 {
		return res, nil
	}

	payload, err := bulkImportPayload(incoming, sheetName)
	if err != nil {
		return res, err
	}
	delivered, err := s.Send(ctx, payload, "")
	if err != nil {
		return res, err
	}
	res.Delivered = delivered

	s.mu.Lock()
	byKey := make(map[string]int, len(s.records))
	for i, r := range s.records {
		byKey[r.DedupeKey] = i
	}
	for _, r := range incoming {
		if i, ok := byKey[r.DedupeKey]; ok {
			s.records[i] = record.MergeInto(s.records[i], r)
			res.Merged++
			continue
		}
		byKey[r.DedupeKey] = len(s.records)
		s.records = append(s.records, r.Clone())
		res.Added++
	}
	s.version++
	s.mu.Unlock()
	s.persister.Touch()

	if delivered {
		s.History.MarkCommitted(incoming[0])
	}
	s.logger.Printf("Committed %d records to sheet %s (%d merged, %d added)", len(incoming), sheetName, res.Merged, res.Added)
	return res, nil
}

func bulkImportPayload(rs []record.Record, sheetName string) ([]byte, error) {
	students := make([]map[string]any, 0, len(rs))
	for _, r := range rs {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("failed to encode record %s: %w", r.ID, err)
		}
		var fields map[string]any
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("failed to encode record %s: %w", r.ID, err)
		}
		fields["payloadHeader"] = fmt.Sprintf("| %s | %s | %s | %s %s |",
			r.Department, r.Name, r.FirstClass(), r.SchoolName, r.Grade)
		students = append(students, fields)
	}
	return json.Marshal(map[string]any{
		"type":      "bulk_import",
		"students":  students,
		"sheetName": sheetName,
	})
}

// ImportRemoteBatch pulls one remote batch into a new, uncommitted import.
// Records that match an existing record by dedupe key take its id and keep
// its days and classes. An empty name selects the first listed batch.
func (s *Session) ImportRemoteBatch(ctx context.Context, name string) (Import, error) {
	if name == "" {
		names, err := s.remote.ListRemoteBatches(ctx)
		if err != nil {
			return Import{}, err
		}
		if len(names) == 0 {
			return Import{}, ErrNoBatches
		}
		name = names[0]
	}
	raws, err := s.remote.PullBatch(ctx, name)
	if err != nil {
		return Import{}, err
	}

	s.mu.Lock()
	byKey := make(map[string]record.Record, len(s.records))
	for _, r := range s.records {
		byKey[r.DedupeKey] = r
	}
	s.mu.Unlock()

	staged := record.Deduplicate(record.NormalizeAll(raws))
	for i, r := range staged {
		if existing, ok := byKey[r.DedupeKey]; ok {
			staged[i] = record.MergeSchedule(existing, r)
		}
	}
	staged = record.AssignMissingIDs(staged)

	imp := Import{
		ID:       fmt.Sprintf("cloud-%d", s.now().UnixMilli()),
		Name:     "Cloud:" + name,
		Students: staged,
	}
	s.History.Add(imp)
	s.logger.Printf("Staged %d records from batch %s", len(staged), name)
	return imp, nil
}

// Today returns the records scheduled on day, a weekday label such as "월".
func (s *Session) Today(ctx context.Context, day string) []record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []record.Record
	for _, r := range s.records {
		if record.IsScheduledOn(r, day) {
			out = append(out, r.Clone())
		}
	}
	return out
}
