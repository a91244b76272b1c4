package migrate

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/impact7/attend/internal/db"
)

func setupStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "attend.db"), db.Options{
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("db.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestMigrateLegacy_Sessions(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	legacy := NewMapStorage(map[string]string{
		KeySessions: `[{"name":"Kim","classes":"A,B"}]`,
	})

	res, err := NewRunner(legacy, store, quietLogger()).MigrateLegacy(ctx)
	if err != nil {
		t.Fatalf("MigrateLegacy failed: %v", err)
	}
	if !res.Migrated || res.RecordCount != 1 {
		t.Errorf("Result = %+v", res)
	}

	all, err := store.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("store has %d records, want 1", len(all))
	}
	if !reflect.DeepEqual(all[0].Classes, []string{"A", "B"}) {
		t.Errorf("Classes = %q", all[0].Classes)
	}
	if all[0].ID == "" {
		t.Error("migrated record has no id")
	}
	if _, ok, _ := legacy.Get(KeySessions); ok {
		t.Error("legacy sessions key still present")
	}
}

func TestMigrateLegacy_Twice(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	legacy := NewMapStorage(map[string]string{
		KeySessions: `[{"id":"1","name":"Kim","classes":"A"},{"id":"2","name":"Lee","classes":"B"}]`,
	})
	runner := NewRunner(legacy, store, quietLogger())

	if _, err := runner.MigrateLegacy(ctx); err != nil {
		t.Fatalf("first MigrateLegacy failed: %v", err)
	}

	// Put the key back; the flag must still prevent a second import.
	legacy2 := NewMapStorage(map[string]string{
		KeySessions: `[{"id":"3","name":"Park","classes":"C"}]`,
	})
	res, err := NewRunner(legacy2, store, quietLogger()).MigrateLegacy(ctx)
	if err != nil {
		t.Fatalf("second MigrateLegacy failed: %v", err)
	}
	if res.Migrated || res.RecordCount != 0 {
		t.Errorf("second Result = %+v, want zero", res)
	}
	if n, _ := store.Count(ctx); n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
	if legacy2.Len() != 1 {
		t.Error("second run touched legacy storage")
	}
}

func TestMigrateLegacy_DedupesAndKeepsLatest(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	legacy := NewMapStorage(map[string]string{
		KeySessions: `[
			{"name":"Kim","classes":"A","status":"late","updatedAt":"2024-01-01T00:00:00Z"},
			{"name":"Kim","classes":["A"],"status":"absent","updatedAt":"2024-02-01T00:00:00Z"}
		]`,
	})

	res, err := NewRunner(legacy, store, quietLogger()).MigrateLegacy(ctx)
	if err != nil {
		t.Fatalf("MigrateLegacy failed: %v", err)
	}
	if res.RecordCount != 1 {
		t.Errorf("RecordCount = %d, want 1", res.RecordCount)
	}
	all, _ := store.GetAll(ctx)
	if len(all) != 1 || all[0].Status != "absent" {
		t.Errorf("records = %+v", all)
	}
}

func TestMigrateLegacy_ParseErrorSkipsKey(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	legacy := NewMapStorage(map[string]string{
		KeySessions: `{not json`,
		KeyHistory:  `[{"id":"imp-1","name":"March"}]`,
		KeyFilters:  `{"class":"M1","departments":[]}`,
		KeyPinned:   `true`,
	})

	res, err := NewRunner(legacy, store, quietLogger()).MigrateLegacy(ctx)
	if err != nil {
		t.Fatalf("MigrateLegacy failed: %v", err)
	}
	if !res.Migrated || !reflect.DeepEqual(res.Skipped, []string{KeySessions}) {
		t.Errorf("Result = %+v", res)
	}
	if _, ok, _ := legacy.Get(KeySessions); !ok {
		t.Error("unparseable key was removed")
	}
	if legacy.Len() != 1 {
		t.Errorf("legacy keys left = %d, want 1", legacy.Len())
	}

	var history []map[string]any
	if ok, err := store.GetMeta(ctx, db.MetaImportHistory, &history); !ok || err != nil || len(history) != 1 {
		t.Errorf("history = %v, %v, %v", history, ok, err)
	}
	var filters map[string]any
	if ok, _ := store.GetMeta(ctx, db.MetaFilters, &filters); !ok || filters["class"] != "M1" {
		t.Errorf("filters = %v", filters)
	}
	var pinned bool
	if ok, _ := store.GetMeta(ctx, db.MetaPinned, &pinned); !ok || !pinned {
		t.Errorf("pinned = %v", pinned)
	}
}

func TestMigrateLegacy_NothingToMigrate(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	res, err := NewRunner(NewMapStorage(nil), store, quietLogger()).MigrateLegacy(ctx)
	if err != nil {
		t.Fatalf("MigrateLegacy failed: %v", err)
	}
	if !res.Migrated || res.RecordCount != 0 {
		t.Errorf("Result = %+v", res)
	}
	var flag bool
	if ok, _ := store.GetMeta(ctx, db.MetaMigrated, &flag); !ok || !flag {
		t.Error("migration flag not set")
	}
}

func TestDirStorage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, KeyPinned), []byte("false"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	s := DirStorage{Dir: dir}

	v, ok, err := s.Get(KeyPinned)
	if err != nil || !ok || v != "false" {
		t.Fatalf("Get = %q, %v, %v", v, ok, err)
	}
	if _, ok, _ := s.Get(KeySessions); ok {
		t.Error("missing key reported present")
	}
	if err := s.Remove(KeyPinned); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := s.Remove(KeyPinned); err != nil {
		t.Errorf("second Remove failed: %v", err)
	}
	if _, _, err := s.Get("../etc"); err == nil {
		t.Error("Get accepted a path-escaping key")
	}
}
