package db

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"
)

func TestEnqueue_DurableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := testDBPath(t)

	db := openTestDB(t, path)
	id, err := db.Enqueue(ctx, []byte(`{"id":"s1","status":"late"}`), "s1")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	again := openTestDB(t, path)
	jobs, err := again.GetPending(ctx, 0)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != id || jobs[0].RecordID != "s1" {
		t.Fatalf("jobs after reopen = %+v", jobs)
	}
	if string(jobs[0].Payload) != `{"id":"s1","status":"late"}` {
		t.Errorf("Payload = %s", jobs[0].Payload)
	}
	if jobs[0].Status != JobPending || jobs[0].Retries != 0 {
		t.Errorf("job state = %s/%d", jobs[0].Status, jobs[0].Retries)
	}
}

func TestEnqueue_RejectsInvalidJSON(t *testing.T) {
	db := openTestDB(t, testDBPath(t))
	if _, err := db.Enqueue(context.Background(), []byte(`{oops`), ""); err == nil {
		t.Error("Enqueue accepted invalid JSON")
	}
}

func TestEnqueue_MonotonicIDs(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, testDBPath(t))

	var last int64
	for i := 0; i < 5; i++ {
		id, err := db.Enqueue(ctx, []byte(`{}`), "")
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if id <= last {
			t.Fatalf("id %d not greater than %d", id, last)
		}
		last = id
	}
	if err := db.MarkSent(ctx, last); err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}
	id, _ := db.Enqueue(ctx, []byte(`{}`), "")
	if id <= last {
		t.Errorf("id %d reused after delete (last %d)", id, last)
	}
}

func TestMarkFailed_BelowCeilingThenSuccess(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, testDBPath(t))
	ceiling := db.OutboxOptions().MaxRetries

	id, err := db.Enqueue(ctx, []byte(`{"n":1}`), "")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	for i := 0; i < ceiling-1; i++ {
		if err := db.MarkFailed(ctx, id, errors.New("offline")); err != nil {
			t.Fatalf("MarkFailed failed: %v", err)
		}
	}

	jobs, _ := db.GetPending(ctx, 0)
	if len(jobs) != 1 || jobs[0].Status != JobPending || jobs[0].Retries != ceiling-1 {
		t.Fatalf("jobs = %+v", jobs)
	}
	if jobs[0].LastError != "offline" {
		t.Errorf("LastError = %q", jobs[0].LastError)
	}

	if err := db.MarkSent(ctx, id); err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}
	all, _ := db.DumpJobs(ctx)
	if len(all) != 0 {
		t.Errorf("job still present after MarkSent: %+v", all)
	}
	if err := db.MarkSent(ctx, id); err != nil {
		t.Errorf("MarkSent not idempotent: %v", err)
	}
}

func TestMarkFailed_CeilingReached(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, testDBPath(t))
	ceiling := db.OutboxOptions().MaxRetries

	id, _ := db.Enqueue(ctx, []byte(`{"n":1}`), "")
	for i := 0; i < ceiling; i++ {
		if err := db.MarkFailed(ctx, id, errors.New("offline")); err != nil {
			t.Fatalf("MarkFailed failed: %v", err)
		}
	}

	jobs, _ := db.GetPending(ctx, 0)
	if len(jobs) != 0 {
		t.Errorf("GetPending returned exhausted job: %+v", jobs)
	}
	if n, _ := db.PendingCount(ctx); n != 0 {
		t.Errorf("PendingCount = %d, want 0", n)
	}

	all, err := db.DumpJobs(ctx)
	if err != nil {
		t.Fatalf("DumpJobs failed: %v", err)
	}
	if len(all) != 1 || all[0].Status != JobFailed || all[0].Retries != ceiling {
		t.Fatalf("DumpJobs = %+v", all)
	}

	if n, err := db.Requeue(ctx); err != nil || n != 1 {
		t.Fatalf("Requeue = %d, %v", n, err)
	}
	jobs, _ = db.GetPending(ctx, 0)
	if len(jobs) != 1 || jobs[0].Retries != 0 || jobs[0].Status != JobPending {
		t.Errorf("after Requeue jobs = %+v", jobs)
	}
}

func TestMarkFailed_UnknownID(t *testing.T) {
	db := openTestDB(t, testDBPath(t))
	if err := db.MarkFailed(context.Background(), 42, errors.New("x")); err != nil {
		t.Errorf("MarkFailed on unknown id = %v", err)
	}
}

func TestGetPending_OrderAndLimit(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, testDBPath(t), Options{
		Logger: log.New(io.Discard, "", 0),
		Outbox: OutboxOptions{MaxRetries: 1, BatchSize: 3},
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	var ids []int64
	for i := 0; i < 5; i++ {
		id, _ := db.Enqueue(ctx, []byte(`{}`), "")
		ids = append(ids, id)
	}
	// With a ceiling of 1 one failure exhausts the job.
	if err := db.MarkFailed(ctx, ids[0], nil); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	jobs, err := db.GetPending(ctx, 0)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("GetPending returned %d jobs, want batch size 3", len(jobs))
	}
	for i, j := range jobs {
		if j.ID != ids[i+1] {
			t.Errorf("jobs[%d].ID = %d, want %d", i, j.ID, ids[i+1])
		}
	}

	if n, _ := db.PendingCount(ctx); n != 4 {
		t.Errorf("PendingCount = %d, want 4", n)
	}
}

func TestGetPending_PendingBeforeFailed(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, testDBPath(t))

	// Force a job into failed under the ceiling, as an older store might hold.
	first, _ := db.Enqueue(ctx, []byte(`{"n":1}`), "")
	second, _ := db.Enqueue(ctx, []byte(`{"n":2}`), "")
	if _, err := db.conn.Exec(`UPDATE outbox SET status = 'failed', retries = 2 WHERE id = ?`, first); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	jobs, err := db.GetPending(ctx, 10)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != second || jobs[1].ID != first {
		t.Errorf("order = %+v, want pending %d before failed %d", jobs, second, first)
	}
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, testDBPath(t))
	ceiling := db.OutboxOptions().MaxRetries

	failed, _ := db.Enqueue(ctx, []byte(`{}`), "")
	for i := 0; i < ceiling; i++ {
		_ = db.MarkFailed(ctx, failed, errors.New("x"))
	}
	pending, _ := db.Enqueue(ctx, []byte(`{}`), "")

	n, err := db.Purge(ctx, PurgeFilter{Before: time.Now().Add(-time.Hour)})
	if err != nil || n != 0 {
		t.Fatalf("Purge(before an hour ago) = %d, %v; want 0", n, err)
	}

	n, err = db.Purge(ctx, PurgeFilter{})
	if err != nil || n != 1 {
		t.Fatalf("Purge = %d, %v; want 1", n, err)
	}
	all, _ := db.DumpJobs(ctx)
	if len(all) != 1 || all[0].ID != pending {
		t.Errorf("remaining jobs = %+v", all)
	}
}
