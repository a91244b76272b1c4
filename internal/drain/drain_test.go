package drain

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/impact7/attend/internal/db"
	"github.com/impact7/attend/internal/gateway"
)

// fakeGateway returns scripted outcomes and records delivered payloads.
type fakeGateway struct {
	mu       sync.Mutex
	outcome  gateway.Outcome
	payloads []string
	block    chan struct{}
}

func (g *fakeGateway) Deliver(ctx context.Context, payload []byte) (gateway.Outcome, error) {
	if g.block != nil {
		<-g.block
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payloads = append(g.payloads, string(payload))
	if g.outcome != gateway.Delivered {
		return g.outcome, errors.New("offline")
	}
	return gateway.Delivered, nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.payloads)
}

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

func testConfig(sleeps *[]time.Duration) *Config {
	var mu sync.Mutex
	return &Config{
		Interval:     time.Hour,
		FailureDelay: 20 * time.Millisecond,
		BackoffBase:  time.Second,
		Logger:       log.New(io.Discard, "", 0),
		Sleep: func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			defer mu.Unlock()
			if sleeps != nil {
				*sleeps = append(*sleeps, d)
			}
			return ctx.Err()
		},
	}
}

func enqueue(t *testing.T, store *db.DB, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		if _, err := store.Enqueue(context.Background(), []byte(p), ""); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(time.Second, tt.retries); got != tt.want {
			t.Errorf("Backoff(1s, %d) = %v, want %v", tt.retries, got, tt.want)
		}
	}
}

func TestDrainNow_DeliversInOrder(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	enqueue(t, store, `{"n":1}`, `{"n":2}`, `{"n":3}`)

	gw := &fakeGateway{}
	c, err := New(store, gw, testConfig(nil))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	var notified []Result
	c.OnPass(func(r Result) { notified = append(notified, r) })

	res, err := c.DrainNow(ctx)
	if err != nil {
		t.Fatalf("DrainNow failed: %v", err)
	}
	if res.Delivered != 3 || res.Failed != 0 || res.Pending != 0 {
		t.Errorf("Result = %+v", res)
	}
	want := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}
	for i, p := range gw.payloads {
		if p != want[i] {
			t.Errorf("payload[%d] = %s, want %s", i, p, want[i])
		}
	}
	if jobs, _ := store.DumpJobs(ctx); len(jobs) != 0 {
		t.Errorf("jobs left after drain: %+v", jobs)
	}
	if len(notified) != 1 || notified[0] != res {
		t.Errorf("listeners got %+v", notified)
	}
}

func TestDrainNow_FailuresBackOff(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	enqueue(t, store, `{"n":1}`, `{"n":2}`, `{"n":3}`)

	var sleeps []time.Duration
	gw := &fakeGateway{outcome: gateway.TransportFailure}
	c, _ := New(store, gw, testConfig(&sleeps))

	res, err := c.DrainNow(ctx)
	if err != nil {
		t.Fatalf("DrainNow failed: %v", err)
	}
	if res.Failed != 3 || res.Pending != 3 {
		t.Errorf("first pass Result = %+v", res)
	}
	if len(sleeps) != 0 {
		t.Errorf("first attempts slept: %v", sleeps)
	}

	jobs, _ := store.DumpJobs(ctx)
	for _, j := range jobs {
		if j.Retries != 1 || j.Status != db.JobPending {
			t.Errorf("job %d = %s/%d, want pending/1", j.ID, j.Status, j.Retries)
		}
		if j.LastError != "offline" {
			t.Errorf("job %d LastError = %q", j.ID, j.LastError)
		}
	}

	if _, err := c.DrainNow(ctx); err != nil {
		t.Fatalf("second DrainNow failed: %v", err)
	}
	if len(sleeps) != 3 || sleeps[0] != time.Second {
		t.Errorf("second pass sleeps = %v, want three 1s waits", sleeps)
	}
}

func TestDrainNow_CeilingExhaustsJob(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	enqueue(t, store, `{"n":1}`)

	gw := &fakeGateway{outcome: gateway.Timeout}
	c, _ := New(store, gw, testConfig(nil))

	ceiling := store.OutboxOptions().MaxRetries
	for i := 0; i < ceiling+2; i++ {
		if _, err := c.DrainNow(ctx); err != nil {
			t.Fatalf("DrainNow failed: %v", err)
		}
	}
	if gw.calls() != ceiling {
		t.Errorf("delivery attempts = %d, want %d", gw.calls(), ceiling)
	}
	jobs, _ := store.DumpJobs(ctx)
	if len(jobs) != 1 || jobs[0].Status != db.JobFailed {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestDrainNow_Coalesces(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	enqueue(t, store, `{"n":1}`)

	gw := &fakeGateway{block: make(chan struct{})}
	c, _ := New(store, gw, testConfig(nil))

	var wg sync.WaitGroup
	results := make([]Result, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = c.DrainNow(ctx)
	}()

	// Wait for the first pass to be in flight.
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		inFlight := c.current != nil
		c.mu.Unlock()
		if inFlight {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first pass never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = c.DrainNow(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	close(gw.block)
	wg.Wait()

	if gw.calls() != 1 {
		t.Errorf("Deliver called %d times, want 1", gw.calls())
	}
	if results[0] != results[1] || results[0].Delivered != 1 {
		t.Errorf("results = %+v", results)
	}
}

func TestScheduleAfterFailure_Debounced(t *testing.T) {
	store := setupStore(t)
	enqueue(t, store, `{"n":1}`)

	gw := &fakeGateway{}
	c, _ := New(store, gw, testConfig(nil))
	var passes int32
	c.OnPass(func(Result) { atomic.AddInt32(&passes, 1) })

	for i := 0; i < 5; i++ {
		c.ScheduleAfterFailure()
	}
	time.Sleep(300 * time.Millisecond)

	if got := atomic.LoadInt32(&passes); got != 1 {
		t.Errorf("passes = %d, want 1", got)
	}
	if gw.calls() != 1 {
		t.Errorf("Deliver calls = %d, want 1", gw.calls())
	}
}

func TestRun_TriggerAndStop(t *testing.T) {
	store := setupStore(t)
	gw := &fakeGateway{}
	c, _ := New(store, gw, testConfig(nil))

	passes := make(chan Result, 10)
	c.OnPass(func(r Result) { passes <- r })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Initial pass on start.
	select {
	case <-passes:
	case <-time.After(2 * time.Second):
		t.Fatal("no initial pass")
	}

	enqueue(t, store, `{"n":1}`)
	c.Trigger()
	select {
	case r := <-passes:
		if r.Delivered != 1 {
			t.Errorf("triggered pass = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Trigger did not start a pass")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRun_TriggerDuringPassIsCoalesced(t *testing.T) {
	store := setupStore(t)
	enqueue(t, store, `{"n":1}`)
	gw := &fakeGateway{block: make(chan struct{})}
	c, _ := New(store, gw, testConfig(nil))

	passes := make(chan Result, 10)
	c.OnPass(func(r Result) { passes <- r })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// The initial pass blocks in Deliver.
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		inFlight := c.current != nil
		c.mu.Unlock()
		if inFlight {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("initial pass never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.Trigger()
	c.Trigger()
	close(gw.block)

	select {
	case r := <-passes:
		if r.Delivered != 1 {
			t.Errorf("initial pass = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("initial pass did not finish")
	}

	select {
	case r := <-passes:
		t.Errorf("trigger during the pass started another pass: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}

	// A trigger after the pass is still served.
	c.Trigger()
	select {
	case <-passes:
	case <-time.After(2 * time.Second):
		t.Fatal("Trigger after the pass did not start one")
	}
	if gw.calls() != 1 {
		t.Errorf("Deliver called %d times, want 1", gw.calls())
	}
}

func TestNew_Validates(t *testing.T) {
	if _, err := New(nil, &fakeGateway{}, nil); err == nil {
		t.Error("New accepted nil outbox")
	}
}

func TestRetune(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	enqueue(t, store, `{"n":1}`)

	var sleeps []time.Duration
	gw := &fakeGateway{outcome: gateway.TransportFailure}
	c, _ := New(store, gw, testConfig(&sleeps))

	for i := 0; i < 3; i++ {
		if _, err := c.DrainNow(ctx); err != nil {
			t.Fatalf("DrainNow failed: %v", err)
		}
	}
	c.Retune(0, 10*time.Second, 15*time.Second)
	if _, err := c.DrainNow(ctx); err != nil {
		t.Fatalf("DrainNow failed: %v", err)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 15 * time.Second}
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Errorf("sleeps = %v, want %v", sleeps, want)
			break
		}
	}
}
