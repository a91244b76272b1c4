// Package loadtest exercises the store and outbox under concurrent use.
//
// It simulates many UI sessions writing at once: each client enqueues
// payloads while drain passes run alongside, and readers query the schedule
// index while the record set is rewritten. The checks are that every
// payload is delivered exactly once and that readers never observe a
// half-written record.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/impact7/attend/internal/db"
	"github.com/impact7/attend/internal/drain"
	"github.com/impact7/attend/internal/gateway"
	"github.com/impact7/attend/internal/record"
)

// TestDatabase is a populated database for load testing.
type TestDatabase struct {
	DB        *db.DB
	RecordIDs []string
	Days      map[string]int
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration
	P95        time.Duration
	P99        time.Duration
	Operations int
	Errors     int
	Durations  []time.Duration
}

// SendStats reports a RunConcurrentSends run.
type SendStats struct {
	Enqueue *LatencyStats
	Passes  int
	Elapsed time.Duration
}

// CreateTestDatabase opens a database at dbPath and fills it with numRecords
// records spread over classes, grades and weekdays.
func CreateTestDatabase(ctx context.Context, dbPath string, numRecords int, logger *log.Logger) (*TestDatabase, error) {
	database, err := db.Open(ctx, dbPath, db.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	records := generateRecords(numRecords)
	if _, err := database.BulkUpsert(ctx, records, nil); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to insert records: %w", err)
	}

	td := &TestDatabase{
		DB:        database,
		RecordIDs: make([]string, 0, numRecords),
		Days:      make(map[string]int),
	}
	for _, r := range records {
		td.RecordIDs = append(td.RecordIDs, r.ID)
		for _, d := range r.AttendanceDays {
			td.Days[d]++
		}
	}
	return td, nil
}

// Close closes the test database connection.
func (td *TestDatabase) Close() error {
	if td.DB != nil {
		return td.DB.Close()
	}
	return nil
}

var (
	weekdays = []string{"월", "화", "수", "목", "금"}
	schools  = []string{"한빛초", "한빛중", "한빛고"}
	classes  = []string{"A1", "A2", "B1", "B2", "M1"}
	statuses = []record.Status{record.StatusWaiting, record.StatusAttendance, record.StatusLate, record.StatusAbsent}
)

// generateRecords builds count records with two attendance days each.
// The generator is seeded so runs are reproducible.
func generateRecords(count int) []record.Record {
	rng := rand.New(rand.NewSource(42))
	out := make([]record.Record, count)
	for i := 0; i < count; i++ {
		first := rng.Intn(len(weekdays))
		second := (first + 2) % len(weekdays)
		out[i] = record.Normalize(map[string]any{
			"id":             fmt.Sprintf("load-%05d", i),
			"name":           fmt.Sprintf("Student %d", i),
			"classes":        classes[i%len(classes)],
			"schoolName":     schools[i%len(schools)],
			"grade":          fmt.Sprintf("%d", 1+i%3),
			"attendanceDays": []any{weekdays[first], weekdays[second]},
			"attendanceTime": fmt.Sprintf("%02d:00", 14+i%5),
			"status":         string(statuses[i%len(statuses)]),
		})
	}
	return out
}

// CountingDeliverer accepts every payload and counts deliveries per
// payload "seq" field.
type CountingDeliverer struct {
	mu     sync.Mutex
	counts map[string]int
	total  int
}

// NewCountingDeliverer returns an empty CountingDeliverer.
func NewCountingDeliverer() *CountingDeliverer {
	return &CountingDeliverer{counts: make(map[string]int)}
}

func (d *CountingDeliverer) Deliver(ctx context.Context, payload []byte) (gateway.Outcome, error) {
	var body struct {
		Seq string `json:"seq"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return gateway.TransportFailure, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts[body.Seq]++
	d.total++
	return gateway.Delivered, nil
}

// Duplicates returns the sequence keys delivered more than once.
func (d *CountingDeliverer) Duplicates() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for k, n := range d.counts {
		if n > 1 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Distinct returns the number of distinct payloads delivered.
func (d *CountingDeliverer) Distinct() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.counts)
}

// Total returns the number of deliveries.
func (d *CountingDeliverer) Total() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

// RunConcurrentSends has numClients goroutines enqueue sendsPerClient
// payloads each while a drain pass runs after every enqueue. When the
// clients finish the outbox is drained until empty.
func (td *TestDatabase) RunConcurrentSends(ctx context.Context, numClients, sendsPerClient int, deliverer drain.Deliverer) (*SendStats, error) {
	coord, err := drain.New(td.DB, deliverer, &drain.Config{
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var wg sync.WaitGroup
	results := make(chan []time.Duration, numClients)
	errs := make(chan error, numClients)
	var passes sync.WaitGroup
	var passCount int
	var passMu sync.Mutex

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(client int) {
			defer wg.Done()
			durations := make([]time.Duration, 0, sendsPerClient)
			for j := 0; j < sendsPerClient; j++ {
				payload := fmt.Sprintf(`{"seq":"%d-%d","recordId":%q}`, client, j, td.pick(client+j))
				t0 := time.Now()
				_, err := td.DB.Enqueue(ctx, []byte(payload), td.pick(client+j))
				durations = append(durations, time.Since(t0))
				if err != nil {
					errs <- fmt.Errorf("client %d send %d failed: %w", client, j, err)
					return
				}

				passes.Add(1)
				go func() {
					defer passes.Done()
					if _, err := coord.DrainNow(ctx); err == nil {
						passMu.Lock()
						passCount++
						passMu.Unlock()
					}
				}()
			}
			results <- durations
		}(i)
	}

	wg.Wait()
	passes.Wait()
	close(results)
	close(errs)

	var all []time.Duration
	for d := range results {
		all = append(all, d...)
	}
	errorCount := 0
	for range errs {
		errorCount++
	}

	for {
		res, err := coord.DrainNow(ctx)
		if err != nil {
			return nil, fmt.Errorf("final drain failed: %w", err)
		}
		passCount++
		if res.Pending == 0 {
			break
		}
	}

	stats := computeLatencyStats(all)
	stats.Errors = errorCount
	return &SendStats{
		Enqueue: stats,
		Passes:  passCount,
		Elapsed: time.Since(start),
	}, nil
}

func (td *TestDatabase) pick(i int) string {
	if len(td.RecordIDs) == 0 {
		return ""
	}
	return td.RecordIDs[i%len(td.RecordIDs)]
}

// VerifyNoRaceConditions runs numReaders schedule queries in a loop while a
// writer keeps rewriting statuses, for the given duration. Readers fail on
// any record that is not fully shaped.
func (td *TestDatabase) VerifyNoRaceConditions(numReaders int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, numReaders+1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		prev, err := td.DB.GetAll(ctx)
		if err != nil {
			errs <- fmt.Errorf("writer load failed: %w", err)
			return
		}
		for round := 1; ctx.Err() == nil; round++ {
			next := make([]record.Record, len(prev))
			for i, r := range prev {
				next[i] = record.WithStatus(r, statuses[(i+round)%len(statuses)])
			}
			if _, err := td.DB.BulkUpsert(ctx, next, prev); err != nil {
				if ctx.Err() == nil {
					errs <- fmt.Errorf("writer round %d failed: %w", round, err)
				}
				return
			}
			prev = next
		}
	}()

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(reader int) {
			defer wg.Done()
			for ctx.Err() == nil {
				day := weekdays[reader%len(weekdays)]
				rs, err := td.DB.GetScheduledOn(ctx, day)
				if err != nil {
					if ctx.Err() == nil {
						errs <- fmt.Errorf("reader %d query failed: %w", reader, err)
					}
					return
				}
				if want := td.Days[day]; len(rs) != want {
					errs <- fmt.Errorf("reader %d saw %d records on %s, want %d", reader, len(rs), day, want)
					return
				}
				for _, r := range rs {
					if r.ID == "" || !r.Status.Valid() || len(r.Classes) == 0 {
						errs <- fmt.Errorf("reader %d found a malformed record: %+v", reader, r)
						return
					}
				}
				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(durations)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		Operations: len(durations),
		Durations:  sorted,
	}
}

// PrintStats formats and prints latency statistics.
func (s *LatencyStats) PrintStats() {
	fmt.Printf("Latency Statistics:\n")
	fmt.Printf("  Operations:    %d\n", s.Operations)
	fmt.Printf("  Errors:        %d\n", s.Errors)
	fmt.Printf("  Min:           %v\n", s.Min)
	fmt.Printf("  P50 (Median):  %v\n", s.P50)
	fmt.Printf("  Mean:          %v\n", s.Mean)
	fmt.Printf("  P95:           %v\n", s.P95)
	fmt.Printf("  P99:           %v\n", s.P99)
	fmt.Printf("  Max:           %v\n", s.Max)
}
