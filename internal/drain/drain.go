// Package drain delivers queued outbox jobs to the remote endpoint.
//
// A Coordinator runs one pass at a time. Passes are started by:
//   - the interval ticker in Run
//   - Trigger, for focus-regain and other "try now" signals
//   - ScheduleAfterFailure, a debounced timer armed after a failed send
//   - DrainNow, the blocking form used by the CLI and Flush
//
// Requests that arrive while a pass is in flight coalesce into it instead of
// starting a second, overlapping pass.
package drain

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/impact7/attend/internal/db"
	"github.com/impact7/attend/internal/gateway"
)

// Outbox is the queue a Coordinator drains.
type Outbox interface {
	GetPending(ctx context.Context, limit int) ([]db.Job, error)
	MarkSent(ctx context.Context, ids ...int64) error
	MarkFailed(ctx context.Context, id int64, cause error) error
	PendingCount(ctx context.Context) (int, error)
}

// Deliverer sends one payload.
type Deliverer interface {
	Deliver(ctx context.Context, payload []byte) (gateway.Outcome, error)
}

// Config holds configuration for a Coordinator.
type Config struct {
	// Interval between periodic passes in Run.
	Interval time.Duration

	// FailureDelay is how long ScheduleAfterFailure waits before a pass.
	// Repeated calls within the window share one timer.
	FailureDelay time.Duration

	// BackoffBase is the wait before the first retry; it doubles per retry.
	BackoffBase time.Duration

	// MaxBackoff caps a single backoff wait (0 = uncapped).
	MaxBackoff time.Duration

	// BatchSize bounds the jobs fetched per pass (0 = outbox default).
	BatchSize int

	// Logger for drain activity
	Logger *log.Logger

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns the standard timings.
func DefaultConfig() *Config {
	return &Config{
		Interval:     30 * time.Second,
		FailureDelay: 5 * time.Second,
		BackoffBase:  time.Second,
		MaxBackoff:   time.Minute,
		Logger:       log.New(os.Stderr, "[drain] ", log.LstdFlags),
		Sleep:        sleepContext,
	}
}

// Result summarizes one pass.
type Result struct {
	Delivered int
	Failed    int
	// Pending is the outbox pending count after the pass.
	Pending int
}

// Coordinator drives outbox delivery.
type Coordinator struct {
	outbox  Outbox
	gateway Deliverer
	config  *Config

	mu           sync.Mutex
	current      *pass
	failureTimer *time.Timer
	running      bool
	listeners    []func(Result)

	trigger chan struct{}
}

type pass struct {
	done   chan struct{}
	result Result
	err    error
}

// New returns a Coordinator. A nil config uses DefaultConfig.
func New(outbox Outbox, gw Deliverer, config *Config) (*Coordinator, error) {
	if outbox == nil {
		return nil, fmt.Errorf("outbox cannot be nil")
	}
	if gw == nil {
		return nil, fmt.Errorf("gateway cannot be nil")
	}
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.FailureDelay <= 0 {
		config.FailureDelay = defaults.FailureDelay
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = defaults.BackoffBase
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Sleep == nil {
		config.Sleep = sleepContext
	}
	return &Coordinator{
		outbox:  outbox,
		gateway: gw,
		config:  config,
		trigger: make(chan struct{}, 1),
	}, nil
}

// OnPass registers fn to be called after every completed pass.
func (c *Coordinator) OnPass(fn func(Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Backoff returns the wait before an attempt of a job that has already
// failed retries times: base * 2^(retries-1), or 0 for a first attempt.
func Backoff(base time.Duration, retries int) time.Duration {
	if retries <= 0 {
		return 0
	}
	if retries > 30 {
		retries = 30
	}
	return base * time.Duration(1<<(retries-1))
}

// Run drains once, then on every tick and trigger until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	c.config.Logger.Println("Starting drain loop")
	c.runPass(ctx)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.config.Logger.Println("Drain loop stopped")
			return nil
		case <-ticker.C:
			c.runPass(ctx)
		case <-c.trigger:
			c.runPass(ctx)
		}
	}
}

func (c *Coordinator) runPass(ctx context.Context) {
	res, err := c.DrainNow(ctx)
	if err != nil && ctx.Err() == nil {
		c.config.Logger.Printf("Error draining outbox: %v", err)
		return
	}
	if res.Delivered > 0 || res.Failed > 0 {
		c.config.Logger.Printf("Drain pass: %d delivered, %d failed, %d pending", res.Delivered, res.Failed, res.Pending)
	}
}

// Trigger requests a pass from Run without blocking. A request made while a
// pass is in flight is coalesced into that pass and dropped; requests made
// while one is already queued are merged. Without a running loop the request
// starts a background pass instead.
func (c *Coordinator) Trigger() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		return
	}
	if !c.running {
		go c.runPass(context.Background())
		return
	}
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// ScheduleAfterFailure arms the failure timer. Calls while it is armed are
// no-ops, so a burst of failures produces one pass.
func (c *Coordinator) ScheduleAfterFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failureTimer != nil {
		return
	}
	c.failureTimer = time.AfterFunc(c.config.FailureDelay, func() {
		c.mu.Lock()
		c.failureTimer = nil
		c.mu.Unlock()
		c.Trigger()
	})
}

// Stop disarms the failure timer.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failureTimer != nil {
		c.failureTimer.Stop()
		c.failureTimer = nil
	}
}

// DrainNow runs a pass and returns its result. If a pass is already in
// flight it waits for that pass and returns its result instead.
func (c *Coordinator) DrainNow(ctx context.Context) (Result, error) {
	c.mu.Lock()
	if p := c.current; p != nil {
		c.mu.Unlock()
		select {
		case <-p.done:
			return p.result, p.err
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	p := &pass{done: make(chan struct{})}
	c.current = p
	// A queued request is served by this pass.
	select {
	case <-c.trigger:
	default:
	}
	c.mu.Unlock()

	p.result, p.err = c.drain(ctx)

	c.mu.Lock()
	c.current = nil
	listeners := append([]func(Result){}, c.listeners...)
	c.mu.Unlock()
	close(p.done)

	if p.err == nil {
		for _, fn := range listeners {
			fn(p.result)
		}
	}
	return p.result, p.err
}

func (c *Coordinator) drain(ctx context.Context) (Result, error) {
	var res Result

	jobs, err := c.outbox.GetPending(ctx, c.config.BatchSize)
	if err != nil {
		return res, fmt.Errorf("failed to load pending jobs: %w", err)
	}

	for _, job := range jobs {
		if wait := c.backoff(job.Retries); wait > 0 {
			if err := c.config.Sleep(ctx, wait); err != nil {
				return res, err
			}
		}

		outcome, derr := c.gateway.Deliver(ctx, job.Payload)
		if outcome == gateway.Delivered {
			if err := c.outbox.MarkSent(ctx, job.ID); err != nil {
				return res, fmt.Errorf("failed to mark job %d sent: %w", job.ID, err)
			}
			res.Delivered++
			continue
		}

		if derr == nil {
			derr = fmt.Errorf("delivery %s", outcome)
		}
		if err := c.outbox.MarkFailed(ctx, job.ID, derr); err != nil {
			return res, fmt.Errorf("failed to mark job %d failed: %w", job.ID, err)
		}
		res.Failed++
		c.config.Logger.Printf("Warning: job %d not delivered (%s): %v", job.ID, outcome, derr)
	}

	pending, err := c.outbox.PendingCount(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	res.Pending = pending
	return res, nil
}

// Retune replaces the retry timings. Zero values keep the current setting.
// It takes effect from the next job or failure timer.
func (c *Coordinator) Retune(failureDelay, backoffBase, maxBackoff time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if failureDelay > 0 {
		c.config.FailureDelay = failureDelay
	}
	if backoffBase > 0 {
		c.config.BackoffBase = backoffBase
	}
	if maxBackoff > 0 {
		c.config.MaxBackoff = maxBackoff
	}
}

func (c *Coordinator) backoff(retries int) time.Duration {
	c.mu.Lock()
	base, ceiling := c.config.BackoffBase, c.config.MaxBackoff
	c.mu.Unlock()

	d := Backoff(base, retries)
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
