// Package gateway talks to the GAS web app that fronts the attendance
// spreadsheet.
//
// Writes are fire-and-forget: the web app is reached in a mode where the
// response is opaque, so a write counts as delivered as soon as any HTTP
// response arrives. Only transport failures and timeouts are reported back.
// Reads (pull, list, batch) return JSON and are validated before use.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// DefaultTimeout bounds a single delivery or pull attempt.
const DefaultTimeout = 15 * time.Second

// Outcome is the result of one delivery attempt.
type Outcome int

const (
	Delivered Outcome = iota
	TransportFailure
	Timeout
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case TransportFailure:
		return "transport_failure"
	case Timeout:
		return "timeout"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// SyncError reports a read from the remote that could not be used.
type SyncError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *SyncError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: http %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Options configures a Client.
type Options struct {
	// HTTPClient defaults to a client without its own timeout; attempts are
	// bounded by Timeout through the request context instead.
	HTTPClient *http.Client

	// Timeout per attempt. Defaults to DefaultTimeout.
	Timeout time.Duration

	// Logger defaults to stderr with a "[gateway] " prefix.
	Logger *log.Logger
}

// Client is a GAS endpoint client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     *log.Logger
	validator  *validator
}

// New returns a client for the web app at baseURL.
func New(baseURL string, opts Options) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("gateway: base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("gateway: invalid base URL: %w", err)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[gateway] ", log.LstdFlags)
	}
	v, err := newValidator()
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: opts.HTTPClient,
		timeout:    opts.Timeout,
		logger:     opts.Logger,
		validator:  v,
	}, nil
}

// BaseURL returns the endpoint URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Envelope wraps a JSON object payload as {date, timestamp, ...payload}.
// Keys in the payload win, except that an empty or missing date falls back
// to the UTC calendar date of now.
func Envelope(payload []byte, now time.Time) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if fields == nil {
		return nil, errors.New("payload must be a JSON object")
	}

	out := map[string]json.RawMessage{
		"timestamp": mustString(now.UTC().Format("2006-01-02T15:04:05.000Z07:00")),
	}
	for k, v := range fields {
		out[k] = v
	}
	var date string
	if raw, ok := fields["date"]; !ok || json.Unmarshal(raw, &date) != nil || date == "" {
		out["date"] = mustString(now.UTC().Format("2006-01-02"))
	}
	return json.Marshal(out)
}

// Deliver posts one payload exactly as queued; callers envelope it before
// it enters the outbox. The response status and body are not inspected; any
// response is Delivered.
func (c *Client) Deliver(ctx context.Context, payload []byte) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return TransportFailure, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Timeout, err
		}
		return TransportFailure, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return Delivered, nil
}

// Pull fetches the full remote collection as raw records.
func (c *Client) Pull(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	if err := c.getJSON(ctx, "pull", nil, c.validator.records, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PullBatch fetches one named import batch (a sheet tab) as raw records.
func (c *Client) PullBatch(ctx context.Context, name string) ([]map[string]any, error) {
	q := url.Values{}
	q.Set("sheetName", name)
	var out []map[string]any
	if err := c.getJSON(ctx, "pull batch "+name, q, c.validator.records, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListRemoteBatches lists the import batch names, most recent first.
func (c *Client) ListRemoteBatches(ctx context.Context) ([]string, error) {
	q := url.Values{}
	q.Set("mode", "list")
	var out []string
	if err := c.getJSON(ctx, "list batches", q, c.validator.names, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, op string, query url.Values, schema shape, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.baseURL
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return &SyncError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &SyncError{Op: op, Err: err}
	}
	data, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return &SyncError{Op: op, Err: readErr}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &SyncError{Op: op, StatusCode: resp.StatusCode, Err: errors.New("unexpected status")}
	}

	if err := schema.validate(data); err != nil {
		c.logger.Printf("Warning: %s returned an unexpected shape: %v", op, err)
		return &SyncError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &SyncError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	return nil
}

func mustString(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}
