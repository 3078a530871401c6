// ABOUTME: HTTP adapter for the spreadsheet-backed booking store
// ABOUTME: Saves bookings through the sheet webhook and reads them back from the sheet URL

package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Messages returned to the assistant. They are phrased for the assistant to
// relay, not for programmatic matching.
const (
	SavedMessage    = "event booking was success"
	NoEventsMessage = "No events are booked yet."
	NotFoundMessage = "No records found with the specified event name."
)

// maxBodyBytes bounds how much of a sheet response is read.
const maxBodyBytes = 4 << 20

// Record is a single event booking as stored in the sheet.
type Record struct {
	EventName        string `json:"event_name"`
	EventTime        string `json:"event_time"`
	EventCoordinator string `json:"event_coordinator"`
	EventLocation    string `json:"event_location"`
	BookedBy         string `json:"booked_by"`
}

// Result is the outcome of a read. Exactly one of Records or Message is set.
type Result struct {
	// Records holds the sheet's JSON body verbatim.
	Records json.RawMessage
	// Message holds a sentinel such as NoEventsMessage when nothing matched.
	Message string
}

// Empty reports whether the read matched nothing.
func (r Result) Empty() bool {
	return r.Message != ""
}

// MarshalJSON encodes the records as-is, or the sentinel as a JSON string.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Empty() {
		return json.Marshal(r.Message)
	}
	return r.Records, nil
}

// StatusError reports a non-200 response from the sheet. Body is kept verbatim.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("Error: %d %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: %d %s", e.Op, e.StatusCode, e.Body)
}

// Config configures the booking client.
type Config struct {
	SheetURL   string
	WebhookURL string
	// Timeout bounds each HTTP round trip. Zero means 15 seconds.
	Timeout time.Duration
	// MaxRetries is how many times a transport failure is retried.
	// Non-200 responses are never retried. Zero disables retries.
	MaxRetries int
}

// Client talks to the sheet webhook and read endpoint.
type Client struct {
	sheetURL   string
	webhookURL string
	maxRetries int
	http       *http.Client
	logger     *slog.Logger
}

// NewClient creates a booking client. httpClient may be nil.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		sheetURL:   cfg.SheetURL,
		webhookURL: cfg.WebhookURL,
		maxRetries: retries,
		http:       httpClient,
		logger:     logger.With("component", "booking"),
	}
}

// Save posts a booking to the webhook. Any status other than 200 is
// returned as a *StatusError and is not retried.
func (c *Client) Save(ctx context.Context, rec Record) (string, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshaling booking: %w", err)
	}

	status, respBody, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("posting booking: %w", err)
	}

	c.logger.Debug("booking webhook responded", "status", status, "event_name", rec.EventName)

	if status != http.StatusOK {
		c.logger.Warn("booking webhook rejected booking", "status", status, "body", respBody)
		return "", &StatusError{StatusCode: status, Body: respBody}
	}
	return SavedMessage, nil
}

// ListAll returns every booked event, or NoEventsMessage when the sheet is empty.
func (c *Client) ListAll(ctx context.Context) (Result, error) {
	return c.read(ctx, c.sheetURL, NoEventsMessage)
}

// Get returns the bookings whose name matches, or NotFoundMessage when none do.
func (c *Client) Get(ctx context.Context, eventName string) (Result, error) {
	u, err := url.Parse(c.sheetURL)
	if err != nil {
		return Result{}, fmt.Errorf("parsing sheet url: %w", err)
	}
	q := u.Query()
	q.Set("name", eventName)
	u.RawQuery = q.Encode()

	return c.read(ctx, u.String(), NotFoundMessage)
}

func (c *Client) read(ctx context.Context, target, emptyMessage string) (Result, error) {
	status, body, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("fetching records: %w", err)
	}

	if status != http.StatusOK {
		c.logger.Warn("failed to retrieve records", "status", status, "body", body)
		return Result{}, &StatusError{Op: "Failed to retrieve records", StatusCode: status, Body: body}
	}

	raw := json.RawMessage(strings.TrimSpace(body))
	if !json.Valid(raw) {
		return Result{}, fmt.Errorf("sheet returned invalid JSON: %s", truncate(body, 200))
	}
	if isEmptyJSON(raw) {
		return Result{Message: emptyMessage}, nil
	}
	return Result{Records: raw}, nil
}

// do performs one logical request. Transport errors are retried up to
// maxRetries times with exponential backoff; any HTTP response ends the loop.
func (c *Client) do(ctx context.Context, newReq func() (*http.Request, error)) (int, string, error) {
	type response struct {
		status int
		body   string
	}

	attempt := 0
	op := func() (response, error) {
		attempt++
		req, err := newReq()
		if err != nil {
			return response{}, backoff.Permanent(fmt.Errorf("creating request: %w", err))
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return response{}, backoff.Permanent(err)
			}
			c.logger.Debug("booking request failed", "attempt", attempt, "error", err)
			return response{}, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return response{}, fmt.Errorf("reading response body: %w", err)
		}
		return response{status: resp.StatusCode, body: string(data)}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.maxRetries)+1),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		return 0, "", err
	}
	return resp.status, resp.body, nil
}

// isEmptyJSON reports whether raw is null, an empty array, or an empty object.
func isEmptyJSON(raw json.RawMessage) bool {
	switch string(raw) {
	case "", "null", "[]", "{}":
		return true
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case nil:
		return true
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case string:
		return t == ""
	}
	return false
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
