// ABOUTME: Tests for the gateway's wiring, HTTP routes, and lifecycle
// ABOUTME: Drives a signed Slack callback through the real handler stack with fake peers

package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/booking-bridge/internal/assistant"
	"github.com/2389/booking-bridge/internal/booking"
	"github.com/2389/booking-bridge/internal/config"
	"github.com/2389/booking-bridge/internal/metrics"
	"github.com/2389/booking-bridge/internal/store"
	"github.com/2389/booking-bridge/internal/tools"
)

const testSecret = "8f742231b10e8888abcd99yyyzzz85a5"

// testConfig creates a minimal config for testing with an available port.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpAddr := ln.Addr().String()
	require.NoError(t, ln.Close())

	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: httpAddr},
		Database: config.DatabaseConfig{Path: ":memory:"},
		Slack: config.SlackConfig{
			BotToken:      "xoxb-test",
			SigningSecret: testSecret,
		},
		Assistant: config.AssistantConfig{
			AssistantID:  "asst_1",
			PollInterval: 5 * time.Millisecond,
			RunTimeout:   5 * time.Second,
		},
		Gateway: config.GatewayConfig{MaxConcurrent: 4, DedupeTTL: time.Minute},
		Metrics: config.MetricsConfig{Enabled: true, Path: config.DefaultMetricsPath},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedAssistant asks for the booked events once, then completes.
type scriptedAssistant struct {
	mu        sync.Mutex
	messages  []string
	submitted []tools.Output
	polls     int
}

func (a *scriptedAssistant) CreateSession(context.Context) (string, error) { return "sess-1", nil }

func (a *scriptedAssistant) AddUserMessage(_ context.Context, _, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, text)
	return nil
}

func (a *scriptedAssistant) CreateRun(context.Context, string, string) (*assistant.Run, error) {
	return &assistant.Run{
		ID:     "run-1",
		Status: assistant.StatusRequiresAction,
		ToolCalls: []tools.Call{
			{ID: "call-1", Name: tools.GetAllBookedEvents, Arguments: "{}"},
		},
	}, nil
}

func (a *scriptedAssistant) GetRun(context.Context, string, string) (*assistant.Run, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.polls++
	return &assistant.Run{ID: "run-1", Status: assistant.StatusCompleted}, nil
}

func (a *scriptedAssistant) SubmitToolOutputs(_ context.Context, _, _ string, outputs []tools.Output) (*assistant.Run, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitted = append(a.submitted, outputs...)
	return &assistant.Run{ID: "run-1", Status: assistant.StatusInProgress}, nil
}

func (a *scriptedAssistant) LatestAssistantMessage(context.Context, string, string) (string, error) {
	return "You have **one** event booked.", nil
}

type fakeBookings struct{}

func (fakeBookings) Save(context.Context, booking.Record) (string, error) {
	return booking.SavedMessage, nil
}

func (fakeBookings) ListAll(context.Context) (booking.Result, error) {
	return booking.Result{Records: json.RawMessage(`[{"event_name":"Gala"}]`)}, nil
}

func (fakeBookings) Get(context.Context, string) (booking.Result, error) {
	return booking.Result{Message: booking.NotFoundMessage}, nil
}

type post struct {
	channel, threadTS, text string
}

type fakeSlack struct {
	mu    sync.Mutex
	posts []post
}

func (s *fakeSlack) PostMessage(_ context.Context, channel, threadTS, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts = append(s.posts, post{channel, threadTS, text})
	return nil
}

func (s *fakeSlack) UserName(context.Context, string) (string, error) { return "Ada Lovelace", nil }

func (s *fakeSlack) snapshot() []post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]post(nil), s.posts...)
}

type unreachableStore struct {
	*store.MockStore
}

func (unreachableStore) CountThreads(context.Context) (int, error) {
	return 0, errors.New("database is locked")
}

// deadConnStore answers queries from memory but fails its connection check.
type deadConnStore struct {
	*store.MockStore
}

func (deadConnStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

type harness struct {
	gw        *Gateway
	store     *store.MockStore
	assistant *scriptedAssistant
	slack     *fakeSlack
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	h := &harness{
		store:     store.NewMockStore(),
		assistant: &scriptedAssistant{},
		slack:     &fakeSlack{},
	}
	gw, err := NewWithOptions(cfg, testLogger(), Options{
		Store:     h.store,
		Assistant: h.assistant,
		Slack:     h.slack,
		Booking:   fakeBookings{},
		Registry:  metrics.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	h.gw = gw
	return h
}

func signedCallback(body string, at time.Time) *http.Request {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte("v0:" + ts + ":" + body))

	req := httptest.NewRequest(http.MethodPost, SlackEventsPath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func mention(eventID, text, ts string) string {
	return fmt.Sprintf(`{
		"type": "event_callback",
		"event_id": %q,
		"event": {
			"type": "app_mention",
			"user": "U42",
			"text": %q,
			"ts": %q,
			"channel": "C1",
			"event_ts": %q
		}
	}`, eventID, text, ts, ts)
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t, testConfig(t))

	rec := serve(h.gw.Handler(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestReadyEndpoint(t *testing.T) {
	h := newHarness(t, testConfig(t))
	require.NoError(t, h.store.CreateThread(context.Background(), &store.Thread{
		ID: "t1", Frontend: store.FrontendSlack, ExternalID: "1.1", SessionID: "s1", CreatedAt: time.Now(),
	}))

	rec := serve(h.gw.Handler(), httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready (1 threads)", rec.Body.String())
}

func TestReadyEndpoint_StoreUnavailable(t *testing.T) {
	cfg := testConfig(t)
	gw, err := NewWithOptions(cfg, testLogger(), Options{
		Store:     unreachableStore{store.NewMockStore()},
		Assistant: &scriptedAssistant{},
		Slack:     &fakeSlack{},
		Booking:   fakeBookings{},
		Registry:  metrics.NewRegistry(),
	})
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	rec := serve(gw.Handler(), httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyEndpoint_PingFailure(t *testing.T) {
	cfg := testConfig(t)
	gw, err := NewWithOptions(cfg, testLogger(), Options{
		Store:     deadConnStore{store.NewMockStore()},
		Assistant: &scriptedAssistant{},
		Slack:     &fakeSlack{},
		Booking:   fakeBookings{},
		Registry:  metrics.NewRegistry(),
	})
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	rec := serve(gw.Handler(), httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "store unavailable", rec.Body.String())
}

func TestSlackMention_AnsweredInThread(t *testing.T) {
	h := newHarness(t, testConfig(t))

	body := mention("Ev1", "<@UBOT> what is booked?", "1700000000.000100")
	rec := serve(h.gw.Handler(), signedCallback(body, time.Now()))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool { return len(h.slack.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	posts := h.slack.snapshot()
	assert.Equal(t, post{"C1", "1700000000.000100", tools.FetchingEventsNotice}, posts[0])
	assert.Equal(t, post{"C1", "1700000000.000100", "You have *one* event booked."}, posts[1])

	h.assistant.mu.Lock()
	assert.Equal(t, []string{"what is booked?"}, h.assistant.messages)
	require.Len(t, h.assistant.submitted, 1)
	assert.Equal(t, "call-1", h.assistant.submitted[0].ToolCallID)
	assert.Contains(t, h.assistant.submitted[0].Output, "Gala")
	h.assistant.mu.Unlock()

	thread, err := h.store.GetThread(context.Background(), store.FrontendSlack, "1700000000.000100")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", thread.SessionID)

	metricsRec := serve(h.gw.Handler(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, metricsRec.Code)
	out := metricsRec.Body.String()
	assert.Contains(t, out, `booking_bridge_callbacks_total{outcome="accepted"} 1`)
	assert.Contains(t, out, `booking_bridge_tool_calls_total{result="ok",tool="get_all_booked_events"} 1`)
	assert.Contains(t, out, `booking_bridge_runs_total{status="completed"} 1`)
}

func TestSlackMention_BadSignatureRejected(t *testing.T) {
	h := newHarness(t, testConfig(t))

	req := signedCallback(mention("Ev2", "<@UBOT> hi", "1.2"), time.Now())
	req.Header.Set("X-Slack-Signature", "v0=deadbeef")
	rec := serve(h.gw.Handler(), req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	stale := serve(h.gw.Handler(), signedCallback(mention("Ev3", "<@UBOT> hi", "1.3"), time.Now().Add(-10*time.Minute)))
	assert.Equal(t, http.StatusForbidden, stale.Code)

	metricsRec := serve(h.gw.Handler(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, metricsRec.Body.String(), `booking_bridge_callbacks_total{outcome="rejected"} 2`)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.slack.snapshot())
}

func TestSlackDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Slack = config.SlackConfig{}
	cfg.Metrics.Enabled = false
	h := newHarness(t, cfg)

	rec := serve(h.gw.Handler(), signedCallback(mention("Ev4", "hi", "1.4"), time.Now()))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h.gw.Handler(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.gw.Run(ctx) }()

	url := "http://" + cfg.Server.HTTPAddr + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_OpensSQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Path = filepath.Join(t.TempDir(), "threads.db")
	cfg.Metrics.Enabled = false

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	rec := serve(gw.Handler(), httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready (0 threads)", rec.Body.String())

	require.NoError(t, gw.Shutdown(context.Background()))
}

func TestEventsURL(t *testing.T) {
	assert.Equal(t, "", eventsURL("", config.TailscaleConfig{}))
	assert.Equal(t, "http://bridge.tail1.ts.net/slack/events", eventsURL("bridge.tail1.ts.net.", config.TailscaleConfig{}))
	assert.Equal(t, "https://bridge.tail1.ts.net/slack/events", eventsURL("bridge.tail1.ts.net.", config.TailscaleConfig{Funnel: true}))
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	assert.Error(t, err)

	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)
}
