// ABOUTME: Events API handler for app mentions
// ABOUTME: Acks immediately, drops duplicate deliveries, and answers in-thread in the background

package slack

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/slack-go/slack/slackevents"
	"golang.org/x/sync/semaphore"

	"github.com/2389/booking-bridge/internal/assistant"
	"github.com/2389/booking-bridge/internal/dedupe"
	"github.com/2389/booking-bridge/internal/format"
	"github.com/2389/booking-bridge/internal/store"
)

// Replies sent when a mention cannot be answered.
const (
	ErrorReply = "Sorry, I was unable to process the request."
	BusyReply  = "I'm handling too many requests right now. Please try again in a moment."

	// UnknownUser stands in for a name that could not be looked up.
	UnknownUser = "Unknown User"
)

// Callback outcomes passed to the Recorder.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeBusy      = "busy"
	OutcomeRejected  = "rejected"
)

const (
	defaultMaxConcurrent = 16
	defaultDedupeTTL     = 10 * time.Minute
	dedupeMaxSize        = 10_000
	nameCacheSize        = 1024
	nameCacheTTL         = time.Hour
	postTimeout          = 15 * time.Second
)

var leadingMentions = regexp.MustCompile(`^(\s*<@[A-Z0-9]+(\|[^>]*)?>)+\s*`)

// Responder produces the assistant reply for one message.
type Responder interface {
	Respond(ctx context.Context, req assistant.Request) (string, error)
}

// Recorder counts callbacks by outcome.
type Recorder interface {
	Callback(outcome string)
}

// HandlerConfig bounds the handler's background work.
type HandlerConfig struct {
	MaxConcurrent int
	DedupeTTL     time.Duration
}

// Mention is an app_mention reduced to what processing needs.
type Mention struct {
	EventID  string
	Channel  string
	User     string
	Text     string
	ThreadTS string
}

// Handler serves the Events API endpoint.
type Handler struct {
	responder Responder
	api       API
	recorder  Recorder
	logger    *slog.Logger

	seen  *dedupe.Cache
	names *expirable.LRU[string, string]
	sem   *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler creates a handler. recorder and logger may be nil.
func NewHandler(responder Responder, api API, cfg HandlerConfig, recorder Recorder, logger *slog.Logger) *Handler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = defaultDedupeTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		responder: responder,
		api:       api,
		recorder:  recorder,
		logger:    logger.With("component", "slack"),
		seen:      dedupe.New(cfg.DedupeTTL, dedupeMaxSize),
		names:     expirable.NewLRU[string, string](nameCacheSize, nil, nameCacheTTL),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (h *Handler) record(outcome string) {
	if h.recorder != nil {
		h.recorder.Callback(outcome)
	}
}

// ServeHTTP handles one verified Events API callback.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "reading body")
		return
	}

	var envelope struct {
		Type    string `json:"type"`
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	switch envelope.Type {
	case slackevents.URLVerification:
		h.handleChallenge(w, body)
	case slackevents.CallbackEvent:
		h.handleCallback(w, r, body)
	default:
		h.logger.Debug("ignoring callback", "type", envelope.Type)
		h.record(OutcomeIgnored)
		w.WriteHeader(http.StatusOK)
	}
}

func (h *Handler) handleChallenge(w http.ResponseWriter, body []byte) {
	var challenge slackevents.ChallengeResponse
	if err := json.Unmarshal(body, &challenge); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid challenge")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, challenge.Challenge)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request, body []byte) {
	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		// unknown inner event types fail to parse; ack so Slack stops retrying
		h.logger.Debug("ignoring unparsable event", "error", err)
		h.record(OutcomeIgnored)
		w.WriteHeader(http.StatusOK)
		return
	}

	mention, ok := mentionFrom(event)
	if !ok {
		h.record(OutcomeIgnored)
		w.WriteHeader(http.StatusOK)
		return
	}

	logger := h.logger.With("event_id", mention.EventID, "channel", mention.Channel)

	if mention.EventID != "" && h.seen.CheckAndMark(mention.EventID) {
		logger.Info("dropping duplicate delivery", "retry_num", r.Header.Get(headerRetryNum))
		h.record(OutcomeDuplicate)
		w.WriteHeader(http.StatusOK)
		return
	}

	if h.ctx.Err() != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}

	if !h.sem.TryAcquire(1) {
		logger.Warn("too many conversations in flight")
		h.record(OutcomeBusy)
		w.WriteHeader(http.StatusOK)
		h.goTracked(func(ctx context.Context) {
			h.post(ctx, logger, mention.Channel, mention.ThreadTS, BusyReply)
		})
		return
	}

	h.record(OutcomeAccepted)
	w.WriteHeader(http.StatusOK)
	h.goTracked(func(ctx context.Context) {
		defer h.sem.Release(1)
		h.Process(ctx, mention)
	})
}

// mentionFrom extracts a human app_mention from a parsed callback.
func mentionFrom(event slackevents.EventsAPIEvent) (Mention, bool) {
	ev, ok := event.InnerEvent.Data.(*slackevents.AppMentionEvent)
	if !ok || ev.BotID != "" || ev.User == "" {
		return Mention{}, false
	}

	var eventID string
	if cb, ok := event.Data.(*slackevents.EventsAPICallbackEvent); ok {
		eventID = cb.EventID
	}

	threadTS := ev.ThreadTimeStamp
	if threadTS == "" {
		threadTS = ev.TimeStamp
	}

	return Mention{
		EventID:  eventID,
		Channel:  ev.Channel,
		User:     ev.User,
		Text:     ev.Text,
		ThreadTS: threadTS,
	}, true
}

func (h *Handler) goTracked(fn func(ctx context.Context)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn(h.ctx)
	}()
}

// Process answers one mention in its thread. Failures are logged and
// reported to the user as an apology.
func (h *Handler) Process(ctx context.Context, m Mention) {
	logger := h.logger.With("event_id", m.EventID, "channel", m.Channel, "thread", m.ThreadTS, "request_id", uuid.NewString())
	start := time.Now()

	text := leadingMentions.ReplaceAllString(m.Text, "")
	if strings.TrimSpace(text) == "" {
		logger.Debug("ignoring empty mention")
		return
	}

	req := assistant.Request{
		Frontend: store.FrontendSlack,
		ThreadID: m.ThreadTS,
		UserName: h.userName(ctx, m.User),
		Text:     text,
		Notify: func(ctx context.Context, notice string) {
			h.post(ctx, logger, m.Channel, m.ThreadTS, notice)
		},
	}

	reply, err := h.responder.Respond(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) && h.ctx.Err() != nil {
			logger.Info("abandoned mention on shutdown")
			return
		}
		logger.Error("failed to answer mention", "error", err, "elapsed", time.Since(start))
		reply = ErrorReply
	} else {
		reply = format.Mrkdwn(reply)
		logger.Info("answered mention", "elapsed", time.Since(start))
	}

	h.post(ctx, logger, m.Channel, m.ThreadTS, reply)
}

// userName resolves a user id to a real name, caching hits.
func (h *Handler) userName(ctx context.Context, userID string) string {
	if name, ok := h.names.Get(userID); ok {
		return name
	}
	name, err := h.api.UserName(ctx, userID)
	if err != nil || name == "" {
		h.logger.Warn("could not resolve user name", "user", userID, "error", err)
		return UnknownUser
	}
	h.names.Add(userID, name)
	return name
}

func (h *Handler) post(ctx context.Context, logger *slog.Logger, channel, threadTS, text string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postTimeout)
	defer cancel()
	if err := h.api.PostMessage(ctx, channel, threadTS, text); err != nil {
		logger.Error("failed to post message", "error", err)
	}
}

// Close stops background work and waits for it to finish or ctx to expire.
func (h *Handler) Close(ctx context.Context) error {
	h.cancel()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	defer h.seen.Close()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
