// ABOUTME: Matrix frontend that answers booking requests in room threads
// ABOUTME: Syncs with the homeserver, filters rooms, and replies through the assistant orchestrator

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/booking-bridge/internal/assistant"
	"github.com/2389/booking-bridge/internal/dedupe"
	"github.com/2389/booking-bridge/internal/format"
	"github.com/2389/booking-bridge/internal/store"
)

// Replies sent when a message cannot be answered.
const (
	ErrorReply = "Sorry, I was unable to process the request."
	BusyReply  = "Still working on your previous message in this thread."
)

// typingTimeout is the duration the typing indicator shows (30 seconds).
const typingTimeout = 30 * time.Second

// networkTimeout is the timeout for Matrix API calls.
const networkTimeout = 10 * time.Second

// sendTimeout is longer since replies can be large.
const sendTimeout = 30 * time.Second

const dedupeTTL = 10 * time.Minute

// Config selects the account and rooms the bridge serves.
type Config struct {
	Homeserver      string
	UserID          string
	AccessToken     string
	AllowedRooms    []string
	CommandPrefix   string
	TypingIndicator bool
}

// Responder produces the assistant reply for one message.
type Responder interface {
	Respond(ctx context.Context, req assistant.Request) (string, error)
}

// Poster is the slice of the Matrix client API the bridge writes through.
type Poster interface {
	Send(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) error
	Typing(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) error
}

// clientPoster adapts a mautrix client to Poster.
type clientPoster struct {
	client *mautrix.Client
}

func (p clientPoster) Send(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) error {
	_, err := p.client.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	return err
}

func (p clientPoster) Typing(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) error {
	_, err := p.client.UserTyping(ctx, roomID, typing, timeout)
	return err
}

// Bridge connects a Matrix account to the assistant.
type Bridge struct {
	config    Config
	userID    id.UserID
	client    *mautrix.Client
	poster    Poster
	responder Responder
	logger    *slog.Logger

	// threads currently being answered, keyed by room and thread root
	processing sync.Map
	seen       *dedupe.Cache

	// mu orders wg.Add against Close so no reply starts after shutdown
	mu sync.Mutex
	wg sync.WaitGroup

	// ctx is the parent context for message processing goroutines
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a bridge backed by a mautrix client.
func New(cfg Config, responder Responder, logger *slog.Logger) (*Bridge, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	b := newBridge(cfg, clientPoster{client: client}, responder, logger)
	b.client = client
	return b, nil
}

func newBridge(cfg Config, poster Poster, responder Responder, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		config:    cfg,
		userID:    id.UserID(cfg.UserID),
		poster:    poster,
		responder: responder,
		logger:    logger.With("component", "matrix"),
		seen:      dedupe.New(dedupeTTL, 10_000),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Run syncs until ctx is cancelled, then waits for in-flight replies.
func (b *Bridge) Run(ctx context.Context) error {
	if b.client == nil {
		return errors.New("matrix bridge has no client")
	}
	b.logger.Info("starting matrix bridge",
		"homeserver", b.config.Homeserver,
		"user_id", b.config.UserID,
	)

	syncer, ok := b.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.client.Syncer)
	}
	// skip the backlog the first sync replays
	syncer.OnSync(b.client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)

	syncCtx, stopSync := context.WithCancel(ctx)
	defer stopSync()

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.client.SyncWithContext(syncCtx)
	}()

	b.logger.Info("matrix bridge running")

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
		stopSync()
		<-syncErr
		b.Close()
		return nil
	case err := <-syncErr:
		b.Close()
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// Close cancels in-flight replies and waits for them to stop.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.cancel()
	b.mu.Unlock()

	b.wg.Wait()
	b.seen.Close()
}

// handleMessageEvent filters a synced message and answers it in the background.
func (b *Bridge) handleMessageEvent(_ context.Context, evt *event.Event) {
	if evt.Sender == b.userID {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}

	roomID := evt.RoomID.String()
	if !b.isRoomAllowed(roomID) {
		b.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return
	}

	text, addressed := requestText(content, b.userID, b.config.CommandPrefix)
	if !addressed || text == "" {
		return
	}

	if b.seen.CheckAndMark(evt.ID.String()) {
		b.logger.Debug("dropping duplicate event", "event_id", evt.ID.String())
		return
	}

	root := threadRoot(evt.ID, content)
	b.logger.Info("received message",
		"room", roomID,
		"sender", evt.Sender.String(),
		"thread", root.String(),
		"content", truncate(text, 50),
	)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx.Err() != nil {
		b.logger.Debug("bridge closed, dropping message", "event_id", evt.ID.String())
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.process(b.ctx, evt.RoomID, root, evt.ID, evt.Sender, text)
	}()
}

// process answers one message. Only one message per thread is answered at a time.
func (b *Bridge) process(ctx context.Context, roomID id.RoomID, root, replyTo id.EventID, sender id.UserID, text string) {
	logger := b.logger.With("request_id", uuid.NewString(), "room", roomID.String(), "thread", root.String())

	key := roomID.String() + "/" + root.String()
	if _, loaded := b.processing.LoadOrStore(key, true); loaded {
		logger.Debug("thread busy, declining message")
		b.send(logger, roomID, reply(root, replyTo, BusyReply, event.MsgNotice))
		return
	}
	defer b.processing.Delete(key)

	if b.config.TypingIndicator {
		b.setTyping(logger, roomID, true)
		defer b.setTyping(logger, roomID, false)
	}

	answer, err := b.responder.Respond(ctx, assistant.Request{
		Frontend: store.FrontendMatrix,
		ThreadID: root.String(),
		UserName: displayName(sender),
		Text:     text,
		Notify: func(_ context.Context, notice string) {
			b.send(logger, roomID, reply(root, replyTo, notice, event.MsgNotice))
		},
	})
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			logger.Info("reply abandoned on shutdown", "error", err)
			return
		}
		logger.Error("assistant request failed", "error", err)
		b.send(logger, roomID, reply(root, replyTo, ErrorReply, event.MsgText))
		return
	}

	logger.Info("sending response", "length", len(answer))
	b.send(logger, roomID, reply(root, replyTo, answer, event.MsgText))
}

// isRoomAllowed checks if the room is in the allowed list.
func (b *Bridge) isRoomAllowed(roomID string) bool {
	if len(b.config.AllowedRooms) == 0 {
		return true
	}
	for _, allowed := range b.config.AllowedRooms {
		if allowed == roomID {
			return true
		}
	}
	return false
}

// setTyping sends typing indicator to room.
func (b *Bridge) setTyping(logger *slog.Logger, roomID id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if err := b.poster.Typing(ctx, roomID, typing, timeout); err != nil {
		logger.Debug("failed to set typing indicator", "error", err)
	}
}

func (b *Bridge) send(logger *slog.Logger, roomID id.RoomID, content *event.MessageEventContent) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := b.poster.Send(ctx, roomID, content); err != nil {
		logger.Error("failed to send message", "error", err)
	}
}

// requestText reports whether a message is addressed to the bot and returns
// the request with the prefix or mention removed. A command prefix, when set,
// always addresses the bot. Otherwise the bot must be mentioned.
func requestText(content *event.MessageEventContent, self id.UserID, prefix string) (string, bool) {
	body := strings.TrimSpace(content.Body)

	if prefix != "" && strings.HasPrefix(body, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(body, prefix)), true
	}

	if !mentions(content, self) {
		return "", false
	}
	return stripMention(body, self), true
}

func mentions(content *event.MessageEventContent, self id.UserID) bool {
	if content.Mentions != nil {
		for _, u := range content.Mentions.UserIDs {
			if u == self {
				return true
			}
		}
	}
	return strings.Contains(content.Body, self.String())
}

// stripMention removes a leading "@bot:server" or "bot:" pill fallback.
func stripMention(body string, self id.UserID) string {
	full := self.String()
	local := displayName(self)
	for _, lead := range []string{full, local} {
		if lead == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(body, lead); ok {
			rest = strings.TrimPrefix(rest, ":")
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(strings.ReplaceAll(body, full, ""))
}

// threadRoot is the root event of the thread a message belongs to. A message
// outside any thread starts a new one rooted at itself.
func threadRoot(eventID id.EventID, content *event.MessageEventContent) id.EventID {
	if rel := content.RelatesTo; rel != nil && rel.Type == event.RelThread && rel.EventID != "" {
		return rel.EventID
	}
	return eventID
}

// reply builds an in-thread message. Markdown is rendered to HTML when possible.
func reply(root, replyTo id.EventID, text string, msgType event.MessageType) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType: msgType,
		Body:    text,
		RelatesTo: &event.RelatesTo{
			Type:          event.RelThread,
			EventID:       root,
			IsFallingBack: true,
			InReplyTo:     &event.InReplyTo{EventID: replyTo},
		},
	}
	if msgType == event.MsgText {
		if html, err := format.HTML(text); err == nil && html != "" {
			content.Format = event.FormatHTML
			content.FormattedBody = html
		}
	}
	return content
}

// displayName returns the localpart of a Matrix user id.
func displayName(userID id.UserID) string {
	s := strings.TrimPrefix(userID.String(), "@")
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return s
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
