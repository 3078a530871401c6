package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/booking-bridge/internal/assistant"
	"github.com/2389/booking-bridge/internal/store"
)

const botID = id.UserID("@booker:example.org")

type sent struct {
	room    id.RoomID
	content *event.MessageEventContent
}

type fakePoster struct {
	mu     sync.Mutex
	sent   []sent
	typing []bool
}

func (p *fakePoster) Send(_ context.Context, roomID id.RoomID, content *event.MessageEventContent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sent{room: roomID, content: content})
	return nil
}

func (p *fakePoster) Typing(_ context.Context, _ id.RoomID, typing bool, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typing = append(p.typing, typing)
	return nil
}

func (p *fakePoster) messages() []sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sent(nil), p.sent...)
}

type fakeResponder struct {
	mu       sync.Mutex
	requests []assistant.Request
	reply    string
	err      error
	notice   string
	block    chan struct{}
}

func (r *fakeResponder) Respond(ctx context.Context, req assistant.Request) (string, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	if r.notice != "" && req.Notify != nil {
		req.Notify(ctx, r.notice)
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return r.reply, r.err
}

func (r *fakeResponder) calls() []assistant.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]assistant.Request(nil), r.requests...)
}

func textEvent(eventID, body string, rel *event.RelatesTo) *event.Event {
	return &event.Event{
		ID:     id.EventID(eventID),
		RoomID: id.RoomID("!room:example.org"),
		Sender: id.UserID("@alice:example.org"),
		Type:   event.EventMessage,
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType:   event.MsgText,
			Body:      body,
			RelatesTo: rel,
		}},
	}
}

func newTestBridge(cfg Config, responder Responder) (*Bridge, *fakePoster) {
	if cfg.UserID == "" {
		cfg.UserID = botID.String()
	}
	poster := &fakePoster{}
	return newBridge(cfg, poster, responder, nil), poster
}

func TestBridge_AnswersPrefixedMessageInThread(t *testing.T) {
	responder := &fakeResponder{reply: "Booked **Launch**."}
	b, poster := newTestBridge(Config{CommandPrefix: "!book", TypingIndicator: true}, responder)

	b.handleMessageEvent(context.Background(), textEvent("$root", "!book Launch party on Friday", nil))
	b.Close()

	calls := responder.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, store.FrontendMatrix, calls[0].Frontend)
	assert.Equal(t, "$root", calls[0].ThreadID)
	assert.Equal(t, "alice", calls[0].UserName)
	assert.Equal(t, "Launch party on Friday", calls[0].Text)

	msgs := poster.messages()
	require.Len(t, msgs, 1)
	c := msgs[0].content
	assert.Equal(t, "Booked **Launch**.", c.Body)
	assert.Equal(t, event.FormatHTML, c.Format)
	assert.Contains(t, c.FormattedBody, "<strong>Launch</strong>")
	require.NotNil(t, c.RelatesTo)
	assert.Equal(t, event.RelThread, c.RelatesTo.Type)
	assert.Equal(t, id.EventID("$root"), c.RelatesTo.EventID)

	assert.Equal(t, []bool{true, false}, poster.typing)
}

func TestBridge_ThreadReplyUsesRoot(t *testing.T) {
	responder := &fakeResponder{reply: "ok"}
	b, poster := newTestBridge(Config{}, responder)

	rel := &event.RelatesTo{Type: event.RelThread, EventID: "$root"}
	b.handleMessageEvent(context.Background(), textEvent("$child", "@booker:example.org what is booked?", rel))
	b.Close()

	calls := responder.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "$root", calls[0].ThreadID)
	assert.Equal(t, "what is booked?", calls[0].Text)

	msgs := poster.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, id.EventID("$child"), msgs[0].content.RelatesTo.InReplyTo.EventID)
}

func TestBridge_IgnoresUnaddressedMessages(t *testing.T) {
	responder := &fakeResponder{reply: "ok"}
	b, poster := newTestBridge(Config{CommandPrefix: "!book", AllowedRooms: []string{"!room:example.org"}}, responder)

	own := textEvent("$own", "!book hi", nil)
	own.Sender = botID

	notice := textEvent("$notice", "!book hi", nil)
	notice.Content.Parsed.(*event.MessageEventContent).MsgType = event.MsgNotice

	other := textEvent("$other", "!book hi", nil)
	other.RoomID = "!elsewhere:example.org"

	for _, evt := range []*event.Event{
		own,
		notice,
		other,
		textEvent("$chat", "just chatting", nil),
		textEvent("$empty", "!book   ", nil),
	} {
		b.handleMessageEvent(context.Background(), evt)
	}
	b.Close()

	assert.Empty(t, responder.calls())
	assert.Empty(t, poster.messages())
}

func TestBridge_DuplicateEventAnsweredOnce(t *testing.T) {
	responder := &fakeResponder{reply: "ok"}
	b, _ := newTestBridge(Config{CommandPrefix: "!book"}, responder)

	evt := textEvent("$same", "!book list", nil)
	b.handleMessageEvent(context.Background(), evt)
	b.handleMessageEvent(context.Background(), evt)
	b.Close()

	assert.Len(t, responder.calls(), 1)
}

func TestBridge_ErrorReply(t *testing.T) {
	responder := &fakeResponder{err: errors.New("assistant down")}
	b, poster := newTestBridge(Config{CommandPrefix: "!book"}, responder)

	b.handleMessageEvent(context.Background(), textEvent("$e", "!book list", nil))
	b.Close()

	msgs := poster.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, ErrorReply, msgs[0].content.Body)
}

func TestBridge_ErrorReplyAfterShutdownStarts(t *testing.T) {
	responder := &fakeResponder{err: errors.New("sheet unreachable")}
	b, poster := newTestBridge(Config{CommandPrefix: "!book"}, responder)

	// the reply goroutine sees a cancelled context but a real failure
	b.cancel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.process(b.ctx, "!room:example.org", "$f", "$f", "@alice:example.org", "list")
	}()
	b.Close()

	msgs := poster.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, ErrorReply, msgs[0].content.Body)
}

func TestBridge_MessagesAfterCloseAreDropped(t *testing.T) {
	responder := &fakeResponder{reply: "ok"}
	b, poster := newTestBridge(Config{CommandPrefix: "!book"}, responder)
	b.Close()

	b.handleMessageEvent(context.Background(), textEvent("$late", "!book list", nil))
	b.Close()

	assert.Empty(t, responder.calls())
	assert.Empty(t, poster.messages())
}

func TestBridge_ProgressNoticesPostedAsNotices(t *testing.T) {
	responder := &fakeResponder{reply: "done", notice: "fetching booked events..."}
	b, poster := newTestBridge(Config{CommandPrefix: "!book"}, responder)

	b.handleMessageEvent(context.Background(), textEvent("$n", "!book list", nil))
	b.Close()

	msgs := poster.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, event.MsgNotice, msgs[0].content.MsgType)
	assert.Equal(t, "fetching booked events...", msgs[0].content.Body)
	assert.Empty(t, msgs[0].content.FormattedBody)
	assert.Equal(t, "done", msgs[1].content.Body)
}

func TestBridge_BusyThreadDeclinesSecondMessage(t *testing.T) {
	responder := &fakeResponder{reply: "ok", block: make(chan struct{})}
	b, poster := newTestBridge(Config{CommandPrefix: "!book"}, responder)

	b.handleMessageEvent(context.Background(), textEvent("$root", "!book first", nil))
	require.Eventually(t, func() bool { return len(responder.calls()) == 1 }, time.Second, 5*time.Millisecond)

	rel := &event.RelatesTo{Type: event.RelThread, EventID: "$root"}
	b.handleMessageEvent(context.Background(), textEvent("$second", "!book second", rel))
	require.Eventually(t, func() bool { return len(poster.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, BusyReply, poster.messages()[0].content.Body)

	close(responder.block)
	b.Close()

	assert.Len(t, responder.calls(), 1)
	assert.Len(t, poster.messages(), 2)
}

func TestBridge_CloseCancelsSilently(t *testing.T) {
	responder := &fakeResponder{reply: "ok", block: make(chan struct{})}
	b, poster := newTestBridge(Config{CommandPrefix: "!book"}, responder)

	b.handleMessageEvent(context.Background(), textEvent("$c", "!book list", nil))
	require.Eventually(t, func() bool { return len(responder.calls()) == 1 }, time.Second, 5*time.Millisecond)

	b.Close()
	assert.Empty(t, poster.messages())
}

func TestRequestText(t *testing.T) {
	tests := []struct {
		name      string
		content   *event.MessageEventContent
		prefix    string
		want      string
		addressed bool
	}{
		{"prefix", &event.MessageEventContent{Body: "!book  list events"}, "!book", "list events", true},
		{"full mention", &event.MessageEventContent{Body: "@booker:example.org: book it"}, "", "book it", true},
		{"pill fallback", &event.MessageEventContent{Body: "booker: book it"}, "", "", false},
		{
			"m.mentions with pill fallback",
			&event.MessageEventContent{Body: "booker: book it", Mentions: &event.Mentions{UserIDs: []id.UserID{botID}}},
			"", "book it", true,
		},
		{"mention mid sentence", &event.MessageEventContent{Body: "hey @booker:example.org list"}, "!book", "hey  list", true},
		{"other user", &event.MessageEventContent{Body: "@someone:example.org hi"}, "", "", false},
		{"no prefix match", &event.MessageEventContent{Body: "book list"}, "!book", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := requestText(tt.content, botID, tt.prefix)
			assert.Equal(t, tt.addressed, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestThreadRoot(t *testing.T) {
	plain := &event.MessageEventContent{Body: "hi"}
	assert.Equal(t, id.EventID("$self"), threadRoot("$self", plain))

	reply := &event.MessageEventContent{RelatesTo: &event.RelatesTo{Type: event.RelReference, EventID: "$x"}}
	assert.Equal(t, id.EventID("$self"), threadRoot("$self", reply))

	threaded := &event.MessageEventContent{RelatesTo: &event.RelatesTo{Type: event.RelThread, EventID: "$root"}}
	assert.Equal(t, id.EventID("$root"), threadRoot("$self", threaded))
}

func TestIsRoomAllowed(t *testing.T) {
	open, _ := newTestBridge(Config{}, &fakeResponder{})
	defer open.Close()
	assert.True(t, open.isRoomAllowed("!any:example.org"))

	closed, _ := newTestBridge(Config{AllowedRooms: []string{"!a:example.org"}}, &fakeResponder{})
	defer closed.Close()
	assert.True(t, closed.isRoomAllowed("!a:example.org"))
	assert.False(t, closed.isRoomAllowed("!b:example.org"))
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "alice", displayName("@alice:example.org"))
	assert.Equal(t, "bob", displayName("bob"))
}

// homeserver serves just enough of the client API for a sync loop. The first
// sync replays a backlog message, the second delivers a new one.
func homeserver(t *testing.T) *httptest.Server {
	t.Helper()

	timeline := func(next, eventID, body string) map[string]any {
		return map[string]any{
			"next_batch": next,
			"rooms": map[string]any{
				"join": map[string]any{
					"!room:example.org": map[string]any{
						"timeline": map[string]any{
							"events": []map[string]any{{
								"type":             "m.room.message",
								"event_id":         eventID,
								"sender":           "@alice:example.org",
								"origin_server_ts": 1,
								"content":          map[string]any{"msgtype": "m.text", "body": body},
							}},
						},
					},
				},
			},
		}
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/filter"):
			fmt.Fprint(w, `{"filter_id":"1"}`)
		case strings.HasSuffix(r.URL.Path, "/sync"):
			switch r.URL.Query().Get("since") {
			case "":
				_ = json.NewEncoder(w).Encode(timeline("s1", "$old", "!book old request"))
			case "s1":
				_ = json.NewEncoder(w).Encode(timeline("s2", "$new", "!book new request"))
			default:
				<-r.Context().Done()
			}
		case strings.Contains(r.URL.Path, "/send/"):
			fmt.Fprint(w, `{"event_id":"$reply"}`)
		default:
			fmt.Fprint(w, `{}`)
		}
	}))
}

func TestBridge_RunSkipsInitialBacklog(t *testing.T) {
	srv := homeserver(t)
	defer srv.Close()

	responder := &fakeResponder{reply: "ok"}
	b, err := New(Config{
		Homeserver:    srv.URL,
		UserID:        botID.String(),
		AccessToken:   "token",
		CommandPrefix: "!book",
	}, responder, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return len(responder.calls()) == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	calls := responder.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "new request", calls[0].Text)
}
