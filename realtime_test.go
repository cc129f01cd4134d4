package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ============================================================================
// Test Helpers
// ============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeRead struct {
	data []byte
	err  error
}

// fakeConn is an in-memory Conn. Frames pushed with push are returned by
// Read in order; writes are recorded.
type fakeConn struct {
	in   chan fakeRead
	done chan struct{}

	mu        sync.Mutex
	written   [][]byte
	closeOnce sync.Once
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan fakeRead, 64),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case r := <-c.in:
		return r.data, r.err
	case <-c.done:
		return nil, &CloseError{Code: c.code(), Reason: "closed locally"}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.done:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *fakeConn) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *fakeConn) push(frame string) {
	c.in <- fakeRead{data: []byte(frame)}
}

// serverClose simulates the peer closing with code.
func (c *fakeConn) serverClose(code int) {
	c.in <- fakeRead{err: &CloseError{Code: code, Reason: "server"}}
}

func (c *fakeConn) frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, 0, len(c.written))
	for _, b := range c.written {
		var f Frame
		if json.Unmarshal(b, &f) == nil {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) framesOfType(typ string) []Frame {
	var out []Frame
	for _, f := range c.frames() {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// fakeDialer hands out fakeConns. fail, when set, decides per dial
// (1-based) whether it errors.
type fakeDialer struct {
	mu    sync.Mutex
	urls  []string
	conns []*fakeConn
	fail  func(n int) error
}

func (d *fakeDialer) Dial(_ context.Context, u string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, u)
	if d.fail != nil {
		if err := d.fail(len(d.urls)); err != nil {
			return nil, err
		}
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// eventLog records events from a transport in delivery order.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func recordEvents(rt *Transport, types ...EventType) *eventLog {
	l := &eventLog{}
	for _, typ := range types {
		rt.On(typ, func(ev Event) {
			l.mu.Lock()
			l.events = append(l.events, ev)
			l.mu.Unlock()
		})
	}
	return l
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) ofType(typ EventType) []Event {
	var out []Event
	for _, ev := range l.all() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

var allEvents = []EventType{
	EventMessage, EventTyping, EventUserOnline, EventUserOffline,
	EventMessageRead, EventReaction, EventError, EventConnected, EventDisconnected,
	EventUnknown,
}

func newTestTransport(d Dialer, m *Metrics, mutate ...func(*TransportConfig)) *Transport {
	cfg := TransportConfig{
		URL:                "ws://chat.test/ws/chat/{channel}/",
		Token:              "tok",
		ReconnectBaseDelay: 5 * time.Millisecond,
		HeartbeatInterval:  time.Hour,
		Dialer:             d,
		Logger:             discardLogger(),
		Metrics:            m,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	return NewTransport(cfg)
}

// ============================================================================
// Transport
// ============================================================================

func TestTransportEndpoint(t *testing.T) {
	cases := []struct {
		url, token, want string
	}{
		{"ws://h/ws/chat/{channel}/", "tok", "ws://h/ws/chat/c1/?token=tok"},
		{"https://h/ws/chat/", "", "wss://h/ws/chat/c1/"},
		{"http://h/ws/{channel}?v=2", "a b", "ws://h/ws/c1?v=2&token=a+b"},
	}
	for _, tc := range cases {
		rt := NewTransport(TransportConfig{URL: tc.url, Token: tc.token, Logger: discardLogger()})
		if got := rt.endpoint("c1"); got != tc.want {
			t.Errorf("endpoint(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestTransportConnect(t *testing.T) {
	d := &fakeDialer{}
	rt := newTestTransport(d, nil)
	events := recordEvents(rt, EventConnected)

	if err := rt.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if rt.State() != StateConnected || rt.ChannelID() != "c1" {
		t.Fatalf("unexpected state %s / %s", rt.State(), rt.ChannelID())
	}
	if got := d.urls[0]; got != "ws://chat.test/ws/chat/c1/?token=tok" {
		t.Fatalf("unexpected dial url %q", got)
	}
	if n := len(events.ofType(EventConnected)); n != 1 {
		t.Fatalf("expected 1 connected event, got %d", n)
	}

	t.Run("same channel is a no-op", func(t *testing.T) {
		if err := rt.Connect(context.Background(), "c1"); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if d.dials() != 1 {
			t.Fatalf("expected a single dial, got %d", d.dials())
		}
	})

	t.Run("switching channel closes the old connection", func(t *testing.T) {
		old := d.last()
		if err := rt.Connect(context.Background(), "c2"); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if old.code() != CloseNormal {
			t.Fatalf("expected old connection closed with 1000, got %d", old.code())
		}
		if rt.ChannelID() != "c2" || d.dials() != 2 {
			t.Fatalf("expected rebinding to c2, got %s after %d dials", rt.ChannelID(), d.dials())
		}
	})
	rt.Disconnect()
}

func TestTransportSend(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	d := &fakeDialer{}
	rt := newTestTransport(d, m)

	t.Run("not connected", func(t *testing.T) {
		if err := rt.SendMessage(context.Background(), "hi", "cid"); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
		if got := testutil.ToFloat64(m.SendsDropped.WithLabelValues(FrameChatMessage)); got != 1 {
			t.Fatalf("expected 1 dropped send, got %v", got)
		}
	})

	if err := rt.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer rt.Disconnect()

	t.Run("stamps channel and timestamp", func(t *testing.T) {
		if err := rt.SendMessage(context.Background(), "hi", "cid"); err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		if err := rt.SendTyping(context.Background(), true); err != nil {
			t.Fatalf("SendTyping: %v", err)
		}
		if err := rt.SendReaction(context.Background(), "5", "2", "👍", ReactionRemove); err != nil {
			t.Fatalf("SendReaction: %v", err)
		}
		if err := rt.SendReadReceipt(context.Background(), "5", "2"); err != nil {
			t.Fatalf("SendReadReceipt: %v", err)
		}

		frames := d.last().frames()
		if len(frames) != 4 {
			t.Fatalf("expected 4 frames, got %d", len(frames))
		}
		msg := frames[0]
		if msg.Type != FrameChatMessage || msg.Content != "hi" || msg.ClientID != "cid" || msg.ChannelID != "c1" {
			t.Fatalf("unexpected message frame: %+v", msg)
		}
		if _, err := time.Parse(time.RFC3339Nano, msg.Timestamp); err != nil {
			t.Fatalf("bad timestamp %q: %v", msg.Timestamp, err)
		}
		if frames[1].Content != TypingStarted {
			t.Fatalf("unexpected typing frame: %+v", frames[1])
		}
		if frames[2].Action != "remove" || frames[2].Reaction != "👍" || frames[2].MessageID != "5" {
			t.Fatalf("unexpected reaction frame: %+v", frames[2])
		}
		if frames[3].Type != FrameRead || frames[3].UserID != "2" {
			t.Fatalf("unexpected read frame: %+v", frames[3])
		}
		if got := testutil.ToFloat64(m.FramesSent.WithLabelValues(FrameChatMessage)); got != 1 {
			t.Fatalf("expected 1 sent chat.message, got %v", got)
		}
	})
}

func TestTransportDispatchOrder(t *testing.T) {
	d := &fakeDialer{}
	rt := newTestTransport(d, nil)
	events := recordEvents(rt, allEvents...)
	if err := rt.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer rt.Disconnect()

	conn := d.last()
	conn.push(`{"type":"typing.status","content":"typing","user_id":4}`)
	conn.push(`{"type":"user.join","user_id":4,"username":"bob"}`)
	conn.push(`{"type":"chat.message","id":1,"content":"hello","user_id":4}`)
	conn.push(`"maintenance at noon"`)
	conn.push(`{"type":"message.read","message_id":1,"user_id":4}`)
	conn.push(`{"type":"message.reaction","message_id":1,"user_id":4,"reaction":"🎉","action":"add"}`)
	conn.push(`{"type":"user.leave","user_id":4}`)

	want := []EventType{
		EventConnected, EventTyping, EventUserOnline, EventMessage, EventMessage,
		EventMessageRead, EventReaction, EventUserOffline,
	}
	waitFor(t, "all events", func() bool { return len(events.all()) >= len(want) })

	got := events.all()
	for i, typ := range want {
		if got[i].Type != typ {
			t.Fatalf("event %d: got %s, want %s", i, got[i].Type, typ)
		}
		if got[i].ChannelID != "c1" {
			t.Fatalf("event %d: expected channel c1, got %q", i, got[i].ChannelID)
		}
	}
	if got[4].Text != "maintenance at noon" {
		t.Fatalf("expected string frame as text, got %+v", got[4])
	}
}

func TestTransportMalformedFrames(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	d := &fakeDialer{}
	rt := newTestTransport(d, m)
	events := recordEvents(rt, EventError, EventMessage)
	if err := rt.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer rt.Disconnect()

	conn := d.last()
	conn.push(`this is not json`)
	conn.push(`[1,2,3]`)
	conn.push(`{"type":"chat.message","id":7,"content":"still alive"}`)

	waitFor(t, "message after malformed frames", func() bool { return len(events.ofType(EventMessage)) == 1 })

	errs := events.ofType(EventError)
	if len(errs) != 2 {
		t.Fatalf("expected 2 error events, got %d", len(errs))
	}
	for _, ev := range errs {
		if !errors.Is(ev.Err, ErrMalformedFrame) {
			t.Fatalf("expected ErrMalformedFrame, got %v", ev.Err)
		}
	}
	if got := testutil.ToFloat64(m.FramesMalformed); got != 2 {
		t.Fatalf("expected 2 malformed frames counted, got %v", got)
	}
	if rt.State() != StateConnected {
		t.Fatalf("malformed frames must not drop the connection, state %s", rt.State())
	}
}

func TestTransportReconnectBound(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	d := &fakeDialer{fail: func(n int) error {
		if n > 1 {
			return fmt.Errorf("connection refused")
		}
		return nil
	}}
	rt := newTestTransport(d, m)
	events := recordEvents(rt, EventError, EventDisconnected)

	if err := rt.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	d.last().serverClose(1011)

	exhausted := func() bool {
		for _, ev := range events.ofType(EventError) {
			if errors.Is(ev.Err, ErrReconnectExhausted) {
				return true
			}
		}
		return false
	}
	waitFor(t, "reconnect budget to run out", exhausted)

	// One initial dial plus five retries.
	if n := d.dials(); n != 6 {
		t.Fatalf("expected 6 dials, got %d", n)
	}
	time.Sleep(50 * time.Millisecond)
	if n := d.dials(); n != 6 {
		t.Fatalf("no retries expected after exhaustion, got %d dials", n)
	}
	if rt.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", rt.State())
	}
	if got := testutil.ToFloat64(m.ReconnectAttempts); got != 5 {
		t.Fatalf("expected 5 reconnect attempts, got %v", got)
	}
	if got := testutil.ToFloat64(m.ReconnectsExhausted); got != 1 {
		t.Fatalf("expected exhaustion counted once, got %v", got)
	}
	disc := events.ofType(EventDisconnected)
	if len(disc) != 1 || disc[0].Code != 1011 {
		t.Fatalf("expected one disconnected event with 1011, got %+v", disc)
	}
}

func TestTransportReconnectRecovers(t *testing.T) {
	d := &fakeDialer{}
	rt := newTestTransport(d, nil)
	events := recordEvents(rt, EventConnected)
	if err := rt.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer rt.Disconnect()

	d.last().serverClose(CloseAbnormal)
	waitFor(t, "second connection", func() bool { return len(events.ofType(EventConnected)) == 2 })

	if rt.Attempts() != 0 {
		t.Fatalf("expected retry counter reset after open, got %d", rt.Attempts())
	}
	if rt.State() != StateConnected || rt.ChannelID() != "c1" {
		t.Fatalf("unexpected state %s / %s", rt.State(), rt.ChannelID())
	}
}

func TestTransportNormalCloseDoesNotReconnect(t *testing.T) {
	d := &fakeDialer{}
	rt := newTestTransport(d, nil)
	events := recordEvents(rt, EventDisconnected)
	if err := rt.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	d.last().serverClose(CloseNormal)
	waitFor(t, "disconnected event", func() bool { return len(events.ofType(EventDisconnected)) == 1 })
	time.Sleep(30 * time.Millisecond)

	if d.dials() != 1 {
		t.Fatalf("expected no reconnect after 1000, got %d dials", d.dials())
	}
	if ev := events.ofType(EventDisconnected)[0]; ev.Code != CloseNormal {
		t.Fatalf("expected code 1000, got %d", ev.Code)
	}
}

func TestTransportDisconnect(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		d := &fakeDialer{}
		rt := newTestTransport(d, nil)
		events := recordEvents(rt, EventDisconnected)
		if err := rt.Connect(context.Background(), "c1"); err != nil {
			t.Fatalf("Connect: %v", err)
		}

		rt.Disconnect()
		rt.Disconnect()

		disc := events.ofType(EventDisconnected)
		if len(disc) != 1 || disc[0].Code != CloseNormal {
			t.Fatalf("expected exactly one disconnected{1000}, got %+v", disc)
		}
		if d.last().code() != CloseNormal {
			t.Fatalf("expected close code 1000, got %d", d.last().code())
		}
		if rt.State() != StateDisconnected || rt.ChannelID() != "" {
			t.Fatalf("unexpected state %s / %q", rt.State(), rt.ChannelID())
		}
	})

	t.Run("cancels pending reconnect", func(t *testing.T) {
		d := &fakeDialer{fail: func(int) error { return errors.New("refused") }}
		rt := newTestTransport(d, nil, func(c *TransportConfig) {
			c.ReconnectBaseDelay = 40 * time.Millisecond
		})
		if err := rt.Connect(context.Background(), "c1"); err == nil {
			t.Fatal("expected dial error")
		}
		rt.Disconnect()
		time.Sleep(100 * time.Millisecond)
		if d.dials() != 1 {
			t.Fatalf("expected the pending retry to be cancelled, got %d dials", d.dials())
		}
	})
}

func TestTransportListeners(t *testing.T) {
	d := &fakeDialer{}
	rt := newTestTransport(d, nil)

	var mu sync.Mutex
	var first, second int
	unsub := rt.On(EventMessage, func(Event) {
		mu.Lock()
		first++
		mu.Unlock()
	})
	rt.On(EventMessage, func(Event) { panic("listener bug") })
	rt.On(EventMessage, func(Event) {
		mu.Lock()
		second++
		mu.Unlock()
	})
	count := func() (int, int) {
		mu.Lock()
		defer mu.Unlock()
		return first, second
	}

	if err := rt.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer rt.Disconnect()
	conn := d.last()

	conn.push(`{"type":"chat.message","id":1,"content":"a"}`)
	waitFor(t, "first delivery", func() bool { _, s := count(); return s == 1 })

	unsub()
	unsub()
	conn.push(`{"type":"chat.message","id":2,"content":"b"}`)
	waitFor(t, "second delivery", func() bool { _, s := count(); return s == 2 })

	if f, _ := count(); f != 1 {
		t.Fatalf("unsubscribed listener ran %d times", f)
	}
}

func TestTransportOutbox(t *testing.T) {
	d := &fakeDialer{fail: func(n int) error {
		if n == 1 {
			return errors.New("refused")
		}
		return nil
	}}
	rt := newTestTransport(d, nil, func(c *TransportConfig) {
		c.OutboxSize = 2
		c.ReconnectBaseDelay = 30 * time.Millisecond
	})
	events := recordEvents(rt, EventConnected)

	if err := rt.Connect(context.Background(), "c1"); err == nil {
		t.Fatal("expected first dial to fail")
	}
	for _, content := range []string{"one", "two", "three"} {
		if err := rt.SendMessage(context.Background(), content, ""); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	}
	waitFor(t, "reconnect", func() bool { return len(events.ofType(EventConnected)) == 1 })
	defer rt.Disconnect()

	msgs := d.last().framesOfType(FrameChatMessage)
	if len(msgs) != 2 || msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Fatalf("expected the two newest frames flushed in order, got %+v", msgs)
	}
	if msgs[0].ChannelID != "c1" {
		t.Fatalf("expected queued frame bound to c1, got %q", msgs[0].ChannelID)
	}
}

func TestTransportHeartbeat(t *testing.T) {
	d := &fakeDialer{}
	rt := newTestTransport(d, nil, func(c *TransportConfig) {
		c.HeartbeatInterval = 5 * time.Millisecond
	})
	if err := rt.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := d.last()
	waitFor(t, "heartbeat", func() bool { return len(conn.framesOfType(FrameHeartbeat)) > 0 })
	rt.Disconnect()

	conn.mu.Lock()
	first := string(conn.written[0])
	conn.mu.Unlock()
	if first != `{"type":"heartbeat"}` {
		t.Fatalf("unexpected heartbeat payload %s", first)
	}
}

// ============================================================================
// Integration: real WebSocket against a gorilla/websocket server
// ============================================================================

func TestTransportWebSocketRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	tokens := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/ws/chat/room-1/") {
			http.NotFound(w, r)
			return
		}
		tokens <- r.URL.Query().Get("token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteJSON(map[string]any{"type": "user.join", "user_id": 5, "username": "bob"})

		var in map[string]any
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		conn.WriteJSON(map[string]any{
			"type":       "chat.message",
			"id":         99,
			"content":    in["content"],
			"client_id":  in["client_id"],
			"user_id":    1,
			"channel_id": in["channel_id"],
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	rt := NewTransport(TransportConfig{
		URL:    srv.URL + "/ws/chat/{channel}/",
		Token:  "secret",
		Logger: discardLogger(),
	})
	events := recordEvents(rt, EventUserOnline, EventMessage)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Connect(ctx, "room-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer rt.Disconnect()

	if got := <-tokens; got != "secret" {
		t.Fatalf("expected token query parameter, got %q", got)
	}
	waitFor(t, "presence", func() bool { return len(events.ofType(EventUserOnline)) == 1 })
	if p := events.ofType(EventUserOnline)[0].Presence; p.UserID != "5" || p.Username != "bob" {
		t.Fatalf("unexpected presence: %+v", p)
	}

	if err := rt.SendMessage(ctx, "hello", "cid-1"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "echo", func() bool { return len(events.ofType(EventMessage)) == 1 })

	f := events.ofType(EventMessage)[0].Frame
	if f.ID != "99" || f.ClientID != "cid-1" || f.Content != "hello" || f.ChannelID != "room-1" {
		t.Fatalf("unexpected echo: %+v", f)
	}
}
