package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// TransportConfig configures a Transport.
type TransportConfig struct {
	// URL is the WebSocket endpoint. "{channel}" is replaced with the
	// channel id; without it the id is appended as a path segment.
	URL   string
	Token string

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration

	// OutboxSize bounds the queue of frames sent while disconnected.
	// Zero disables queueing.
	OutboxSize int

	Dialer  Dialer
	Logger  *slog.Logger
	Metrics *Metrics
}

func (c *TransportConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 3 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = WebSocketDialer{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// Close codes used by the transport.
const (
	CloseNormal   = 1000
	CloseAbnormal = 1006
)

var (
	// ErrNotConnected is returned by sends while no connection is open.
	ErrNotConnected = errors.New("not connected")
	// ErrReconnectExhausted is carried by the error event emitted when the
	// reconnect budget runs out.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// ============================================================================
// Dialer
// ============================================================================

// Conn is one open WebSocket connection.
type Conn interface {
	// Read blocks for the next text message. A close from the peer is
	// reported as *CloseError.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// CloseError reports the close frame that ended a connection.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket closed: %d %s", e.Code, e.Reason)
}

// WebSocketDialer dials with nhooyr.io/websocket.
type WebSocketDialer struct {
	Options *websocket.DialOptions
	// ReadLimit caps inbound message size. Zero keeps 1 MiB.
	ReadLimit int64
}

func (d WebSocketDialer) Dial(ctx context.Context, u string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, u, d.Options)
	if err != nil {
		return nil, err
	}
	limit := d.ReadLimit
	if limit == 0 {
		limit = 1 << 20
	}
	conn.SetReadLimit(limit)
	return wsConn{conn}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: int(ce.Code), Reason: ce.Reason}
		}
		return nil, err
	}
	return data, nil
}

func (w wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsConn) Close(code int, reason string) error {
	return w.c.Close(websocket.StatusCode(code), reason)
}

// ============================================================================
// Transport
// ============================================================================

// Transport keeps one WebSocket open to the active channel, translates
// inbound frames into events and reconnects after abnormal closes.
//
// Listeners run synchronously on the connection's read goroutine, in frame
// order. A listener must not block.
type Transport struct {
	config TransportConfig
	logger *slog.Logger
	events *registry[EventType, Event]

	mu        sync.Mutex
	state     ConnState
	channelID ID
	conn      Conn
	cancel    context.CancelFunc
	timer     *time.Timer
	attempts  int
	outbox    []Frame
	// gen changes on every Connect and Disconnect. Goroutines and timers
	// started under an older gen do nothing.
	gen uint64
}

// NewTransport creates a disconnected transport.
func NewTransport(config TransportConfig) *Transport {
	config.defaults()
	return &Transport{
		config: config,
		logger: config.Logger,
		events: newRegistry[EventType, Event](config.Logger),
		state:  StateDisconnected,
	}
}

// On registers fn for events of type typ and returns a func that removes it.
func (t *Transport) On(typ EventType, fn func(Event)) func() {
	return t.events.on(typ, fn)
}

// State returns the current connection state.
func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ChannelID returns the channel the transport is bound to, if any.
func (t *Transport) ChannelID() ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channelID
}

// Attempts returns the number of consecutive reconnect attempts so far.
func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

func (t *Transport) endpoint(channelID ID) string {
	u := t.config.URL
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	seg := url.PathEscape(string(channelID))
	if strings.Contains(u, "{channel}") {
		u = strings.ReplaceAll(u, "{channel}", seg)
	} else {
		u = strings.TrimRight(u, "/") + "/" + seg + "/"
	}
	if t.config.Token != "" {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + "token=" + url.QueryEscape(t.config.Token)
	}
	return u
}

// Connect binds the transport to channelID and opens a connection. It is a
// no-op when already connected or connecting to the same channel. A failed
// dial is returned and also retried in the background.
func (t *Transport) Connect(ctx context.Context, channelID ID) error {
	t.mu.Lock()
	if t.channelID == channelID && (t.state == StateConnected || t.state == StateConnecting) {
		t.mu.Unlock()
		return nil
	}
	old, cancel := t.teardownLocked()
	if t.channelID != channelID {
		t.outbox = nil
	}
	t.gen++
	gen := t.gen
	t.channelID = channelID
	t.attempts = 0
	t.state = StateConnecting
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if old != nil {
		_ = old.Close(CloseNormal, "switching channel")
	}
	return t.dial(ctx, gen)
}

// teardownLocked detaches the current connection and reconnect timer.
// The caller closes the returned conn after unlocking.
func (t *Transport) teardownLocked() (Conn, context.CancelFunc) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	conn, cancel := t.conn, t.cancel
	t.conn, t.cancel = nil, nil
	return conn, cancel
}

func (t *Transport) dial(ctx context.Context, gen uint64) error {
	t.mu.Lock()
	channelID := t.channelID
	t.mu.Unlock()

	endpoint := t.endpoint(channelID)
	conn, err := t.config.Dialer.Dial(ctx, endpoint)

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close(CloseNormal, "superseded")
		}
		return nil
	}
	if err != nil {
		t.state = StateDisconnected
		t.mu.Unlock()
		err = fmt.Errorf("websocket dial: %w", err)
		t.logger.Warn("realtime connect failed", "channel_id", channelID, "error", err)
		t.events.emit(EventError, Event{Type: EventError, ChannelID: channelID, Err: err})
		t.scheduleReconnect(gen)
		return err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	t.conn = conn
	t.cancel = cancel
	t.state = StateConnected
	t.attempts = 0
	queued := t.outbox
	t.outbox = nil
	t.mu.Unlock()

	t.logger.Info("realtime connected", "channel_id", channelID)
	go t.heartbeatLoop(connCtx, conn, gen)
	for _, f := range queued {
		if err := t.Send(connCtx, f); err != nil {
			t.logger.Warn("outbox flush failed", "type", f.Type, "error", err)
		}
	}
	t.events.emit(EventConnected, Event{Type: EventConnected, ChannelID: channelID})
	go t.readLoop(connCtx, conn, gen)
	return nil
}

// Disconnect closes the connection with a normal close and cancels any
// pending reconnect. It is safe to call repeatedly.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	conn, cancel := t.teardownLocked()
	t.gen++
	channelID := t.channelID
	t.channelID = ""
	t.state = StateDisconnected
	t.attempts = 0
	t.outbox = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return
	}
	if err := conn.Close(CloseNormal, "client disconnect"); err != nil {
		t.logger.Debug("realtime close", "channel_id", channelID, "error", err)
	}
	t.logger.Info("realtime disconnected", "channel_id", channelID)
	t.events.emit(EventDisconnected, Event{
		Type:      EventDisconnected,
		ChannelID: channelID,
		Code:      CloseNormal,
		Reason:    "client disconnect",
	})
}

// Send writes f to the open connection, stamping the timestamp and the
// bound channel id. It returns ErrNotConnected when no connection is open;
// with an outbox configured the frame is then queued for the next connect.
func (t *Transport) Send(ctx context.Context, f Frame) error {
	t.mu.Lock()
	if f.ChannelID == "" {
		f.ChannelID = t.channelID
	}
	conn := t.conn
	if t.state != StateConnected || conn == nil {
		queued := t.enqueueLocked(f)
		t.mu.Unlock()
		if !queued {
			t.config.Metrics.SendsDropped.WithLabelValues(f.Type).Inc()
			t.logger.Debug("send while disconnected", "type", f.Type)
		}
		return ErrNotConnected
	}
	t.mu.Unlock()

	if f.Timestamp == "" {
		f.Timestamp = time.Now().UTC().Format(timestampLayout)
	}
	return t.write(ctx, conn, f)
}

func (t *Transport) enqueueLocked(f Frame) bool {
	if t.config.OutboxSize <= 0 || f.Type == FrameHeartbeat || t.channelID == "" {
		return false
	}
	if len(t.outbox) >= t.config.OutboxSize {
		dropped := t.outbox[0]
		t.outbox = append(t.outbox[:0:0], t.outbox[1:]...)
		t.config.Metrics.SendsDropped.WithLabelValues(dropped.Type).Inc()
		t.logger.Warn("outbox full, dropping oldest frame", "type", dropped.Type)
	}
	t.outbox = append(t.outbox, f)
	return true
}

func (t *Transport) write(ctx context.Context, conn Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if err := conn.Write(ctx, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	t.config.Metrics.FramesSent.WithLabelValues(f.Type).Inc()
	return nil
}

// SendMessage sends a chat message tagged with a correlation token.
func (t *Transport) SendMessage(ctx context.Context, content, clientID string) error {
	return t.Send(ctx, Frame{Type: FrameChatMessage, Content: content, ClientID: clientID})
}

// SendTyping reports whether the local user is typing.
func (t *Transport) SendTyping(ctx context.Context, typing bool) error {
	content := TypingStopped
	if typing {
		content = TypingStarted
	}
	return t.Send(ctx, Frame{Type: FrameTyping, Content: content})
}

// SendReadReceipt reports that userID read messageID.
func (t *Transport) SendReadReceipt(ctx context.Context, messageID, userID ID) error {
	return t.Send(ctx, Frame{Type: FrameRead, MessageID: messageID, UserID: userID})
}

// SendReaction adds or removes a reaction.
func (t *Transport) SendReaction(ctx context.Context, messageID, userID ID, emoji string, action ReactionAction) error {
	return t.Send(ctx, Frame{
		Type:      FrameReaction,
		MessageID: messageID,
		UserID:    userID,
		Reaction:  emoji,
		Action:    string(action),
	})
}

func (t *Transport) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return gen == t.gen
}

func (t *Transport) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			t.handleClose(conn, gen, err)
			return
		}
		if !t.current(gen) {
			return
		}

		ev, err := translateFrame(data, time.Now())
		if err != nil {
			t.config.Metrics.FramesMalformed.Inc()
			t.logger.Debug("dropping malformed frame", "error", err)
			t.events.emit(EventError, Event{Type: EventError, ChannelID: t.ChannelID(), Err: err})
			continue
		}
		t.config.Metrics.FramesReceived.WithLabelValues(string(ev.Type)).Inc()
		if ev.ChannelID == "" {
			ev.ChannelID = t.ChannelID()
		}
		t.logger.Debug("realtime event", "type", ev.Type, "channel_id", ev.ChannelID)
		t.events.emit(ev.Type, ev)
	}
}

func (t *Transport) handleClose(conn Conn, gen uint64, err error) {
	t.mu.Lock()
	if gen != t.gen || t.conn != conn {
		t.mu.Unlock()
		return
	}
	cancel := t.cancel
	channelID := t.channelID
	t.conn, t.cancel = nil, nil
	t.state = StateDisconnected
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	code, reason := CloseAbnormal, err.Error()
	var ce *CloseError
	if errors.As(err, &ce) {
		code, reason = ce.Code, ce.Reason
	}
	t.logger.Info("realtime closed", "channel_id", channelID, "code", code, "reason", reason)
	t.events.emit(EventDisconnected, Event{
		Type:      EventDisconnected,
		ChannelID: channelID,
		Code:      code,
		Reason:    reason,
	})
	if code != CloseNormal {
		t.scheduleReconnect(gen)
	}
}

func (t *Transport) heartbeatLoop(ctx context.Context, conn Conn, gen uint64) {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.current(gen) {
				return
			}
			if err := t.write(ctx, conn, Frame{Type: FrameHeartbeat}); err != nil {
				t.logger.Debug("heartbeat failed", "error", err)
			}
		}
	}
}

// scheduleReconnect arms the next attempt with a delay of attempt × base.
// Once the budget is spent it reports ErrReconnectExhausted and stops.
func (t *Transport) scheduleReconnect(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.channelID == "" {
		t.mu.Unlock()
		return
	}
	channelID := t.channelID
	if t.attempts >= t.config.MaxReconnectAttempts {
		attempts := t.attempts
		t.state = StateDisconnected
		t.mu.Unlock()

		t.config.Metrics.ReconnectsExhausted.Inc()
		t.logger.Error("realtime reconnect gave up", "channel_id", channelID, "attempts", attempts)
		t.events.emit(EventError, Event{
			Type:      EventError,
			ChannelID: channelID,
			Err:       fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, attempts),
		})
		return
	}
	t.attempts++
	attempt := t.attempts
	delay := time.Duration(attempt) * t.config.ReconnectBaseDelay
	t.timer = time.AfterFunc(delay, func() { t.reconnect(gen) })
	t.mu.Unlock()

	t.config.Metrics.ReconnectAttempts.Inc()
	t.logger.Info("realtime reconnecting", "channel_id", channelID, "attempt", attempt, "delay", delay)
}

func (t *Transport) reconnect(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.state = StateConnecting
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.config.DialTimeout)
	defer cancel()
	_ = t.dial(ctx, gen)
}
