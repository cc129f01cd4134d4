package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ============================================================================
// Dependencies
// ============================================================================

// ChatAPI is the REST surface the Store needs. *Client implements it.
type ChatAPI interface {
	ListChannels(ctx context.Context) ([]Channel, error)
	ListUsers(ctx context.Context) ([]User, error)
	GetChannelMessages(ctx context.Context, channelID ID, opts *MessagesOptions) ([]Message, error)
	CreateChannel(ctx context.Context, req *CreateChannelRequest) (*Channel, error)
	SendMessage(ctx context.Context, channelID ID, content string) (*Message, error)
	MarkRead(ctx context.Context, channelID ID, messageIDs []ID) error
}

// Realtime is the WebSocket surface the Store needs. *Transport implements it.
type Realtime interface {
	Connect(ctx context.Context, channelID ID) error
	Disconnect()
	ChannelID() ID
	State() ConnState
	On(typ EventType, fn func(Event)) func()
	SendMessage(ctx context.Context, content, clientID string) error
	SendTyping(ctx context.Context, typing bool) error
	SendReadReceipt(ctx context.Context, messageID, userID ID) error
	SendReaction(ctx context.Context, messageID, userID ID, emoji string, action ReactionAction) error
}

var (
	ErrNoChannelSelected = errors.New("no channel selected")
	ErrEmptyMessage      = errors.New("message is empty")
	ErrNoParticipants    = errors.New("no participants")
)

// Messages stored in State.Error.
const (
	ErrMsgLoadChatData = "Failed to load chat data"
	ErrMsgLoadChannel  = "Failed to load channel"
	ErrMsgLoadMore     = "Failed to load more messages"
	ErrMsgStartChat    = "Failed to start new chat"
	ErrMsgLoadUsers    = "Failed to load users"
	ErrMsgMarkRead     = "Failed to mark messages as read"
)

const (
	maxGroupNameLength   = 50
	systemUserID         = ID("system")
	systemMessagePrefix  = "System: "
	fallbackNameIDLength = 4
)

// ============================================================================
// Options
// ============================================================================

type StoreOption func(*Store)

// WithDuplicateWindow sets how close in time two equal messages must be to
// count as the same send.
func WithDuplicateWindow(d time.Duration) StoreOption {
	return func(s *Store) { s.window = d }
}

// WithTypingTTL makes typing indicators expire d after the last event.
// Zero keeps them until a "stopped" event.
func WithTypingTTL(d time.Duration) StoreOption {
	return func(s *Store) { s.typingTTL = d }
}

// WithTypingRate limits how often "typing" frames go out. "Stopped" frames
// are never limited.
func WithTypingRate(limit rate.Limit, burst int) StoreOption {
	return func(s *Store) { s.typingLimiter = rate.NewLimiter(limit, burst) }
}

// WithAutoSelectFirst makes Load select the first channel.
func WithAutoSelectFirst(on bool) StoreOption {
	return func(s *Store) { s.autoSelect = on }
}

func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

func WithStoreMetrics(m *Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// ============================================================================
// Store
// ============================================================================

// Store owns the chat state: channels, users, one ordered timeline per
// channel, typing and presence. All mutation goes through its methods.
//
// The Store never holds its lock while calling ChatAPI or Realtime.
// OnChange listeners run on the goroutine that made the change, one at a
// time, and never see a snapshot older than one already delivered. They
// must not block or change the Store.
type Store struct {
	api     ChatAPI
	rt      Realtime
	logger  *slog.Logger
	metrics *Metrics
	changes *registry[struct{}, State]
	now     func() time.Time

	window        time.Duration
	typingTTL     time.Duration
	typingLimiter *rate.Limiter
	autoSelect    bool

	// bindMu serializes realtime rebinding.
	bindMu  sync.Mutex
	unsubs  []func()
	boundTo ID

	// emitMu orders OnChange deliveries; emitted is the last revision sent.
	emitMu  sync.Mutex
	emitted uint64

	mu        sync.Mutex
	state     State
	typingAt  map[ID]map[ID]time.Time
	selectGen uint64
	bound     uint64
	rev       uint64
}

// NewStore creates a Store for currentUser.
func NewStore(api ChatAPI, rt Realtime, currentUser User, opts ...StoreOption) *Store {
	s := &Store{
		api:           api,
		rt:            rt,
		now:           time.Now,
		window:        DefaultDuplicateWindow,
		typingLimiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
		state: State{
			CurrentUser: currentUser,
			Messages:    make(map[ID][]Message),
			OnlineUsers: make(map[ID]bool),
		},
		typingAt: make(map[ID]map[ID]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	s.changes = newRegistry[struct{}, State](s.logger)
	return s
}

// OnChange registers fn to receive a snapshot after every change.
func (s *Store) OnChange(fn func(State)) func() {
	return s.changes.on(struct{}{}, fn)
}

func (s *Store) notify() {
	if s.changes.count(struct{}{}) == 0 {
		return
	}
	s.mu.Lock()
	s.rev++
	rev := s.rev
	st := s.snapshotLocked()
	s.mu.Unlock()

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if rev <= s.emitted {
		// a later snapshot already went out and includes this change
		return
	}
	s.emitted = rev
	s.changes.emit(struct{}{}, st)
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() State {
	out := State{
		Channels:         append([]Channel(nil), s.state.Channels...),
		Users:            append([]User(nil), s.state.Users...),
		CurrentUser:      s.state.CurrentUser,
		CurrentChannelID: s.state.CurrentChannelID,
		Messages:         make(map[ID][]Message, len(s.state.Messages)),
		TypingUsers:      make(map[ID]map[ID]bool, len(s.typingAt)),
		OnlineUsers:      make(map[ID]bool, len(s.state.OnlineUsers)),
		IsLoading:        s.state.IsLoading,
		Error:            s.state.Error,
	}
	for id, tl := range s.state.Messages {
		out.Messages[id] = cloneTimeline(tl)
	}
	now := s.now()
	for ch, users := range s.typingAt {
		set := make(map[ID]bool, len(users))
		for u, at := range users {
			if s.typingTTL > 0 && now.Sub(at) > s.typingTTL {
				continue
			}
			set[u] = true
		}
		if len(set) > 0 {
			out.TypingUsers[ch] = set
		}
	}
	for id, on := range s.state.OnlineUsers {
		out.OnlineUsers[id] = on
	}
	return out
}

func cloneTimeline(tl []Message) []Message {
	out := make([]Message, len(tl))
	for i, m := range tl {
		out[i] = m.clone()
	}
	return out
}

// Timeline returns a copy of one channel's messages in display order.
func (s *Store) Timeline(channelID ID) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTimeline(s.state.Messages[channelID])
}

// IsUserOnline reports whether userID is present.
func (s *Store) IsUserOnline(userID ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.OnlineUsers[userID]
}

// fail records msg as the visible error and clears the loading flag.
func (s *Store) fail(msg string, err error) {
	s.logger.Warn(strings.ToLower(msg), "error", err)
	s.mu.Lock()
	s.state.Error = msg
	s.state.IsLoading = false
	s.mu.Unlock()
	s.notify()
}

// decorateLocked fills in what the server may leave out: the author
// record, ownership and channel.
func (s *Store) decorateLocked(m *Message, channelID ID) {
	if m.ChannelID == "" {
		m.ChannelID = channelID
	}
	if m.UserID == "" && m.User != nil {
		m.UserID = m.User.ID
	}
	if m.User == nil {
		if u, ok := s.userLocked(m.UserID); ok {
			m.User = &u
		}
	}
	if m.UserID != "" && m.UserID == s.state.CurrentUser.ID {
		m.IsOwn = true
	}
}

func (s *Store) userLocked(id ID) (User, bool) {
	if id == "" {
		return User{}, false
	}
	if id == s.state.CurrentUser.ID {
		return s.state.CurrentUser, true
	}
	for _, u := range s.state.Users {
		if u.ID == id {
			return u, true
		}
	}
	return User{}, false
}

func (s *Store) channelLocked(id ID) (int, bool) {
	for i, c := range s.state.Channels {
		if c.ID == id {
			return i, true
		}
	}
	return -1, false
}

func (s *Store) messageLocked(channelID, messageID ID) (*Message, bool) {
	tl := s.state.Messages[channelID]
	for i := range tl {
		if tl[i].ID == messageID {
			return &tl[i], true
		}
	}
	return nil, false
}

// ── Loading ───────────────────────────────────────────────

// Load fetches channels and users in parallel.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	s.state.IsLoading = true
	s.state.Error = ""
	s.mu.Unlock()
	s.notify()

	var channels []Channel
	var users []User
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		channels, err = s.api.ListChannels(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		users, err = s.api.ListUsers(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		s.fail(ErrMsgLoadChatData, err)
		return err
	}

	s.mu.Lock()
	s.state.Channels = channels
	s.state.Users = users
	for _, u := range users {
		if u.IsOnline {
			s.state.OnlineUsers[u.ID] = true
		}
	}
	s.state.IsLoading = false
	first := ID("")
	if s.autoSelect && s.state.CurrentChannelID == "" && len(channels) > 0 {
		first = channels[0].ID
	}
	s.mu.Unlock()
	s.logger.Info("chat data loaded", "channels", len(channels), "users", len(users))
	s.notify()

	if first != "" {
		return s.SelectChannel(ctx, first)
	}
	return nil
}

// RefreshUsers reloads the user directory.
func (s *Store) RefreshUsers(ctx context.Context) ([]User, error) {
	users, err := s.api.ListUsers(ctx)
	if err != nil {
		s.fail(ErrMsgLoadUsers, err)
		return nil, err
	}
	s.mu.Lock()
	s.state.Users = users
	for _, u := range users {
		if u.IsOnline {
			s.state.OnlineUsers[u.ID] = true
		}
	}
	s.mu.Unlock()
	s.notify()
	return append([]User(nil), users...), nil
}

// SelectChannel makes id the current channel, rebinds realtime to it and
// merges its history into the timeline. An unknown id clears the selection
// without touching the network.
func (s *Store) SelectChannel(ctx context.Context, id ID) error {
	s.mu.Lock()
	s.selectGen++
	gen := s.selectGen
	if _, ok := s.channelLocked(id); !ok {
		s.state.CurrentChannelID = ""
		s.state.IsLoading = false
		s.mu.Unlock()
		s.logger.Debug("select unknown channel", "channel_id", id)
		s.notify()
		return nil
	}
	s.state.CurrentChannelID = id
	s.state.IsLoading = true
	s.state.Error = ""
	if _, ok := s.state.Messages[id]; !ok {
		s.state.Messages[id] = []Message{}
	}
	s.mu.Unlock()
	s.notify()

	s.bind(ctx, id)

	msgs, err := s.api.GetChannelMessages(ctx, id, nil)

	s.mu.Lock()
	if gen != s.selectGen {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		s.fail(ErrMsgLoadChannel, err)
		return err
	}
	for i := range msgs {
		s.decorateLocked(&msgs[i], id)
	}
	sortTimeline(msgs)
	s.state.Messages[id], _ = mergeHistory(s.state.Messages[id], msgs, s.window)
	s.state.IsLoading = false
	s.mu.Unlock()
	s.logger.Debug("channel history loaded", "channel_id", id, "messages", len(msgs))
	s.notify()
	return nil
}

// LoadMoreMessages pages in history older than the oldest confirmed
// message and returns how many new messages arrived.
func (s *Store) LoadMoreMessages(ctx context.Context) (int, error) {
	s.mu.Lock()
	id := s.state.CurrentChannelID
	var oldest ID
	for _, m := range s.state.Messages[id] {
		if !m.IsTentative() {
			oldest = m.ID
			break
		}
	}
	s.mu.Unlock()
	if id == "" {
		return 0, ErrNoChannelSelected
	}
	if oldest == "" {
		return 0, nil
	}

	msgs, err := s.api.GetChannelMessages(ctx, id, &MessagesOptions{Before: oldest})
	if err != nil {
		s.fail(ErrMsgLoadMore, err)
		return 0, err
	}

	s.mu.Lock()
	for i := range msgs {
		s.decorateLocked(&msgs[i], id)
	}
	var added int
	s.state.Messages[id], added = mergeHistory(s.state.Messages[id], msgs, s.window)
	s.mu.Unlock()
	if added > 0 {
		s.notify()
	}
	return added, nil
}

// ── Realtime binding ──────────────────────────────────────

// bind drops the previous channel's listeners, disconnects, subscribes for
// channelID and connects. It does nothing while the transport is already
// connected or connecting to channelID for this Store. A failed connect is
// left to the transport's retry policy.
func (s *Store) bind(ctx context.Context, channelID ID) {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()

	if s.boundTo == channelID && s.rt.ChannelID() == channelID {
		if st := s.rt.State(); st == StateConnected || st == StateConnecting {
			s.logger.Debug("realtime already bound", "channel_id", channelID)
			return
		}
	}

	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.boundTo = ""
	s.rt.Disconnect()

	s.mu.Lock()
	s.bound++
	gen := s.bound
	s.mu.Unlock()
	s.boundTo = channelID

	on := func(typ EventType, fn func(ID, Event)) {
		s.unsubs = append(s.unsubs, s.rt.On(typ, func(ev Event) {
			if !s.isBound(gen) {
				return
			}
			target := ev.ChannelID
			if target == "" {
				target = channelID
			}
			fn(target, ev)
		}))
	}
	on(EventMessage, s.handleMessage)
	on(EventTyping, s.handleTyping)
	on(EventUserOnline, s.handlePresence)
	on(EventUserOffline, s.handlePresence)
	on(EventMessageRead, s.handleRead)
	on(EventReaction, s.handleReaction)
	on(EventError, s.handleError)
	on(EventConnected, s.handleConnected)
	on(EventUnknown, s.handleUnknown)

	if err := s.rt.Connect(ctx, channelID); err != nil {
		s.logger.Warn("realtime connect failed, retrying in background", "channel_id", channelID, "error", err)
	}
}

func (s *Store) isBound(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound == gen
}

// Close drops realtime listeners and disconnects.
func (s *Store) Close() {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.boundTo = ""
	s.mu.Lock()
	s.bound++
	s.mu.Unlock()
	s.rt.Disconnect()
}

// ── Inbound events ────────────────────────────────────────

func (s *Store) handleMessage(channelID ID, ev Event) {
	s.mu.Lock()
	msg, ok := s.inboundMessageLocked(channelID, ev)
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("ignoring message event", "channel_id", channelID, "frame_type", frameType(ev))
		return
	}
	tl, outcome := reconcileMessage(s.state.Messages[msg.ChannelID], msg, s.window)
	s.state.Messages[msg.ChannelID] = tl
	if outcome != outcomeDuplicate {
		if i, ok := s.channelLocked(msg.ChannelID); ok {
			last := msg.clone()
			s.state.Channels[i].LastMessage = &last
		}
	}
	s.mu.Unlock()

	s.metrics.Reconciled.WithLabelValues(string(outcome)).Inc()
	s.logger.Debug("message reconciled", "channel_id", msg.ChannelID, "message_id", msg.ID, "outcome", outcome)
	if outcome != outcomeDuplicate {
		s.notify()
	}
}

// inboundMessageLocked normalizes the payload shapes a message event can
// carry: a bare string, a nested message object, or flat chat.message
// fields.
func (s *Store) inboundMessageLocked(channelID ID, ev Event) (Message, bool) {
	now := s.now().UTC()
	if ev.Frame == nil {
		if ev.Text == "" {
			return Message{}, false
		}
		return Message{
			ID:          ID("system-" + uuid.NewString()),
			ChannelID:   channelID,
			Content:     systemMessagePrefix + ev.Text,
			ContentType: "system",
			CreatedAt:   now,
			UpdatedAt:   now,
			UserID:      systemUserID,
			User:        &User{ID: systemUserID, Username: "System"},
		}, true
	}

	f := ev.Frame
	if len(f.Message) > 0 && string(f.Message) != "null" {
		var m Message
		if err := json.Unmarshal(f.Message, &m); err != nil {
			s.logger.Debug("undecodable message payload", "error", err)
			return Message{}, false
		}
		if m.ID == "" && m.Content == "" {
			return Message{}, false
		}
		if m.ID == "" {
			m.ID = ID(uuid.NewString())
		}
		if m.ClientID == "" {
			m.ClientID = f.ClientID
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		s.decorateLocked(&m, channelID)
		return m, true
	}

	if f.Type != FrameChatMessage || f.Content == "" {
		return Message{}, false
	}
	id := f.ID
	if id == "" {
		id = f.MessageID
	}
	if id == "" {
		id = ID(uuid.NewString())
	}
	m := Message{
		ID:          id,
		ChannelID:   channelID,
		Content:     f.Content,
		ContentType: f.ContentType,
		CreatedAt:   f.time(now),
		UserID:      f.author(),
		ClientID:    f.ClientID,
	}
	if m.ContentType == "" {
		m.ContentType = "text"
	}
	m.UpdatedAt = m.CreatedAt
	if u, ok := s.userLocked(m.UserID); ok {
		m.User = &u
	} else if u, ok := embeddedUser(f.User, f.Sender); ok {
		m.User = &u
		if m.UserID == "" {
			m.UserID = u.ID
		}
	} else {
		m.User = &User{ID: m.UserID, Username: fallbackName(m.UserID, f.Username)}
	}
	m.IsOwn = m.UserID != "" && m.UserID == s.state.CurrentUser.ID
	return m, true
}

func frameType(ev Event) string {
	if ev.Frame == nil {
		return ""
	}
	return ev.Frame.Type
}

func (s *Store) handleUnknown(channelID ID, ev Event) {
	s.logger.Debug("unhandled frame", "channel_id", channelID, "frame_type", frameType(ev))
}

func embeddedUser(raws ...json.RawMessage) (User, bool) {
	for _, raw := range raws {
		if len(raw) == 0 {
			continue
		}
		var u User
		if json.Unmarshal(raw, &u) == nil && u.ID != "" {
			return u, true
		}
	}
	return User{}, false
}

func fallbackName(id ID, username string) string {
	if username != "" {
		return username
	}
	short := string(id)
	if len(short) > fallbackNameIDLength {
		short = short[:fallbackNameIDLength]
	}
	return "User " + short
}

func (s *Store) handleTyping(channelID ID, ev Event) {
	t := ev.Typing
	if t == nil || t.UserID == "" {
		return
	}
	s.mu.Lock()
	if t.UserID == s.state.CurrentUser.ID {
		s.mu.Unlock()
		return
	}
	users := s.typingAt[channelID]
	if t.IsTyping {
		if users == nil {
			users = make(map[ID]time.Time)
			s.typingAt[channelID] = users
		}
		users[t.UserID] = s.now()
	} else {
		delete(users, t.UserID)
		if len(users) == 0 {
			delete(s.typingAt, channelID)
		}
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Store) handlePresence(_ ID, ev Event) {
	p := ev.Presence
	if p == nil || p.UserID == "" {
		return
	}
	online := ev.Type == EventUserOnline
	s.mu.Lock()
	if online {
		s.state.OnlineUsers[p.UserID] = true
	} else {
		delete(s.state.OnlineUsers, p.UserID)
	}
	for i := range s.state.Users {
		if s.state.Users[i].ID == p.UserID {
			s.state.Users[i].IsOnline = online
		}
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Store) handleRead(channelID ID, ev Event) {
	rc := ev.Read
	if rc == nil || rc.MessageID == "" {
		return
	}
	s.mu.Lock()
	changed := false
	if m, ok := s.messageLocked(channelID, rc.MessageID); ok {
		changed = UpsertReceipt(m, *rc)
		if rc.UserID == s.state.CurrentUser.ID && !m.IsRead {
			m.IsRead = true
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

func (s *Store) handleReaction(channelID ID, ev Event) {
	re := ev.Reaction
	if re == nil || re.Reaction.MessageID == "" {
		return
	}
	s.mu.Lock()
	changed := false
	if m, ok := s.messageLocked(channelID, re.Reaction.MessageID); ok {
		if re.Action == ReactionRemove {
			changed = RemoveReaction(m, re.Reaction.UserID, re.Reaction.Emoji)
		} else {
			changed = AddReaction(m, re.Reaction)
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

func (s *Store) handleError(channelID ID, ev Event) {
	if ev.Err == nil {
		return
	}
	s.logger.Debug("realtime error", "channel_id", channelID, "error", ev.Err)
	s.mu.Lock()
	s.state.Error = ev.Err.Error()
	s.mu.Unlock()
	s.notify()
}

func (s *Store) handleConnected(ID, Event) {
	s.mu.Lock()
	cleared := s.state.Error != ""
	s.state.Error = ""
	s.mu.Unlock()
	if cleared {
		s.notify()
	}
}

// ── Outbound operations ───────────────────────────────────

// SendMessage shows content immediately as a tentative message, then
// transmits it. A failed transmit is logged; the tentative message stays
// until a matching echo replaces it.
func (s *Store) SendMessage(ctx context.Context, content string) (*Message, error) {
	s.mu.Lock()
	channelID := s.state.CurrentChannelID
	me := s.state.CurrentUser
	s.mu.Unlock()

	if channelID == "" {
		return nil, ErrNoChannelSelected
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}

	msg, err := s.api.SendMessage(ctx, channelID, content)
	if err != nil {
		return nil, err
	}
	msg.UserID = me.ID
	msg.User = &me
	msg.IsOwn = true

	s.mu.Lock()
	s.state.Messages[channelID] = insertSorted(s.state.Messages[channelID], msg.clone())
	s.mu.Unlock()
	s.notify()

	if err := s.rt.SendMessage(ctx, content, msg.ClientID); err != nil {
		s.logger.Warn("message not transmitted", "channel_id", channelID, "message_id", msg.ID, "error", err)
	}
	out := msg.clone()
	return &out, nil
}

// SetTyping reports the local user's typing state to the channel.
func (s *Store) SetTyping(ctx context.Context, typing bool) error {
	s.mu.Lock()
	channelID := s.state.CurrentChannelID
	s.mu.Unlock()
	if channelID == "" {
		return ErrNoChannelSelected
	}
	if typing && !s.typingLimiter.Allow() {
		return nil
	}
	return s.rt.SendTyping(ctx, typing)
}

// AddReaction reacts to a message in the current channel.
func (s *Store) AddReaction(ctx context.Context, messageID ID, emoji string) error {
	return s.react(ctx, messageID, emoji, ReactionAdd)
}

// RemoveReaction withdraws the current user's reaction.
func (s *Store) RemoveReaction(ctx context.Context, messageID ID, emoji string) error {
	return s.react(ctx, messageID, emoji, ReactionRemove)
}

func (s *Store) react(ctx context.Context, messageID ID, emoji string, action ReactionAction) error {
	s.mu.Lock()
	channelID := s.state.CurrentChannelID
	me := s.state.CurrentUser.ID
	if channelID == "" {
		s.mu.Unlock()
		return ErrNoChannelSelected
	}
	changed := false
	if m, ok := s.messageLocked(channelID, messageID); ok {
		if action == ReactionRemove {
			changed = RemoveReaction(m, me, emoji)
		} else {
			changed = AddReaction(m, Reaction{MessageID: messageID, UserID: me, Emoji: emoji, CreatedAt: s.now().UTC()})
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}

	if err := s.rt.SendReaction(ctx, messageID, me, emoji, action); err != nil {
		return fmt.Errorf("send reaction: %w", err)
	}
	return nil
}

// MarkAsRead records that the current user read messageID and tells the
// channel.
func (s *Store) MarkAsRead(ctx context.Context, messageID ID) error {
	s.mu.Lock()
	channelID := s.state.CurrentChannelID
	me := s.state.CurrentUser.ID
	if channelID == "" {
		s.mu.Unlock()
		return ErrNoChannelSelected
	}
	changed := s.markReadLocked(channelID, messageID, me)
	s.mu.Unlock()
	if changed {
		s.notify()
	}

	if err := s.rt.SendReadReceipt(ctx, messageID, me); err != nil {
		return fmt.Errorf("send read receipt: %w", err)
	}
	return nil
}

func (s *Store) markReadLocked(channelID, messageID, userID ID) bool {
	m, ok := s.messageLocked(channelID, messageID)
	if !ok {
		return false
	}
	changed := !m.IsRead
	m.IsRead = true
	if UpsertReceipt(m, ReadReceipt{MessageID: messageID, UserID: userID, ReadAt: s.now().UTC()}) {
		changed = true
	}
	return changed
}

// MarkMessagesAsRead marks several messages read locally and on the server.
func (s *Store) MarkMessagesAsRead(ctx context.Context, messageIDs []ID) error {
	if len(messageIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	channelID := s.state.CurrentChannelID
	me := s.state.CurrentUser.ID
	if channelID == "" {
		s.mu.Unlock()
		return ErrNoChannelSelected
	}
	for _, id := range messageIDs {
		s.markReadLocked(channelID, id, me)
	}
	if i, ok := s.channelLocked(channelID); ok {
		s.state.Channels[i].UnreadCount = 0
	}
	s.mu.Unlock()
	s.notify()

	if err := s.api.MarkRead(ctx, channelID, messageIDs); err != nil {
		s.fail(ErrMsgMarkRead, err)
		return err
	}
	return nil
}

// StartNewChat opens a conversation with userIDs. One id reuses an
// existing direct channel when there is one; several ids create a group,
// named after its members when name is empty.
func (s *Store) StartNewChat(ctx context.Context, userIDs []ID, name string) (*Channel, error) {
	if len(userIDs) == 0 {
		return nil, ErrNoParticipants
	}

	if len(userIDs) == 1 {
		s.mu.Lock()
		var existing *Channel
		for _, c := range s.state.Channels {
			if c.IsDirectWith(userIDs[0]) {
				found := c
				existing = &found
				break
			}
		}
		s.mu.Unlock()
		if existing != nil {
			s.logger.Debug("reusing direct channel", "channel_id", existing.ID)
			return existing, s.SelectChannel(ctx, existing.ID)
		}
	}

	req := &CreateChannelRequest{
		ChannelType:  ChannelDirect,
		Participants: append([]ID(nil), userIDs...),
	}
	if len(userIDs) > 1 {
		req.ChannelType = ChannelGroup
		req.Name = name
		if req.Name == "" {
			req.Name = s.groupName(userIDs)
		}
	}

	s.mu.Lock()
	s.state.IsLoading = true
	s.mu.Unlock()

	ch, err := s.api.CreateChannel(ctx, req)
	if err != nil {
		s.fail(ErrMsgStartChat, err)
		return nil, err
	}

	s.mu.Lock()
	channels := make([]Channel, 0, len(s.state.Channels)+1)
	channels = append(channels, *ch)
	for _, c := range s.state.Channels {
		if c.ID != ch.ID {
			channels = append(channels, c)
		}
	}
	s.state.Channels = channels
	s.mu.Unlock()
	s.logger.Info("chat started", "channel_id", ch.ID, "channel_type", ch.ChannelType)
	s.notify()

	out := *ch
	return &out, s.SelectChannel(ctx, ch.ID)
}

func (s *Store) groupName(userIDs []ID) string {
	s.mu.Lock()
	names := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if u, ok := s.userLocked(id); ok {
			names = append(names, u.DisplayName())
		} else {
			names = append(names, "User "+string(id))
		}
	}
	s.mu.Unlock()

	name := "Group: " + strings.Join(names, ", ")
	if utf8.RuneCountInString(name) <= maxGroupNameLength {
		return name
	}
	runes := []rune(name)
	return string(runes[:maxGroupNameLength-3]) + "..."
}
