package chatsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Wire frames
// ============================================================================

// Wire frame types.
const (
	FrameChatMessage = "chat.message"
	FrameTyping      = "typing.status"
	FrameRead        = "message.read"
	FrameReaction    = "message.reaction"
	FrameUserJoin    = "user.join"
	FrameUserLeave   = "user.leave"
	FrameHeartbeat   = "heartbeat"
)

// Typing frame contents.
const (
	TypingStarted = "typing"
	TypingStopped = "stopped_typing"
)

// timestampLayout matches what browsers produce for Date.toISOString.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Frame is a WebSocket payload in either direction. Only the fields the
// frame type uses are set.
type Frame struct {
	Type        string          `json:"type"`
	ID          ID              `json:"id,omitempty"`
	Content     string          `json:"content,omitempty"`
	ContentType string          `json:"content_type,omitempty"`
	ChannelID   ID              `json:"channel_id,omitempty"`
	MessageID   ID              `json:"message_id,omitempty"`
	UserID      ID              `json:"user_id,omitempty"`
	SenderID    ID              `json:"sender_id,omitempty"`
	Username    string          `json:"username,omitempty"`
	Reaction    string          `json:"reaction,omitempty"`
	Action      string          `json:"action,omitempty"`
	ClientID    string          `json:"client_id,omitempty"`
	IsTyping    *bool           `json:"is_typing,omitempty"`
	CreatedAt   string          `json:"created_at,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty"`
	User        json.RawMessage `json:"user,omitempty"`
	Sender      json.RawMessage `json:"sender,omitempty"`
	Message     json.RawMessage `json:"message,omitempty"`
}

// author returns the sender id, whichever field the server used.
func (f *Frame) author() ID {
	if f.UserID != "" {
		return f.UserID
	}
	return f.SenderID
}

// time returns the frame timestamp, or now when it is missing or unparsable.
func (f *Frame) time(now time.Time) time.Time {
	for _, s := range []string{f.Timestamp, f.CreatedAt} {
		if s == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	return now
}

// ============================================================================
// Events
// ============================================================================

// EventType names what a Transport listener receives.
type EventType string

const (
	EventMessage      EventType = "message"
	EventTyping       EventType = "typing"
	EventUserOnline   EventType = "user_online"
	EventUserOffline  EventType = "user_offline"
	EventMessageRead  EventType = "message_read"
	EventReaction     EventType = "reaction"
	EventError        EventType = "error"
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	// EventUnknown carries object frames of a type the client does not
	// handle and without a nested message.
	EventUnknown EventType = "unknown"
)

// ReactionAction is "add" or "remove".
type ReactionAction string

const (
	ReactionAdd    ReactionAction = "add"
	ReactionRemove ReactionAction = "remove"
)

// TypingEvent reports a user starting or stopping typing.
type TypingEvent struct {
	UserID   ID
	Username string
	IsTyping bool
	At       time.Time
}

// PresenceEvent reports a user joining or leaving.
type PresenceEvent struct {
	UserID   ID
	Username string
}

// ReactionEvent reports a reaction being added or removed.
type ReactionEvent struct {
	Reaction Reaction
	Username string
	Action   ReactionAction
}

// Event is what the Transport dispatches. Which payload field is set
// depends on Type.
type Event struct {
	Type      EventType
	ChannelID ID

	// Frame is the decoded object for message events.
	Frame *Frame
	// Text is set instead of Frame when the server sent a bare JSON string.
	Text string

	Typing   *TypingEvent
	Presence *PresenceEvent
	Read     *ReadReceipt
	Reaction *ReactionEvent

	// Err is set for error events.
	Err error
	// Code and Reason are set for disconnected events.
	Code   int
	Reason string
}

// ErrMalformedFrame is carried by error events for frames that are not a
// JSON object or string.
var ErrMalformedFrame = errors.New("malformed frame")

// translateFrame turns one inbound payload into the event listeners see.
func translateFrame(data []byte, now time.Time) (Event, error) {
	raw := bytes.TrimSpace(data)
	if len(raw) == 0 || !json.Valid(raw) {
		return Event{}, fmt.Errorf("%w: not JSON", ErrMalformedFrame)
	}

	switch raw[0] {
	case '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return Event{Type: EventMessage, Text: text}, nil
	case '{':
	default:
		return Event{}, fmt.Errorf("%w: unexpected JSON %s", ErrMalformedFrame, kindOf(raw[0]))
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	ev := Event{ChannelID: f.ChannelID}
	switch f.Type {
	case FrameTyping:
		typing := f.Content == TypingStarted
		if f.IsTyping != nil {
			typing = *f.IsTyping
		}
		ev.Type = EventTyping
		ev.Typing = &TypingEvent{
			UserID:   f.author(),
			Username: f.Username,
			IsTyping: typing,
			At:       f.time(now),
		}
	case FrameUserJoin:
		ev.Type = EventUserOnline
		ev.Presence = &PresenceEvent{UserID: f.author(), Username: f.Username}
	case FrameUserLeave:
		ev.Type = EventUserOffline
		ev.Presence = &PresenceEvent{UserID: f.author(), Username: f.Username}
	case FrameRead:
		ev.Type = EventMessageRead
		ev.Read = &ReadReceipt{
			MessageID: f.MessageID,
			UserID:    f.author(),
			ReadAt:    f.time(now),
		}
	case FrameReaction:
		action := ReactionAction(f.Action)
		if action != ReactionRemove {
			action = ReactionAdd
		}
		ev.Type = EventReaction
		ev.Reaction = &ReactionEvent{
			Reaction: Reaction{
				MessageID: f.MessageID,
				UserID:    f.author(),
				Emoji:     f.Reaction,
				CreatedAt: f.time(now),
			},
			Username: f.Username,
			Action:   action,
		}
	case FrameChatMessage:
		ev.Type = EventMessage
		ev.Frame = &f
	default:
		ev.Type = EventUnknown
		if len(f.Message) > 0 && string(f.Message) != "null" {
			ev.Type = EventMessage
		}
		ev.Frame = &f
	}
	return ev, nil
}

func kindOf(b byte) string {
	switch b {
	case '[':
		return "array"
	case 'n':
		return "null"
	case 't', 'f':
		return "boolean"
	default:
		return "number"
	}
}
