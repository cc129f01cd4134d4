package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// ID is an entity identifier. The backend uses integer ids for users and
// messages and UUID strings for channels, so ID decodes from either.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// APIError is returned for any REST response with status >= 400.
type APIError struct {
	StatusCode int    `json:"status"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s %s: %d: %s", e.Method, e.Path, e.StatusCode, msg)
}

// ============================================================================
// Users & Channels
// ============================================================================

// User is a chat participant.
type User struct {
	ID        ID         `json:"id"`
	Email     string     `json:"email,omitempty"`
	FirstName string     `json:"first_name,omitempty"`
	LastName  string     `json:"last_name,omitempty"`
	FullName  string     `json:"full_name,omitempty"`
	Username  string     `json:"username,omitempty"`
	IsOnline  bool       `json:"is_online"`
	AvatarURL string     `json:"avatar_url,omitempty"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	Status    string     `json:"status,omitempty"`
}

// DisplayName picks the most human-readable name available.
func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	if n := strings.TrimSpace(u.FirstName + " " + u.LastName); n != "" {
		return n
	}
	if u.Username != "" {
		return u.Username
	}
	return "User " + string(u.ID)
}

// ChannelType discriminates channels.
type ChannelType string

const (
	ChannelDirect           ChannelType = "direct"
	ChannelGroup            ChannelType = "group"
	ChannelContextualObject ChannelType = "contextual_object"
)

// Participation links a user to a channel with a role.
type Participation struct {
	ID        ID        `json:"id,omitempty"`
	User      *User     `json:"user,omitempty"`
	UserID    ID        `json:"user_id,omitempty"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

func (p Participation) userID() ID {
	if p.UserID != "" {
		return p.UserID
	}
	if p.User != nil {
		return p.User.ID
	}
	return ""
}

// Channel is a messaging context.
type Channel struct {
	ID                ID              `json:"id"`
	Name              string          `json:"name"`
	ChannelType       ChannelType     `json:"channel_type"`
	Participations    []Participation `json:"participations,omitempty"`
	LastMessage       *Message        `json:"last_message,omitempty"`
	UnreadCount       int             `json:"unread_count"`
	CreatedAt         time.Time       `json:"created_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at,omitempty"`
	ContextObjectType string          `json:"context_object_type,omitempty"`
	ContextObjectID   string          `json:"context_object_id,omitempty"`
}

// HasParticipant reports whether userID takes part in the channel.
func (c Channel) HasParticipant(userID ID) bool {
	for _, p := range c.Participations {
		if p.userID() == userID {
			return true
		}
	}
	return false
}

// IsDirectWith reports whether c is the direct channel shared with userID.
func (c Channel) IsDirectWith(userID ID) bool {
	return c.ChannelType == ChannelDirect && c.HasParticipant(userID)
}

// ============================================================================
// Messages
// ============================================================================

// TempIDPrefix marks ids the client assigned before server confirmation.
const TempIDPrefix = "temp-"

// Message is one entry of a channel timeline.
type Message struct {
	ID           ID            `json:"id"`
	ChannelID    ID            `json:"channel_id"`
	Content      string        `json:"content"`
	ContentType  string        `json:"content_type,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at,omitempty"`
	UserID       ID            `json:"user_id"`
	User         *User         `json:"user,omitempty"`
	IsOwn        bool          `json:"is_own"`
	IsRead       bool          `json:"is_read,omitempty"`
	FileURL      string        `json:"file_url,omitempty"`
	ParentID     ID            `json:"parent_id,omitempty"`
	Reactions    []Reaction    `json:"reactions,omitempty"`
	ReadReceipts []ReadReceipt `json:"read_receipts,omitempty"`

	// ClientID is the correlation token sent with the outbound frame.
	ClientID string `json:"client_id,omitempty"`
	// ReplacedID is the tentative id this message superseded, if any.
	ReplacedID ID `json:"-"`
}

// IsTentative reports whether m is still awaiting server confirmation.
func (m Message) IsTentative() bool {
	return strings.HasPrefix(string(m.ID), TempIDPrefix)
}

func (m Message) clone() Message {
	out := m
	if m.User != nil {
		u := *m.User
		out.User = &u
	}
	if m.Reactions != nil {
		out.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	if m.ReadReceipts != nil {
		out.ReadReceipts = append([]ReadReceipt(nil), m.ReadReceipts...)
	}
	return out
}

// Reaction is an emoji a user attached to a message.
type Reaction struct {
	MessageID ID        `json:"message_id"`
	UserID    ID        `json:"user_id"`
	Emoji     string    `json:"reaction"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ReadReceipt records that a user has seen a message.
type ReadReceipt struct {
	MessageID ID        `json:"message_id,omitempty"`
	UserID    ID        `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

// ============================================================================
// Store snapshot
// ============================================================================

// State is an immutable snapshot of everything the Store exposes.
type State struct {
	Channels         []Channel
	Users            []User
	CurrentUser      User
	CurrentChannelID ID
	Messages         map[ID][]Message
	TypingUsers      map[ID]map[ID]bool
	OnlineUsers      map[ID]bool
	IsLoading        bool
	Error            string
}

// CurrentChannel returns the selected channel, if any.
func (s State) CurrentChannel() (Channel, bool) {
	if s.CurrentChannelID == "" {
		return Channel{}, false
	}
	for _, c := range s.Channels {
		if c.ID == s.CurrentChannelID {
			return c, true
		}
	}
	return Channel{}, false
}
