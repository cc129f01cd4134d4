package chatsync

import (
	"errors"
	"testing"
	"time"
)

func TestTranslateFrame(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("chat message", func(t *testing.T) {
		ev, err := translateFrame([]byte(`{"type":"chat.message","id":12,"content":"hi","user_id":3,"channel_id":"c1","client_id":"abc"}`), now)
		if err != nil {
			t.Fatalf("translateFrame: %v", err)
		}
		if ev.Type != EventMessage || ev.Frame == nil || ev.ChannelID != "c1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.Frame.ID != "12" || ev.Frame.UserID != "3" || ev.Frame.ClientID != "abc" {
			t.Fatalf("unexpected frame: %+v", ev.Frame)
		}
	})

	t.Run("typing by content and flag", func(t *testing.T) {
		cases := []struct {
			body string
			want bool
		}{
			{`{"type":"typing.status","content":"typing","user_id":4}`, true},
			{`{"type":"typing.status","content":"stopped_typing","user_id":4}`, false},
			{`{"type":"typing.status","is_typing":true,"user_id":4}`, true},
			{`{"type":"typing.status","content":"typing","is_typing":false,"user_id":4}`, false},
		}
		for _, tc := range cases {
			body, want := tc.body, tc.want
			ev, err := translateFrame([]byte(body), now)
			if err != nil {
				t.Fatalf("%s: %v", body, err)
			}
			if ev.Type != EventTyping || ev.Typing.IsTyping != want || ev.Typing.UserID != "4" {
				t.Fatalf("%s: unexpected typing event %+v", body, ev.Typing)
			}
		}
	})

	t.Run("presence", func(t *testing.T) {
		ev, _ := translateFrame([]byte(`{"type":"user.join","user_id":9,"username":"ada"}`), now)
		if ev.Type != EventUserOnline || ev.Presence.UserID != "9" || ev.Presence.Username != "ada" {
			t.Fatalf("unexpected join: %+v", ev)
		}
		ev, _ = translateFrame([]byte(`{"type":"user.leave","user_id":9}`), now)
		if ev.Type != EventUserOffline || ev.Presence.UserID != "9" {
			t.Fatalf("unexpected leave: %+v", ev)
		}
	})

	t.Run("read receipt defaults to now", func(t *testing.T) {
		ev, _ := translateFrame([]byte(`{"type":"message.read","message_id":5,"user_id":2,"channel_id":"c1"}`), now)
		if ev.Type != EventMessageRead || ev.Read.MessageID != "5" || ev.Read.UserID != "2" {
			t.Fatalf("unexpected read event: %+v", ev)
		}
		if !ev.Read.ReadAt.Equal(now) {
			t.Fatalf("expected read_at now, got %v", ev.Read.ReadAt)
		}

		ev, _ = translateFrame([]byte(`{"type":"message.read","message_id":5,"user_id":2,"timestamp":"2024-05-01T09:30:00.000Z"}`), now)
		if want := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC); !ev.Read.ReadAt.Equal(want) {
			t.Fatalf("expected %v, got %v", want, ev.Read.ReadAt)
		}
	})

	t.Run("reaction", func(t *testing.T) {
		ev, _ := translateFrame([]byte(`{"type":"message.reaction","message_id":5,"user_id":2,"reaction":"👍","action":"remove"}`), now)
		if ev.Type != EventReaction || ev.Reaction.Action != ReactionRemove || ev.Reaction.Reaction.Emoji != "👍" {
			t.Fatalf("unexpected reaction: %+v", ev.Reaction)
		}
		ev, _ = translateFrame([]byte(`{"type":"message.reaction","message_id":5,"user_id":2,"reaction":"🎉"}`), now)
		if ev.Reaction.Action != ReactionAdd {
			t.Fatalf("missing action should mean add, got %q", ev.Reaction.Action)
		}
	})

	t.Run("string frame", func(t *testing.T) {
		ev, err := translateFrame([]byte(`"Server restarting"`), now)
		if err != nil {
			t.Fatalf("translateFrame: %v", err)
		}
		if ev.Type != EventMessage || ev.Text != "Server restarting" || ev.Frame != nil {
			t.Fatalf("unexpected event: %+v", ev)
		}
	})

	t.Run("unknown type is not a message", func(t *testing.T) {
		for _, body := range []string{
			`{"type":"system.notice","content":"rate limited","user_id":2}`,
			`{"content":"no type at all"}`,
		} {
			ev, err := translateFrame([]byte(body), now)
			if err != nil {
				t.Fatalf("%s: translateFrame: %v", body, err)
			}
			if ev.Type != EventUnknown || ev.Frame == nil {
				t.Fatalf("%s: unexpected event: %+v", body, ev)
			}
		}
	})

	t.Run("nested message object of any type", func(t *testing.T) {
		ev, _ := translateFrame([]byte(`{"type":"chat.history","message":{"id":9,"content":"hi"}}`), now)
		if ev.Type != EventMessage || ev.Frame == nil || len(ev.Frame.Message) == 0 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		for _, body := range []string{`not json`, `{"type":`, `[1,2]`, `42`, `null`, ``} {
			if _, err := translateFrame([]byte(body), now); !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("%q: expected ErrMalformedFrame, got %v", body, err)
			}
		}
	})
}
