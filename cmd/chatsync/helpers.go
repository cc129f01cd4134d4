package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang-jwt/jwt/v4"

	"github.com/LuminPulse-AI/chatsync"
)

const requestTimeout = 15 * time.Second

// ============================================================================
// Token claims
// ============================================================================

// tokenInfo is what the CLI reads from a JWT session token. The signature
// is not checked; the server does that.
type tokenInfo struct {
	UserID   string
	Username string
	Expires  time.Time
}

func parseToken(token string) (tokenInfo, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return tokenInfo{}, fmt.Errorf("token is not a JWT: %w", err)
	}
	info := tokenInfo{
		UserID:   claimString(claims, "user_id"),
		Username: claimString(claims, "username"),
	}
	if info.UserID == "" {
		info.UserID = claimString(claims, "sub")
	}
	if exp, ok := claims["exp"].(float64); ok {
		info.Expires = time.Unix(int64(exp), 0)
	}
	return info, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	}
	return ""
}

// ============================================================================
// Session
// ============================================================================

// session bundles the engine pieces a command needs.
type session struct {
	cfg    *Config
	client *chatsync.Client
	rt     *chatsync.Transport
	store  *chatsync.Store
}

// newClient creates a REST client from the config. It needs a token.
func newClient(cfg *Config) (*chatsync.Client, error) {
	if cfg.Auth.Token == "" {
		return nil, errors.New("no token configured; run 'chatsync login <token>' first")
	}
	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.Tenant != "" {
		opts = append(opts, chatsync.WithTenant(cfg.Default.Tenant))
	}
	return chatsync.NewClient(cfg.Auth.Token, opts...), nil
}

// openSession loads config and wires client, transport and store, then
// loads channels and users.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Auth.UserID == "" {
		return nil, errors.New("unknown user id; set auth.user_id or log in with a JWT")
	}

	wsURL := cfg.Default.WSURL
	if wsURL == "" {
		wsURL = deriveWSURL(cfg.Default.BaseURL)
	}
	rt := chatsync.NewTransport(chatsync.TransportConfig{
		URL:        wsURL,
		Token:      cfg.Auth.Token,
		OutboxSize: 16,
	})
	me := chatsync.User{ID: chatsync.ID(cfg.Auth.UserID), Username: cfg.Auth.Username}
	store := chatsync.NewStore(client, rt, me)

	if err := store.Load(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("load chat data: %w", err)
	}
	return &session{cfg: cfg, client: client, rt: rt, store: store}, nil
}

// open selects channelID, failing when the user cannot see it.
func (s *session) open(ctx context.Context, channelID string) error {
	id := chatsync.ID(channelID)
	if err := s.store.SelectChannel(ctx, id); err != nil {
		return err
	}
	if s.store.Snapshot().CurrentChannelID != id {
		return fmt.Errorf("channel %s not found", channelID)
	}
	return nil
}

func (s *session) Close() {
	s.store.Close()
}

// deriveWSURL guesses the WebSocket endpoint from the REST base URL: same
// host, path /ws/chat/{channel}/.
func deriveWSURL(base string) string {
	if base == "" {
		base = chatsync.DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	u.Path = "/ws/chat/{channel}/"
	u.RawQuery = ""
	return strings.Replace(u.String(), "%7Bchannel%7D", "{channel}", 1)
}

// ============================================================================
// Output
// ============================================================================

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatMessage(m chatsync.Message, me chatsync.ID) string {
	author := string(m.UserID)
	if m.User != nil {
		author = m.User.DisplayName()
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04:05"), author, m.Content)
	if m.IsTentative() {
		line += " (sending)"
	} else {
		line += fmt.Sprintf("  #%s", m.ID)
	}
	for _, g := range chatsync.GroupReactions(m, me) {
		line += fmt.Sprintf("  %s %d", g.Emoji, g.Count)
	}
	if n := len(m.ReadReceipts); n > 0 {
		line += fmt.Sprintf("  seen by %d", n)
	}
	return line
}

func channelLabel(c chatsync.Channel) string {
	name := c.Name
	if name == "" {
		name = "(direct)"
	}
	return name
}

func relTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}
