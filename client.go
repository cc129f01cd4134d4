// Package chatsync is a client-side real-time chat synchronization engine.
//
// It reconciles optimistic local sends, REST-fetched history and WebSocket
// events into one ordered, duplicate-free timeline per channel.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://api.example.com/api/chat/acme"))
//	rt := chatsync.NewTransport(chatsync.TransportConfig{
//		URL:   "wss://ws.example.com/ws/chat/{channel}/",
//		Token: token,
//	})
//	store := chatsync.NewStore(client, rt, me)
//	defer store.Close()
//
//	_ = store.Load(ctx)
//	_ = store.SelectChannel(ctx, channelID)
//	_, _ = store.SendMessage(ctx, "hello")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	DefaultBaseURL = "http://localhost:8020/api/chat"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the Chat Data Client: REST access normalized to plain record
// lists regardless of the envelope the backend uses.
type Client struct {
	token      string
	baseURL    string
	tenant     string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *Metrics
	validate   *validator.Validate
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTenant inserts a tenant slug between the base URL and every path.
func WithTenant(slug string) ClientOption {
	return func(c *Client) { c.tenant = strings.Trim(slug, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client that sends token as a bearer credential.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	return c
}

// SetToken replaces the bearer credential.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) url(path string) string {
	if c.tenant != "" {
		return c.baseURL + "/" + c.tenant + path
	}
	return c.baseURL + path
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	u := c.url(path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.HTTPRequests.WithLabelValues(method, "error").Inc()
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	c.metrics.HTTPRequests.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		c.logger.Debug("chat api error", "method", method, "path", path, "status", resp.StatusCode)
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       path,
			Message:    errorMessage(data, resp.Status),
		}
	}
	return data, nil
}

// errorMessage pulls a human-readable message out of a DRF-style error body.
func errorMessage(data []byte, fallback string) string {
	var body struct {
		Detail  string `json:"detail"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		for _, s := range []string{body.Detail, body.Error, body.Message} {
			if s != "" {
				return s
			}
		}
	}
	return fallback
}

func listOf[T any](c *Client, data []byte, plural, path string) ([]T, error) {
	items, recognized, err := normalizeList[T](data, plural)
	if err != nil {
		return nil, err
	}
	if !recognized {
		c.logger.Warn("unexpected response shape, using empty list", "path", path, "entity", plural)
	}
	return items, nil
}

// ============================================================================
// Chat API Methods
// ============================================================================

func (c *Client) ListChannels(ctx context.Context) ([]Channel, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/channels/", nil, nil)
	if err != nil {
		return nil, err
	}
	return listOf[Channel](c, data, "channels", "/channels/")
}

func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/users/", nil, nil)
	if err != nil {
		return nil, err
	}
	return listOf[User](c, data, "users", "/users/")
}

func (c *Client) GetChannel(ctx context.Context, channelID ID) (*Channel, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/channels/"+url.PathEscape(string(channelID))+"/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeEntity[Channel](data)
}

// MessagesOptions pages through history.
type MessagesOptions struct {
	// Before asks for messages strictly older than this message.
	Before ID
}

// GetChannelMessages returns one page of history in whatever order the
// server chose. Callers sort.
func (c *Client) GetChannelMessages(ctx context.Context, channelID ID, opts *MessagesOptions) ([]Message, error) {
	path := "/channels/" + url.PathEscape(string(channelID)) + "/messages/"
	var query url.Values
	if opts != nil && opts.Before != "" {
		query = url.Values{"before": {string(opts.Before)}}
	}
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, query)
	if err != nil {
		return nil, err
	}
	msgs, err := listOf[Message](c, data, "messages", path)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].ChannelID == "" {
			msgs[i].ChannelID = channelID
		}
	}
	return msgs, nil
}

// CreateChannelRequest is the body of POST /channels/.
type CreateChannelRequest struct {
	ChannelType  ChannelType `json:"channel_type" validate:"required,oneof=direct group"`
	Participants []ID        `json:"participants" validate:"required,min=1,dive,required"`
	IsGroup      bool        `json:"is_group"`
	Name         string      `json:"name,omitempty" validate:"required_if=ChannelType group,max=255"`
}

// CreateChannel starts or fetches a direct channel, or creates a group.
// For a direct channel the server returns the existing one if there is one.
func (c *Client) CreateChannel(ctx context.Context, req *CreateChannelRequest) (*Channel, error) {
	if req == nil {
		return nil, fmt.Errorf("create channel: request required")
	}
	body := *req
	body.IsGroup = body.ChannelType == ChannelGroup
	if body.ChannelType != ChannelGroup {
		body.Name = ""
	}
	if err := c.validate.Struct(body); err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/channels/", body, nil)
	if err != nil {
		return nil, err
	}
	ch, err := decodeEntity[Channel](data)
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}
	return ch, nil
}

// SendMessage builds the tentative message shown while the real one travels
// over the realtime transport. It makes no network call; the Store fills in
// authorship.
func (c *Client) SendMessage(ctx context.Context, channelID ID, content string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clientID := uuid.NewString()
	now := time.Now().UTC()
	return &Message{
		ID:          ID(TempIDPrefix + clientID),
		ClientID:    clientID,
		ChannelID:   channelID,
		Content:     content,
		ContentType: "text",
		CreatedAt:   now,
		UpdatedAt:   now,
		IsOwn:       true,
		IsRead:      true,
	}, nil
}

// MarkRead tells the server the given messages have been read.
func (c *Client) MarkRead(ctx context.Context, channelID ID, messageIDs []ID) error {
	path := "/channels/" + url.PathEscape(string(channelID)) + "/mark_read/"
	_, err := c.doRequest(ctx, http.MethodPost, path, map[string][]ID{"message_ids": messageIDs}, nil)
	return err
}
