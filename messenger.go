// Package messenger provides the Go SDK for the groupware messenger.
//
// It pairs a REST client for conversation and history endpoints with a
// real-time sync engine that keeps message logs and unread counters
// consistent with the live push channel.
//
// Example:
//
//	client := messenger.NewClient(token, messenger.WithBaseURL("https://gw.example.com"))
//	convs, _ := client.Conversations.List(ctx, "")
//
//	engine := messenger.NewEngine(client, client.Realtime(nil), messenger.EngineOptions{SelfID: "u-1"})
//	go engine.Run(ctx)
//	engine.Focus(ctx, convs[0].ID)
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 30 * time.Second

	apiPrefix = "/api/messenger"
	wsPath    = "/ws/chat/"
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	Conversations *ConversationsClient
	Messages      *MessagesClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
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

// NewClient creates a messenger client.
// token is the opaque session credential; pass "" to build a client whose
// realtime connection stays idle until SetToken is called.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Conversations = &ConversationsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	return c
}

// SetToken sets or replaces the session credential.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the current session credential. It satisfies TokenSource.
func (c *Client) Token() string {
	return c.token
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RealtimeURL returns the push channel endpoint for the given credential.
func (c *Client) RealtimeURL(token string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token == "" {
		return base + wsPath
	}
	return base + wsPath + "?token=" + url.QueryEscape(token)
}

// Realtime creates a connection manager bound to this client's credential.
// Call Connect to open the channel.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeConn {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Logger == nil {
		cfg.Logger = c.logger
	}
	if cfg.Tokens == nil {
		cfg.Tokens = c
	}
	if cfg.URL == nil {
		cfg.URL = c.RealtimeURL
	}
	return NewRealtimeConn(&cfg)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + apiPrefix + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
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
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		apiErr.Status = resp.StatusCode
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Sub-Clients
// ============================================================================

// ConversationsClient handles the conversation list and 1:1 lookup.
type ConversationsClient struct{ c *Client }

// List fetches conversation summaries. scope narrows the list (for example a
// company id); "" lists everything visible to the session.
func (cv *ConversationsClient) List(ctx context.Context, scope string) ([]Conversation, error) {
	var query map[string]string
	if scope != "" {
		query = map[string]string{"scope": scope}
	}
	data, err := cv.c.doRequest(ctx, http.MethodGet, "/conversations/", nil, query)
	if err != nil {
		return nil, err
	}
	page, err := decodeJSON[pageEnvelope[Conversation]](data)
	if err != nil {
		return nil, err
	}
	return page.items, nil
}

// GetOrCreate returns the 1:1 conversation with a user, creating it if needed.
func (cv *ConversationsClient) GetOrCreate(ctx context.Context, opts *GetOrCreateOptions) (*Conversation, error) {
	data, err := cv.c.doRequest(ctx, http.MethodPost, "/conversations/get-or-create/", opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// MessagesClient handles history and read state.
type MessagesClient struct{ c *Client }

// History fetches the ordered message log of a conversation.
func (m *MessagesClient) History(ctx context.Context, conversationID string) ([]Message, error) {
	data, err := m.c.doRequest(ctx, http.MethodGet, "/messages/", nil, map[string]string{"conversation": conversationID})
	if err != nil {
		return nil, err
	}
	page, err := decodeJSON[pageEnvelope[Message]](data)
	if err != nil {
		return nil, err
	}
	for i := range page.items {
		if page.items[i].ConversationID == "" {
			page.items[i].ConversationID = conversationID
		}
	}
	return page.items, nil
}

// MarkRead marks every unread message of the conversation as read for the session.
func (m *MessagesClient) MarkRead(ctx context.Context, conversationID string) error {
	_, err := m.c.doRequest(ctx, http.MethodPost, "/messages/mark-read/", &markReadRequest{ConversationID: conversationID}, nil)
	return err
}

// ============================================================================
// Engine adapter
// ============================================================================

// API is the server collaborator consumed by the sync engine.
type API interface {
	ListConversations(ctx context.Context, scope string) ([]Conversation, error)
	History(ctx context.Context, conversationID string) ([]Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	GetOrCreate(ctx context.Context, opts *GetOrCreateOptions) (*Conversation, error)
}

func (c *Client) ListConversations(ctx context.Context, scope string) ([]Conversation, error) {
	return c.Conversations.List(ctx, scope)
}

func (c *Client) History(ctx context.Context, conversationID string) ([]Message, error) {
	return c.Messages.History(ctx, conversationID)
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.Messages.MarkRead(ctx, conversationID)
}

func (c *Client) GetOrCreate(ctx context.Context, opts *GetOrCreateOptions) (*Conversation, error) {
	return c.Conversations.GetOrCreate(ctx, opts)
}

var _ API = (*Client)(nil)
