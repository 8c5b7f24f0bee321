// Package chatsync keeps one conversation's message list consistent while
// paginated history loads and live events from a shared WebSocket channel
// interleave.
//
// Example:
//
//	client := chatsync.NewClient("https://chat.example.com", chatsync.WithToken(token))
//	conn := client.Realtime(chatsync.RealtimeConfig{AutoReconnect: true})
//	_ = conn.Connect(ctx)
//
//	session := chatsync.NewSessionController(userID, client.Messages, conn)
//	defer session.Close()
//	_ = session.Select(ctx, conversation)
//	_, _ = session.Send(ctx, "hello")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the REST collaborators: the message collection service and the
// chat listing service.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger

	Messages      *MessagesClient
	Conversations *ConversationsClient
}

type ClientOption func(*Client)

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Messages = &MessagesClient{c: c}
	c.Conversations = &ConversationsClient{c: c}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Realtime creates the shared event connection for this client's server. Call
// Connect on the result to establish it.
func (c *Client) Realtime(config RealtimeConfig) *RealtimeConn {
	if config.Token == "" {
		config.Token = c.token
	}
	return NewRealtimeConn(c.baseURL, config, c.logger)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
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
			return nil, errors.Wrap(err, "failed to marshal request")
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}
	c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("http request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if len(data) == 0 {
		return &result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	return &result, nil
}

// ============================================================================
// Sub-Clients
// ============================================================================

// MessagesClient reads conversation history.
type MessagesClient struct{ c *Client }

var _ PageFetcher = (*MessagesClient)(nil)

// Page returns one raw page of messages, newest-first.
func (m *MessagesClient) Page(ctx context.Context, conversationID string, limit, offset int) (*PageResponse, error) {
	data, err := m.c.doRequest(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, map[string]string{
		"limit":  strconv.Itoa(limit),
		"offset": strconv.Itoa(offset),
	})
	if err != nil {
		return nil, err
	}
	return decodeJSON[PageResponse](data)
}

// FetchPage implements PageFetcher.
func (m *MessagesClient) FetchPage(ctx context.Context, conversationID string, limit, offset int) ([]Message, error) {
	page, err := m.Page(ctx, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(page.Items))
	for _, w := range page.Items {
		msg := w.Message()
		if msg.ConversationID == "" {
			msg.ConversationID = conversationID
		}
		out = append(out, msg)
	}
	return out, nil
}

// ConversationsClient lists, creates, clears and deletes conversations.
type ConversationsClient struct{ c *Client }

func (cv *ConversationsClient) List(ctx context.Context) ([]ConversationRecord, error) {
	data, err := cv.c.doRequest(ctx, http.MethodGet, "/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	list, err := decodeJSON[ConversationList](data)
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

func (cv *ConversationsClient) Create(ctx context.Context, participantIDs ...string) (*ConversationRecord, error) {
	if len(participantIDs) == 0 {
		return nil, errors.New("at least one participant is required")
	}
	data, err := cv.c.doRequest(ctx, http.MethodPost, "/conversations", createConversationRequest{ParticipantIDs: participantIDs}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ConversationRecord](data)
}

// Clear deletes every message of a conversation but keeps the conversation.
func (cv *ConversationsClient) Clear(ctx context.Context, conversationID string) error {
	_, err := cv.c.doRequest(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, nil)
	return err
}

func (cv *ConversationsClient) Delete(ctx context.Context, conversationID string) error {
	_, err := cv.c.doRequest(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(conversationID), nil, nil)
	return err
}

// FilterConversations keeps the conversations whose peer name or email contains
// query, case-insensitively. An empty query keeps everything.
func FilterConversations(records []ConversationRecord, selfID, query string) []ConversationRecord {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return records
	}
	var out []ConversationRecord
	for _, r := range records {
		for _, m := range r.Members {
			if m.ID == selfID {
				continue
			}
			if strings.Contains(strings.ToLower(m.Name), q) || strings.Contains(strings.ToLower(m.Email), q) {
				out = append(out, r)
				break
			}
		}
	}
	return out
}
