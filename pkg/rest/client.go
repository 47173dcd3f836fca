// Package rest implements the request/response fallback transport against the
// StageDoor REST API. The dual-transport router prefers the persistent channel
// and falls back to these endpoints when the channel is unavailable.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stagedoor/stagedoor-go/pkg/protocol"
)

// RequestError is a call rejected by the server, on either transport.
// Status holds the HTTP status code, or the channel error code for calls
// rejected over the websocket.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.Status, e.Message)
}

// Client talks to the REST API. Safe for concurrent use.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	logger    hclog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (used by tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger for request tracing.
func WithLogger(logger hclog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a REST client for the given API base URL. The auth token
// is the long-lived session credential; the short-lived socket token is
// fetched separately via SocketToken.
func NewClient(baseURL, authToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:   baseURL,
		authToken: authToken,
		http:      &http.Client{Timeout: 15 * time.Second},
		logger:    hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Rooms returns the rooms visible to the viewer for an event. The server
// decides which rooms the viewer may see; the client only renders the result.
func (c *Client) Rooms(ctx context.Context, eventID int64) ([]protocol.Room, error) {
	var out struct {
		Rooms []protocol.Room `json:"rooms"`
	}
	path := fmt.Sprintf("/rooms/%d", eventID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Rooms, nil
}

// Messages returns one page of a room's history. Pages are newest-first:
// page 1 holds the most recent messages.
func (c *Client) Messages(ctx context.Context, roomID int64, page, perPage int) ([]protocol.Message, error) {
	var out struct {
		Messages []protocol.Message `json:"messages"`
	}
	path := fmt.Sprintf("/rooms/%d/messages", roomID)
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SendMessage posts a message to a room and returns the created message.
// The server is the id authority; nothing is materialized before it answers.
func (c *Client) SendMessage(ctx context.Context, roomID int64, content string) (*protocol.Message, error) {
	var out protocol.Message
	path := fmt.Sprintf("/rooms/%d/messages", roomID)
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteMessage soft-deletes a message. The server answers with no body and
// emits a moderation push to the room.
func (c *Client) DeleteMessage(ctx context.Context, roomID, messageID int64) error {
	path := fmt.Sprintf("/rooms/%d/messages/%d", roomID, messageID)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// Threads lists the viewer's direct-message threads.
func (c *Client) Threads(ctx context.Context) ([]protocol.Thread, error) {
	var out struct {
		Threads []protocol.Thread `json:"threads"`
	}
	if err := c.do(ctx, http.MethodGet, "/direct-messages/threads", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Threads, nil
}

// ThreadMessages returns one newest-first page of a thread's history.
func (c *Client) ThreadMessages(ctx context.Context, threadID int64, page, perPage int) ([]protocol.Message, error) {
	var out struct {
		Messages []protocol.Message `json:"messages"`
	}
	path := fmt.Sprintf("/direct-messages/threads/%d/messages", threadID)
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SendThreadMessage posts a direct message to a thread.
func (c *Client) SendThreadMessage(ctx context.Context, threadID int64, content string) (*protocol.Message, error) {
	var out protocol.Message
	path := fmt.Sprintf("/direct-messages/threads/%d/messages", threadID)
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateThread opens (or returns the existing) thread with another user.
func (c *Client) CreateThread(ctx context.Context, userID int64) (*protocol.Thread, error) {
	var out protocol.Thread
	body := map[string]int64{"user_id": userID}
	if err := c.do(ctx, http.MethodPost, "/direct-messages/threads", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkThreadRead resets the unread counter for a thread.
func (c *Client) MarkThreadRead(ctx context.Context, threadID int64) error {
	path := fmt.Sprintf("/direct-messages/threads/%d/read", threadID)
	return c.do(ctx, http.MethodPost, path, nil, nil, nil)
}

// SocketToken fetches the short-lived credential used to authenticate the
// persistent channel. Implements client.TokenSource.
func (c *Client) SocketToken(ctx context.Context) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodGet, "/auth/socket-token", nil, nil, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("token endpoint returned an empty token")
	}
	return out.Token, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	c.logger.Debug("rest request", "method", method, "path", path)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RequestError{Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// readErrorMessage extracts {"error": "..."} from an error body when present.
func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return ""
}
