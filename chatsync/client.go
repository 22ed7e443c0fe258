package chatsync

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
)

// DefaultPageLimit is the history page size requested when the caller does
// not override it.
const DefaultPageLimit = 20

// APIError carries the status and decoded error body of a failed backend
// request.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chatsync: api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("chatsync: api error: status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the chat backend's REST API. It is safe for concurrent
// use.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpc = c }
}

// NewClient builds a Client for the backend at baseURL authenticating with
// the given bearer token.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("chatsync: encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("chatsync: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("chatsync: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
			if payload.Error != "" {
				apiErr.Message = payload.Error
			} else {
				apiErr.Message = payload.Message
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("chatsync: decode response: %w", err)
	}
	return nil
}

// Conversations lists the authenticated user's conversations, most
// recently updated first.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var out struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/chat/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// StartConversation creates (or returns the existing) conversation with
// receiverID, optionally scoped to a property listing.
func (c *Client) StartConversation(ctx context.Context, receiverID string, propertyID *string) (*Conversation, error) {
	body := map[string]any{"receiverId": receiverID}
	if propertyID != nil {
		body["propertyId"] = *propertyID
	}
	var out Conversation
	if err := c.do(ctx, http.MethodPost, "/chat/conversations", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Messages fetches one page of a conversation's history. Pages count from
// 1 and each page is ordered newest-first.
func (c *Client) Messages(ctx context.Context, conversationID string, page, limit int) (*MessagePage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()

	var out MessagePage
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostMessage persists a new message and returns the server-assigned
// record.
func (c *Client) PostMessage(ctx context.Context, conversationID, text string) (*Message, error) {
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/messages"
	var out Message
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"text": text}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RealtimeToken mints a short-lived token for the realtime connection.
func (c *Client) RealtimeToken(ctx context.Context) (*RealtimeToken, error) {
	var out RealtimeToken
	if err := c.do(ctx, http.MethodGet, "/chat/realtime-token", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
