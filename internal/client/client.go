// Package client is the consuming side of the chat relay: an HTTP client for the chat API and a
// stream consumer that turns the relayed SSE bytes into a rendered, persisted assistant turn.
package client

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

	"github.com/MegaGrindStone/streamchat/internal/models"
)

// Client calls the chat API on behalf of one authenticated user.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// StatusError is returned when the API answers with a non-success status before any stream
// starts.
type StatusError struct {
	Code    int
	Message string
}

// Option configures a Client.
type Option func(*Client)

type streamRequest struct {
	Messages   []historyMessage `json:"messages"`
	NewMessage string           `json:"newMessage"`
	ChatID     string           `json:"chatId"`
}

type historyMessage struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// WithHTTPClient replaces http.DefaultClient. Streaming requests must not be subject to a total
// request timeout, so the client should only bound connection setup.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a Client for the API at baseURL, authenticating with the bearer token.
func New(baseURL, token string, logger *slog.Logger, opts ...Option) Client {
	c := Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: http.DefaultClient,
		logger:     logger.With(slog.String("module", "client")),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

// Stream posts one chat turn and returns the open event stream. The caller must close it.
func (c Client) Stream(
	ctx context.Context,
	history []models.Message,
	newMessage, chatID string,
) (io.ReadCloser, error) {
	body := streamRequest{
		Messages:   make([]historyMessage, len(history)),
		NewMessage: newMessage,
		ChatID:     chatID,
	}
	for i, msg := range history {
		body.Messages[i] = historyMessage{Role: msg.Role, Content: msg.Content}
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/chat/stream", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send stream request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

// StoreMessage persists a message in chatID and returns its ID.
func (c Client) StoreMessage(ctx context.Context, chatID, content string, role models.Role) (string, error) {
	var res struct {
		ID string `json:"id"`
	}
	body := historyMessage{Role: role, Content: content}
	if err := c.do(ctx, http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/messages", body, &res); err != nil {
		return "", fmt.Errorf("failed to store message: %w", err)
	}
	return res.ID, nil
}

// CreateChat creates a chat. An empty title gets the server default.
func (c Client) CreateChat(ctx context.Context, title string) (models.Chat, error) {
	var chat models.Chat
	body := map[string]string{"title": title}
	if err := c.do(ctx, http.MethodPost, "/chats", body, &chat); err != nil {
		return models.Chat{}, fmt.Errorf("failed to create chat: %w", err)
	}
	return chat, nil
}

// Chats lists the user's chats, newest first.
func (c Client) Chats(ctx context.Context) ([]models.Chat, error) {
	var chats []models.Chat
	if err := c.do(ctx, http.MethodGet, "/chats", nil, &chats); err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	return chats, nil
}

// SearchChats returns the user's chats matching query, most relevant first.
func (c Client) SearchChats(ctx context.Context, query string) ([]models.ScoredChat, error) {
	var chats []models.ScoredChat
	path := "/chats/search?" + url.Values{"q": {query}}.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &chats); err != nil {
		return nil, fmt.Errorf("failed to search chats: %w", err)
	}
	return chats, nil
}

// DeleteChat deletes a chat and its messages.
func (c Client) DeleteChat(ctx context.Context, chatID string) error {
	if err := c.do(ctx, http.MethodDelete, "/chats/"+url.PathEscape(chatID), nil, nil); err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	return nil
}

// Messages returns the messages of chatID in creation order.
func (c Client) Messages(ctx context.Context, chatID string) ([]models.Message, error) {
	var msgs []models.Message
	if err := c.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID)+"/messages", nil, &msgs); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

func (c Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := strings.TrimSpace(string(b))
	var res errorResponse
	if err := json.Unmarshal(b, &res); err == nil && res.Error != "" {
		msg = res.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}
