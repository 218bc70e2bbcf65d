// Package api is the client for the chat endpoints of the HTTP backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"farmchat/internal/logging"
	"farmchat/internal/models"
)

// ErrUnexpectedStatus is wrapped by every non-2xx response error.
var ErrUnexpectedStatus = errors.New("api: unexpected status")

// Backend is the subset of the REST backend the chat core talks to.
type Backend interface {
	ListChats(ctx context.Context, userID string) ([]models.Chat, error)
	StartChat(ctx context.Context, userID, receiverID string) (models.Chat, error)
	GetMessages(ctx context.Context, chatID, viewerID string) ([]models.Message, error)
	MarkAsRead(ctx context.Context, chatID string) error
}

// Client implements Backend over HTTP with a bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient returns a Client for baseURL. A zero timeout means no client-side timeout.
func NewClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrNop(logger).Named("api"),
	}
}

// ListChats fetches every conversation userID participates in.
// GET /api/chats/all/{userId}
func (c *Client) ListChats(ctx context.Context, userID string) ([]models.Chat, error) {
	var chats []models.Chat
	if err := c.do(ctx, http.MethodGet, "/api/chats/all/"+url.PathEscape(userID), nil, &chats); err != nil {
		return nil, fmt.Errorf("list chats for user %s: %w", userID, err)
	}
	if chats == nil {
		chats = make([]models.Chat, 0)
	}
	return chats, nil
}

// StartChat finds or creates the 1:1 conversation between userID and receiverID.
// POST /api/chats/{userId}
func (c *Client) StartChat(ctx context.Context, userID, receiverID string) (models.Chat, error) {
	var chat models.Chat
	body := models.StartChatRequest{ReceiverID: receiverID}
	if err := c.do(ctx, http.MethodPost, "/api/chats/"+url.PathEscape(userID), body, &chat); err != nil {
		return models.Chat{}, fmt.Errorf("start chat with %s: %w", receiverID, err)
	}
	if chat.ID == "" || len(chat.Participants) == 0 {
		return models.Chat{}, fmt.Errorf("start chat with %s: invalid chat data received", receiverID)
	}
	return chat, nil
}

// GetMessages fetches the full history of chatID as viewed by viewerID.
// GET /api/chats/{chatId}/{userId}/messages
func (c *Client) GetMessages(ctx context.Context, chatID, viewerID string) ([]models.Message, error) {
	var history models.MessageHistory
	path := "/api/chats/" + url.PathEscape(chatID) + "/" + url.PathEscape(viewerID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &history); err != nil {
		return nil, fmt.Errorf("get messages for chat %s: %w", chatID, err)
	}
	if history.Messages == nil {
		history.Messages = make([]models.Message, 0)
	}
	return history.Messages, nil
}

// MarkAsRead tells the server the viewer has read chatID.
// PUT /api/chats/{chatId}/markAsRead
func (c *Client) MarkAsRead(ctx context.Context, chatID string) error {
	if err := c.do(ctx, http.MethodPut, "/api/chats/"+url.PathEscape(chatID)+"/markAsRead", nil, nil); err != nil {
		return fmt.Errorf("mark chat %s as read: %w", chatID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("Request completed",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrUnexpectedStatus, method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}
