package websocket

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"farmchat/internal/logging"
	"farmchat/internal/models"
	"farmchat/internal/protocol"
	"farmchat/internal/store"
)

// Hub maintains active WebSocket clients and fans messages out to chat participants.
type Hub struct {
	clients    map[string]map[*Client]bool
	clientsMux sync.RWMutex

	processMessage chan HubMessage
	register       chan *Client
	unregister     chan *Client
	done           chan struct{}

	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewHub returns a Hub wired to the provided store.
func NewHub(st store.Store, logger *zap.Logger) *Hub {
	return &Hub{
		clients:        make(map[string]map[*Client]bool),
		processMessage: make(chan HubMessage),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		done:           make(chan struct{}),
		store:          st,
		logger:         logging.OrNop(logger).Named("hub"),
		now:            time.Now,
	}
}

// Run processes hub events until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket Hub: Starting")
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clientsMux.Lock()
			if _, ok := h.clients[client.userID]; !ok {
				h.clients[client.userID] = make(map[*Client]bool)
			}
			h.clients[client.userID][client] = true
			count := len(h.clients[client.userID])
			h.clientsMux.Unlock()
			client.logger.Info("Client registered", zap.Int("connections_for_user", count))

		case client := <-h.unregister:
			h.removeClient(client)

		case hubMsg := <-h.processMessage:
			h.handleIncomingMessage(ctx, hubMsg.client, hubMsg.rawJSON)
		}
	}
}

// Register hands a new client to the hub. It reports false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client. It is a no-op once the hub has stopped.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) submit(m HubMessage) bool {
	select {
	case h.processMessage <- m:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) removeClient(client *Client) {
	h.clientsMux.Lock()
	defer h.clientsMux.Unlock()
	userClients, ok := h.clients[client.userID]
	if !ok || !userClients[client] {
		return
	}
	close(client.send)
	delete(userClients, client)
	if len(userClients) == 0 {
		delete(h.clients, client.userID)
	}
	client.logger.Info("Client unregistered", zap.Int("connections_for_user", len(userClients)))
}

func (h *Hub) shutdown() {
	h.clientsMux.Lock()
	for userID, userClients := range h.clients {
		for client := range userClients {
			close(client.send)
		}
		delete(h.clients, userID)
	}
	h.clientsMux.Unlock()
	close(h.done)
	h.logger.Info("WebSocket Hub: Stopped")
}

// ConnectionCount returns how many live connections userID has.
func (h *Hub) ConnectionCount(userID string) int {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) handleIncomingMessage(ctx context.Context, sender *Client, rawJSON []byte) {
	env, err := protocol.Decode(rawJSON)
	if err != nil {
		sender.logger.Warn("Error decoding frame", zap.Error(err))
		h.sendTo(sender, MessageTypeError, ErrorPayload{Message: "Invalid message format", Code: CodeBadRequest})
		return
	}

	switch env.Type {
	case MessageTypeSendMessage:
		payload, err := protocol.DecodeSendMessage(env.Payload)
		if err != nil {
			sender.logger.Warn("Error decoding sendMessage payload", zap.Error(err))
			h.sendTo(sender, MessageTypeError, ErrorPayload{Message: "Invalid sendMessage payload", Code: CodeBadRequest})
			return
		}
		h.handleSendMessage(ctx, sender, payload)

	default:
		sender.logger.Warn("Unknown message type", zap.String("type", env.Type))
		h.sendTo(sender, MessageTypeError, ErrorPayload{Message: "Unknown message type", Code: CodeBadRequest})
	}
}

// handleSendMessage persists the message and pushes it to every participant of the chat,
// the sender's own connections included, echoing the client's correlation id.
func (h *Hub) handleSendMessage(ctx context.Context, sender *Client, payload SendMessagePayload) {
	fail := func(code int, msg string, err error) {
		sender.logger.Warn("sendMessage rejected",
			zap.String("chat_id", payload.ChatID), zap.String("reason", msg), zap.Error(err))
		h.sendTo(sender, MessageTypeError, ErrorPayload{Message: msg, Code: code})
	}

	if strings.TrimSpace(payload.Content) == "" {
		fail(CodeBadRequest, "Message content is empty", nil)
		return
	}
	if payload.SenderID != "" && payload.SenderID != sender.userID {
		fail(CodeForbidden, "Sender does not match the authenticated user", nil)
		return
	}

	chatID, err := h.resolveChat(ctx, sender.userID, payload)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrChatNotFound):
			fail(CodeNotFound, "Chat not found", err)
		case errors.Is(err, store.ErrNotParticipant), errors.Is(err, store.ErrSelfChat):
			fail(CodeForbidden, err.Error(), err)
		default:
			fail(CodeInternal, "Error processing message", err)
		}
		return
	}

	createdAt := h.now().UTC()
	msg := models.Message{
		ID:           uuid.NewString(),
		ClientTempID: payload.ClientTempID,
		ChatID:       chatID,
		Sender:       sender.userID,
		Content:      payload.Content,
		CreatedAt:    createdAt,
		Timestamp:    &createdAt,
	}
	if err := h.store.CreateMessage(ctx, &msg); err != nil {
		fail(CodeInternal, "Failed to send message", err)
		return
	}

	participants, err := h.store.GetParticipantIDs(ctx, chatID)
	if err != nil {
		h.logger.Error("Could not load participants for broadcast", zap.String("chat_id", chatID), zap.Error(err))
		participants = []string{sender.userID}
	}

	h.BroadcastToUsers(participants, MessageTypeNewMessage, msg)
	sender.logger.Debug("Message delivered",
		zap.String("chat_id", chatID), zap.String("message_id", msg.ID), zap.Int("participants", len(participants)))
}

func (h *Hub) resolveChat(ctx context.Context, senderID string, payload SendMessagePayload) (string, error) {
	if payload.ChatID != "" {
		ok, err := store.IsParticipant(ctx, h.store, payload.ChatID, senderID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", store.ErrNotParticipant
		}
		return payload.ChatID, nil
	}
	if payload.ReceiverID == "" {
		return "", errors.New("sendMessage requires chatId or receiverId")
	}
	if err := h.store.EnsureUser(ctx, payload.ReceiverID); err != nil {
		return "", err
	}
	chat, err := h.store.GetOrCreateDirectChat(ctx, senderID, payload.ReceiverID)
	if err != nil {
		return "", err
	}
	return chat.ID, nil
}

func (h *Hub) sendTo(client *Client, msgType string, payload any) {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	if h.clients[client.userID][client] {
		client.SendMessage(msgType, payload)
	}
}

// BroadcastToUsers sends one event to every connection of every listed user.
func (h *Hub) BroadcastToUsers(userIDs []string, msgType string, payload any) {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	for _, userID := range userIDs {
		userClients, found := h.clients[userID]
		if !found {
			h.logger.Debug("Recipient is not connected", zap.String("user_id", userID), zap.String("type", msgType))
			continue
		}
		for client := range userClients {
			client.SendMessage(msgType, payload)
		}
	}
}

// BroadcastToUser sends a message to all connected clients for a user.
func (h *Hub) BroadcastToUser(userID string, msgType string, payload any) {
	h.BroadcastToUsers([]string{userID}, msgType, payload)
}
