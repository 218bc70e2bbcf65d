package chat

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"farmchat/internal/logging"
	"farmchat/internal/middleware"
	"farmchat/internal/models"
	"farmchat/internal/store"
)

// RestHandler handles the chat REST endpoints the client core depends on.
type RestHandler struct {
	store  store.Store
	logger *zap.Logger
}

// NewRestHandler creates a new RestHandler.
func NewRestHandler(st store.Store, logger *zap.Logger) *RestHandler {
	return &RestHandler{
		store:  st,
		logger: logging.OrNop(logger).Named("chat"),
	}
}

// Register mounts the chat routes on an authenticated group.
func (h *RestHandler) Register(api *gin.RouterGroup) {
	chats := api.Group("/chats")
	chats.GET("/all/:userId", h.ListChats)
	chats.POST("/:userId", h.StartChat)
	chats.GET("/:chatId/:userId/messages", h.GetMessages)
	chats.PUT("/:chatId/markAsRead", h.MarkAsRead)
}

// ListChats returns every chat of the user with unread counts as seen by them.
// GET /api/chats/all/:userId
func (h *RestHandler) ListChats(c *gin.Context) {
	userID, ok := h.requireSelf(c, c.Param("userId"))
	if !ok {
		return
	}
	chats, err := h.store.GetUserChats(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("ListChats: failed to load chats", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve chats"})
		return
	}
	c.JSON(http.StatusOK, chats)
}

// StartChat finds or creates the 1:1 chat between the user and receiverId.
// POST /api/chats/:userId
func (h *RestHandler) StartChat(c *gin.Context) {
	userID, ok := h.requireSelf(c, c.Param("userId"))
	if !ok {
		return
	}
	var req models.StartChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request data", "details": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if claims := middleware.CurrentClaims(c); claims != nil {
		err := h.store.UpsertUser(ctx, models.UserSummary{ID: claims.UserID, UserName: claims.Name, Role: claims.Role})
		if err != nil {
			h.logger.Error("StartChat: failed to record caller", zap.String("user_id", userID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start chat"})
			return
		}
	}
	if err := h.store.EnsureUser(ctx, req.ReceiverID); err != nil {
		h.logger.Error("StartChat: failed to record receiver", zap.String("receiver_id", req.ReceiverID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start chat"})
		return
	}

	chat, err := h.store.GetOrCreateDirectChat(ctx, userID, req.ReceiverID)
	if err != nil {
		if errors.Is(err, store.ErrSelfChat) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("StartChat: failed to get or create chat", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start chat"})
		return
	}
	c.JSON(http.StatusOK, chat)
}

// GetMessages returns the history of a chat, oldest first. Without a limit query
// parameter the full history is returned; ?limit=N returns the latest N.
// GET /api/chats/:chatId/:userId/messages
func (h *RestHandler) GetMessages(c *gin.Context) {
	userID, ok := h.requireSelf(c, c.Param("userId"))
	if !ok {
		return
	}
	chatID := c.Param("chatId")
	if !h.requireParticipant(c, chatID, userID) {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	messages, err := h.store.GetMessagesByChatID(c.Request.Context(), chatID, limit)
	if err != nil {
		h.logger.Error("GetMessages: failed to load messages", zap.String("chat_id", chatID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve messages"})
		return
	}
	c.JSON(http.StatusOK, models.MessageHistory{Messages: messages})
}

// MarkAsRead flags every message the caller received in the chat as read. Repeating it is harmless.
// PUT /api/chats/:chatId/markAsRead
func (h *RestHandler) MarkAsRead(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	chatID := c.Param("chatId")
	if !h.requireParticipant(c, chatID, userID) {
		return
	}

	updated, err := h.store.MarkChatRead(c.Request.Context(), chatID, userID)
	if err != nil {
		h.logger.Error("MarkAsRead: failed to update messages", zap.String("chat_id", chatID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mark chat as read"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chatId": chatID, "updated": updated})
}

func (h *RestHandler) requireSelf(c *gin.Context, pathUserID string) (string, bool) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" || userID != pathUserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "You can only access your own chats"})
		return "", false
	}
	return userID, true
}

func (h *RestHandler) requireParticipant(c *gin.Context, chatID, userID string) bool {
	ok, err := store.IsParticipant(c.Request.Context(), h.store, chatID, userID)
	switch {
	case errors.Is(err, store.ErrChatNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Chat not found"})
		return false
	case err != nil:
		h.logger.Error("Failed to check chat membership", zap.String("chat_id", chatID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check chat membership"})
		return false
	case !ok:
		c.JSON(http.StatusForbidden, gin.H{"error": "You are not a participant of this chat"})
		return false
	}
	return true
}
