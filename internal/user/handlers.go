package user

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"farmchat/internal/logging"
	"farmchat/internal/store"
)

// UserHandler exposes user-related HTTP handlers.
type UserHandler struct {
	userStore store.UserStore
	logger    *zap.Logger
}

// NewUserHandler creates a UserHandler.
func NewUserHandler(userStore store.UserStore, logger *zap.Logger) *UserHandler {
	return &UserHandler{userStore: userStore, logger: logging.OrNop(logger).Named("user")}
}

// GetUserByID returns the public profile for a user, used to label chat participants.
// GET /api/users/:id
func (h *UserHandler) GetUserByID(c *gin.Context) {
	userID := c.Param("id")

	user, err := h.userStore.GetUserByID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		h.logger.Error("GetUserByID: failed to get user", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve user information"})
		return
	}

	c.JSON(http.StatusOK, user)
}
