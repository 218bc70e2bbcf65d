package auth

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"farmchat/internal/logging"
	"farmchat/internal/middleware"
	"farmchat/internal/models"
	"farmchat/internal/store"
	"farmchat/internal/utils"
)

// TokenRequest asks for a development token.
type TokenRequest struct {
	UserID   string      `json:"userId" binding:"required"`
	UserName string      `json:"userName"`
	Role     models.Role `json:"role" binding:"omitempty,oneof=client farmer"`
}

// TokenResponse carries a signed token and the identity it encodes.
type TokenResponse struct {
	Token string             `json:"token"`
	User  models.UserSummary `json:"user"`
}

// AuthHandler handles authentication-related HTTP requests.
type AuthHandler struct {
	userStore store.UserStore
	secret    string
	maxAge    time.Duration
	logger    *zap.Logger
}

func NewAuthHandler(userStore store.UserStore, secret string, maxAge time.Duration, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		userStore: userStore,
		secret:    secret,
		maxAge:    maxAge,
		logger:    logging.OrNop(logger).Named("auth"),
	}
}

// IssueToken signs a token for the requested identity without any credential check.
// It is only mounted when development auth is enabled.
// POST /api/auth/token
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request data", "details": err.Error()})
		return
	}
	if req.Role == "" {
		req.Role = models.RoleClient
	}
	user := models.UserSummary{ID: req.UserID, UserName: req.UserName, Role: req.Role}

	if err := h.userStore.UpsertUser(c.Request.Context(), user); err != nil {
		h.logger.Error("IssueToken: failed to record user", zap.String("user_id", req.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
		return
	}

	token, err := utils.GenerateJWT(models.Session{UserID: user.ID, DisplayName: user.UserName, Role: user.Role}, h.secret, h.maxAge)
	if err != nil {
		h.logger.Error("IssueToken: failed to sign token", zap.String("user_id", req.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
		return
	}

	h.logger.Info("Issued development token", zap.String("user_id", user.ID))
	c.JSON(http.StatusOK, TokenResponse{Token: token, User: user})
}

// GetMe returns the identity of the token holder.
// GET /api/auth/me
func (h *AuthHandler) GetMe(c *gin.Context) {
	claims := middleware.CurrentClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}
	c.JSON(http.StatusOK, models.UserSummary{ID: claims.UserID, UserName: claims.Name, Role: claims.Role})
}
