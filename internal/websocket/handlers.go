package websocket

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"farmchat/internal/models"
	"farmchat/internal/store"
	"farmchat/internal/utils"
)

// WSHandler handles WebSocket connection requests.
type WSHandler struct {
	hub      *Hub
	users    store.UserStore
	secret   string
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewWSHandler creates a new WSHandler. allowOrigin decides cross-origin upgrades;
// nil allows every origin.
func NewWSHandler(hub *Hub, users store.UserStore, secret string, allowOrigin func(origin string) bool) *WSHandler {
	return &WSHandler{
		hub:    hub,
		users:  users,
		secret: secret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowOrigin == nil || origin == "" || allowOrigin(origin)
			},
		},
		logger: hub.logger.Named("ws"),
	}
}

// HandleWebSocketConnection upgrades HTTP GET requests to WebSocket connections.
// The JWT comes from the Authorization header or, for browsers, the `token` query parameter.
func (h *WSHandler) HandleWebSocketConnection(c *gin.Context) {
	tokenString := bearerToken(c.GetHeader("Authorization"))
	if tokenString == "" {
		tokenString = c.Query("token")
	}
	if tokenString == "" {
		h.logger.Debug("Missing token on upgrade request")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing authentication token"})
		return
	}

	claims, err := utils.ValidateJWT(tokenString, h.secret)
	if err != nil {
		h.logger.Info("Invalid token on upgrade request", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
		return
	}

	err = h.users.UpsertUser(c.Request.Context(), models.UserSummary{ID: claims.UserID, UserName: claims.Name, Role: claims.Role})
	if err != nil {
		h.logger.Error("Failed to record user", zap.String("user_id", claims.UserID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Could not open connection"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.Warn("Failed to upgrade connection", zap.String("user_id", claims.UserID), zap.Error(err))
		return
	}

	client := NewClient(h.hub, conn, claims.UserID)
	if !h.hub.Register(client) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func bearerToken(header string) string {
	fields := strings.Fields(header)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "bearer") {
		return ""
	}
	return fields[1]
}
