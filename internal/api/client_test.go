package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"farmchat/internal/models"
)

func newBackend(t *testing.T, register func(r *gin.Engine)) *Client {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if c.GetHeader("Authorization") != "Bearer secret" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "no token"})
			return
		}
		c.Next()
	})
	register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "secret", 5*time.Second, zaptest.NewLogger(t))
}

func TestListChats(t *testing.T) {
	client := newBackend(t, func(r *gin.Engine) {
		r.GET("/api/chats/all/:userId", func(c *gin.Context) {
			assert.Equal(t, "u1", c.Param("userId"))
			c.Data(http.StatusOK, "application/json", []byte(`[{"_id":"c1","participants":[{"_id":"u1"},{"_id":"u2"}],"unreadCount":2}]`))
		})
	})

	chats, err := client.ListChats(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "c1", chats[0].ID)
	assert.Equal(t, 2, chats[0].UnreadCount)
}

func TestListChatsNullBody(t *testing.T) {
	client := newBackend(t, func(r *gin.Engine) {
		r.GET("/api/chats/all/:userId", func(c *gin.Context) {
			c.Data(http.StatusOK, "application/json", []byte(`null`))
		})
	})

	chats, err := client.ListChats(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotNil(t, chats)
	assert.Empty(t, chats)
}

func TestGetMessages(t *testing.T) {
	client := newBackend(t, func(r *gin.Engine) {
		r.GET("/api/chats/:chatId/:userId/messages", func(c *gin.Context) {
			assert.Equal(t, "c1", c.Param("chatId"))
			assert.Equal(t, "u1", c.Param("userId"))
			c.Data(http.StatusOK, "application/json", []byte(`{"messages":[{"_id":"m1","chatId":"c1","sender":"u2","content":"hi"}]}`))
		})
	})

	msgs, err := client.GetMessages(context.Background(), "c1", "u1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "u2", msgs[0].Sender)
}

func TestStartChat(t *testing.T) {
	client := newBackend(t, func(r *gin.Engine) {
		r.POST("/api/chats/:userId", func(c *gin.Context) {
			var req models.StartChatRequest
			require.NoError(t, c.ShouldBindJSON(&req))
			assert.Equal(t, "u2", req.ReceiverID)
			c.JSON(http.StatusCreated, gin.H{"_id": "c9", "participants": []gin.H{{"_id": "u1"}, {"_id": "u2"}}})
		})
	})

	chat, err := client.StartChat(context.Background(), "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, "c9", chat.ID)
}

func TestStartChatRejectsIncompleteChat(t *testing.T) {
	client := newBackend(t, func(r *gin.Engine) {
		r.POST("/api/chats/:userId", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"_id": "c9"})
		})
	})

	_, err := client.StartChat(context.Background(), "u1", "u2")
	assert.Error(t, err)
}

func TestMarkAsReadStatusError(t *testing.T) {
	client := newBackend(t, func(r *gin.Engine) {
		r.PUT("/api/chats/:chatId/markAsRead", func(c *gin.Context) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "boom"})
		})
	})

	err := client.MarkAsRead(context.Background(), "c1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.Contains(t, err.Error(), "boom")
}

func TestMarkAsReadNoContent(t *testing.T) {
	client := newBackend(t, func(r *gin.Engine) {
		r.PUT("/api/chats/:chatId/markAsRead", func(c *gin.Context) {
			c.Status(http.StatusNoContent)
		})
	})

	assert.NoError(t, client.MarkAsRead(context.Background(), "c1"))
}

func TestUnauthorized(t *testing.T) {
	client := newBackend(t, func(r *gin.Engine) {})
	client.token = ""

	_, err := client.ListChats(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}
