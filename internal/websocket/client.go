package websocket

import (
	"bytes"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"farmchat/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var (
	newline = []byte{'\n'}
	space   = []byte{' '}
)

// Client bridges a WebSocket connection with the hub.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	logger *zap.Logger
}

// NewClient constructs a Client for the given hub connection.
func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		userID: userID,
		logger: hub.logger.With(zap.String("user_id", userID), zap.String("remote_addr", conn.RemoteAddr().String())),
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
		c.logger.Debug("readPump: unregistered and connection closed")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("readPump error", zap.Error(err))
			} else {
				c.logger.Debug("readPump: connection closed", zap.Error(err))
			}
			return
		}

		if messageType != websocket.TextMessage {
			c.logger.Debug("readPump: ignoring non-text frame", zap.Int("frame_type", messageType))
			continue
		}
		message = bytes.TrimSpace(bytes.Replace(message, newline, space, -1))
		if !c.hub.submit(HubMessage{client: c, rawJSON: message}) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Warn("writePump: error getting next writer", zap.Error(err))
				return
			}
			if _, err = w.Write(message); err != nil {
				c.logger.Warn("writePump: error writing message", zap.Error(err))
			}
			if err := w.Close(); err != nil {
				c.logger.Warn("writePump: error closing writer", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("writePump: error sending ping", zap.Error(err))
				return
			}
		}
	}
}

// SendMessage places one event frame onto the outbound queue for this client.
// Callers hold the hub's client lock so the queue cannot be closed underneath them.
func (c *Client) SendMessage(msgType string, payload any) {
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		c.logger.Error("SendMessage: error encoding frame", zap.String("type", msgType), zap.Error(err))
		return
	}

	select {
	case c.send <- frame:
	default:
		c.logger.Warn("SendMessage: send channel full, dropping frame", zap.String("type", msgType))
	}
}

// HubMessage holds raw JSON from a client awaiting processing.
type HubMessage struct {
	client  *Client
	rawJSON []byte
}
