package realtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"farmchat/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var errConnectionLost = errors.New("realtime: connection lost")

// supervise dials, serves, and redials with backoff until ctx is cancelled.
func (c *Conn) supervise(ctx context.Context, policy backoff.BackOff) {
	defer c.setState(StateDisconnected)

	for {
		c.setState(StateConnecting)
		ws, _, err := c.dialer.DialContext(ctx, c.target, c.header)
		if err != nil {
			c.setState(StateDisconnected)
			if ctx.Err() != nil {
				return
			}
			wait := policy.NextBackOff()
			c.logger.Warn("Dial failed, retrying", zap.Error(err), zap.Duration("backoff", wait))
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}

		policy.Reset()
		err = c.serve(ctx, ws)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}

		wait := policy.NextBackOff()
		c.logger.Warn("Connection lost, reconnecting", zap.Error(err), zap.Duration("backoff", wait))
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// serve runs the read and write pumps for one physical connection and returns when it drops.
func (c *Conn) serve(ctx context.Context, ws *websocket.Conn) error {
	l := &link{
		ws:       ws,
		outbound: make(chan outboundFrame),
		done:     make(chan struct{}),
	}
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})

	c.setLink(l)
	c.setState(StateConnected)

	go func() {
		defer close(readerDone)
		readErr <- c.readPump(ws)
	}()

	err := c.writePump(ctx, l, readErr)

	c.setLink(nil)
	close(l.done)
	_ = ws.Close()
	<-readerDone
	return err
}

func (c *Conn) readPump(ws *websocket.Conn) error {
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return fmt.Errorf("%w: %v", errConnectionLost, err)
			}
			return err
		}
		if messageType != websocket.TextMessage {
			c.logger.Debug("Ignoring non-text frame", zap.Int("type", messageType))
			continue
		}

		env, err := protocol.Decode(bytes.TrimSpace(message))
		if err != nil {
			c.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}
		if env.Type == protocol.EventError {
			c.logger.Warn("Server reported an error", zap.ByteString("payload", env.Payload))
		}
		c.dispatch(env)
	}
}

func (c *Conn) writePump(ctx context.Context, l *link, readErr <-chan error) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = l.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
				time.Now().Add(writeWait))
			return ctx.Err()

		case err := <-readErr:
			return err

		case out := <-l.outbound:
			_ = l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := l.ws.WriteMessage(websocket.TextMessage, out.data)
			out.result <- err
			if err != nil {
				return fmt.Errorf("write failed: %w", err)
			}

		case <-ticker.C:
			_ = l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
