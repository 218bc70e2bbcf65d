// Package realtime owns the single persistent connection between the chat
// client and the messaging server.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"farmchat/internal/logging"
)

var (
	ErrNotConnected = errors.New("realtime: connection not established")
	ErrReleased     = errors.New("realtime: connection manager released")
)

// Options configures dialing and the reconnect policy.
type Options struct {
	// Token is sent as a bearer token and as the `token` query parameter on the upgrade request.
	Token            string
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	HandshakeTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = 500 * time.Millisecond
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = max(30*time.Second, o.ReconnectMin)
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	return o
}

// Manager establishes the connection once per session and tears it down at session end.
type Manager struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	conn     *Conn
	cancel   context.CancelFunc
	done     chan struct{}
	released bool
}

// NewManager creates a Manager. Nothing is dialed until Acquire.
func NewManager(opts Options, logger *zap.Logger) *Manager {
	return &Manager{
		opts:   opts.withDefaults(),
		logger: logging.OrNop(logger).Named("realtime"),
	}
}

// Acquire starts the connection to serverAddress if none exists and returns its handle.
// Calling it again returns the same handle; the address of later calls is ignored.
// The handle is returned immediately: the supervisor dials in the background and keeps
// redialing with exponential backoff, so use Conn.WaitConnected to block on the first connect.
func (m *Manager) Acquire(ctx context.Context, serverAddress string) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return nil, ErrReleased
	}
	if m.conn != nil {
		return m.conn, nil
	}

	target, err := dialURL(serverAddress, m.opts.Token)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if m.opts.Token != "" {
		header.Set("Authorization", "Bearer "+m.opts.Token)
	}

	// A plain WebSocket dial: no HTTP long-polling negotiation step before the upgrade.
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: m.opts.HandshakeTimeout,
	}

	conn := newConn(target, header, dialer, m.logger)
	superviseCtx, cancel := context.WithCancel(context.Background())
	m.conn = conn
	m.cancel = cancel
	m.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		conn.supervise(superviseCtx, m.newBackOff())
	}(m.done)

	m.logger.Info("Connection acquired", zap.String("server", redactToken(target)))
	return conn, nil
}

// Handle returns the live handle, or nil before Acquire and after Release.
func (m *Manager) Handle() *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Release tears the connection down and stops reconnecting. It is safe to call more than once.
func (m *Manager) Release() {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return
	}
	m.released = true
	conn, cancel, done := m.conn, m.cancel, m.done
	m.conn = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	conn.markReleased()
	m.logger.Info("Connection released")
}

func (m *Manager) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.ReconnectMin
	b.MaxInterval = m.opts.ReconnectMax
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// dialURL normalizes http(s) addresses to ws(s) and appends the token query parameter.
func dialURL(serverAddress, token string) (string, error) {
	u, err := url.Parse(serverAddress)
	if err != nil {
		return "", fmt.Errorf("invalid server address %q: %w", serverAddress, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server address %q: unsupported scheme %q", serverAddress, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server address %q: missing host", serverAddress)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func redactToken(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "unparseable"
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "redacted")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
