package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"farmchat/internal/protocol"
)

// State is the connection-state of a Conn.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Handler receives the raw payload of one inbound event.
type Handler func(payload json.RawMessage)

type subscription struct {
	id uint64
	fn Handler
}

type outboundFrame struct {
	data   []byte
	result chan error
}

// link is one physical WebSocket connection. A Conn goes through many links over its life.
type link struct {
	ws       *websocket.Conn
	outbound chan outboundFrame
	done     chan struct{}
}

// Conn is the logical channel to the messaging server. Its identity is stable across
// reconnects, and so are the subscriptions registered on it.
type Conn struct {
	target string
	header http.Header
	dialer *websocket.Dialer
	logger *zap.Logger

	mu             sync.RWMutex
	state          State
	link           *link
	connectedCh    chan struct{}
	released       bool
	subs           map[string][]subscription
	nextSubID      uint64
	stateListeners []func(State)
}

func newConn(target string, header http.Header, dialer *websocket.Dialer, logger *zap.Logger) *Conn {
	return &Conn{
		target:      target,
		header:      header,
		dialer:      dialer,
		logger:      logger,
		state:       StateDisconnected,
		connectedCh: make(chan struct{}),
		subs:        make(map[string][]subscription),
	}
}

// State reports the current connection-state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// OnStateChange registers fn to be called on every transition. fn runs on the
// supervisor goroutine and must not block.
func (c *Conn) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateListeners = append(c.stateListeners, fn)
}

// WaitConnected blocks until the connection is up, the manager is released, or ctx is done.
func (c *Conn) WaitConnected(ctx context.Context) error {
	for {
		c.mu.RLock()
		state, ch, released := c.state, c.connectedCh, c.released
		c.mu.RUnlock()

		if released {
			return ErrReleased
		}
		if state == StateConnected {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Subscribe registers fn for inbound events of the given type. Handlers run
// serially on the reader goroutine in the order frames arrive, and in
// registration order within one frame. The returned func removes the subscription.
func (c *Conn) Subscribe(event string, fn Handler) (unsubscribe func()) {
	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.subs[event] = append(c.subs[event], subscription{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			list := c.subs[event]
			for i, s := range list {
				if s.id == id {
					c.subs[event] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(c.subs[event]) == 0 {
				delete(c.subs, event)
			}
		})
	}
}

// Emit writes one event frame and waits until it is on the wire.
// It fails with ErrNotConnected while no physical connection is up; the frame is not queued for later.
func (c *Conn) Emit(ctx context.Context, event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	c.mu.RLock()
	l, released := c.link, c.released
	c.mu.RUnlock()
	if released {
		return ErrReleased
	}
	if l == nil {
		return ErrNotConnected
	}

	out := outboundFrame{data: frame, result: make(chan error, 1)}
	select {
	case l.outbound <- out:
	case <-l.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-out.result:
		return err
	case <-l.done:
		select {
		case err := <-out.result:
			return err
		default:
			return ErrNotConnected
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) dispatch(env protocol.Envelope) {
	c.mu.RLock()
	handlers := make([]Handler, 0, len(c.subs[env.Type]))
	for _, s := range c.subs[env.Type] {
		handlers = append(handlers, s.fn)
	}
	c.mu.RUnlock()

	if len(handlers) == 0 {
		c.logger.Debug("No subscribers for event", zap.String("event", env.Type))
		return
	}
	for _, fn := range handlers {
		fn(env.Payload)
	}
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	if s == StateConnected {
		close(c.connectedCh)
	} else if prev == StateConnected {
		c.connectedCh = make(chan struct{})
	}
	listeners := slices.Clone(c.stateListeners)
	c.mu.Unlock()

	c.logger.Info("Connection state changed", zap.String("from", string(prev)), zap.String("to", string(s)))
	for _, fn := range listeners {
		fn(s)
	}
}

func (c *Conn) setLink(l *link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.link = l
}

func (c *Conn) markReleased() {
	c.mu.Lock()
	c.released = true
	ch := c.connectedCh
	c.mu.Unlock()

	// Wake WaitConnected callers; the channel is never closed twice because the
	// supervisor has already exited and left the state disconnected.
	select {
	case <-ch:
	default:
		close(ch)
	}
}
