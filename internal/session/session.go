// Package session wires the chat core for one signed-in user: the realtime
// connection, the conversation list, read-state and the open conversation.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"farmchat/internal/api"
	"farmchat/internal/chatlist"
	"farmchat/internal/config"
	"farmchat/internal/logging"
	"farmchat/internal/models"
	"farmchat/internal/protocol"
	"farmchat/internal/readstate"
	"farmchat/internal/realtime"
	"farmchat/internal/stream"
	"farmchat/internal/utils"
)

var ErrClosed = errors.New("session: closed")

// Session owns the lifetime of every chat component for one user.
type Session struct {
	cfg      *config.AppConfig
	identity models.Session
	logger   *zap.Logger

	backend api.Backend
	manager *realtime.Manager
	tracker *readstate.Tracker
	chats   *chatlist.Synchronizer

	mu       sync.Mutex
	conn     *realtime.Conn
	open     *stream.Reconciler
	stopErrs func()
	closed   bool
}

// New builds the components for the user the configured token belongs to.
func New(cfg *config.AppConfig, logger *zap.Logger) (*Session, error) {
	identity, err := utils.IdentityFromToken(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("session identity: %w", err)
	}
	backend := api.NewClient(cfg.APIBaseURL, cfg.Token, cfg.RequestTimeout, logger)
	return newSession(cfg, identity, backend, logger), nil
}

func newSession(cfg *config.AppConfig, identity models.Session, backend api.Backend, logger *zap.Logger) *Session {
	logger = logging.OrNop(logger).With(zap.String("user_id", identity.UserID))

	tracker := readstate.NewTracker(backend, cfg.RequestTimeout, logger)
	chats := chatlist.New(backend, tracker, identity.UserID, cfg.RequestTimeout, logger)
	tracker.Bind(chats)

	return &Session{
		cfg:      cfg,
		identity: identity,
		logger:   logger.Named("session"),
		backend:  backend,
		manager: realtime.NewManager(realtime.Options{
			Token:        cfg.Token,
			ReconnectMin: cfg.ReconnectMin,
			ReconnectMax: cfg.ReconnectMax,
		}, logger),
		tracker: tracker,
		chats:   chats,
	}
}

// Identity returns the signed-in user.
func (s *Session) Identity() models.Session {
	return s.identity
}

// Chats exposes the conversation list.
func (s *Session) Chats() *chatlist.Synchronizer {
	return s.chats
}

// Start acquires the realtime connection and loads the conversation list in parallel.
// A connection that is not up yet is not an error: the supervisor keeps dialing and
// pushes start flowing once it is connected.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		conn, err := s.manager.Acquire(gctx, s.cfg.ChatServerURL)
		if err != nil {
			return fmt.Errorf("acquire connection: %w", err)
		}
		conn.OnStateChange(func(state realtime.State) {
			s.logger.Info("Connection state changed", zap.String("state", string(state)))
		})
		unsubscribe := conn.Subscribe(protocol.EventError, s.handleServerError)
		s.chats.Attach(conn)

		s.mu.Lock()
		s.conn = conn
		s.stopErrs = unsubscribe
		s.mu.Unlock()
		return nil
	})
	g.Go(func() error {
		if _, err := s.chats.LoadAll(gctx, s.identity.UserID); err != nil {
			// The list keeps whatever it had; a later push or reload fills it in.
			s.logger.Warn("Initial chat list load failed", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

// OpenConversation closes the conversation on screen, if any, and opens chatID.
// The reconciler is returned even when the history fetch fails so pushes and sends
// keep working.
func (s *Session) OpenConversation(ctx context.Context, chatID string) (*stream.Reconciler, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	conn := s.conn
	prev := s.open
	s.mu.Unlock()
	if conn == nil {
		return nil, realtime.ErrNotConnected
	}

	if prev != nil {
		prev.Close()
	}
	r := stream.New(conn, s.backend, s.chats, s.tracker, s.logger)

	s.mu.Lock()
	s.open = r
	s.mu.Unlock()

	return r, r.Open(ctx, chatID, s.identity.UserID)
}

// StartConversation finds or creates the conversation with receiverID and opens it.
func (s *Session) StartConversation(ctx context.Context, receiverID string) (*stream.Reconciler, error) {
	chat, err := s.chats.Start(ctx, receiverID)
	if err != nil {
		return nil, err
	}
	return s.OpenConversation(ctx, chat.ID)
}

// Close releases the connection and waits for pending read-state notifications.
// It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	open, stopErrs := s.open, s.stopErrs
	s.open, s.stopErrs, s.conn = nil, nil, nil
	s.mu.Unlock()

	if open != nil {
		open.Close()
	}
	if stopErrs != nil {
		stopErrs()
	}
	s.chats.Detach()
	s.manager.Release()
	s.tracker.Close()
	s.logger.Info("Session closed")
}

func (s *Session) handleServerError(payload json.RawMessage) {
	var p protocol.ErrorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.logger.Warn("Undecodable error event", zap.Error(err))
		return
	}
	s.logger.Warn("Server reported an error", zap.String("message", p.Message), zap.Int("code", p.Code))
}
