// Package chatlist keeps the viewer's conversation set and its unread counters live.
package chatlist

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"farmchat/internal/logging"
	"farmchat/internal/models"
	"farmchat/internal/protocol"
	"farmchat/internal/realtime"
)

var ErrChatNotFound = errors.New("chatlist: chat not found")

// Backend is the part of the REST backend the synchronizer needs.
type Backend interface {
	ListChats(ctx context.Context, userID string) ([]models.Chat, error)
	StartChat(ctx context.Context, userID, receiverID string) (models.Chat, error)
}

// ReadMarker is the read-state tracker as seen from the list.
type ReadMarker interface {
	MarkAsRead(chatID string)
}

// Subscriber is the event side of a realtime connection.
type Subscriber interface {
	Subscribe(event string, fn realtime.Handler) (unsubscribe func())
}

// Synchronizer owns the mapping chatID -> Chat for one viewing user. All mutation goes
// through its methods; readers get copies.
type Synchronizer struct {
	backend        Backend
	reads          ReadMarker
	refreshTimeout time.Duration
	logger         *zap.Logger

	mu          sync.RWMutex
	viewerID    string
	chats       map[string]*models.Chat
	active      string
	unsubscribe func()
	detached    bool
	refreshing  bool

	changes   chan struct{}
	refreshWG sync.WaitGroup
}

// New returns an empty Synchronizer for viewerID.
func New(backend Backend, reads ReadMarker, viewerID string, refreshTimeout time.Duration, logger *zap.Logger) *Synchronizer {
	if refreshTimeout <= 0 {
		refreshTimeout = 10 * time.Second
	}
	return &Synchronizer{
		backend:        backend,
		reads:          reads,
		refreshTimeout: refreshTimeout,
		logger:         logging.OrNop(logger).Named("chatlist"),
		viewerID:       viewerID,
		chats:          make(map[string]*models.Chat),
		changes:        make(chan struct{}, 1),
	}
}

// Attach subscribes to newMessage events on conn, replacing any earlier subscription.
func (s *Synchronizer) Attach(conn Subscriber) {
	unsubscribe := conn.Subscribe(protocol.EventNewMessage, func(payload json.RawMessage) {
		msg, err := protocol.DecodeMessage(payload)
		if err != nil {
			s.logger.Warn("Dropping undecodable push", zap.Error(err))
			return
		}
		s.OnMessagePushed(msg)
	})

	s.mu.Lock()
	prev := s.unsubscribe
	s.unsubscribe = unsubscribe
	s.detached = false
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// Detach removes the connection subscription and waits for background refreshes.
// No refresh is started after Detach until the next Attach.
func (s *Synchronizer) Detach() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.detached = true
	s.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	s.refreshWG.Wait()
}

// LoadAll fetches every conversation userID participates in and replaces the set.
// On failure the error is logged, the previous set is kept, and its snapshot is
// returned together with the error so callers can keep rendering stale data.
func (s *Synchronizer) LoadAll(ctx context.Context, userID string) ([]models.Chat, error) {
	chats, err := s.backend.ListChats(ctx, userID)
	if err != nil {
		s.logger.Error("Failed to load chats", zap.String("user_id", userID), zap.Error(err))
		return s.List(), err
	}

	s.mu.Lock()
	s.viewerID = userID
	next := make(map[string]*models.Chat, len(chats))
	for i := range chats {
		c := chats[i].Clone()
		if c.ID == "" {
			continue
		}
		if prev, ok := s.chats[c.ID]; ok && len(c.Messages) == 0 {
			c.Messages = prev.Clone().Messages
		}
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		next[c.ID] = &c
	}
	s.chats = next
	s.mu.Unlock()

	s.logger.Info("Chats loaded", zap.String("user_id", userID), zap.Int("count", len(next)))
	s.notify()
	return s.List(), nil
}

// OnMessagePushed applies one server-pushed message to its conversation: the message is
// appended to the conversation buffer and the unread count goes up by one. Pushes from
// the viewer and pushes into the open conversation do not count as unread, and a push
// already in the buffer is ignored. A push for an unknown conversation is not applied;
// it triggers a background reload of the list instead.
func (s *Synchronizer) OnMessagePushed(msg models.Message) {
	msg.Normalize(time.Now())

	s.mu.Lock()
	chat, ok := s.chats[msg.ChatID]
	if !ok {
		s.mu.Unlock()
		s.logger.Info("Push for a chat not in the list, scheduling refresh", zap.String("chat_id", msg.ChatID))
		s.scheduleRefresh()
		return
	}

	if msg.ID != "" {
		for _, m := range chat.Messages {
			if m.ID == msg.ID {
				s.mu.Unlock()
				return
			}
		}
	}

	chat.Messages = append(chat.Messages, msg.Clone())
	if msg.Sender != s.viewerID && chat.ID != s.active {
		chat.UnreadCount++
	}
	at := msg.EffectiveTime()
	if chat.LastMessage == nil || !at.Before(chat.LastMessage.EffectiveTime()) {
		last := msg.Clone()
		chat.LastMessage = &last
	}
	if at.After(chat.UpdatedAt) {
		chat.UpdatedAt = at
	}
	s.mu.Unlock()

	s.notify()
}

// MarkAsRead zeroes the unread count of chatID and informs the server.
func (s *Synchronizer) MarkAsRead(chatID string) {
	s.reads.MarkAsRead(chatID)
}

// ResetUnread sets chatID's unread count to zero. It reports whether the chat is known.
func (s *Synchronizer) ResetUnread(chatID string) bool {
	s.mu.Lock()
	chat, ok := s.chats[chatID]
	changed := ok && chat.UnreadCount != 0
	if ok {
		chat.UnreadCount = 0
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return ok
}

// Start finds or creates the conversation with receiverID and adds it to the set.
func (s *Synchronizer) Start(ctx context.Context, receiverID string) (models.Chat, error) {
	s.mu.RLock()
	viewer := s.viewerID
	s.mu.RUnlock()

	chat, err := s.backend.StartChat(ctx, viewer, receiverID)
	if err != nil {
		s.logger.Error("Failed to start chat", zap.String("receiver_id", receiverID), zap.Error(err))
		return models.Chat{}, err
	}

	s.mu.Lock()
	if existing, ok := s.chats[chat.ID]; ok {
		existing.Participants = append([]models.UserSummary(nil), chat.Participants...)
		out := existing.Clone()
		s.mu.Unlock()
		return out, nil
	}
	c := chat.Clone()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	s.chats[c.ID] = &c
	out := c.Clone()
	s.mu.Unlock()

	s.notify()
	return out, nil
}

// SetActive records the conversation currently open on screen.
func (s *Synchronizer) SetActive(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = chatID
}

// ClearActive forgets the open conversation if it is still chatID.
func (s *Synchronizer) ClearActive(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == chatID {
		s.active = ""
	}
}

// Get returns a copy of one conversation.
func (s *Synchronizer) Get(chatID string) (models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return models.Chat{}, ErrChatNotFound
	}
	return chat.Clone(), nil
}

// List returns copies of all conversations, most recently updated first.
func (s *Synchronizer) List() []models.Chat {
	s.mu.RLock()
	out := make([]models.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UnreadTotal is the badge value: the sum of unread counts over the set.
func (s *Synchronizer) UnreadTotal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, c := range s.chats {
		total += c.UnreadCount
	}
	return total
}

// Changes delivers a signal after the set changes. Signals coalesce; read the state on receipt.
func (s *Synchronizer) Changes() <-chan struct{} {
	return s.changes
}

func (s *Synchronizer) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Synchronizer) scheduleRefresh() {
	s.mu.Lock()
	if s.detached || s.refreshing {
		s.mu.Unlock()
		return
	}
	s.refreshing = true
	viewer := s.viewerID
	s.refreshWG.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.refreshWG.Done()
		defer func() {
			s.mu.Lock()
			s.refreshing = false
			s.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), s.refreshTimeout)
		defer cancel()
		_, _ = s.LoadAll(ctx, viewer)
	}()
}
