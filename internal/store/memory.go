package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"farmchat/internal/models"
)

// Memory is an in-process Store for tests and local runs without a database.
type Memory struct {
	mu       sync.RWMutex
	users    map[string]models.UserSummary
	chats    map[string]*memChat
	messages map[string][]models.Message
}

type memChat struct {
	chat         models.Chat
	participants []string
}

func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]models.UserSummary),
		chats:    make(map[string]*memChat),
		messages: make(map[string][]models.Message),
	}
}

func (m *Memory) UpsertUser(ctx context.Context, user models.UserSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.users[user.ID]
	existing.ID = user.ID
	if user.UserName != "" {
		existing.UserName = user.UserName
	}
	if user.Role != "" {
		existing.Role = user.Role
	}
	m.users[user.ID] = existing
	return nil
}

func (m *Memory) EnsureUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		m.users[userID] = models.UserSummary{ID: userID}
	}
	return nil
}

func (m *Memory) GetUserByID(ctx context.Context, id string) (*models.UserSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (m *Memory) GetOrCreateDirectChat(ctx context.Context, userA, userB string) (*models.Chat, error) {
	if userA == userB {
		return nil, ErrSelfChat
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.chats {
		if len(c.participants) == 2 && contains(c.participants, userA) && contains(c.participants, userB) {
			out := m.chatViewLocked(c)
			return &out, nil
		}
	}
	for _, id := range []string{userA, userB} {
		if _, ok := m.users[id]; !ok {
			return nil, ErrUserNotFound
		}
	}
	c := &memChat{
		chat:         models.Chat{ID: uuid.NewString(), UpdatedAt: now()},
		participants: []string{userA, userB},
	}
	m.chats[c.chat.ID] = c
	out := m.chatViewLocked(c)
	return &out, nil
}

func (m *Memory) GetChatByID(ctx context.Context, chatID string) (*models.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	out := m.chatViewLocked(c)
	return &out, nil
}

func (m *Memory) GetParticipantIDs(ctx context.Context, chatID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	return append([]string(nil), c.participants...), nil
}

func (m *Memory) GetUserChats(ctx context.Context, userID string) ([]models.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chats := make([]models.Chat, 0)
	for _, c := range m.chats {
		if !contains(c.participants, userID) {
			continue
		}
		view := m.chatViewLocked(c)
		msgs := m.messages[c.chat.ID]
		if len(msgs) > 0 {
			last := msgs[len(msgs)-1].Clone()
			view.LastMessage = &last
		}
		view.UnreadCount = unreadFor(msgs, userID)
		chats = append(chats, view)
	}
	sort.Slice(chats, func(i, j int) bool {
		if !chats[i].UpdatedAt.Equal(chats[j].UpdatedAt) {
			return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
		}
		return chats[i].ID < chats[j].ID
	})
	return chats, nil
}

func (m *Memory) CreateMessage(ctx context.Context, message *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[message.ChatID]
	if !ok {
		return ErrChatNotFound
	}
	msgs := m.messages[message.ChatID]
	// Kept sorted by creation time so history reads need no sort.
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].CreatedAt.After(message.CreatedAt) })
	msgs = append(msgs, models.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = message.Clone()
	m.messages[message.ChatID] = msgs
	if message.CreatedAt.After(c.chat.UpdatedAt) {
		c.chat.UpdatedAt = message.CreatedAt
	}
	return nil
}

func (m *Memory) GetMessagesByChatID(ctx context.Context, chatID string, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.chats[chatID]; !ok {
		return nil, ErrChatNotFound
	}
	msgs := m.messages[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.Clone()
	}
	return out, nil
}

func (m *Memory) MarkChatRead(ctx context.Context, chatID, readerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chats[chatID]; !ok {
		return 0, ErrChatNotFound
	}
	changed := 0
	msgs := m.messages[chatID]
	for i := range msgs {
		if msgs[i].Sender != readerID && !msgs[i].Read {
			msgs[i].Read = true
			changed++
		}
	}
	return changed, nil
}

func (m *Memory) GetUnreadMessageCountForUserInChat(ctx context.Context, chatID, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.chats[chatID]; !ok {
		return 0, ErrChatNotFound
	}
	return unreadFor(m.messages[chatID], userID), nil
}

func (m *Memory) chatViewLocked(c *memChat) models.Chat {
	out := c.chat.Clone()
	out.Participants = make([]models.UserSummary, 0, len(c.participants))
	for _, id := range c.participants {
		u, ok := m.users[id]
		if !ok {
			u = models.UserSummary{ID: id}
		}
		out.Participants = append(out.Participants, u)
	}
	return out
}

func unreadFor(msgs []models.Message, userID string) int {
	n := 0
	for _, msg := range msgs {
		if msg.Sender != userID && !msg.Read {
			n++
		}
	}
	return n
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
