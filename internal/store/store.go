package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"farmchat/internal/models"
)

var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrNotParticipant  = errors.New("user is not a participant of this chat")
	ErrSelfChat        = errors.New("cannot start a chat with yourself")
)

// UserStore keeps the user directory. Users are created from token claims.
type UserStore interface {
	UpsertUser(ctx context.Context, user models.UserSummary) error
	EnsureUser(ctx context.Context, userID string) error
	GetUserByID(ctx context.Context, id string) (*models.UserSummary, error)
}

// ChatStore defines persistence operations for chats and participants.
type ChatStore interface {
	GetOrCreateDirectChat(ctx context.Context, userA, userB string) (*models.Chat, error)
	GetChatByID(ctx context.Context, chatID string) (*models.Chat, error)
	// GetUserChats lists the chats of userID with the last message and the unread
	// count as seen by userID, most recently updated first.
	GetUserChats(ctx context.Context, userID string) ([]models.Chat, error)
	GetParticipantIDs(ctx context.Context, chatID string) ([]string, error)
}

// MessageStore defines persistence operations for messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, message *models.Message) error
	// GetMessagesByChatID returns the latest limit messages, oldest first.
	// A limit of zero or less returns the full history.
	GetMessagesByChatID(ctx context.Context, chatID string, limit int) ([]models.Message, error)
	// MarkChatRead flags every message in chatID not sent by readerID as read.
	MarkChatRead(ctx context.Context, chatID, readerID string) (int, error)
	GetUnreadMessageCountForUserInChat(ctx context.Context, chatID, userID string) (int, error)
}

// Store bundles the three stores the server needs.
type Store interface {
	UserStore
	ChatStore
	MessageStore
}

// IsParticipant reports whether userID takes part in chatID.
func IsParticipant(ctx context.Context, chats ChatStore, chatID, userID string) (bool, error) {
	ids, err := chats.GetParticipantIDs(ctx, chatID)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id         TEXT PRIMARY KEY,
    username   TEXT NOT NULL DEFAULT '',
    role       TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS chats (
    id         TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS chat_participants (
    chat_id    TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
    user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (chat_id, user_id)
);
CREATE TABLE IF NOT EXISTS messages (
    id             TEXT PRIMARY KEY,
    client_temp_id TEXT NOT NULL DEFAULT '',
    chat_id        TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
    sender_id      TEXT NOT NULL REFERENCES users(id),
    content        TEXT NOT NULL,
    read           BOOLEAN NOT NULL DEFAULT FALSE,
    created_at     TIMESTAMPTZ NOT NULL
);
ALTER TABLE messages ADD COLUMN IF NOT EXISTS client_temp_id TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS messages_chat_created_idx ON messages (chat_id, created_at);
CREATE INDEX IF NOT EXISTS chat_participants_user_idx ON chat_participants (user_id);
`

// Migrate creates the tables used by the Postgres stores if they do not exist.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Postgres implements Store on a pgx pool.
type Postgres struct {
	*PostgresUserStore
	*PostgresChatStore
	*PostgresMessageStore
}

// NewPostgres returns a Store backed by db.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{
		PostgresUserStore:    NewPostgresUserStore(db),
		PostgresChatStore:    NewPostgresChatStore(db),
		PostgresMessageStore: NewPostgresMessageStore(db),
	}
}

var now = time.Now
