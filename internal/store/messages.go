package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"farmchat/internal/models"
)

// PostgresMessageStore implements MessageStore with PostgreSQL.
type PostgresMessageStore struct {
	db *pgxpool.Pool
}

func NewPostgresMessageStore(db *pgxpool.Pool) *PostgresMessageStore {
	return &PostgresMessageStore{
		db: db,
	}
}

func scanMessage(row pgx.Row) (models.Message, error) {
	var msg models.Message
	err := row.Scan(&msg.ID, &msg.ClientTempID, &msg.ChatID, &msg.Sender, &msg.Content, &msg.Read, &msg.CreatedAt)
	if err != nil {
		return models.Message{}, err
	}
	ts := msg.CreatedAt
	msg.Timestamp = &ts
	return msg, nil
}

// CreateMessage stores message and bumps the chat's updated_at in one transaction.
func (s *PostgresMessageStore) CreateMessage(ctx context.Context, message *models.Message) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE chats SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`, message.ChatID, message.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to touch chat %s: %w", message.ChatID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChatNotFound
	}

	query := `
        INSERT INTO messages (id, client_temp_id, chat_id, sender_id, content, read, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `
	if _, err := tx.Exec(ctx, query,
		message.ID,
		message.ClientTempID,
		message.ChatID,
		message.Sender,
		message.Content,
		message.Read,
		message.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresMessageStore) GetMessagesByChatID(ctx context.Context, chatID string, limit int) ([]models.Message, error) {
	query := `
        SELECT id, client_temp_id, chat_id, sender_id, content, read, created_at FROM (
            SELECT id, client_temp_id, chat_id, sender_id, content, read, created_at
            FROM messages
            WHERE chat_id = $1
            ORDER BY created_at DESC
            LIMIT NULLIF($2::int, 0)
        ) latest
        ORDER BY created_at ASC
    `
	rows, err := s.db.Query(ctx, query, chatID, max(limit, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to query messages for chat %s: %w", chatID, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message for chat %s: %w", chatID, err)
		}
		messages = append(messages, msg)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows for chat %s: %w", chatID, err)
	}
	return messages, nil
}

func (s *PostgresMessageStore) MarkChatRead(ctx context.Context, chatID, readerID string) (int, error) {
	query := `UPDATE messages SET read = TRUE WHERE chat_id = $1 AND sender_id <> $2 AND NOT read`
	tag, err := s.db.Exec(ctx, query, chatID, readerID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark chat %s read for %s: %w", chatID, readerID, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresMessageStore) GetUnreadMessageCountForUserInChat(ctx context.Context, chatID, userID string) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE chat_id = $1 AND sender_id <> $2 AND NOT read`
	var count int
	if err := s.db.QueryRow(ctx, query, chatID, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unread messages in chat %s: %w", chatID, err)
	}
	return count, nil
}
