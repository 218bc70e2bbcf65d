package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"farmchat/internal/models"
)

// PostgresChatStore implements ChatStore with PostgreSQL.
type PostgresChatStore struct {
	db *pgxpool.Pool
}

func NewPostgresChatStore(db *pgxpool.Pool) *PostgresChatStore {
	return &PostgresChatStore{
		db: db,
	}
}

// GetOrCreateDirectChat returns the 1:1 chat between userA and userB, creating it if needed.
func (s *PostgresChatStore) GetOrCreateDirectChat(ctx context.Context, userA, userB string) (*models.Chat, error) {
	if userA == userB {
		return nil, ErrSelfChat
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serializes concurrent creation of the same pair.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, pairKey(userA, userB)); err != nil {
		return nil, fmt.Errorf("failed to lock chat pair: %w", err)
	}

	findQuery := `
		SELECT c.id
		FROM chats c
		WHERE EXISTS (
			SELECT 1 FROM chat_participants cp1 WHERE cp1.chat_id = c.id AND cp1.user_id = $1
		) AND EXISTS (
			SELECT 1 FROM chat_participants cp2 WHERE cp2.chat_id = c.id AND cp2.user_id = $2
		) AND (
			SELECT COUNT(*) FROM chat_participants cp_count WHERE cp_count.chat_id = c.id
		) = 2
		LIMIT 1
	`
	var chatID string
	err = tx.QueryRow(ctx, findQuery, userA, userB).Scan(&chatID)
	switch {
	case err == nil:
	case errors.Is(err, pgx.ErrNoRows):
		chatID = uuid.NewString()
		if _, err := tx.Exec(ctx, `INSERT INTO chats (id, created_at, updated_at) VALUES ($1, NOW(), NOW())`, chatID); err != nil {
			return nil, fmt.Errorf("failed to create chat entry: %w", err)
		}
		participantQuery := `INSERT INTO chat_participants (chat_id, user_id, created_at) VALUES ($1, $2, NOW())`
		for _, userID := range []string{userA, userB} {
			if _, err := tx.Exec(ctx, participantQuery, chatID, userID); err != nil {
				return nil, fmt.Errorf("failed to add participant %s to chat %s: %w", userID, chatID, err)
			}
		}
	default:
		return nil, fmt.Errorf("failed to get chat by participant IDs: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return s.GetChatByID(ctx, chatID)
}

// GetChatByID returns the chat with its participants. LastMessage and UnreadCount are not filled.
func (s *PostgresChatStore) GetChatByID(ctx context.Context, chatID string) (*models.Chat, error) {
	query := `SELECT id, updated_at FROM chats WHERE id = $1`
	chat := &models.Chat{}
	err := s.db.QueryRow(ctx, query, chatID).Scan(&chat.ID, &chat.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("failed to get chat by ID %s: %w", chatID, err)
	}
	participants, err := s.getChatParticipants(ctx, chatID)
	if err != nil {
		return nil, err
	}
	chat.Participants = participants
	return chat, nil
}

func (s *PostgresChatStore) getChatParticipants(ctx context.Context, chatID string) ([]models.UserSummary, error) {
	query := `
        SELECT u.id, u.username, u.role
        FROM users u
        JOIN chat_participants cp ON u.id = cp.user_id
        WHERE cp.chat_id = $1
        ORDER BY cp.created_at, u.id
    `
	rows, err := s.db.Query(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat participants for chatID %s: %w", chatID, err)
	}
	defer rows.Close()

	var participants []models.UserSummary
	for rows.Next() {
		var p models.UserSummary
		var role string
		if err := rows.Scan(&p.ID, &p.UserName, &role); err != nil {
			return nil, fmt.Errorf("failed to scan chat participant for chatID %s: %w", chatID, err)
		}
		p.Role = models.Role(role)
		participants = append(participants, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chat participant rows for chatID %s: %w", chatID, err)
	}
	return participants, nil
}

func (s *PostgresChatStore) GetParticipantIDs(ctx context.Context, chatID string) ([]string, error) {
	participants, err := s.getChatParticipants(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if len(participants) == 0 {
		return nil, ErrChatNotFound
	}
	ids := make([]string, len(participants))
	for i, p := range participants {
		ids[i] = p.ID
	}
	return ids, nil
}

func (s *PostgresChatStore) GetUserChats(ctx context.Context, userID string) ([]models.Chat, error) {
	query := `
SELECT
    c.id,
    c.updated_at,
    COALESCE((
        SELECT jsonb_agg(jsonb_build_object('id', u.id, 'userName', u.username, 'role', u.role) ORDER BY cp2.created_at, u.id)
        FROM chat_participants cp2
        JOIN users u ON u.id = cp2.user_id
        WHERE cp2.chat_id = c.id
    ), '[]'::jsonb) AS participants_json,
    lm.id,
    lm.sender_id,
    lm.content,
    lm.read,
    lm.created_at,
    (
        SELECT COUNT(*) FROM messages um
        WHERE um.chat_id = c.id AND um.sender_id <> $1 AND NOT um.read
    ) AS unread_count
FROM chats c
JOIN chat_participants cp ON cp.chat_id = c.id AND cp.user_id = $1
LEFT JOIN LATERAL (
    SELECT m.id, m.sender_id, m.content, m.read, m.created_at
    FROM messages m
    WHERE m.chat_id = c.id
    ORDER BY m.created_at DESC
    LIMIT 1
) lm ON TRUE
ORDER BY c.updated_at DESC, c.id
`
	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user chats: %w", err)
	}
	defer rows.Close()

	chats := make([]models.Chat, 0)
	for rows.Next() {
		var (
			chat             models.Chat
			participantsJSON []byte
			lastID           *string
			lastSender       *string
			lastContent      *string
			lastRead         *bool
			lastCreatedAt    *time.Time
			unread           int64
		)
		err := rows.Scan(&chat.ID, &chat.UpdatedAt, &participantsJSON,
			&lastID, &lastSender, &lastContent, &lastRead, &lastCreatedAt, &unread)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user chat row: %w", err)
		}
		if err := json.Unmarshal(participantsJSON, &chat.Participants); err != nil {
			return nil, fmt.Errorf("failed to decode participants of chat %s: %w", chat.ID, err)
		}
		if lastID != nil {
			chat.LastMessage = &models.Message{
				ID:        *lastID,
				ChatID:    chat.ID,
				Sender:    deref(lastSender),
				Content:   deref(lastContent),
				Read:      lastRead != nil && *lastRead,
				CreatedAt: derefTime(lastCreatedAt),
			}
		}
		chat.UnreadCount = int(unread)
		chats = append(chats, chat)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user chat rows: %w", err)
	}
	return chats, nil
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
