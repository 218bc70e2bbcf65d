package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"farmchat/internal/models"
)

// PostgresUserStore implements the UserStore interface using PostgreSQL.
type PostgresUserStore struct {
	db *pgxpool.Pool
}

// NewPostgresUserStore creates a new PostgresUserStore.
func NewPostgresUserStore(db *pgxpool.Pool) *PostgresUserStore {
	return &PostgresUserStore{
		db: db,
	}
}

// UpsertUser inserts the user or refreshes its name and role. Empty fields keep the stored value.
func (s *PostgresUserStore) UpsertUser(ctx context.Context, user models.UserSummary) error {
	query := `
        INSERT INTO users (id, username, role)
        VALUES ($1, $2, $3)
        ON CONFLICT (id) DO UPDATE SET
            username = COALESCE(NULLIF(EXCLUDED.username, ''), users.username),
            role     = COALESCE(NULLIF(EXCLUDED.role, ''), users.role)
    `
	if _, err := s.db.Exec(ctx, query, user.ID, user.UserName, string(user.Role)); err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", user.ID, err)
	}
	return nil
}

// EnsureUser creates a bare user row for userID if none exists.
func (s *PostgresUserStore) EnsureUser(ctx context.Context, userID string) error {
	query := `INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`
	if _, err := s.db.Exec(ctx, query, userID); err != nil {
		return fmt.Errorf("failed to ensure user %s: %w", userID, err)
	}
	return nil
}

// GetUserByID retrieves a user by their ID.
func (s *PostgresUserStore) GetUserByID(ctx context.Context, id string) (*models.UserSummary, error) {
	query := `SELECT id, username, role FROM users WHERE id = $1`
	var user models.UserSummary
	var role string
	err := s.db.QueryRow(ctx, query, id).Scan(&user.ID, &user.UserName, &role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user by ID %s: %w", id, err)
	}
	user.Role = models.Role(role)
	return &user, nil
}
