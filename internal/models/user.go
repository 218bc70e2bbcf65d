package models

import (
	"encoding/json"
	"fmt"
)

// Role distinguishes the two kinds of marketplace users.
type Role string

const (
	RoleClient Role = "client"
	RoleFarmer Role = "farmer"
)

// Session is the authenticated user's identity. The chat subsystem reads it but never mutates it.
type Session struct {
	UserID      string
	DisplayName string
	Role        Role
}

// UserSummary is the participant view embedded in chats.
type UserSummary struct {
	ID       string `json:"id"`
	UserName string `json:"userName"`
	Role     Role   `json:"role,omitempty"`
}

type userSummaryWire struct {
	MongoID     string `json:"_id"`
	ID          string `json:"id"`
	UserName    string `json:"userName"`
	Username    string `json:"username"`
	Role        Role   `json:"role"`
	AccountType Role   `json:"type"`
}

// UnmarshalJSON accepts both the `_id`/`type` and `id`/`role` spellings used by backends.
func (u *UserSummary) UnmarshalJSON(b []byte) error {
	var w userSummaryWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*u = UserSummary{
		ID:       firstNonEmpty(w.ID, w.MongoID),
		UserName: firstNonEmpty(w.UserName, w.Username),
		Role:     Role(firstNonEmpty(string(w.Role), string(w.AccountType))),
	}
	return nil
}

// decodeUserRef reads a user reference that is either a bare id string or a populated user object.
func decodeUserRef(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id, nil
	}
	var u UserSummary
	if err := json.Unmarshal(raw, &u); err != nil {
		return "", fmt.Errorf("user reference is neither an id nor a user object: %w", err)
	}
	return u.ID, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
