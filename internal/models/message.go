package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is a single chat message as seen by the client.
//
// Pending marks an optimistic local send that has not been confirmed by a
// newMessage push yet; it is never serialized.
type Message struct {
	ID           string     `json:"id"`
	ClientTempID string     `json:"clientTempId,omitempty"`
	ChatID       string     `json:"chatId"`
	Sender       string     `json:"sender"`
	Content      string     `json:"content"`
	CreatedAt    time.Time  `json:"createdAt"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
	Read         bool       `json:"read"`

	Pending bool `json:"-"`
}

type messageWire struct {
	MongoID      string          `json:"_id"`
	ID           string          `json:"id"`
	ClientTempID string          `json:"clientTempId"`
	ChatID       string          `json:"chatId"`
	Sender       json.RawMessage `json:"sender"`
	SenderID     string          `json:"senderId"`
	Content      string          `json:"content"`
	CreatedAt    JSONTime        `json:"createdAt"`
	Timestamp    JSONTime        `json:"timestamp"`
	Read         bool            `json:"read"`
}

// UnmarshalJSON accepts `_id` or `id`, and a sender given as an id or as a user object.
func (m *Message) UnmarshalJSON(b []byte) error {
	var w messageWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	sender, err := decodeUserRef(w.Sender)
	if err != nil {
		return fmt.Errorf("message %s: %w", firstNonEmpty(w.ID, w.MongoID), err)
	}
	*m = Message{
		ID:           firstNonEmpty(w.ID, w.MongoID),
		ClientTempID: w.ClientTempID,
		ChatID:       w.ChatID,
		Sender:       firstNonEmpty(sender, w.SenderID),
		Content:      w.Content,
		CreatedAt:    w.CreatedAt.Time(),
		Read:         w.Read,
	}
	if !w.Timestamp.IsZero() {
		ts := w.Timestamp.Time()
		m.Timestamp = &ts
	}
	return nil
}

// EffectiveTime is the instant used for ordering: the dedicated timestamp
// when present, otherwise createdAt.
func (m *Message) EffectiveTime() time.Time {
	if m.Timestamp != nil && !m.Timestamp.IsZero() {
		return *m.Timestamp
	}
	return m.CreatedAt
}

// Normalize makes sure the message carries a concrete point in time.
// A message without any time field is stamped with now.
func (m *Message) Normalize(now time.Time) {
	if !m.CreatedAt.IsZero() {
		return
	}
	if m.Timestamp != nil && !m.Timestamp.IsZero() {
		m.CreatedAt = *m.Timestamp
		return
	}
	m.CreatedAt = now
}

// Clone returns a copy that shares no pointers with m.
func (m Message) Clone() Message {
	if m.Timestamp != nil {
		ts := *m.Timestamp
		m.Timestamp = &ts
	}
	return m
}
