package models

import (
	"encoding/json"
	"time"
)

// Chat is a two-participant conversation as listed for one viewing user.
type Chat struct {
	ID           string        `json:"id"`
	Participants []UserSummary `json:"participants"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	Messages     []Message     `json:"messages,omitempty"`
}

type chatWire struct {
	MongoID      string        `json:"_id"`
	ID           string        `json:"id"`
	Participants []UserSummary `json:"participants"`
	LastMessage  *Message      `json:"lastMessage"`
	UnreadCount  int           `json:"unreadCount"`
	UpdatedAt    JSONTime      `json:"updatedAt"`
	Messages     []Message     `json:"messages"`
}

// UnmarshalJSON accepts `_id` or `id` and clamps a negative unread count to zero.
func (c *Chat) UnmarshalJSON(b []byte) error {
	var w chatWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*c = Chat{
		ID:           firstNonEmpty(w.ID, w.MongoID),
		Participants: w.Participants,
		LastMessage:  w.LastMessage,
		UnreadCount:  max(w.UnreadCount, 0),
		UpdatedAt:    w.UpdatedAt.Time(),
		Messages:     w.Messages,
	}
	if c.UpdatedAt.IsZero() && c.LastMessage != nil {
		c.UpdatedAt = c.LastMessage.EffectiveTime()
	}
	return nil
}

// Counterpart returns the participant that is not viewerID, or nil.
func (c *Chat) Counterpart(viewerID string) *UserSummary {
	for i := range c.Participants {
		if c.Participants[i].ID != viewerID {
			return &c.Participants[i]
		}
	}
	return nil
}

// Clone returns a copy whose slices and pointers are not shared with c.
func (c *Chat) Clone() Chat {
	out := *c
	out.Participants = append([]UserSummary(nil), c.Participants...)
	if c.LastMessage != nil {
		lm := c.LastMessage.Clone()
		out.LastMessage = &lm
	}
	if c.Messages != nil {
		out.Messages = make([]Message, len(c.Messages))
		for i, m := range c.Messages {
			out.Messages[i] = m.Clone()
		}
	}
	return out
}

// StartChatRequest is the body of the "start conversation" call.
type StartChatRequest struct {
	ReceiverID string `json:"receiverId" binding:"required"`
}

// MessageHistory is the envelope returned by the message history endpoint.
type MessageHistory struct {
	Messages []Message `json:"messages"`
}
