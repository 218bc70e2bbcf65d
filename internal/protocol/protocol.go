// Package protocol defines the envelope and event payloads exchanged over the
// real-time chat connection. Both the client and the reference server use it.
package protocol

import (
	"encoding/json"
	"fmt"

	"farmchat/internal/models"
)

// Event names carried in Envelope.Type.
const (
	EventSendMessage = "sendMessage" // client -> server
	EventNewMessage  = "newMessage"  // server -> every participant, sender included
	EventError       = "error"       // server -> client
)

// Envelope is the wrapper for every frame on the connection.
// The Type field determines how Payload is interpreted.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals payload into an envelope frame.
func Encode(eventType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	frame, err := json.Marshal(Envelope{Type: eventType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", eventType, err)
	}
	return frame, nil
}

// Decode parses a frame into its envelope. The payload stays raw until a handler asks for it.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("invalid envelope: missing type")
	}
	return env, nil
}

// SendMessagePayload is what a client emits when the user hits send.
// ClientTempID correlates the optimistic local entry with the server's newMessage echo.
type SendMessagePayload struct {
	Content      string `json:"content"`
	ChatID       string `json:"chatId"`
	SenderID     string `json:"senderId"`
	ReceiverID   string `json:"receiverId"`
	ClientTempID string `json:"clientTempId,omitempty"`
}

// NewMessagePayload is the full message record pushed to participants.
type NewMessagePayload = models.Message

// ErrorPayload is used for sending error details over the connection.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// DecodeMessage reads a newMessage payload.
func DecodeMessage(payload json.RawMessage) (models.Message, error) {
	var m models.Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return models.Message{}, fmt.Errorf("invalid %s payload: %w", EventNewMessage, err)
	}
	if m.ChatID == "" {
		return models.Message{}, fmt.Errorf("invalid %s payload: missing chatId", EventNewMessage)
	}
	return m, nil
}

// DecodeSendMessage reads a sendMessage payload.
func DecodeSendMessage(payload json.RawMessage) (SendMessagePayload, error) {
	var p SendMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return SendMessagePayload{}, fmt.Errorf("invalid %s payload: %w", EventSendMessage, err)
	}
	return p, nil
}
