package websocket

import (
	"farmchat/internal/protocol"
)

// Event types handled by the hub. The wire format is shared with clients through the protocol package.
const (
	MessageTypeSendMessage = protocol.EventSendMessage // client -> server
	MessageTypeNewMessage  = protocol.EventNewMessage  // server -> every participant, sender included
	MessageTypeError       = protocol.EventError       // server -> the client whose frame failed
)

type (
	SendMessagePayload = protocol.SendMessagePayload
	NewMessagePayload  = protocol.NewMessagePayload
	ErrorPayload       = protocol.ErrorPayload
)

// Error codes carried in ErrorPayload.Code. They mirror HTTP status codes.
const (
	CodeBadRequest = 400
	CodeForbidden  = 403
	CodeNotFound   = 404
	CodeInternal   = 500
)
