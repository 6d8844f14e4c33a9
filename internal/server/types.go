package server

import (
	"context"
	"strings"
	"time"

	"github.com/Tyrowin/gochat-relay/internal/chat"
	"github.com/Tyrowin/gochat-relay/internal/presence"
)

// Event types on the wire.
const (
	EventIdentify       = "identify"
	EventSendMessage    = "sendMessage"
	EventReceiveMessage = "receiveMessage"
	EventAck            = "ack"
	EventIdentified     = "identified"
	EventError          = "error"
)

// Error codes carried by ack and error events, on top of chat.ErrorCode.
const (
	CodeNotIdentified     = "not_identified"
	CodeRateLimited       = "rate_limited"
	CodeInvalidEvent      = "invalid_event"
	CodeUnauthorized      = "unauthorized"
	CodeAlreadyIdentified = "already_identified"
)

// Presence is the part of the registry a connection drives.
type Presence interface {
	Register(userID chat.UserID, h presence.Handle)
	Unregister(h presence.Handle)
}

// MessageSender persists a message and fans it out. *delivery.Engine satisfies it.
type MessageSender interface {
	Send(ctx context.Context, senderID, receiverID chat.UserID, content string) (chat.Ack, error)
}

// Identifier resolves a bearer credential to a user. *auth.Service satisfies it.
type Identifier interface {
	Identify(credential string) (chat.UserID, error)
}

// InboundEvent is any client to server frame. Fields not used by Type are ignored.
type InboundEvent struct {
	Type       string `json:"type"`
	UserID     string `json:"userId,omitempty"`
	Token      string `json:"token,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
	SenderID   string `json:"senderId,omitempty"`
	ReceiverID string `json:"receiverId,omitempty"`
	Content    string `json:"content,omitempty"`
}

// MessagePayload is a stored message as clients see it.
type MessagePayload struct {
	Type       string `json:"type,omitempty"`
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp"`
}

type AckEvent struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Success   bool            `json:"success"`
	Message   *MessagePayload `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type IdentifiedEvent struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type ErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewMessagePayload converts a stored message; the timestamp is RFC 3339 in UTC.
func NewMessagePayload(m chat.StoredMessage) MessagePayload {
	return MessagePayload{
		ID:         m.ID.String(),
		SenderID:   m.Sender.String(),
		ReceiverID: m.Receiver.String(),
		Content:    m.Content,
		Timestamp:  m.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
