// Package chat defines the data model shared by the relay: user identities,
// messages before and after persistence, and the acknowledgement returned to
// a sender.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// UserID is the opaque identity issued by the auth service. The same value
// keys the presence registry and the message store.
type UserID string

// String returns the raw identifier.
func (u UserID) String() string {
	return string(u)
}

// Empty reports whether the identifier is blank.
func (u UserID) Empty() bool {
	return u == ""
}

// Message is a validated send request that has not been persisted yet.
type Message struct {
	Sender   UserID
	Receiver UserID
	Content  string
}

// StoredMessage is a Message after the store accepted it. Timestamp is the
// store's authoritative ordering instant and may differ from the moment the
// client sent the message.
type StoredMessage struct {
	ID        uuid.UUID
	Sender    UserID
	Receiver  UserID
	Content   string
	Timestamp time.Time
}

// Involves reports whether the user is one of the two parties of the message.
func (m StoredMessage) Involves(user UserID) bool {
	return m.Sender == user || m.Receiver == user
}

// Ack is the outcome of a successful send. Delivered and Failed count the
// live handles the message was pushed to; both may be zero.
type Ack struct {
	Message   StoredMessage
	Delivered int
	Failed    int
}
