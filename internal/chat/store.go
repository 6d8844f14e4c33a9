//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks
package chat

import "context"

// MessageStore is the durable, append-only message log.
type MessageStore interface {
	// Append persists msg and returns it with its id and authoritative timestamp.
	Append(ctx context.Context, msg Message) (StoredMessage, error)
	// Range returns the conversation between a and b in ascending timestamp
	// order. Range(a, b) and Range(b, a) are the same conversation.
	Range(ctx context.Context, a, b UserID) ([]StoredMessage, error)
}
