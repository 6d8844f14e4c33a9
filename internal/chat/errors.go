package chat

import "errors"

var (
	// ErrInvalidRequest is returned for a send with a missing sender, receiver or content.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrPersistence is returned when the message store rejects or cannot reach an append.
	ErrPersistence = errors.New("persistence error")
	// ErrDeliveryFailure marks a failed push to a single handle. It is logged, never returned by a send.
	ErrDeliveryFailure = errors.New("delivery failure")
)

// ErrorCode maps an error to the short code sent to clients in a failed ack.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrPersistence):
		return "persistence_error"
	default:
		return "internal_error"
	}
}
