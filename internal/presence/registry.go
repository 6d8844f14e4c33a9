//go:generate go run go.uber.org/mock/mockgen -source=registry.go -destination=../mocks/mock_handle.go -package=mocks

// Package presence tracks which live connections belong to which user.
//
// A user may hold any number of connections at once (tabs, devices). The
// registry maps each user to the set of handles currently reachable for them
// and is the only place that knows that mapping. It is safe for concurrent use;
// every read returns a snapshot rather than a live view.
package presence

import (
	"context"
	"sync"

	"github.com/Tyrowin/gochat-relay/internal/chat"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Handle is one open channel to a single client session.
type Handle interface {
	// ID is unique per connection for the lifetime of the process.
	ID() string
	// Deliver pushes a stored message to the client. It must return once ctx
	// is done, and fail rather than block when the connection is closing.
	Deliver(ctx context.Context, msg chat.StoredMessage) error
}

// Registry maps user ids to their live handles.
type Registry struct {
	mu     sync.RWMutex
	byUser map[chat.UserID]map[string]Handle // user -> handle id -> handle
	owner  map[string]chat.UserID            // handle id -> user
	log    *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		byUser: make(map[chat.UserID]map[string]Handle),
		owner:  make(map[string]chat.UserID),
		log:    log.Named("presence"),
	}
}

// Register adds h to the user's set, creating the entry if needed. A handle
// already registered for another user is moved, so it never sits in two
// entries.
func (r *Registry) Register(userID chat.UserID, h Handle) {
	if h == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := h.ID()
	if previous, ok := r.owner[id]; ok && previous != userID {
		r.removeLocked(previous, id)
	}

	handles := r.byUser[userID]
	if handles == nil {
		handles = make(map[string]Handle)
		r.byUser[userID] = handles
	}
	handles[id] = h
	r.owner[id] = userID

	r.log.Debug("handle registered",
		zap.String("user", userID.String()),
		zap.String("handle", id),
		zap.Int("sessions", len(handles)))
}

// Unregister removes h from whichever entry holds it. Removing an unknown
// handle is a no-op, which covers a connection torn down twice.
func (r *Registry) Unregister(h Handle) {
	if h == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := h.ID()
	userID, ok := r.owner[id]
	if !ok {
		return
	}
	r.removeLocked(userID, id)

	r.log.Debug("handle unregistered",
		zap.String("user", userID.String()),
		zap.String("handle", id),
		zap.Int("sessions", len(r.byUser[userID])))
}

// removeLocked drops the handle and deletes the user entry once empty.
// Caller holds r.mu.
func (r *Registry) removeLocked(userID chat.UserID, id string) {
	delete(r.owner, id)
	handles, ok := r.byUser[userID]
	if !ok {
		return
	}
	delete(handles, id)
	if len(handles) == 0 {
		delete(r.byUser, userID)
	}
}

// Lookup returns a snapshot of the user's handles. An unknown user and a user
// with no connections both yield nil.
func (r *Registry) Lookup(userID chat.UserID) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := r.byUser[userID]
	if len(handles) == 0 {
		return nil
	}
	return lo.Values(handles)
}

// Online reports whether the user has at least one live handle.
func (r *Registry) Online(userID chat.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Users returns the number of users with at least one live handle.
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Connections returns the number of registered handles across all users.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owner)
}

// RegisterMetrics exposes the user and connection counts as observable gauges.
func (r *Registry) RegisterMetrics(meter metric.Meter) error {
	usersGauge, err := meter.Int64ObservableGauge("relay_presence_users",
		metric.WithDescription("Users with at least one live connection"))
	if err != nil {
		return err
	}
	connsGauge, err := meter.Int64ObservableGauge("relay_presence_connections",
		metric.WithDescription("Identified connections across all users"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(usersGauge, int64(r.Users()))
		o.ObserveInt64(connsGauge, int64(r.Connections()))
		return nil
	}, usersGauge, connsGauge)
	return err
}
