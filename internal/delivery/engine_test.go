package delivery_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/gochat-relay/internal/chat"
	"github.com/Tyrowin/gochat-relay/internal/delivery"
	"github.com/Tyrowin/gochat-relay/internal/mocks"
	"github.com/Tyrowin/gochat-relay/internal/presence"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

// recordingHandle keeps every message pushed to it.
type recordingHandle struct {
	id       string
	mu       sync.Mutex
	received []chat.StoredMessage
	err      error
	block    bool
}

func (h *recordingHandle) ID() string { return h.id }

func (h *recordingHandle) Deliver(ctx context.Context, msg chat.StoredMessage) error {
	if h.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if h.err != nil {
		return h.err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, msg)
	return nil
}

func (h *recordingHandle) messages() []chat.StoredMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]chat.StoredMessage(nil), h.received...)
}

func storedFrom(msg chat.Message) chat.StoredMessage {
	return chat.StoredMessage{
		ID:        uuid.New(),
		Sender:    msg.Sender,
		Receiver:  msg.Receiver,
		Content:   msg.Content,
		Timestamp: time.Now().UTC(),
	}
}

func newEngine(t *testing.T, store chat.MessageStore, registry *presence.Registry, opts delivery.Options) *delivery.Engine {
	t.Helper()
	engine, err := delivery.NewEngine(store, registry, zap.NewNop(), noop.NewMeterProvider().Meter("test"), opts)
	require.NoError(t, err)
	return engine
}

func TestEngine_Send_Validation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		description string
		sender      chat.UserID
		receiver    chat.UserID
		content     string
	}{
		{"Should fail if sender is empty", "", "bob", "hi"},
		{"Should fail if receiver is empty", "alice", "", "hi"},
		{"Should fail if content is empty", "alice", "bob", ""},
		{"Should fail if content exceeds the limit", "alice", "bob", strings.Repeat("x", 11)},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			req := require.New(t)
			ctrl := gomock.NewController(t)
			store := mocks.NewMockMessageStore(ctrl)
			store.EXPECT().Append(gomock.Any(), gomock.Any()).Times(0)

			registry := presence.NewRegistry(zap.NewNop())
			alice := &recordingHandle{id: "h1"}
			registry.Register("alice", alice)

			engine := newEngine(t, store, registry, delivery.Options{MaxContentLength: 10})
			_, err := engine.Send(ctx, tt.sender, tt.receiver, tt.content)

			req.ErrorIs(err, chat.ErrInvalidRequest)
			req.Empty(alice.messages())
		})
	}
}

func TestEngine_Send_PersistenceFailureProducesNoDelivery(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockMessageStore(ctrl)
	storeErr := errors.New("badger closed")
	store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(chat.StoredMessage{}, storeErr).Times(1)

	registry := presence.NewRegistry(zap.NewNop())
	alice := &recordingHandle{id: "h1"}
	bob := &recordingHandle{id: "h2"}
	registry.Register("alice", alice)
	registry.Register("bob", bob)

	engine := newEngine(t, store, registry, delivery.Options{})
	_, err := engine.Send(ctx, "alice", "bob", "hi")

	req.ErrorIs(err, chat.ErrPersistence)
	req.ErrorIs(err, storeErr)
	req.Empty(alice.messages())
	req.Empty(bob.messages())
}

func TestEngine_Send_RecipientOffline(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockMessageStore(ctrl)

	var persisted chat.StoredMessage
	store.EXPECT().
		Append(gomock.Any(), chat.Message{Sender: "alice", Receiver: "bob", Content: "hi"}).
		DoAndReturn(func(_ context.Context, msg chat.Message) (chat.StoredMessage, error) {
			persisted = storedFrom(msg)
			return persisted, nil
		}).Times(1)

	registry := presence.NewRegistry(zap.NewNop())
	h1 := &recordingHandle{id: "h1"}
	registry.Register("alice", h1)

	engine := newEngine(t, store, registry, delivery.Options{})
	ack, err := engine.Send(ctx, "alice", "bob", "hi")

	req.NoError(err)
	req.Equal(persisted, ack.Message)
	req.Equal(1, ack.Delivered)
	req.Equal(0, ack.Failed)
	req.Equal([]chat.StoredMessage{persisted}, h1.messages(), "sender echo")
}

func TestEngine_Send_NobodyOnline(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockMessageStore(ctrl)
	store.EXPECT().Append(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msg chat.Message) (chat.StoredMessage, error) {
			return storedFrom(msg), nil
		})

	engine := newEngine(t, store, presence.NewRegistry(zap.NewNop()), delivery.Options{})
	ack, err := engine.Send(context.Background(), "alice", "bob", "anyone?")

	req.NoError(err)
	req.NotEqual(uuid.Nil, ack.Message.ID)
	req.False(ack.Message.Timestamp.IsZero())
	req.Zero(ack.Delivered)
}

func TestEngine_Send_MultiTabFanOut(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockMessageStore(ctrl)
	store.EXPECT().Append(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msg chat.Message) (chat.StoredMessage, error) {
			return storedFrom(msg), nil
		})

	registry := presence.NewRegistry(zap.NewNop())
	h1 := &recordingHandle{id: "h1"}
	h2 := &recordingHandle{id: "h2"}
	h3 := &recordingHandle{id: "h3"}
	carol := &recordingHandle{id: "h4"}
	registry.Register("alice", h1)
	registry.Register("alice", h2)
	registry.Register("bob", h3)
	registry.Register("carol", carol)

	engine := newEngine(t, store, registry, delivery.Options{})
	ack, err := engine.Send(context.Background(), "alice", "bob", "yo")

	req.NoError(err)
	req.Equal(3, ack.Delivered)
	for _, h := range []*recordingHandle{h1, h2, h3} {
		got := h.messages()
		req.Len(got, 1, "handle %s", h.id)
		req.Equal(ack.Message, got[0])
	}
	req.Empty(carol.messages())
}

func TestEngine_Send_ToSelfDeliversOncePerHandle(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockMessageStore(ctrl)
	store.EXPECT().Append(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msg chat.Message) (chat.StoredMessage, error) {
			return storedFrom(msg), nil
		})

	registry := presence.NewRegistry(zap.NewNop())
	h1 := &recordingHandle{id: "h1"}
	h2 := &recordingHandle{id: "h2"}
	registry.Register("alice", h1)
	registry.Register("alice", h2)

	engine := newEngine(t, store, registry, delivery.Options{})
	ack, err := engine.Send(context.Background(), "alice", "alice", "note to self")

	req.NoError(err)
	req.Equal(2, ack.Delivered)
	req.Len(h1.messages(), 1)
	req.Len(h2.messages(), 1)
}

func TestEngine_Send_FailingHandleDoesNotAbortOthers(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockMessageStore(ctrl)
	store.EXPECT().Append(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msg chat.Message) (chat.StoredMessage, error) {
			return storedFrom(msg), nil
		})

	closing := mocks.NewMockHandle(ctrl)
	closing.EXPECT().ID().Return("h3").AnyTimes()
	closing.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(errors.New("connection closed")).Times(1)

	panicking := mocks.NewMockHandle(ctrl)
	panicking.EXPECT().ID().Return("h4").AnyTimes()
	panicking.EXPECT().Deliver(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, chat.StoredMessage) error { panic("socket gone") }).Times(1)

	registry := presence.NewRegistry(zap.NewNop())
	h1 := &recordingHandle{id: "h1"}
	registry.Register("alice", h1)
	registry.Register("bob", closing)
	registry.Register("bob", panicking)

	engine := newEngine(t, store, registry, delivery.Options{})
	ack, err := engine.Send(context.Background(), "alice", "bob", "late")

	req.NoError(err)
	req.Equal(1, ack.Delivered)
	req.Equal(2, ack.Failed)
	req.Len(h1.messages(), 1)
}

func TestEngine_Send_SlowHandleIsBounded(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockMessageStore(ctrl)
	store.EXPECT().Append(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msg chat.Message) (chat.StoredMessage, error) {
			return storedFrom(msg), nil
		})

	registry := presence.NewRegistry(zap.NewNop())
	fast := &recordingHandle{id: "fast"}
	slow := &recordingHandle{id: "slow", block: true}
	registry.Register("bob", fast)
	registry.Register("bob", slow)

	engine := newEngine(t, store, registry, delivery.Options{DeliveryTimeout: 50 * time.Millisecond})

	start := time.Now()
	ack, err := engine.Send(context.Background(), "alice", "bob", "hello")
	elapsed := time.Since(start)

	req.NoError(err)
	req.Equal(1, ack.Delivered)
	req.Equal(1, ack.Failed)
	req.Len(fast.messages(), 1)
	req.Less(elapsed, time.Second)
}

func TestEngine_Send_StoreTimeout(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockMessageStore(ctrl)
	store.EXPECT().Append(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ chat.Message) (chat.StoredMessage, error) {
			<-ctx.Done()
			return chat.StoredMessage{}, ctx.Err()
		})

	engine := newEngine(t, store, presence.NewRegistry(zap.NewNop()),
		delivery.Options{PersistTimeout: 20 * time.Millisecond})
	_, err := engine.Send(context.Background(), "alice", "bob", "hello")

	req.ErrorIs(err, chat.ErrPersistence)
	req.ErrorIs(err, context.DeadlineExceeded)
}

func TestEngine_Send_ConcurrentDisconnect(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockMessageStore(ctrl)

	registry := presence.NewRegistry(zap.NewNop())
	h3 := &recordingHandle{id: "h3"}
	registry.Register("bob", h3)

	// bob goes away while the append is in flight
	store.EXPECT().Append(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msg chat.Message) (chat.StoredMessage, error) {
			registry.Unregister(h3)
			return storedFrom(msg), nil
		})

	engine := newEngine(t, store, registry, delivery.Options{})
	ack, err := engine.Send(context.Background(), "alice", "bob", "late")

	req.NoError(err)
	req.Equal("late", ack.Message.Content)
	req.Zero(ack.Delivered)
	req.Empty(h3.messages())
}
