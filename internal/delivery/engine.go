// Package delivery persists chat messages and fans them out to the live
// connections of both parties.
//
// A message is never pushed to anyone before the store has accepted it. Once
// it is stored, delivery to each connection is best effort and independent:
// a slow or broken connection cannot hold up the others or fail the send.
package delivery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/gochat-relay/internal/chat"
	"github.com/Tyrowin/gochat-relay/internal/presence"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	defaultPersistTimeout  = 5 * time.Second
	defaultDeliveryTimeout = 2 * time.Second
)

// Directory resolves a user to the handles currently reachable for them.
// *presence.Registry satisfies it.
type Directory interface {
	Lookup(userID chat.UserID) []presence.Handle
}

// Options tunes the engine. Zero values fall back to defaults; a zero
// MaxContentLength disables the length check.
type Options struct {
	PersistTimeout   time.Duration
	DeliveryTimeout  time.Duration
	MaxContentLength int
}

// Engine validates, persists and fans out messages.
type Engine struct {
	store            chat.MessageStore
	directory        Directory
	log              *zap.Logger
	validate         *validator.Validate
	persistTimeout   time.Duration
	deliveryTimeout  time.Duration
	maxContentLength int

	sentCounter     metric.Int64Counter
	rejectedCounter metric.Int64Counter
	deliveryCounter metric.Int64Counter
	fanoutDuration  metric.Float64Histogram
}

type sendRequest struct {
	Sender   string `validate:"required"`
	Receiver string `validate:"required"`
	Content  string `validate:"required"`
}

// NewEngine wires an engine to its store and presence directory.
func NewEngine(store chat.MessageStore, directory Directory, log *zap.Logger,
	meter metric.Meter, opts Options) (*Engine, error) {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaultPersistTimeout
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = defaultDeliveryTimeout
	}

	e := &Engine{
		store:            store,
		directory:        directory,
		log:              log.Named("delivery"),
		validate:         validator.New(),
		persistTimeout:   opts.PersistTimeout,
		deliveryTimeout:  opts.DeliveryTimeout,
		maxContentLength: opts.MaxContentLength,
	}

	var err error
	if e.sentCounter, err = meter.Int64Counter("relay_messages_sent_total",
		metric.WithDescription("Messages persisted and acknowledged")); err != nil {
		return nil, err
	}
	if e.rejectedCounter, err = meter.Int64Counter("relay_messages_rejected_total",
		metric.WithDescription("Sends that failed validation or persistence")); err != nil {
		return nil, err
	}
	if e.deliveryCounter, err = meter.Int64Counter("relay_deliveries_total",
		metric.WithDescription("Per-connection delivery attempts")); err != nil {
		return nil, err
	}
	if e.fanoutDuration, err = meter.Float64Histogram("relay_fanout_duration_seconds",
		metric.WithDescription("Time to fan out one stored message to every target")); err != nil {
		return nil, err
	}
	return e, nil
}

// Send validates the request, appends it to the store and pushes the stored
// message to every live handle of the receiver and of the sender. The ack is
// returned once every push has succeeded, failed or timed out; zero live
// handles is still a success.
func (e *Engine) Send(ctx context.Context, senderID, receiverID chat.UserID, content string) (chat.Ack, error) {
	msg, err := e.validateRequest(senderID, receiverID, content)
	if err != nil {
		e.reject(ctx, "invalid_request")
		return chat.Ack{}, err
	}

	stored, err := e.persist(ctx, msg)
	if err != nil {
		e.reject(ctx, "persistence_error")
		e.log.Warn("message not persisted, skipping fan-out",
			zap.String("sender", senderID.String()),
			zap.String("receiver", receiverID.String()),
			zap.Error(err))
		return chat.Ack{}, err
	}
	e.sentCounter.Add(ctx, 1)

	targets := e.targets(senderID, receiverID)
	delivered, failed := e.fanOut(ctx, stored, targets)

	e.log.Debug("message sent",
		zap.String("id", stored.ID.String()),
		zap.String("sender", senderID.String()),
		zap.String("receiver", receiverID.String()),
		zap.Int("delivered", delivered),
		zap.Int("failed", failed))

	return chat.Ack{Message: stored, Delivered: delivered, Failed: failed}, nil
}

func (e *Engine) validateRequest(senderID, receiverID chat.UserID, content string) (chat.Message, error) {
	req := sendRequest{
		Sender:   senderID.String(),
		Receiver: receiverID.String(),
		Content:  content,
	}
	if err := e.validate.Struct(req); err != nil {
		return chat.Message{}, fmt.Errorf("%w: %v", chat.ErrInvalidRequest, err)
	}
	if e.maxContentLength > 0 {
		if err := e.validate.Var(content, fmt.Sprintf("max=%d", e.maxContentLength)); err != nil {
			return chat.Message{}, fmt.Errorf("%w: content longer than %d characters",
				chat.ErrInvalidRequest, e.maxContentLength)
		}
	}
	return chat.Message{Sender: senderID, Receiver: receiverID, Content: content}, nil
}

func (e *Engine) persist(ctx context.Context, msg chat.Message) (chat.StoredMessage, error) {
	appendCtx, cancel := context.WithTimeout(ctx, e.persistTimeout)
	defer cancel()

	stored, err := e.store.Append(appendCtx, msg)
	if err != nil {
		return chat.StoredMessage{}, fmt.Errorf("%w: %w", chat.ErrPersistence, err)
	}
	return stored, nil
}

// targets is the union of both parties' handles. When sender and receiver are
// the same user every handle appears once.
func (e *Engine) targets(senderID, receiverID chat.UserID) []presence.Handle {
	handles := e.directory.Lookup(receiverID)
	if senderID != receiverID {
		handles = append(handles, e.directory.Lookup(senderID)...)
	}
	return lo.UniqBy(handles, func(h presence.Handle) string {
		return h.ID()
	})
}

// fanOut pushes msg to every handle concurrently, each with its own deadline.
// The pushes are detached from ctx cancellation so that the sender going away
// does not cut delivery to the receiver short.
func (e *Engine) fanOut(ctx context.Context, msg chat.StoredMessage, handles []presence.Handle) (int, int) {
	if len(handles) == 0 {
		return 0, 0
	}

	start := time.Now()
	base := context.WithoutCancel(ctx)
	var delivered, failed atomic.Int64
	var wg sync.WaitGroup
	wg.Add(len(handles))

	for _, h := range handles {
		go func(h presence.Handle) {
			defer wg.Done()
			if err := e.deliver(base, h, msg); err != nil {
				failed.Add(1)
				e.log.Info("delivery skipped",
					zap.String("handle", h.ID()),
					zap.String("message", msg.ID.String()),
					zap.Error(err))
				return
			}
			delivered.Add(1)
		}(h)
	}
	wg.Wait()

	e.deliveryCounter.Add(ctx, delivered.Load(), metric.WithAttributes(attribute.String("result", "delivered")))
	e.deliveryCounter.Add(ctx, failed.Load(), metric.WithAttributes(attribute.String("result", "failed")))
	e.fanoutDuration.Record(ctx, time.Since(start).Seconds())

	return int(delivered.Load()), int(failed.Load())
}

func (e *Engine) deliver(base context.Context, h presence.Handle, msg chat.StoredMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: recovered from panic: %v", chat.ErrDeliveryFailure, r)
		}
	}()

	ctx, cancel := context.WithTimeout(base, e.deliveryTimeout)
	defer cancel()

	if err := h.Deliver(ctx, msg); err != nil {
		return fmt.Errorf("%w: %w", chat.ErrDeliveryFailure, err)
	}
	return nil
}

func (e *Engine) reject(ctx context.Context, reason string) {
	e.rejectedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
