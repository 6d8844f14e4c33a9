package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/gochat-relay/internal/chat"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var ErrConnectionClosed = errors.New("connection closed")

// ConnectionOptions are the per-connection limits the manager applies.
type ConnectionOptions struct {
	MaxMessageSize int64
	SendBufferSize int
	RateLimit      RateLimitConfig
}

// Connection is one WebSocket client. It implements presence.Handle once
// identified, and owns its state machine.
type Connection struct {
	id      string
	conn    *websocket.Conn
	addr    string
	manager *Manager
	log     *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	state  State
	userID chat.UserID

	limiter        *rateLimiter
	maxMessageSize int64
}

func newConnection(conn *websocket.Conn, addr string, m *Manager) *Connection {
	id := uuid.NewString()
	opts := m.opts
	if conn != nil {
		conn.SetReadLimit(opts.MaxMessageSize)
	}

	return &Connection{
		id:             id,
		conn:           conn,
		addr:           addr,
		manager:        m,
		log:            m.log.With(zap.String("conn", id), zap.String("remote", addr)),
		send:           make(chan []byte, opts.SendBufferSize),
		done:           make(chan struct{}),
		state:          StateConnecting,
		limiter:        newRateLimiter(opts.RateLimit),
		maxMessageSize: opts.MaxMessageSize,
	}
}

// ID is unique per connection for the life of the process.
func (c *Connection) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID is empty until the connection is identified.
func (c *Connection) UserID() chat.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Deliver queues a receiveMessage frame for the writer. It fails with
// ErrConnectionClosed once the connection is closing, and with the context
// error when the queue stays full past the deadline.
func (c *Connection) Deliver(ctx context.Context, msg chat.StoredMessage) error {
	payload := NewMessagePayload(msg)
	payload.Type = EventReceiveMessage
	return c.enqueueJSON(ctx, payload)
}

// Close moves the connection to Closed. The registry entry is removed first,
// then the writer is stopped and the socket closed. Safe to call repeatedly.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		previous := c.state
		c.state = StateClosed
		c.mu.Unlock()

		c.manager.presence.Unregister(c)
		close(c.done)

		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("error closing connection", zap.Error(err))
		}
		c.manager.release(c)

		c.log.Debug("connection closed", zap.Stringer("from", previous))
	})
}

func (c *Connection) enqueueJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reply queues a frame produced by the reader itself.
func (c *Connection) reply(v any) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := c.enqueueJSON(ctx, v); err != nil && !errors.Is(err, ErrConnectionClosed) {
		c.log.Warn("reply dropped", zap.Error(err))
	}
}

func (c *Connection) replyError(code string) {
	c.reply(ErrorEvent{Type: EventError, Error: code})
}

func (c *Connection) replyAck(requestID string, ack chat.Ack, code string) {
	event := AckEvent{Type: EventAck, RequestID: requestID, Success: code == ""}
	if code != "" {
		event.Error = code
	} else {
		payload := NewMessagePayload(ack.Message)
		event.Message = &payload
	}
	c.reply(event)
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Connection) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (c *Connection) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Info("frame exceeded maximum size", zap.Int64("limit", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Debug("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug("connection closed", zap.Error(err))
	default:
		c.log.Info("websocket read error", zap.Error(err))
	}
}

func (c *Connection) readPump() {
	defer c.Close()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		var event InboundEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			c.log.Debug("invalid event", zap.Error(err))
			c.replyError(CodeInvalidEvent)
			continue
		}

		if !c.limiter.allow() {
			c.log.Info("rate limit exceeded, discarding event", zap.String("type", event.Type))
			if event.Type == EventSendMessage {
				c.replyAck(event.RequestID, chat.Ack{}, CodeRateLimited)
			}
			continue
		}

		c.handleEvent(event)
	}
}

func (c *Connection) handleEvent(event InboundEvent) {
	switch event.Type {
	case EventIdentify:
		c.identify(event)
	case EventSendMessage:
		c.sendMessage(event)
	default:
		c.log.Debug("unknown event type", zap.String("type", event.Type))
		c.replyError(CodeInvalidEvent)
	}
}

func (c *Connection) identify(event InboundEvent) {
	userID := chat.UserID(strings.TrimSpace(event.UserID))

	if identifier := c.manager.identifier; identifier != nil {
		verified, err := identifier.Identify(event.Token)
		if err != nil || (!userID.Empty() && userID != verified) {
			c.log.Info("identify rejected", zap.String("user", userID.String()), zap.Error(err))
			c.replyError(CodeUnauthorized)
			return
		}
		userID = verified
	}

	if userID.Empty() {
		c.replyError(CodeInvalidEvent)
		return
	}

	c.mu.Lock()
	next, err := c.state.next(triggerIdentify)
	if err != nil {
		current := c.userID
		c.mu.Unlock()
		c.log.Info("identify ignored", zap.String("user", current.String()), zap.Error(err))
		c.replyError(CodeAlreadyIdentified)
		return
	}
	c.state = next
	c.userID = userID
	// Registering under c.mu orders it before any concurrent Close.
	c.manager.presence.Register(userID, c)
	c.mu.Unlock()

	c.log.Info("connection identified", zap.String("user", userID.String()))
	c.reply(IdentifiedEvent{Type: EventIdentified, UserID: userID.String()})
}

func (c *Connection) sendMessage(event InboundEvent) {
	c.mu.Lock()
	state, userID := c.state, c.userID
	c.mu.Unlock()

	if state != StateIdentified {
		c.replyAck(event.RequestID, chat.Ack{}, CodeNotIdentified)
		return
	}

	senderID := chat.UserID(event.SenderID)
	if senderID.Empty() {
		senderID = userID
	}
	if senderID != userID {
		c.log.Info("sender does not match identified user", zap.String("sender", senderID.String()))
		c.replyAck(event.RequestID, chat.Ack{}, chat.ErrorCode(chat.ErrInvalidRequest))
		return
	}

	ack, err := c.manager.sender.Send(c.manager.ctx, senderID, chat.UserID(event.ReceiverID), event.Content)
	if err != nil {
		c.replyAck(event.RequestID, chat.Ack{}, chat.ErrorCode(err))
		return
	}
	c.replyAck(event.RequestID, ack, "")
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Connection) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message := <-c.send:
		return c.writeTextMessage(message)
	case <-ticker.C:
		return c.writePing()
	case <-c.done:
		c.writeCloseMessage()
		return false
	}
}

func (c *Connection) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("error setting write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Info("error writing message", zap.Error(err))
		}
		return false
	}
	return true
}

func (c *Connection) writeCloseMessage() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Debug("error writing close message", zap.Error(err))
		}
	}
}

func (c *Connection) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Debug("error writing ping", zap.Error(err))
		return false
	}
	return true
}
