package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrManagerClosed = errors.New("connection manager is shut down")

// Manager owns every live connection: it starts their pumps, keeps the set of
// open connections and closes them all on shutdown.
type Manager struct {
	presence   Presence
	sender     MessageSender
	identifier Identifier
	log        *zap.Logger
	opts       ConnectionOptions

	connections map[*Connection]struct{}
	register    chan *Connection
	unregister  chan *Connection
	mutex       sync.RWMutex
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewManager builds a manager. identifier may be nil, in which case identify
// trusts the userId the client sends.
func NewManager(presence Presence, sender MessageSender, identifier Identifier,
	log *zap.Logger, opts ConnectionOptions) *Manager {
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = 256
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 4096
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		presence:    presence,
		sender:      sender,
		identifier:  identifier,
		log:         log.Named("manager"),
		opts:        opts,
		connections: make(map[*Connection]struct{}),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// Run is the manager's event loop. It returns after Shutdown has been called
// and every open socket has been told to close.
func (m *Manager) Run() {
	defer close(m.done)

	for {
		select {
		case <-m.ctx.Done():
			m.closeAll()
			return

		case c := <-m.register:
			m.mutex.Lock()
			m.connections[c] = struct{}{}
			count := len(m.connections)
			m.mutex.Unlock()
			c.log.Debug("connection accepted", zap.Int("open", count))

			m.wg.Add(2)
			go func() {
				defer m.wg.Done()
				c.writePump()
			}()
			go func() {
				defer m.wg.Done()
				c.readPump()
			}()

		case c := <-m.unregister:
			m.mutex.Lock()
			delete(m.connections, c)
			count := len(m.connections)
			m.mutex.Unlock()
			c.log.Debug("connection released", zap.Int("open", count))
		}
	}
}

// Accept hands an upgraded socket to the manager. The connection starts in
// Connecting; the caller must not use conn afterwards.
func (m *Manager) Accept(conn *websocket.Conn, addr string) (*Connection, error) {
	c := newConnection(conn, addr, m)

	select {
	case m.register <- c:
		return c, nil
	case <-m.done:
		_ = conn.Close()
		return nil, ErrManagerClosed
	}
}

func (m *Manager) release(c *Connection) {
	select {
	case m.unregister <- c:
	case <-m.done:
		m.mutex.Lock()
		delete(m.connections, c)
		m.mutex.Unlock()
	}
}

// Count returns the number of open connections.
func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.connections)
}

func (m *Manager) snapshot() []*Connection {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	connections := make([]*Connection, 0, len(m.connections))
	for c := range m.connections {
		connections = append(connections, c)
	}
	return connections
}

// closeAll sends a going-away close frame to every socket and closes it. The
// pumps notice and run the normal teardown.
func (m *Manager) closeAll() {
	connections := m.snapshot()
	m.log.Info("shutting down client connections", zap.Int("open", len(connections)))

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range connections {
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			if !isExpectedCloseError(err) {
				c.log.Debug("error sending close frame", zap.Error(err))
			}
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("error closing client connection", zap.Error(err))
		}
	}
}

// Shutdown initiates graceful shutdown of the manager and waits for all
// connection goroutines to complete, or for the timeout.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.log.Info("initiating connection manager shutdown")

	m.cancel()
	<-m.done

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		m.log.Info("connection manager shutdown completed")
		return nil
	case <-time.After(timeout):
		m.log.Warn("connection manager shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
