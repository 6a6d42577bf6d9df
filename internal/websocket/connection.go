package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"classchat/pkg/interfaces"
)

var _ interfaces.Connection = (*Connection)(nil)

// Connection wraps a WebSocket connection with a buffered, single-writer send path
type Connection struct {
	id           string
	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration
	logger       zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection creates a connection with a fresh id and starts its write loop
// ARCHITECTURAL DISCOVERY: gorilla/websocket allows one concurrent writer, so every
// frame goes through writeCh and a single goroutine owns conn writes
func NewConnection(conn *websocket.Conn, bufferSize int, writeTimeout time.Duration, logger zerolog.Logger) *Connection {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	c := &Connection{
		id:           id,
		conn:         conn,
		writeCh:      make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		logger:       logger.With().Str("connection_id", id).Logger(),
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

// writeLoop drains writeCh until the connection is closed.
// writeCh is never closed; senders select on ctx instead.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("set write deadline failed")
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("websocket write failed")
				_ = c.Close()
				return
			}
		}
	}
}

// ID returns the server-assigned connection id
func (c *Connection) ID() string {
	return c.id
}

// WriteJSON queues v, waiting up to the write timeout for buffer space
func (c *Connection) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	if c.ctx.Err() != nil {
		return ErrConnectionClosed
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// TrySend queues v only if there is room in the buffer
func (c *Connection) TrySend(v interface{}) bool {
	if c.ctx.Err() != nil {
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping unencodable frame")
		return false
	}

	select {
	case c.writeCh <- data:
		return true
	default:
		return false
	}
}

// Ping sends a ping control frame. WriteControl is safe alongside the write loop.
func (c *Connection) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Done is closed once the connection has been closed
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close closes the connection and stops the write loop. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
