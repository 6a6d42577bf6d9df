package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"classchat/internal/metrics"
	"classchat/pkg/interfaces"
	"classchat/pkg/types"
)

// Frame types exchanged over the socket
const (
	FrameJoinRoom       = "join_room"
	FrameLeaveRoom      = "leave_room"
	FrameSendMessage    = "send_message"
	FrameWelcome        = "welcome"
	FrameJoined         = "joined"
	FrameLeft           = "left"
	FrameReceiveMessage = "receive_message"
	FrameError          = "error"
)

// Frame is a server-to-client event. Message holds a *types.Message for
// receive_message and a reason string for error.
type Frame struct {
	Type         string `json:"type"`
	Room         string `json:"room,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
	Message      any    `json:"message,omitempty"`
}

// inboundFrame is a client-to-server event.
// send_message accepts either message_id or a message object with an id,
// which is what clients that echo the saved record send.
type inboundFrame struct {
	Type      string `json:"type"`
	Room      string `json:"room"`
	MessageID string `json:"message_id"`
	Message   *struct {
		ID string `json:"id"`
	} `json:"message"`
}

func (f *inboundFrame) messageID() string {
	if id := strings.TrimSpace(f.MessageID); id != "" {
		return id
	}
	if f.Message != nil {
		return strings.TrimSpace(f.Message.ID)
	}
	return ""
}

const maxRoomLength = 128

// HandlerConfig tunes the socket lifecycle
type HandlerConfig struct {
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteTimeout    time.Duration
	SendBuffer      int
	MaxMessageBytes int64
	AllowedOrigins  []string
}

// DefaultHandlerConfig returns the heartbeat settings used in production
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		PingInterval:    30 * time.Second,
		PongWait:        60 * time.Second,
		WriteTimeout:    10 * time.Second,
		SendBuffer:      100,
		MaxMessageBytes: 64 * 1024,
	}
}

// Handler upgrades HTTP requests and runs the per-connection read loop
type Handler struct {
	registry *Registry
	chat     interfaces.ChatService
	config   HandlerConfig
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(registry *Registry, chat interfaces.ChatService, config HandlerConfig, logger zerolog.Logger) *Handler {
	defaults := DefaultHandlerConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.PongWait <= config.PingInterval {
		config.PongWait = 2 * config.PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}

	h := &Handler{
		registry: registry,
		chat:     chat,
		config:   config,
		logger:   logger.With().Str("component", "websocket").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

// checkOrigin allows every origin when none are configured or "*" is listed
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and hands the connection to its own goroutine
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response
		h.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	wsConn := NewConnection(conn, h.config.SendBuffer, h.config.WriteTimeout, h.logger)
	if err := h.registry.Register(wsConn); err != nil {
		// Shutting down
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(h.config.WriteTimeout))
		_ = wsConn.Close()
		return
	}
	metrics.ActiveConnections.Inc()
	h.logger.Debug().Str("connection_id", wsConn.ID()).Str("remote", r.RemoteAddr).Msg("websocket connected")

	// The client needs its id to exclude itself from fan-out of its own HTTP submissions
	if err := wsConn.WriteJSON(Frame{Type: FrameWelcome, ConnectionID: wsConn.ID()}); err != nil {
		h.registry.Disconnect(wsConn)
		metrics.ActiveConnections.Dec()
		_ = wsConn.Close()
		return
	}

	go h.handleConnection(wsConn)
}

// handleConnection runs the read pump and heartbeat for one connection
// ARCHITECTURAL DISCOVERY: The read loop is the only place a connection's
// subscriptions change, and its deferred cleanup removes them all
func (h *Handler) handleConnection(conn *Connection) {
	logger := h.logger.With().Str("connection_id", conn.ID()).Logger()

	defer func() {
		rooms := h.registry.Disconnect(conn)
		_ = conn.Close()
		metrics.ActiveConnections.Dec()
		logger.Debug().Strs("rooms", rooms).Msg("websocket disconnected")
	}()

	if h.config.MaxMessageBytes > 0 {
		conn.conn.SetReadLimit(h.config.MaxMessageBytes)
	}

	// TECHNICAL DISCOVERY: Read deadline is pushed forward on every pong, so a
	// silent client is detected within PongWait
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.config.PongWait)); err != nil {
		logger.Debug().Err(err).Msg("set read deadline failed")
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})

	go h.heartbeat(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if err := h.dispatch(conn, data); err != nil {
			logger.Debug().Err(err).Msg("frame rejected")
			_ = conn.WriteJSON(Frame{Type: FrameError, Message: types.Reason(err)})
		}
	}
}

func (h *Handler) heartbeat(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// dispatch handles one client frame
func (h *Handler) dispatch(conn *Connection, data []byte) error {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return ErrInvalidJSON
	}

	switch frame.Type {
	case FrameJoinRoom:
		room, err := normalizeRoom(frame.Room)
		if err != nil {
			return err
		}
		if err := h.registry.Subscribe(conn, room); err != nil {
			return err
		}
		return conn.WriteJSON(Frame{Type: FrameJoined, Room: room})

	case FrameLeaveRoom:
		room, err := normalizeRoom(frame.Room)
		if err != nil {
			return err
		}
		h.registry.Unsubscribe(conn, room)
		return conn.WriteJSON(Frame{Type: FrameLeft, Room: room})

	case FrameSendMessage:
		id := frame.messageID()
		if id == "" {
			return ErrMissingMessageID
		}
		// FUNCTIONAL DISCOVERY: The frame only names a stored message; the
		// broadcast payload is always re-read from storage, never taken from the client
		ctx, cancel := context.WithTimeout(context.Background(), h.config.WriteTimeout)
		defer cancel()
		return h.chat.NotifyPersisted(ctx, id, conn.ID())

	default:
		return ErrUnknownFrame
	}
}

func normalizeRoom(room string) (string, error) {
	room = strings.TrimSpace(room)
	if room == "" || len(room) > maxRoomLength {
		return "", ErrInvalidRoom
	}
	return room, nil
}
