package hub

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"classchat/internal/metrics"
	"classchat/internal/websocket"
	"classchat/pkg/interfaces"
	"classchat/pkg/types"
)

var _ interfaces.Broadcaster = (*Hub)(nil)

const (
	// DefaultQueueSize buffers publish bursts from many classrooms at once
	DefaultQueueSize = 1000
	// DefaultDedupSize is how many recently published message ids are remembered
	DefaultDedupSize = 4096

	// DefaultRelayQueueSize buffers forwards to other instances while the relay is slow
	DefaultRelayQueueSize = 1000

	relayTimeout = 5 * time.Second
)

// Relay forwards published messages to other instances
type Relay interface {
	Publish(ctx context.Context, room string, message *types.Message, originConnID string) error
}

// Hub multicasts persisted messages to the connections subscribed to a room
// ARCHITECTURAL DISCOVERY: Publishers only enqueue; one delivery goroutine does
// all fan-out, so a slow subscriber can never stall a request handler
type Hub struct {
	registry *websocket.Registry
	relay    Relay
	logger   zerolog.Logger

	queue      chan *delivery
	relayQueue chan *delivery
	recent     *lru.Cache[string, struct{}]

	running bool
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
}

// delivery is one queued publish
type delivery struct {
	room         string
	message      *types.Message
	originConnID string
	remote       bool
}

// Option customizes a Hub.
type Option func(*options)

type options struct {
	queueSize      int
	relayQueueSize int
	dedupSize      int
	relay          Relay
}

// WithQueueSize sets the publish buffer.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithRelayQueueSize sets how many forwards may wait for a slow relay before new ones are dropped.
func WithRelayQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.relayQueueSize = n
		}
	}
}

// WithDedupSize sets how many message ids are remembered for duplicate suppression.
func WithDedupSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.dedupSize = n
		}
	}
}

// WithRelay mirrors every local publish to other instances.
func WithRelay(relay Relay) Option {
	return func(o *options) { o.relay = relay }
}

// NewHub creates a new hub
func NewHub(registry *websocket.Registry, logger zerolog.Logger, opts ...Option) (*Hub, error) {
	o := options{queueSize: DefaultQueueSize, relayQueueSize: DefaultRelayQueueSize, dedupSize: DefaultDedupSize}
	for _, opt := range opts {
		opt(&o)
	}

	recent, err := lru.New[string, struct{}](o.dedupSize)
	if err != nil {
		return nil, err
	}

	h := &Hub{
		registry: registry,
		relay:    o.relay,
		logger:   logger.With().Str("component", "hub").Logger(),
		queue:    make(chan *delivery, o.queueSize),
		recent:   recent,
	}
	if h.relay != nil {
		h.relayQueue = make(chan *delivery, o.relayQueueSize)
	}
	return h, nil
}

// Start begins hub processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.done = make(chan struct{})

	h.wg.Add(1)
	go h.run(ctx, h.done)

	if h.relay != nil {
		h.wg.Add(1)
		go h.relayLoop(ctx, h.done)
	}

	h.logger.Info().Bool("relay", h.relay != nil).Msg("message hub started")
	return nil
}

// Stop halts delivery. Queued but undelivered events are dropped.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.done)
	h.mu.Unlock()

	h.wg.Wait()
	h.logger.Info().Msg("message hub stopped")
	return nil
}

// Publish queues message for every subscriber of room except originConnID.
// A message id already published by this hub is silently ignored.
func (h *Hub) Publish(room string, message *types.Message, originConnID string) error {
	return h.enqueue(&delivery{room: room, message: message, originConnID: originConnID})
}

// DeliverRemote queues a message received from another instance for local delivery only
func (h *Hub) DeliverRemote(room string, message *types.Message, originConnID string) error {
	return h.enqueue(&delivery{room: room, message: message, originConnID: originConnID, remote: true})
}

func (h *Hub) enqueue(d *delivery) error {
	if d.message == nil {
		return ErrNilMessage
	}
	d.room = strings.TrimSpace(d.room)
	if d.room == "" {
		return ErrInvalidRoom
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	// FUNCTIONAL DISCOVERY: The HTTP submit path and the socket "notify my room"
	// signal both publish the same stored message; only the first one goes out
	if found, _ := h.recent.ContainsOrAdd(d.message.ID, struct{}{}); found {
		metrics.BroadcastPublishes.WithLabelValues("duplicate").Inc()
		return nil
	}

	select {
	case h.queue <- d:
		metrics.BroadcastPublishes.WithLabelValues("queued").Inc()
		return nil
	default:
		// Forget the id so a later retry is not mistaken for a duplicate
		h.recent.Remove(d.message.ID)
		metrics.BroadcastPublishes.WithLabelValues("queue_full").Inc()
		return ErrMessageChannelFull
	}
}

// QueueDepth reports how many publishes are waiting for delivery
func (h *Hub) QueueDepth() int {
	return len(h.queue)
}

// Running reports whether the delivery loop is active
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// run is the single local delivery loop. It never waits on the relay.
func (h *Hub) run(ctx context.Context, done <-chan struct{}) {
	defer h.wg.Done()

	for {
		select {
		case d := <-h.queue:
			h.deliver(d)
			if !d.remote {
				h.queueForward(d)
			}
		case <-done:
			return
		case <-ctx.Done():
			h.logger.Debug().Msg("hub context cancelled")
			return
		}
	}
}

// deliver sends d to local subscribers, skipping the origin connection
func (h *Hub) deliver(d *delivery) {
	frame := websocket.Frame{Type: websocket.FrameReceiveMessage, Room: d.room, Message: d.message}

	delivered, dropped := 0, 0
	for _, conn := range h.registry.RoomConnections(d.room) {
		if d.originConnID != "" && conn.ID() == d.originConnID {
			continue
		}
		if conn.TrySend(frame) {
			delivered++
		} else {
			dropped++
		}
	}

	metrics.BroadcastDeliveries.WithLabelValues("delivered").Add(float64(delivered))
	metrics.BroadcastDeliveries.WithLabelValues("dropped").Add(float64(dropped))

	event := h.logger.Debug()
	if dropped > 0 {
		event = h.logger.Warn()
	}
	event.Str("room", d.room).
		Str("message_id", d.message.ID).
		Int("delivered", delivered).
		Int("dropped", dropped).
		Bool("remote", d.remote).
		Msg("message fanned out")
}

// queueForward hands d to the relay loop, dropping it when the relay is backed up
func (h *Hub) queueForward(d *delivery) {
	if h.relay == nil {
		return
	}
	select {
	case h.relayQueue <- d:
	default:
		metrics.BroadcastPublishes.WithLabelValues("relay_dropped").Inc()
		h.logger.Warn().Str("room", d.room).Str("message_id", d.message.ID).Msg("relay queue full, forward dropped")
	}
}

// relayLoop drains relayQueue so a slow relay only delays other instances
func (h *Hub) relayLoop(ctx context.Context, done <-chan struct{}) {
	defer h.wg.Done()

	for {
		select {
		case d := <-h.relayQueue:
			h.forward(ctx, d)
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// forward mirrors a local publish to the relay
func (h *Hub) forward(ctx context.Context, d *delivery) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), relayTimeout)
	defer cancel()

	if err := h.relay.Publish(ctx, d.room, d.message, d.originConnID); err != nil {
		metrics.BroadcastPublishes.WithLabelValues("relay_error").Inc()
		h.logger.Warn().Err(err).Str("room", d.room).Str("message_id", d.message.ID).Msg("relay publish failed")
		return
	}
	metrics.BroadcastPublishes.WithLabelValues("relayed").Inc()
}
