// Package relay mirrors hub publishes across instances over Redis pub/sub.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"classchat/pkg/types"
)

// DefaultChannel is the pub/sub channel used when none is configured
const DefaultChannel = "classchat:broadcast"

// ErrAlreadySubscribed is returned by a second Subscribe call
var ErrAlreadySubscribed = errors.New("relay already subscribed")

// Envelope is the wire form of one relayed publish
type Envelope struct {
	Instance string         `json:"instance"`
	Room     string         `json:"room"`
	Origin   string         `json:"origin,omitempty"`
	Message  *types.Message `json:"message"`
}

// DeliverFunc hands a relayed message to the local hub
type DeliverFunc func(room string, message *types.Message, originConnID string) error

// Relay publishes envelopes to a Redis channel and delivers envelopes from other instances
type Relay struct {
	client   *redis.Client
	channel  string
	instance string
	logger   zerolog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// Connect parses redisURL, verifies the server answers and returns a relay on channel
func Connect(ctx context.Context, redisURL, channel string, logger zerolog.Logger) (*Relay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return New(client, channel, logger), nil
}

// New wraps an existing client. Each relay gets its own instance id.
func New(client *redis.Client, channel string, logger zerolog.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	instance := ulid.Make().String()
	return &Relay{
		client:   client,
		channel:  channel,
		instance: instance,
		logger:   logger.With().Str("component", "relay").Str("instance", instance).Logger(),
	}
}

// Instance returns this relay's id
func (r *Relay) Instance() string {
	return r.instance
}

// Client exposes the underlying Redis client for components that share the connection
func (r *Relay) Client() *redis.Client {
	return r.client
}

// Publish sends one envelope to the channel
func (r *Relay) Publish(ctx context.Context, room string, message *types.Message, originConnID string) error {
	payload, err := json.Marshal(Envelope{
		Instance: r.instance,
		Room:     room,
		Origin:   originConnID,
		Message:  message,
	})
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Subscribe confirms the channel subscription and then delivers envelopes from
// other instances in the background until ctx is done or the relay is closed
func (r *Relay) Subscribe(ctx context.Context, deliver DeliverFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pubsub != nil {
		return ErrAlreadySubscribed
	}

	pubsub := r.client.Subscribe(ctx, r.channel)
	// TECHNICAL DISCOVERY: Receive blocks until Redis confirms the subscription,
	// so publishes after Subscribe returns are never missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("redis subscribe failed: %w", err)
	}
	r.pubsub = pubsub

	r.wg.Add(1)
	go r.listen(ctx, pubsub.Channel(), deliver)

	r.logger.Info().Str("channel", r.channel).Msg("relay subscribed")
	return nil
}

func (r *Relay) listen(ctx context.Context, messages <-chan *redis.Message, deliver DeliverFunc) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			r.handle(msg.Payload, deliver)
		}
	}
}

func (r *Relay) handle(payload string, deliver DeliverFunc) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn().Err(err).Msg("dropping malformed envelope")
		return
	}
	if env.Instance == r.instance {
		return
	}
	if env.Message == nil || env.Room == "" {
		r.logger.Warn().Str("from", env.Instance).Msg("dropping incomplete envelope")
		return
	}

	if err := deliver(env.Room, env.Message, env.Origin); err != nil {
		r.logger.Warn().Err(err).Str("room", env.Room).Str("message_id", env.Message.ID).Msg("relayed delivery failed")
	}
}

// Ping checks the Redis connection
func (r *Relay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close stops the subscription and closes the client
func (r *Relay) Close() error {
	r.mu.Lock()
	pubsub := r.pubsub
	r.mu.Unlock()

	if pubsub != nil {
		_ = pubsub.Close()
		r.wg.Wait()
	}
	return r.client.Close()
}
