package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"classchat/internal/metrics"
	"classchat/pkg/interfaces"
	"classchat/pkg/types"
)

var _ interfaces.ChatService = (*Service)(nil)

// Service validates, persists and publishes chat messages
// ARCHITECTURAL DISCOVERY: Persist-then-publish ordering means a message is only
// ever broadcast after it is durable, and a broadcast failure never undoes a write
type Service struct {
	store       interfaces.MessageStore
	broadcaster interfaces.Broadcaster
	limiter     Limiter
	logger      zerolog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithLimiter replaces the default in-memory rate limiter.
func WithLimiter(limiter Limiter) Option {
	return func(s *Service) {
		if limiter != nil {
			s.limiter = limiter
		}
	}
}

// NewService creates a chat service
func NewService(store interfaces.MessageStore, broadcaster interfaces.Broadcaster, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if broadcaster == nil {
		return nil, ErrNilBroadcaster
	}

	s := &Service{
		store:       store,
		broadcaster: broadcaster,
		limiter:     NewRateLimiter(DefaultRateLimit, DefaultRateWindow),
		logger:      logger.With().Str("component", "chat").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SubmitMessage stores sub and fans it out to the scope's room.
// The returned message is the canonical stored record.
func (s *Service) SubmitMessage(ctx context.Context, sub interfaces.Submission) (*types.Message, error) {
	author := strings.TrimSpace(sub.Author)
	if author == "" {
		return nil, types.Validation("author is required")
	}
	// Reject malformed content before it counts against the author's rate
	if _, err := types.NormalizeContent(sub.Content, sub.Attachment); err != nil {
		return nil, err
	}

	allowed, err := s.limiter.Allow(ctx, author)
	if err != nil {
		// A limiter outage must not take chat down with it
		s.logger.Warn().Err(err).Str("author", author).Msg("rate limiter unavailable, allowing message")
		allowed = true
	}
	if !allowed {
		metrics.RateLimitHits.Inc()
		return nil, types.RateLimited("rate limit exceeded: too many messages, slow down")
	}

	var (
		message *types.Message
		scope   = "global"
	)
	if sub.Scope.IsGlobal() {
		message, err = s.store.AppendGlobalMessage(ctx, author, sub.Content, sub.Attachment)
	} else {
		scope = "classroom"
		message, err = s.store.AppendClassroomMessage(ctx, sub.Scope.ClassroomID, author, sub.Content, sub.Attachment)
	}
	if err != nil {
		if isDomainError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}
	metrics.MessagesPersisted.WithLabelValues(scope).Inc()

	s.publish(message, sub.OriginConnID)
	return message, nil
}

// NotifyPersisted re-reads a stored message and publishes it to its room.
// Publishing a message that already went out is a no-op at the hub.
func (s *Service) NotifyPersisted(ctx context.Context, messageID, originConnID string) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return types.Validation("message id is required")
	}

	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}

	s.publish(message, originConnID)
	return nil
}

// History returns every message in scope in insertion order
func (s *Service) History(ctx context.Context, scope types.Scope) ([]*types.Message, error) {
	if scope.IsGlobal() {
		return s.store.ListGlobalMessages(ctx)
	}
	return s.store.ListClassroomMessages(ctx, scope.ClassroomID)
}

// publish hands message to the broadcaster. Failures are logged, never returned.
func (s *Service) publish(message *types.Message, originConnID string) {
	if err := s.broadcaster.Publish(message.Room(), message, originConnID); err != nil {
		s.logger.Warn().
			Err(err).
			Str("room", message.Room()).
			Str("message_id", message.ID).
			Msg("broadcast failed")
		return
	}

	s.logger.Debug().
		Str("room", message.Room()).
		Str("message_id", message.ID).
		Str("connection_id", originConnID).
		Msg("message published")
}

func isDomainError(err error) bool {
	var domainErr *types.Error
	return errors.As(err, &domainErr)
}
