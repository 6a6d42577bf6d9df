package chat

import "errors"

// Chat-specific error types
var (
	ErrNilStore       = errors.New("message store is required")
	ErrNilBroadcaster = errors.New("broadcaster is required")
)
