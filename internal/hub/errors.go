package hub

import "errors"

// Hub-specific error types
var (
	ErrHubAlreadyRunning  = errors.New("hub is already running")
	ErrHubNotRunning      = errors.New("hub is not running")
	ErrMessageChannelFull = errors.New("message channel is full")
	ErrNilMessage         = errors.New("message cannot be nil")
	ErrInvalidRoom        = errors.New("room id is required")
)
