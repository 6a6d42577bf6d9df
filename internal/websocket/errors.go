package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection  = errors.New("connection cannot be nil")
	ErrInvalidRoom    = errors.New("room id is required")
	ErrRegistryClosed = errors.New("registry is closed")
)

// Handler-related errors
var (
	ErrUnknownFrame     = errors.New("unknown frame type")
	ErrMissingMessageID = errors.New("message id is required")
)
