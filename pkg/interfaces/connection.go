package interfaces

// Connection represents a live real-time client connection.
// ARCHITECTURAL DISCOVERY: Pure abstraction keeps the broadcaster free of
// WebSocket details, so subscription and fan-out logic can be tested with fakes.
type Connection interface {
	// ID returns the server-assigned connection identifier.
	// Submissions carry it so the originating connection is excluded from fan-out.
	ID() string

	// WriteJSON sends a JSON message to the client (thread-safe, may block up to the write timeout)
	WriteJSON(v interface{}) error

	// TrySend queues v without blocking and reports whether it was accepted.
	// FUNCTIONAL DISCOVERY: Broadcast must never stall on a slow receiver,
	// so fan-out drops the event rather than waiting for buffer space.
	TrySend(v interface{}) bool

	// Close closes the connection and cleans up resources
	Close() error
}
