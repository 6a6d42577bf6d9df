package database

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MessageClock hands out message timestamps and ids for one store.
// Timestamps never go backwards even if the wall clock does, and ids sort in
// the same order as the timestamps they were minted with.
type MessageClock struct {
	mu      sync.Mutex
	last    time.Time
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewMessageClock creates a clock that will not issue anything earlier than floor.
func NewMessageClock(floor time.Time) *MessageClock {
	return &MessageClock{
		last:    floor.UTC(),
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// Raise moves the floor up to t, used once the last stored timestamp is known.
func (c *MessageClock) Raise(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.last) {
		c.last = t.UTC()
	}
}

// Next returns the next id and timestamp.
func (c *MessageClock) Next() (string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Microseconds: the finest resolution every backend stores
	ts := c.now().UTC().Truncate(time.Microsecond)
	if ts.Before(c.last) {
		ts = c.last
	}
	c.last = ts

	id := ulid.MustNew(ulid.Timestamp(ts), c.entropy)
	return id.String(), ts
}
