package websocket

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"classchat/internal/metrics"
	"classchat/pkg/interfaces"
)

// Registry maps connections to the rooms they are subscribed to.
// ARCHITECTURAL DISCOVERY: Subscriptions are explicit state owned by this registry.
// Only a connection's own read loop and its cleanup mutate them; HTTP handlers never do.
type Registry struct {
	mu sync.RWMutex

	// room -> connection id -> connection
	rooms map[string]map[string]interfaces.Connection
	// connection id -> set of rooms
	subscriptions map[string]map[string]struct{}
	// every open connection, subscribed or not
	live   map[string]interfaces.Connection
	closed bool
}

// Stats is a point-in-time view of the registry
type Stats struct {
	Connections   int `json:"connections"`
	Rooms         int `json:"rooms"`
	Subscriptions int `json:"subscriptions"`
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		rooms:         make(map[string]map[string]interfaces.Connection),
		subscriptions: make(map[string]map[string]struct{}),
		live:          make(map[string]interfaces.Connection),
	}
}

// Register tracks an open connection until Disconnect.
// It fails once CloseAll has run so late upgrades are refused.
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	r.live[conn.ID()] = conn
	return nil
}

// Subscribe adds conn to room. Subscribing twice is a no-op.
func (r *Registry) Subscribe(conn interfaces.Connection, room string) error {
	if conn == nil {
		return ErrNilConnection
	}
	room = strings.TrimSpace(room)
	if room == "" {
		return ErrInvalidRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]interfaces.Connection)
		r.rooms[room] = members
	}
	if _, already := members[conn.ID()]; already {
		return nil
	}
	members[conn.ID()] = conn

	joined, ok := r.subscriptions[conn.ID()]
	if !ok {
		joined = make(map[string]struct{})
		r.subscriptions[conn.ID()] = joined
	}
	joined[room] = struct{}{}

	metrics.RoomSubscriptions.Inc()
	return nil
}

// Unsubscribe removes conn from room and reports whether it was subscribed
func (r *Registry) Unsubscribe(conn interfaces.Connection, room string) bool {
	if conn == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.removeLocked(conn.ID(), strings.TrimSpace(room))
}

// CloseAll refuses further registrations and closes every known connection.
// Each connection's read loop then disconnects itself. It returns how many were closed.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	r.closed = true
	conns := make(map[string]interfaces.Connection, len(r.live))
	for id, conn := range r.live {
		conns[id] = conn
	}
	for _, members := range r.rooms {
		for id, conn := range members {
			conns[id] = conn
		}
	}
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	return len(conns)
}

// WaitIdle blocks until every registered connection has disconnected or ctx is done
func (r *Registry) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		r.mu.RLock()
		idle := len(r.live) == 0 && len(r.subscriptions) == 0
		r.mu.RUnlock()
		if idle {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Disconnect removes every subscription held by conn and returns the rooms it left
func (r *Registry) Disconnect(conn interfaces.Connection) []string {
	if conn == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.live, conn.ID())
	left := lo.Keys(r.subscriptions[conn.ID()])
	for _, room := range left {
		r.removeLocked(conn.ID(), room)
	}
	slices.Sort(left)
	return left
}

func (r *Registry) removeLocked(connID, room string) bool {
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, subscribed := members[connID]; !subscribed {
		return false
	}

	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}

	if joined, ok := r.subscriptions[connID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.subscriptions, connID)
		}
	}

	metrics.RoomSubscriptions.Dec()
	return true
}

// RoomConnections returns a snapshot of the connections subscribed to room
func (r *Registry) RoomConnections(room string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Values(r.rooms[room])
}

// Rooms returns the rooms connID is subscribed to, sorted
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := lo.Keys(r.subscriptions[connID])
	slices.Sort(rooms)
	return rooms
}

// Stats returns registry counts
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, members := range r.rooms {
		total += len(members)
	}

	return Stats{
		Connections:   len(r.subscriptions),
		Rooms:         len(r.rooms),
		Subscriptions: total,
	}
}
