package coordinator

import (
	"sync"

	"github.com/00quasr/sokudo-sub009/internal/race"
)

// ConnectionHandle is the transport-neutral view of one duplex connection.
// It lets the coordinator push events without depending on websockets or SSH.
type ConnectionHandle interface {
	// ID returns the unique connection identifier.
	ID() race.ConnID

	// UserID returns the authenticated user behind the connection.
	UserID() race.UserID

	// Send queues an event for delivery. It must not block. It returns false
	// if the event could not be queued; the connection is then closed, since a
	// gap in the event stream can only be repaired by a resync.
	Send(evt race.Event) bool

	// Done returns a channel that closes when the connection ends.
	Done() <-chan struct{}

	// Close ends the connection. Safe to call multiple times.
	Close()
}

// ChannelConnection is a ConnectionHandle backed by a buffered channel.
// Transports drain Events() and write each event to the peer.
type ChannelConnection struct {
	id       race.ConnID
	identity race.Identity
	events   chan race.Event
	done     chan struct{}
	doneOnce sync.Once
}

// NewChannelConnection creates a channel-backed connection handle.
func NewChannelConnection(id race.ConnID, identity race.Identity, bufferSize int) *ChannelConnection {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &ChannelConnection{
		id:       id,
		identity: identity,
		events:   make(chan race.Event, bufferSize),
		done:     make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (c *ChannelConnection) ID() race.ConnID {
	return c.id
}

// UserID returns the user behind the connection.
func (c *ChannelConnection) UserID() race.UserID {
	return c.identity.UserID
}

// Identity returns the full identity of the connection.
func (c *ChannelConnection) Identity() race.Identity {
	return c.identity
}

// Send queues evt. A full buffer closes the connection instead of dropping
// events, so a slow peer never observes a reordered or gapped stream.
func (c *ChannelConnection) Send(evt race.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.events <- evt:
		return true
	default:
		c.Close()
		return false
	}
}

// Events returns the channel transports read from.
func (c *ChannelConnection) Events() <-chan race.Event {
	return c.events
}

// Done returns the done channel.
func (c *ChannelConnection) Done() <-chan struct{} {
	return c.done
}

// Close marks the connection as done.
func (c *ChannelConnection) Close() {
	c.doneOnce.Do(func() {
		close(c.done)
	})
}

// ConnectionRegistry maps each user to their single live connection.
// Thread-safe for concurrent access.
type ConnectionRegistry struct {
	mu     sync.RWMutex
	byUser map[race.UserID]ConnectionHandle
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		byUser: make(map[race.UserID]ConnectionHandle),
	}
}

// Register makes conn the user's live connection and returns the connection
// it superseded, if any. The caller is responsible for closing it.
func (r *ConnectionRegistry) Register(conn ConnectionHandle) ConnectionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.byUser[conn.UserID()]
	r.byUser[conn.UserID()] = conn
	if !ok || prev.ID() == conn.ID() {
		return nil
	}
	return prev
}

// Unregister removes the user's connection only if connID is still current.
// A superseded connection closing late must not evict its replacement.
func (r *ConnectionRegistry) Unregister(userID race.UserID, connID race.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byUser[userID]
	if !ok || cur.ID() != connID {
		return false
	}
	delete(r.byUser, userID)
	return true
}

// Get returns the live connection of a user.
func (r *ConnectionRegistry) Get(userID race.UserID) (ConnectionHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUser[userID]
	return c, ok
}

// Current reports whether connID is the user's live connection.
func (r *ConnectionRegistry) Current(userID race.UserID, connID race.ConnID) bool {
	c, ok := r.Get(userID)
	return ok && c.ID() == connID
}

// Count returns the number of live connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
