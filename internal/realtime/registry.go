package realtime

import (
	"errors"
	"sync"
)

const defaultCapacity = 1000

var (
	// ErrCapacityExceeded indicates the registry already holds its maximum number of live connections.
	ErrCapacityExceeded = errors.New("realtime: connection capacity exceeded")
	// ErrTransport indicates a push could not be written to the underlying channel.
	ErrTransport      = errors.New("realtime: transport error")
	errMissingUserID  = errors.New("realtime: user id required")
	errMissingChannel = errors.New("realtime: channel required")
)

// Channel is the send half of one user's open push connection.
type Channel interface {
	Send(message PushMessage) error
}

// Registry keeps at most one live channel per user, bounded by a global capacity.
type Registry struct {
	mu       sync.Mutex
	channels map[string]Channel
	capacity int
}

// NewRegistry constructs a registry; non-positive capacities fall back to the default.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Registry{
		channels: make(map[string]Channel),
		capacity: capacity,
	}
}

// closer is implemented by channels that own a transport, such as StreamChannel.
type closer interface {
	Close()
}

// Register stores the channel for the user, replacing any previous entry.
// The capacity check and the insert happen under the same lock.
// A replaced channel that can be closed is closed after the swap.
func (r *Registry) Register(userID string, channel Channel) error {
	if userID == "" {
		return errMissingUserID
	}
	if channel == nil {
		return errMissingChannel
	}
	r.mu.Lock()
	if len(r.channels) >= r.capacity {
		r.mu.Unlock()
		return ErrCapacityExceeded
	}
	previous, replaced := r.channels[userID]
	r.channels[userID] = channel
	r.mu.Unlock()

	if replaced && previous != channel {
		if c, ok := previous.(closer); ok {
			c.Close()
		}
	}
	return nil
}

// Lookup returns the live channel for the user, if any.
func (r *Registry) Lookup(userID string) (Channel, bool) {
	r.mu.Lock()
	channel, ok := r.channels[userID]
	r.mu.Unlock()
	return channel, ok
}

// Remove drops the user's entry. Calling it for an absent user is a no-op.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	delete(r.channels, userID)
	r.mu.Unlock()
}

// Release removes the user's entry only while it still points at channel.
// It reports whether an entry was removed.
func (r *Registry) Release(userID string, channel Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.channels[userID]
	if !ok || current != channel {
		return false
	}
	delete(r.channels, userID)
	return true
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Capacity reports the configured connection limit.
func (r *Registry) Capacity() int {
	return r.capacity
}
