package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// ChannelDestination delivers events to an in-process channel. When the
// buffer is full the event is dropped rather than blocking the publisher.
type ChannelDestination struct {
	ch      chan Event
	dropped atomic.Int64
	mu      sync.RWMutex
	closed  bool
}

// NewChannelDestination creates a destination with the given buffer.
func NewChannelDestination(buffer int) *ChannelDestination {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChannelDestination{ch: make(chan Event, buffer)}
}

// Events returns the receive side of the channel. It is closed by Close.
func (c *ChannelDestination) Events() <-chan Event {
	return c.ch
}

// Publish implements Destination.
func (c *ChannelDestination) Publish(_ context.Context, ev Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}
	select {
	case c.ch <- ev:
	default:
		c.dropped.Add(1)
	}
	return nil
}

// Dropped returns how many events were discarded because the buffer was full.
func (c *ChannelDestination) Dropped() int64 {
	return c.dropped.Load()
}

// Close implements Destination.
func (c *ChannelDestination) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return nil
}
