package session

import (
	"context"
)

// MemoryHub opens in-process channels
type MemoryHub struct {
	queueSize int
}

var _ Hub = (*MemoryHub)(nil)

// NewMemoryHub creates a hub whose connection queues buffer queueSize events
func NewMemoryHub(queueSize int) *MemoryHub {
	if queueSize <= 0 {
		queueSize = 100
	}
	return &MemoryHub{queueSize: queueSize}
}

// Open implements Hub.Open
func (h *MemoryHub) Open(_ string) Channel {
	return NewMemoryChannel(h.queueSize)
}

// Close implements Hub.Close
func (h *MemoryHub) Close() error { return nil }

// MemoryChannel implements Channel by copying each event to the queue of
// every subscribed connection. Events sent while nobody is subscribed are
// dropped; a new connection starts from the cached snapshot instead.
type MemoryChannel struct {
	subs *fanout
}

var _ Channel = (*MemoryChannel)(nil)

func NewMemoryChannel(queueSize int) *MemoryChannel {
	return &MemoryChannel{subs: newFanout(queueSize)}
}

// Subscribe implements Channel.Subscribe
func (c *MemoryChannel) Subscribe() (<-chan *Event, func()) {
	return c.subs.subscribe()
}

// Send implements Channel.Send
func (c *MemoryChannel) Send(_ context.Context, ev *Event) error {
	return c.subs.publish(ev)
}

// Close implements Channel.Close
func (c *MemoryChannel) Close(_ context.Context) error {
	c.subs.close()
	return nil
}
