package channel

import (
	"context"
	"sync"
)

// Inbox is an adapter's incoming queue. Close may run while producers are
// still converting a message; it waits for them before closing the channel,
// so a delivery never lands on a closed channel.
type Inbox struct {
	ch   chan *Message
	done chan struct{}

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// NewInbox creates an inbox buffering up to size messages.
func NewInbox(size int) *Inbox {
	return &Inbox{
		ch:   make(chan *Message, size),
		done: make(chan struct{}),
	}
}

// C is the receive side handed out by Adapter.Incoming.
func (b *Inbox) C() <-chan *Message { return b.ch }

// Enter registers a producer. It reports false once Close has begun. Every
// successful Enter must be paired with Leave.
func (b *Inbox) Enter() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.inflight.Add(1)
	return true
}

// Leave ends a producer registered with Enter.
func (b *Inbox) Leave() { b.inflight.Done() }

// Deliver queues m for a producer inside Enter/Leave. It reports false when
// ctx ends or the inbox closes before there is room.
func (b *Inbox) Deliver(ctx context.Context, m *Message) bool {
	select {
	case b.ch <- m:
		return true
	case <-ctx.Done():
		return false
	case <-b.done:
		return false
	}
}

// Close refuses new producers, waits for in-flight ones and closes the
// channel. Buffered messages stay readable. Repeated calls are no-ops.
func (b *Inbox) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.inflight.Wait()
	close(b.ch)
}
