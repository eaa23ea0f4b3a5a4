package sink

import (
	"sync"

	"github.com/streamcore/kloop/kafka"
)

// Item is delivered on a Channel sink's Items channel: exactly one of
// Batch or Err is meaningful, matching Emit/EmitError being mutually
// exclusive per call.
type Item struct {
	Batch kafka.RecordBatch
	Err   error
}

// Channel is the default Sink: a buffered channel hand-off to whatever
// downstream processing a caller wires up, in the same spirit as the
// buffered-channel record hand-off between a poll loop and its worker pool.
// Emit never blocks holding a lock: a stalled reader with a full buffer
// only ever blocks the send itself, and that send races against Close so a
// shutdown in progress always wins, the same escape hatch a worker's
// Submit gives a caller racing against its own stop channel.
type Channel struct {
	mu     sync.Mutex
	items  chan Item
	stopCh chan struct{}
	closed bool
}

func NewChannel(buffer int) *Channel {
	return &Channel{items: make(chan Item, buffer), stopCh: make(chan struct{})}
}

func (c *Channel) Items() <-chan Item {
	return c.items
}

func (c *Channel) Emit(batch kafka.RecordBatch) error {
	if c.isClosed() {
		return ErrClosed
	}

	select {
	case c.items <- Item{Batch: batch}:
		return nil
	case <-c.stopCh:
		return ErrClosed
	}
}

func (c *Channel) EmitError(err error) {
	if c.isClosed() {
		return
	}

	select {
	case c.items <- Item{Err: err}:
	case <-c.stopCh:
	}
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close is idempotent and never blocks: it only flips the closed flag and
// releases any Emit/EmitError call currently blocked on a full buffer. It
// does not close Items(), since a producer racing this call must never
// risk a send on a closed channel.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.stopCh)
}
