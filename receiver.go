package kloop

import (
	"time"

	"github.com/streamcore/kloop/internal/loop"
	"github.com/streamcore/kloop/kafka"
	"github.com/streamcore/kloop/sink"
)

// Receiver is a running confined event loop over a single broker consumer.
// All of its methods are safe to call from any goroutine; the consumer
// handle itself is only ever touched from the loop's own executor.
type Receiver struct {
	loop *loop.Loop
	sink sink.Sink
}

// New builds and starts a Receiver against consumer. At least one of
// WithTopics or WithManualAssignment must be supplied.
func New(consumer kafka.Consumer, opts ...Option) *Receiver {
	cfg := loop.Config{
		Sink: sink.NewChannel(64),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	l := loop.New(consumer, cfg)
	r := &Receiver{loop: l, sink: cfg.Sink}
	l.Start()
	return r
}

// Batches returns the channel of emitted batches and terminal errors, valid
// only when the default sink.Channel is in use (i.e. WithSink was not
// supplied).
func (r *Receiver) Batches() (<-chan sink.Item, bool) {
	ch, ok := r.sink.(*sink.Channel)
	if !ok {
		return nil, false
	}
	return ch.Items(), true
}

// Request signals n units of additional downstream demand.
func (r *Receiver) Request(n uint64) {
	r.loop.Request(n)
}

// Pause adds partitions to the externally-paused set.
func (r *Receiver) Pause(partitions ...kafka.TopicPartition) {
	r.loop.Pause(partitions)
}

// Resume removes partitions from the externally-paused set.
func (r *Receiver) Resume(partitions ...kafka.TopicPartition) {
	r.loop.Resume(partitions)
}

// Acknowledge marks a single record as processed, for ManualAck flows where
// acknowledgement is decoupled from a batch's emission; under AutoAck the
// loop acknowledges each delivered batch itself. cb, if non-nil, is invoked
// once the offset's commit lands or fails.
func (r *Receiver) Acknowledge(tp kafka.TopicPartition, offset int64, cb func(error)) {
	r.loop.Acknowledge(tp, offset, cb)
}

// BeginTransaction marks a transactional emit as in flight, gating the
// pause/resume decision until EndTransaction clears it. Only meaningful
// under ExactlyOnce.
func (r *Receiver) BeginTransaction() {
	r.loop.SetAwaitingTransaction(true)
}

// EndTransaction clears the transactional gate set by BeginTransaction.
func (r *Receiver) EndTransaction() {
	r.loop.SetAwaitingTransaction(false)
}

// Close performs a bounded, orderly shutdown: forces a final commit (unless
// ExactlyOnce), waits for in-flight commits, and closes the consumer. It
// returns once shutdown completes or the configured close timeout elapses.
func (r *Receiver) Close() {
	<-r.loop.Stop()
}

// CloseTimeout is Close with an explicit deadline for callers that want to
// bound how long they wait for the returned channel, independent of the
// loop's own configured CloseTimeout.
func (r *Receiver) CloseTimeout(d time.Duration) {
	select {
	case <-r.loop.Stop():
	case <-time.After(d):
	}
}
