package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/streamcore/kloop/kafka"
	"github.com/streamcore/kloop/telemetry"
)

// commitTask is §4.3's CommitTask: it drains CommittableBatch's committable
// prefix and dispatches it per ack-mode, coalescing concurrent triggers
// behind isPending so at most one commit is ever in flight logically (async
// commits may still overlap on the broker client's own goroutines, tracked
// by inProgress).
type commitTask struct {
	l *Loop

	isPending  atomic.Bool
	inProgress atomic.Int64

	consecutiveFailures int // executor-confined: only touched from run/onSuccess/onFailure
}

func newCommitTask(l *Loop) *commitTask {
	return &commitTask{l: l}
}

// run is the dispatch step. Always executor-confined.
func (c *commitTask) run() {
	if !c.isPending.CompareAndSwap(true, false) {
		return
	}

	args := c.l.batch.GetAndClearOffsets()
	if args == nil {
		return
	}
	if len(args.Offsets) == 0 {
		c.onSuccess(args)
		return
	}

	switch c.l.cfg.AckMode {
	case AtMostOnce:
		start := time.Now()
		err := c.l.consumer.CommitSync(context.Background(), args.Offsets)
		c.l.recordCommitDuration(start)
		if err != nil {
			c.onFailure(args, err)
			return
		}
		c.onSuccess(args)
		c.l.trackCommittedAhead(args.Offsets)

	case ExactlyOnce:
		// Offsets ride the transactional producer's commit, not this path.

	case AutoAck, ManualAck:
		c.inProgress.Add(1)
		start := time.Now()
		c.l.consumer.CommitAsync(args.Offsets, func(_ map[kafka.TopicPartition]kafka.Offset, err error) {
			c.inProgress.Add(-1)
			c.l.executor.Submit(func() {
				c.l.recordCommitDuration(start)
				if err != nil {
					c.onFailure(args, err)
				} else {
					c.onSuccess(args)
				}
			})
		})
		c.l.poll.schedule()
	}
}

func (c *commitTask) onSuccess(args *CommitArgs) {
	if len(args.Offsets) > 0 {
		c.consecutiveFailures = 0
		c.l.tel.CommitOutcomes.Add(context.Background(), 1, metric.WithAttributes(telemetry.AttrCommitResult.String(telemetry.CommitResultSuccess)))
	}
	if c.l.state.Retrying() {
		c.l.state.SetRetrying(false)
		c.l.poll.schedule()
	}
	fireCallbacks(args, nil)
}

// fireCallbacks invokes every callback carried by args with err, regardless
// of which partition or offset it was registered against.
func fireCallbacks(args *CommitArgs, err error) {
	for _, cbs := range args.Callbacks {
		for _, cb := range cbs {
			cb(err)
		}
	}
}

func (c *commitTask) onFailure(args *CommitArgs, err error) {
	// A canceled commit (Wakeup mid-flight, e.g.) is neither a success nor a
	// terminal failure: the offsets are still owed a commit and any pending
	// manual-ack callback is still owed a call, so restore both for a retry,
	// as the retriable branch below does, and leave re-dispatch to the next
	// poll's runIfRequired rather than dropping them silently.
	if errors.Is(err, context.Canceled) {
		c.l.batch.RestoreOffsets(args, true)
		c.isPending.Store(true)
		c.l.poll.schedule()
		return
	}

	c.consecutiveFailures++
	// l.state.Active() stands in for the original "consumer != null" guard:
	// a commit failure landing after Stop() has already torn down the loop
	// must never re-arm retrying or reschedule a poll that won't run again.
	retriable := c.l.state.Active() &&
		c.l.cfg.IsRetriableException != nil &&
		c.l.cfg.IsRetriableException(err) &&
		c.consecutiveFailures < c.l.cfg.MaxCommitAttempts

	if !retriable {
		c.l.tel.CommitOutcomes.Add(context.Background(), 1, metric.WithAttributes(telemetry.AttrCommitResult.String(telemetry.CommitResultFailed)))
		if c.l.state.Retrying() {
			c.l.state.SetRetrying(false)
			c.l.poll.schedule()
		}
		if len(args.Callbacks) > 0 {
			c.l.batch.RestoreOffsets(args, false)
			fireCallbacks(args, err)
		} else {
			c.l.log.Error("commit failed, terminating", "error", err)
			c.l.sink.EmitError(err)
		}
		return
	}

	c.l.tel.CommitOutcomes.Add(context.Background(), 1, metric.WithAttributes(telemetry.AttrCommitResult.String(telemetry.CommitResultRetried)))
	c.l.batch.RestoreOffsets(args, true)
	c.isPending.Store(true)
	c.l.state.SetRetrying(true)
	c.l.poll.schedule()
	c.l.executor.SubmitAfter(c.l.cfg.CommitRetryInterval, c.run)
}

// runIfRequired forces isPending true first when force is set, then
// dispatches synchronously unless a retry is already outstanding.
func (c *commitTask) runIfRequired(force bool) {
	if force {
		c.isPending.Store(true)
	}
	if !c.l.state.Retrying() && c.isPending.Load() {
		c.run()
	}
}

// scheduleIfRequired is the periodic-timer and ack-triggered entry point:
// it only ever arms the flag and enqueues a run, it never dispatches
// inline, so it is safe to call from any goroutine.
func (c *commitTask) scheduleIfRequired() {
	if !c.l.state.Active() || c.l.state.Retrying() {
		return
	}
	if c.isPending.CompareAndSwap(false, true) {
		c.l.executor.Submit(c.run)
	}
}

// waitFor drives async commit callbacks by short-polling the consumer until
// every in-flight commit lands or deadline passes. Only ever called from
// CloseTask.
func (c *commitTask) waitFor(deadline time.Time) {
	for c.inProgress.Load() > 0 && time.Now().Before(deadline) {
		_, _ = c.l.consumer.Poll(context.Background(), time.Millisecond)
	}
}
