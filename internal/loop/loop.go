// Package loop is the confined Kafka consumer event loop core: a
// single-threaded cooperative scheduler (Executor) running a handful of
// tasks (SubscribeTask, PollTask, CommitTask, the rebalance hooks and
// CloseTask) that are the only code ever allowed to touch the broker
// consumer handle.
package loop

import (
	"context"
	"sync"
	"time"

	"github.com/hugolhafner/dskit/backoff"

	"github.com/streamcore/kloop/errorclass"
	"github.com/streamcore/kloop/kafka"
	"github.com/streamcore/kloop/logger"
	"github.com/streamcore/kloop/sink"
	"github.com/streamcore/kloop/telemetry"
)

// Loop wires State, CommittableBatch, Executor and Config into the running
// event loop. Its exported methods are the off-executor entry points §5
// documents as thread-safe.
type Loop struct {
	cfg      Config
	consumer kafka.Consumer

	state    *State
	batch    *CommittableBatch
	executor *Executor

	commit     *commitTask
	poll       *pollTask
	atMostOnce *atMostOnceTracker

	log  logger.Logger
	tel  *telemetry.Telemetry
	sink sink.Sink

	commitTimer *time.Timer

	stopOnce sync.Once
	stopped  chan struct{}
}

func (c *Config) withDefaults() {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 100 * time.Millisecond
	}
	if c.CommitRetryInterval <= 0 {
		c.CommitRetryInterval = time.Second
	}
	if c.MaxCommitAttempts <= 0 {
		c.MaxCommitAttempts = 3
	}
	if c.CommitIntervalDuringDelay <= 0 {
		c.CommitIntervalDuringDelay = 100 * time.Millisecond
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 30 * time.Second
	}
	if c.CloseRetryBackoff == nil {
		c.CloseRetryBackoff = backoff.NewFixed(time.Second)
	}
	if c.IsRetriableException == nil {
		c.IsRetriableException = errorclass.Retriable()
	}
}

// New builds a Loop against consumer. Call Start to begin processing.
func New(consumer kafka.Consumer, cfg Config) *Loop {
	cfg.withDefaults()

	l := &Loop{
		cfg:        cfg,
		consumer:   consumer,
		state:      NewState(),
		batch:      NewCommittableBatch(cfg.MaxDeferredCommits > 0),
		executor:   NewExecutor(cfg.ExecutorLen),
		atMostOnce: newAtMostOnceTracker(),
		log:        cfg.logger(),
		tel:        cfg.telemetry(),
		sink:       cfg.Sink,
		stopped:    make(chan struct{}),
	}
	l.commit = newCommitTask(l)
	l.poll = newPollTask(l)
	return l
}

// Start runs the executor goroutine, schedules SubscribeTask, and arms the
// periodic commit timer if configured.
func (l *Loop) Start() {
	go l.executor.Run()
	l.executor.Submit(l.runSubscribeTask)
	l.armCommitTimer()
}

// armCommitTimer starts the periodic commit trigger. It never arms for
// ExactlyOnce, whose offsets are driven by the transactional producer, not
// this loop's own commit path.
func (l *Loop) armCommitTimer() {
	if l.cfg.CommitInterval <= 0 || l.cfg.AckMode == ExactlyOnce {
		return
	}
	var tick func()
	tick = func() {
		if !l.state.Active() {
			return
		}
		l.commit.scheduleIfRequired()
		l.commitTimer = time.AfterFunc(l.cfg.CommitInterval, tick)
	}
	l.commitTimer = time.AfterFunc(l.cfg.CommitInterval, tick)
}

// Request adds n to outstanding downstream demand. Safe from any goroutine.
func (l *Loop) Request(n uint64) {
	l.state.AddRequested(n)
	l.poll.schedule()
	if l.state.PausedByUs() {
		l.consumer.Wakeup()
	}
}

// Pause adds partitions to the externally-paused set; takes effect the next
// time PollTask recomputes.
func (l *Loop) Pause(partitions []kafka.TopicPartition) {
	l.state.Pause(partitions)
}

// Resume removes partitions from the externally-paused set.
func (l *Loop) Resume(partitions []kafka.TopicPartition) {
	l.state.Resume(partitions)
}

// Acknowledge marks a single record as processed by downstream, for
// ManualAck/ExactlyOnce flows where acknowledgement is decoupled from Emit's
// return; under AutoAck the poll task acknowledges each delivered batch
// itself. cb, if non-nil, is invoked once the offset's commit (or failure)
// lands.
func (l *Loop) Acknowledge(tp kafka.TopicPartition, offset int64, cb func(error)) {
	var batchCb CommitCallback
	if cb != nil {
		batchCb = CommitCallback(cb)
	}
	l.batch.Ack(tp, offset, batchCb)
	l.commit.scheduleIfRequired()
}

// SetAwaitingTransaction marks whether an in-flight transactional emit is
// gating the pause/resume decision (§4.2 step 4).
func (l *Loop) SetAwaitingTransaction(v bool) {
	l.state.SetAwaitingTransaction(v)
}

// Stop is the one-shot, idempotent shutdown entry point. It returns
// immediately; the returned channel closes once CloseTask has finished.
func (l *Loop) Stop() <-chan struct{} {
	l.stopOnce.Do(func() {
		if l.state.Stop() {
			if l.commitTimer != nil {
				l.commitTimer.Stop()
			}
			// Close the sink here, off the executor, so a PollTask emit
			// currently blocked on a full downstream buffer is released
			// immediately instead of waiting for CloseTask — which can
			// only run once that same blocked call returns.
			l.sink.Close()
			l.consumer.Wakeup()
			l.executor.Submit(l.runCloseTask)
		} else {
			close(l.stopped)
		}
	})
	return l.stopped
}

func (l *Loop) recordCommitDuration(start time.Time) {
	l.tel.CommitDuration.Record(context.Background(), time.Since(start).Seconds())
}

func (l *Loop) trackCommittedAhead(offsets map[kafka.TopicPartition]kafka.Offset) {
	l.atMostOnce.record(offsets)
}
