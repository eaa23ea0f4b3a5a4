package kloop

import (
	"context"
	"time"

	"github.com/hugolhafner/dskit/backoff"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/streamcore/kloop/internal/loop"
	"github.com/streamcore/kloop/kafka"
	"github.com/streamcore/kloop/logger"
	"github.com/streamcore/kloop/sink"
	"github.com/streamcore/kloop/telemetry"
)

// AckMode governs when and how offsets are committed.
type AckMode = loop.AckMode

const (
	AtMostOnce  = loop.AtMostOnce
	ExactlyOnce = loop.ExactlyOnce
	AutoAck     = loop.AutoAck
	ManualAck   = loop.ManualAck
)

// AssignListener is notified with a seekable view of newly assigned
// partitions.
type AssignListener = loop.AssignListener

// RevokeListener is notified with the partitions a rebalance just revoked.
type RevokeListener = loop.RevokeListener

// Option configures a Receiver at construction.
type Option func(*loop.Config)

// WithTopics subscribes to the given topics via group membership. Mutually
// exclusive with WithManualAssignment.
func WithTopics(topics ...string) Option {
	return func(c *loop.Config) {
		c.Subscribe = func(consumer kafka.Consumer, listener kafka.RebalanceListener) error {
			return consumer.Subscribe(context.Background(), topics, listener)
		}
	}
}

// WithManualAssignment assigns a fixed set of partitions directly, bypassing
// group membership. Mutually exclusive with WithTopics.
func WithManualAssignment(partitions ...kafka.TopicPartition) Option {
	return func(c *loop.Config) {
		c.ManualAssignment = partitions
	}
}

// WithAckMode selects when and how offsets are committed.
func WithAckMode(mode AckMode) Option {
	return func(c *loop.Config) { c.AckMode = mode }
}

// WithPollTimeout bounds a single broker poll call.
func WithPollTimeout(d time.Duration) Option {
	return func(c *loop.Config) { c.PollTimeout = d }
}

// WithCommitInterval arms a periodic commit trigger. Zero disables it.
// Never takes effect under ExactlyOnce.
func WithCommitInterval(d time.Duration) Option {
	return func(c *loop.Config) { c.CommitInterval = d }
}

// WithCommitRetry bounds how many consecutive commit failures are retried,
// and how long to wait between attempts, before surfacing a terminal error.
func WithCommitRetry(maxAttempts int, interval time.Duration) Option {
	return func(c *loop.Config) {
		c.MaxCommitAttempts = maxAttempts
		c.CommitRetryInterval = interval
	}
}

// WithRetriablePredicate overrides which commit errors are worth retrying.
// Defaults to errorclass.Retriable().
func WithRetriablePredicate(p func(error) bool) Option {
	return func(c *loop.Config) { c.IsRetriableException = p }
}

// WithMaxDeferredCommits caps how many out-of-order acknowledged offsets may
// sit behind a gap before the loop pauses fetching. Zero disables the gate.
func WithMaxDeferredCommits(n int) Option {
	return func(c *loop.Config) { c.MaxDeferredCommits = n }
}

// WithRebalanceDrain bounds how long a partition revocation waits for
// in-pipeline records to drain, forcing a commit at interval in between.
// Zero maxDelay disables the drain.
func WithRebalanceDrain(maxDelay, interval time.Duration) Option {
	return func(c *loop.Config) {
		c.MaxDelayRebalance = maxDelay
		c.CommitIntervalDuringDelay = interval
	}
}

// WithCloseTimeout bounds Close's total wall-clock budget.
func WithCloseTimeout(d time.Duration) Option {
	return func(c *loop.Config) { c.CloseTimeout = d }
}

// WithCloseRetryBackoff overrides the spacing between the bounded wakeup
// retries CloseTask performs when the consumer close call is interrupted.
func WithCloseRetryBackoff(b backoff.Backoff) Option {
	return func(c *loop.Config) { c.CloseRetryBackoff = b }
}

// WithAssignListener registers a listener invoked with newly assigned
// partitions, from the executor thread.
func WithAssignListener(l AssignListener) Option {
	return func(c *loop.Config) { c.AssignListeners = append(c.AssignListeners, l) }
}

// WithRevokeListener registers a listener invoked with revoked partitions,
// from the executor thread.
func WithRevokeListener(l RevokeListener) Option {
	return func(c *loop.Config) { c.RevokeListeners = append(c.RevokeListeners, l) }
}

// WithEmitFailureHandler overrides the default (never-retry) policy for
// deciding whether a failed sink emission should be retried.
func WithEmitFailureHandler(h sink.EmitFailureHandler) Option {
	return func(c *loop.Config) { c.EmitFailureHandler = h }
}

// WithSink overrides the default buffered-channel sink. Required if the
// caller wants anything other than sink.Channel's hand-off semantics.
func WithSink(s sink.Sink) Option {
	return func(c *loop.Config) { c.Sink = s }
}

// WithLogger wires structured logging through l.
func WithLogger(l logger.Logger) Option {
	return func(c *loop.Config) { c.Logger = l }
}

// WithTelemetry wires OpenTelemetry tracing and metrics.
func WithTelemetry(tp trace.TracerProvider, mp metric.MeterProvider, prop propagation.TextMapPropagator) Option {
	return func(c *loop.Config) {
		t, err := telemetry.New(tp, mp, prop)
		if err == nil {
			c.Telemetry = t
		}
	}
}

// WithExecutorQueueDepth overrides the executor's task channel buffer size.
func WithExecutorQueueDepth(n int) Option {
	return func(c *loop.Config) { c.ExecutorLen = n }
}
