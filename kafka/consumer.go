package kafka

import (
	"context"
	"errors"
	"time"
)

// ErrWakeup is returned by Poll and CommitSync when a concurrent call to
// Wakeup interrupted a blocking call. It is a normal control-flow signal,
// never a failure, and callers must not treat it as one.
var ErrWakeup = errors.New("kafka: consumer woken up")

// RecordBatch is the unit returned by one Poll call: zero or more records,
// possibly spanning several assigned partitions, in broker delivery order
// per partition.
type RecordBatch struct {
	Records []ConsumerRecord
}

func (b RecordBatch) Empty() bool {
	return len(b.Records) == 0
}

// CommitCallback is invoked once an asynchronous commit completes. It may
// run on any goroutine the driver chooses and must never be assumed to run
// on the caller's goroutine.
type CommitCallback func(offsets map[TopicPartition]Offset, err error)

// RebalanceListener receives partition assignment/revocation notifications.
// Both hooks are invoked from inside a Poll call, on whatever goroutine
// called Poll — for a Consumer confined to a single executor goroutine,
// that means the hooks run on the executor.
type RebalanceListener interface {
	OnAssigned(partitions []TopicPartition)
	OnRevoked(partitions []TopicPartition)
}

// Consumer is the broker-client contract the loop core depends on. Every
// method except Wakeup and Close must only ever be called from one logical
// goroutine at a time; Wakeup is the sole thread-safe escape hatch used to
// interrupt a blocking Poll or CommitSync from any other goroutine.
type Consumer interface {
	// Subscribe establishes group membership. listener's hooks are invoked
	// from inside a later Poll call once the group protocol assigns or
	// revokes partitions.
	Subscribe(ctx context.Context, topics []string, listener RebalanceListener) error

	// Assign establishes a static, non-group partition assignment. Mutually
	// exclusive with Subscribe.
	Assign(ctx context.Context, partitions []TopicPartition) error

	// Poll blocks up to timeout waiting for records. A concurrent Wakeup
	// call causes it to return ErrWakeup immediately (or on its next call,
	// if the wakeup arrived before Poll started blocking).
	Poll(ctx context.Context, timeout time.Duration) (RecordBatch, error)

	// Assignment returns the currently assigned partitions.
	Assignment() []TopicPartition

	// Pause and Resume are idempotent flow-control on assigned partitions.
	Pause(partitions []TopicPartition)
	Resume(partitions []TopicPartition)

	// CommitSync blocks until the given offsets are committed or an error
	// occurs. A concurrent Wakeup returns ErrWakeup.
	CommitSync(ctx context.Context, offsets map[TopicPartition]Offset) error

	// CommitAsync is fire-and-forget; cb is eventually invoked, possibly on
	// an internal driver goroutine.
	CommitAsync(offsets map[TopicPartition]Offset, cb CommitCallback)

	// Wakeup is the only method safe to call concurrently with any other
	// method (aside from Close). It causes an in-flight or the next Poll or
	// CommitSync to return ErrWakeup.
	Wakeup()

	// Position returns the next offset to be fetched for the partition, for
	// diagnostic logging. Implementations may tolerate broker errors by
	// returning ok=false rather than an error.
	Position(ctx context.Context, tp TopicPartition, timeout time.Duration) (offset int64, ok bool, err error)

	// Committed returns the last committed offsets for the given
	// partitions, for diagnostic logging.
	Committed(ctx context.Context, partitions []TopicPartition, timeout time.Duration) (map[TopicPartition]int64, error)

	// Close blocks up to timeout, flushing/leaving the group cleanly.
	Close(ctx context.Context, timeout time.Duration) error
}
