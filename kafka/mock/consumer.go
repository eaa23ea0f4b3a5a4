// Package mockkafka is an in-memory kafka.Consumer test double, in the
// fault-injecting, Trigger*-driven style the broker-client mocks in this
// codebase are built with.
package mockkafka

import (
	"context"
	"sync"
	"time"

	"github.com/streamcore/kloop/kafka"
)

var _ kafka.Consumer = (*Consumer)(nil)

// Consumer is a single-goroutine-safe fake broker consumer. It is not meant
// to be called concurrently except for Wakeup, matching the real contract.
type Consumer struct {
	mu sync.Mutex

	recordQueues   map[kafka.TopicPartition][]kafka.ConsumerRecord
	queuePositions map[kafka.TopicPartition]int
	assigned       map[kafka.TopicPartition]struct{}
	paused         map[kafka.TopicPartition]struct{}
	committed      map[kafka.TopicPartition]kafka.Offset

	listener kafka.RebalanceListener

	maxPollRecords int
	pollDelay      time.Duration

	pollErr       func() error
	commitSyncErr func() error
	commitAsyncCb func(offsets map[kafka.TopicPartition]kafka.Offset) error

	wakeupCh chan struct{}
	closed   bool

	commitLog []map[kafka.TopicPartition]kafka.Offset
}

func New(opts ...Option) *Consumer {
	c := &Consumer{
		recordQueues:   make(map[kafka.TopicPartition][]kafka.ConsumerRecord),
		queuePositions: make(map[kafka.TopicPartition]int),
		assigned:       make(map[kafka.TopicPartition]struct{}),
		paused:         make(map[kafka.TopicPartition]struct{}),
		committed:      make(map[kafka.TopicPartition]kafka.Offset),
		maxPollRecords: 10,
		wakeupCh:       make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Consumer) Subscribe(_ context.Context, _ []string, listener kafka.RebalanceListener) error {
	c.mu.Lock()
	c.listener = listener
	c.mu.Unlock()
	return nil
}

func (c *Consumer) Assign(_ context.Context, partitions []kafka.TopicPartition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tp := range partitions {
		c.assigned[tp] = struct{}{}
	}
	return nil
}

func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) (kafka.RecordBatch, error) {
	if c.pollDelay > 0 {
		select {
		case <-ctx.Done():
			return kafka.RecordBatch{}, ctx.Err()
		case <-c.wakeupCh:
			return kafka.RecordBatch{}, kafka.ErrWakeup
		case <-time.After(minDuration(c.pollDelay, timeout)):
		}
	}

	select {
	case <-c.wakeupCh:
		return kafka.RecordBatch{}, kafka.ErrWakeup
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pollErr != nil {
		if err := c.pollErr(); err != nil {
			return kafka.RecordBatch{}, err
		}
	}

	var records []kafka.ConsumerRecord
	for len(records) < c.maxPollRecords {
		progress := false
		for tp := range c.assigned {
			if _, isPaused := c.paused[tp]; isPaused {
				continue
			}

			queue := c.recordQueues[tp]
			pos := c.queuePositions[tp]
			if pos >= len(queue) {
				continue
			}

			records = append(records, queue[pos])
			c.queuePositions[tp]++
			progress = true

			if len(records) >= c.maxPollRecords {
				break
			}
		}
		if !progress {
			break
		}
	}

	return kafka.RecordBatch{Records: records}, nil
}

func (c *Consumer) Assignment() []kafka.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]kafka.TopicPartition, 0, len(c.assigned))
	for tp := range c.assigned {
		result = append(result, tp)
	}
	return result
}

func (c *Consumer) Pause(partitions []kafka.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tp := range partitions {
		c.paused[tp] = struct{}{}
	}
}

func (c *Consumer) Resume(partitions []kafka.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tp := range partitions {
		delete(c.paused, tp)
	}
}

func (c *Consumer) CommitSync(_ context.Context, offsets map[kafka.TopicPartition]kafka.Offset) error {
	select {
	case <-c.wakeupCh:
		return kafka.ErrWakeup
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.commitSyncErr != nil {
		if err := c.commitSyncErr(); err != nil {
			return err
		}
	}

	c.recordCommitLocked(offsets)
	return nil
}

func (c *Consumer) CommitAsync(offsets map[kafka.TopicPartition]kafka.Offset, cb kafka.CommitCallback) {
	c.mu.Lock()
	var err error
	if c.commitAsyncCb != nil {
		err = c.commitAsyncCb(offsets)
	}
	if err == nil {
		c.recordCommitLocked(offsets)
	}
	c.mu.Unlock()

	if cb != nil {
		cb(offsets, err)
	}
}

func (c *Consumer) recordCommitLocked(offsets map[kafka.TopicPartition]kafka.Offset) {
	snapshot := make(map[kafka.TopicPartition]kafka.Offset, len(offsets))
	for tp, o := range offsets {
		c.committed[tp] = o
		snapshot[tp] = o
	}
	c.commitLog = append(c.commitLog, snapshot)
}

func (c *Consumer) Wakeup() {
	select {
	case c.wakeupCh <- struct{}{}:
	default:
	}
}

func (c *Consumer) Position(_ context.Context, tp kafka.TopicPartition, _ time.Duration) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos, ok := c.queuePositions[tp]
	return int64(pos), ok, nil
}

func (c *Consumer) Committed(
	_ context.Context, partitions []kafka.TopicPartition, _ time.Duration,
) (map[kafka.TopicPartition]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make(map[kafka.TopicPartition]int64, len(partitions))
	for _, tp := range partitions {
		if o, ok := c.committed[tp]; ok {
			result[tp] = o.Offset
		}
	}
	return result, nil
}

func (c *Consumer) Close(_ context.Context, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	return nil
}

// --- test-authoring helpers, in addition to the Option constructors ---

// AddRecords enqueues records to be returned by Poll for a topic-partition
// and marks that partition assigned.
func (c *Consumer) AddRecords(tp kafka.TopicPartition, records ...kafka.ConsumerRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range records {
		records[i].Topic = tp.Topic
		records[i].Partition = tp.Partition
	}
	c.recordQueues[tp] = append(c.recordQueues[tp], records...)
	c.assigned[tp] = struct{}{}
}

// TriggerAssign simulates a rebalance assigning partitions to this consumer.
func (c *Consumer) TriggerAssign(partitions []kafka.TopicPartition) {
	c.mu.Lock()
	for _, tp := range partitions {
		c.assigned[tp] = struct{}{}
	}
	listener := c.listener
	c.mu.Unlock()

	if listener != nil {
		listener.OnAssigned(partitions)
	}
}

// TriggerRevoke simulates a rebalance revoking partitions from this consumer.
func (c *Consumer) TriggerRevoke(partitions []kafka.TopicPartition) {
	c.mu.Lock()
	for _, tp := range partitions {
		delete(c.assigned, tp)
	}
	listener := c.listener
	c.mu.Unlock()

	if listener != nil {
		listener.OnRevoked(partitions)
	}
}

func (c *Consumer) IsPaused(tp kafka.TopicPartition) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.paused[tp]
	return ok
}

func (c *Consumer) PausedPartitions() []kafka.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]kafka.TopicPartition, 0, len(c.paused))
	for tp := range c.paused {
		result = append(result, tp)
	}
	return result
}

func (c *Consumer) CommittedOffset(tp kafka.TopicPartition) (kafka.Offset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.committed[tp]
	return o, ok
}

func (c *Consumer) CommitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.commitLog)
}

func (c *Consumer) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
