package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/streamcore/kloop/logger"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

var _ Consumer = (*KgoConsumer)(nil)

// KgoConsumer is the shipped Consumer driver, backed by franz-go. franz-go's
// PollFetches already takes a context, which makes context cancellation the
// natural Go analogue of the broker client's wakeup() primitive: Wakeup
// cancels whatever context is backing the in-flight blocking call.
type KgoConsumer struct {
	client *kgo.Client
	admin  *kadm.Client
	group  string
	logger logger.Logger

	mu         sync.Mutex
	cancel     context.CancelFunc
	woken      bool
	listener   RebalanceListener
	assignment map[TopicPartition]struct{}
}

// NewKgoConsumer builds a Consumer backed by a franz-go client for the given
// seed brokers and consumer group. extra lets callers layer on additional
// kgo.Opt values (TLS, SASL, batching); the rebalance and auto-commit
// options are always installed by this constructor since the loop core owns
// commit timing itself.
func NewKgoConsumer(seedBrokers []string, group string, log logger.Logger, extra ...kgo.Opt) (*KgoConsumer, error) {
	if log == nil {
		log = logger.NewNoopLogger()
	}

	kc := &KgoConsumer{
		group:      group,
		logger:     log.With("component", "kgo_consumer"),
		assignment: make(map[TopicPartition]struct{}),
	}

	opts := append(
		[]kgo.Opt{
			kgo.SeedBrokers(seedBrokers...),
			kgo.ConsumerGroup(group),
			kgo.OnPartitionsAssigned(kc.onAssigned),
			kgo.OnPartitionsRevoked(kc.onRevoked),
			kgo.OnPartitionsLost(kc.onRevoked),
			kgo.DisableAutoCommit(),
			kgo.BlockRebalanceOnPoll(),
		}, extra...,
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kloop/kafka: create kgo client: %w", err)
	}

	kc.client = client
	kc.admin = kadm.NewClient(client)

	return kc, nil
}

func (k *KgoConsumer) onAssigned(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
	partitions := mapToTopicPartitions(assigned)

	k.mu.Lock()
	for _, tp := range partitions {
		k.assignment[tp] = struct{}{}
	}
	listener := k.listener
	k.mu.Unlock()

	if listener != nil {
		listener.OnAssigned(partitions)
	}
}

func (k *KgoConsumer) onRevoked(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
	partitions := mapToTopicPartitions(revoked)

	k.mu.Lock()
	for _, tp := range partitions {
		delete(k.assignment, tp)
	}
	listener := k.listener
	k.mu.Unlock()

	if listener != nil {
		listener.OnRevoked(partitions)
	}
}

func (k *KgoConsumer) Subscribe(_ context.Context, topics []string, listener RebalanceListener) error {
	k.mu.Lock()
	k.listener = listener
	k.mu.Unlock()

	k.client.AddConsumeTopics(topics...)
	return nil
}

func (k *KgoConsumer) Assign(_ context.Context, partitions []TopicPartition) error {
	offsets := make(map[string]map[int32]kgo.Offset)
	for _, tp := range partitions {
		if offsets[tp.Topic] == nil {
			offsets[tp.Topic] = make(map[int32]kgo.Offset)
		}
		offsets[tp.Topic][tp.Partition] = kgo.NewOffset().AtCommitted()
	}
	k.client.AddConsumePartitions(offsets)

	k.mu.Lock()
	for _, tp := range partitions {
		k.assignment[tp] = struct{}{}
	}
	k.mu.Unlock()

	return nil
}

// withWakeupContext derives a context that Wakeup can cancel independently
// of timeout expiry, and records which of the two happened so the caller
// can tell an interruption apart from an ordinary deadline.
func (k *KgoConsumer) withWakeupContext(ctx context.Context, timeout time.Duration) (context.Context, func()) {
	var cctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		cctx, cancel = context.WithCancel(ctx)
	}

	k.mu.Lock()
	k.cancel = cancel
	pending := k.woken
	k.mu.Unlock()

	// A Wakeup that arrived while no call was in flight still interrupts
	// this one.
	if pending {
		cancel()
	}

	return cctx, func() {
		k.mu.Lock()
		k.cancel = nil
		k.mu.Unlock()
		cancel()
	}
}

// wasWoken reports whether a Wakeup is pending and consumes it.
func (k *KgoConsumer) wasWoken() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	woken := k.woken
	k.woken = false
	return woken
}

func (k *KgoConsumer) Poll(ctx context.Context, timeout time.Duration) (RecordBatch, error) {
	cctx, done := k.withWakeupContext(ctx, timeout)
	defer done()

	fetches := k.client.PollFetches(cctx)
	defer k.client.AllowRebalance()

	if k.wasWoken() {
		return RecordBatch{}, ErrWakeup
	}

	var pollErr error
	fetches.EachError(
		func(topic string, partition int32, err error) {
			if pollErr == nil {
				pollErr = fmt.Errorf("kloop/kafka: poll %s-%d: %w", topic, partition, err)
			}
		},
	)
	if pollErr != nil {
		return RecordBatch{}, pollErr
	}

	records := fetches.Records()
	if len(records) == 0 {
		return RecordBatch{}, nil
	}

	batch := RecordBatch{Records: make([]ConsumerRecord, len(records))}
	for i, r := range records {
		batch.Records[i] = fromKgoRecord(r)
	}
	return batch, nil
}

func (k *KgoConsumer) Assignment() []TopicPartition {
	k.mu.Lock()
	defer k.mu.Unlock()

	partitions := make([]TopicPartition, 0, len(k.assignment))
	for tp := range k.assignment {
		partitions = append(partitions, tp)
	}
	return partitions
}

func (k *KgoConsumer) Pause(partitions []TopicPartition) {
	k.client.PauseFetchPartitions(topicPartitionsToMap(partitions))
}

func (k *KgoConsumer) Resume(partitions []TopicPartition) {
	k.client.ResumeFetchPartitions(topicPartitionsToMap(partitions))
}

func (k *KgoConsumer) CommitSync(ctx context.Context, offsets map[TopicPartition]Offset) error {
	cctx, done := k.withWakeupContext(ctx, 0)
	defer done()

	type result struct{ err error }
	resultCh := make(chan result, 1)

	k.client.CommitOffsets(
		cctx, toEpochOffsets(offsets),
		func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, _ *kmsg.OffsetCommitResponse, err error) {
			resultCh <- result{err: err}
		},
	)

	select {
	case res := <-resultCh:
		if k.wasWoken() {
			return ErrWakeup
		}
		return res.err
	case <-cctx.Done():
		if k.wasWoken() {
			return ErrWakeup
		}
		return cctx.Err()
	}
}

func (k *KgoConsumer) CommitAsync(offsets map[TopicPartition]Offset, cb CommitCallback) {
	k.client.CommitOffsets(
		context.Background(), toEpochOffsets(offsets),
		func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, _ *kmsg.OffsetCommitResponse, err error) {
			if cb != nil {
				cb(offsets, err)
			}
		},
	)
}

func (k *KgoConsumer) Wakeup() {
	k.mu.Lock()
	cancel := k.cancel
	k.woken = true
	k.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Position and Committed are diagnostic-only per the Consumer contract.
// Position tolerates broker errors by reporting ok=false rather than failing
// the caller; Committed returns the broker error.
//
// Position reports the client's own local consumption cursor
// (UncommittedOffsets' head, one past the last record handed to Poll), not
// the broker's committed offset — those two only coincide right after a
// commit lands. If nothing has been polled for tp since the last commit
// (fresh assignment, or already caught up), there is no local cursor yet and
// Position falls back to the committed offset.
func (k *KgoConsumer) Position(ctx context.Context, tp TopicPartition, timeout time.Duration) (int64, bool, error) {
	if byTopic := k.client.UncommittedOffsets(); byTopic != nil {
		if byPartition, ok := byTopic[tp.Topic]; ok {
			if eo, ok := byPartition[tp.Partition]; ok {
				return eo.Offset, true, nil
			}
		}
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	offsets, err := k.admin.FetchOffsets(cctx, k.group)
	if err != nil {
		return 0, false, nil
	}

	o, ok := offsets.Lookup(tp.Topic, tp.Partition)
	if !ok {
		return 0, false, nil
	}
	return o.At, true, nil
}

func (k *KgoConsumer) Committed(
	ctx context.Context, partitions []TopicPartition, timeout time.Duration,
) (map[TopicPartition]int64, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	offsets, err := k.admin.FetchOffsets(cctx, k.group)
	if err != nil {
		return nil, err
	}

	result := make(map[TopicPartition]int64, len(partitions))
	for _, tp := range partitions {
		if o, ok := offsets.Lookup(tp.Topic, tp.Partition); ok {
			result[tp] = o.At
		}
	}
	return result, nil
}

// Close waits for franz-go's CloseAllowingRebalance to return; timeout does
// not bound that wait, and Close always returns nil.
func (k *KgoConsumer) Close(ctx context.Context, timeout time.Duration) error {
	_, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	k.client.CloseAllowingRebalance()
	return nil
}
