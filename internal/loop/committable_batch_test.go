package loop

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/streamcore/kloop/kafka"
)

func TestCommittableBatchInOrderAck(t *testing.T) {
	b := NewCommittableBatch(false)
	tp := kafka.TopicPartition{Topic: "orders", Partition: 0}

	records := []kafka.ConsumerRecord{
		{Topic: tp.Topic, Partition: tp.Partition, Offset: 10},
		{Topic: tp.Topic, Partition: tp.Partition, Offset: 11},
		{Topic: tp.Topic, Partition: tp.Partition, Offset: 12},
	}
	b.AddUncommitted(records)
	require.Equal(t, 3, b.InPipeline())

	b.Ack(tp, 10, nil)
	b.Ack(tp, 11, nil)

	args := b.GetAndClearOffsets()
	require.NotNil(t, args)
	require.Equal(t, int64(12), args.Offsets[tp].Offset)
	require.Equal(t, 1, b.InPipeline())
}

func TestCommittableBatchDeferredCountOnGap(t *testing.T) {
	b := NewCommittableBatch(true)
	tp := kafka.TopicPartition{Topic: "orders", Partition: 0}

	records := []kafka.ConsumerRecord{
		{Topic: tp.Topic, Partition: tp.Partition, Offset: 0},
		{Topic: tp.Topic, Partition: tp.Partition, Offset: 1},
		{Topic: tp.Topic, Partition: tp.Partition, Offset: 2},
	}
	b.AddUncommitted(records)

	// Ack out of order: 1 and 2 acked, 0 still outstanding.
	b.Ack(tp, 1, nil)
	b.Ack(tp, 2, nil)

	require.Equal(t, 2, b.DeferredCount())

	args := b.GetAndClearOffsets()
	require.Nil(t, args, "nothing committable while offset 0 is outstanding")

	b.Ack(tp, 0, nil)
	require.Equal(t, 0, b.DeferredCount())

	args = b.GetAndClearOffsets()
	require.NotNil(t, args)
	require.Equal(t, int64(3), args.Offsets[tp].Offset)
}

func TestCommittableBatchRestoreOffsetsRetry(t *testing.T) {
	b := NewCommittableBatch(false)
	tp := kafka.TopicPartition{Topic: "orders", Partition: 0}

	b.AddUncommitted([]kafka.ConsumerRecord{{Topic: tp.Topic, Partition: tp.Partition, Offset: 5}})
	b.Ack(tp, 5, nil)

	args := b.GetAndClearOffsets()
	require.NotNil(t, args)

	b.RestoreOffsets(args, true)

	// New records land above the restored watermark.
	b.AddUncommitted([]kafka.ConsumerRecord{{Topic: tp.Topic, Partition: tp.Partition, Offset: 6}})

	again := b.GetAndClearOffsets()
	require.NotNil(t, again)
	require.Equal(t, int64(6), again.Offsets[tp].Offset, "retry carryover still owed even though offset 6 itself is unacked")
}

func TestCommittableBatchRestoreOffsetsSurrender(t *testing.T) {
	b := NewCommittableBatch(false)
	tp := kafka.TopicPartition{Topic: "orders", Partition: 0}

	fired := false
	cb := CommitCallback(func(err error) { fired = err != nil })

	b.AddUncommitted([]kafka.ConsumerRecord{{Topic: tp.Topic, Partition: tp.Partition, Offset: 5}})
	b.Ack(tp, 5, cb)

	args := b.GetAndClearOffsets()
	require.NotNil(t, args)

	b.RestoreOffsets(args, false)
	require.Nil(t, b.GetAndClearOffsets(), "surrendered offsets are not re-offered")
	require.False(t, fired, "RestoreOffsets itself never invokes callbacks; the caller does")
}

func TestCommittableBatchCallbacksOnlyFireForCommittedOffsets(t *testing.T) {
	b := NewCommittableBatch(true)
	tp0 := kafka.TopicPartition{Topic: "orders", Partition: 0}
	tp1 := kafka.TopicPartition{Topic: "orders", Partition: 1}

	b.AddUncommitted([]kafka.ConsumerRecord{
		{Topic: tp0.Topic, Partition: tp0.Partition, Offset: 0},
	})
	b.AddUncommitted([]kafka.ConsumerRecord{
		{Topic: tp1.Topic, Partition: tp1.Partition, Offset: 5},
		{Topic: tp1.Topic, Partition: tp1.Partition, Offset: 6},
		{Topic: tp1.Topic, Partition: tp1.Partition, Offset: 7},
	})

	tp0Fired := false
	b.Ack(tp0, 0, CommitCallback(func(error) { tp0Fired = true }))

	// tp1 offset 5 stays unacked, so 6 and 7 are stuck behind a gap.
	cb1Fired, cb2Fired := false, false
	b.Ack(tp1, 6, CommitCallback(func(error) { cb1Fired = true }))
	b.Ack(tp1, 7, CommitCallback(func(error) { cb2Fired = true }))

	args := b.GetAndClearOffsets()
	require.NotNil(t, args)
	require.Contains(t, args.Offsets, tp0)
	require.NotContains(t, args.Offsets, tp1, "tp1's commitTo stays -1 while offset 5 is outstanding")

	fireCallbacks(args, nil)
	require.True(t, tp0Fired, "tp0's callback rode along with its own committed offset")
	require.False(t, cb1Fired, "tp1 offset 6 was never actually committed")
	require.False(t, cb2Fired, "tp1 offset 7 was never actually committed")

	// Once offset 5 is acked, the whole tp1 prefix becomes committable and
	// the deferred callbacks fire on that later commit instead.
	b.Ack(tp1, 5, nil)
	again := b.GetAndClearOffsets()
	require.NotNil(t, again)
	require.Equal(t, int64(8), again.Offsets[tp1].Offset)

	fireCallbacks(again, nil)
	require.True(t, cb1Fired)
	require.True(t, cb2Fired)
}

func TestCommittableBatchPartitionsRevoked(t *testing.T) {
	b := NewCommittableBatch(false)
	tp := kafka.TopicPartition{Topic: "orders", Partition: 0}

	b.AddUncommitted([]kafka.ConsumerRecord{{Topic: tp.Topic, Partition: tp.Partition, Offset: 0}})
	require.Equal(t, 1, b.InPipeline())

	b.PartitionsRevoked([]kafka.TopicPartition{tp})
	require.Equal(t, 0, b.InPipeline())
}
