package loop

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/streamcore/kloop/kafka"
)

func TestStateAddRequestedSaturates(t *testing.T) {
	s := NewState()
	s.AddRequested(1)
	got := s.AddRequested(^uint64(0))
	require.Equal(t, ^uint64(0), got)
}

func TestStateConsumeRequestedNeverUnderflows(t *testing.T) {
	s := NewState()
	s.ConsumeRequested()
	require.Equal(t, uint64(0), s.Requested())
}

func TestStateCheckAndSetPausedByUsEdgeTriggered(t *testing.T) {
	s := NewState()

	require.True(t, s.CheckAndSetPausedByUs())
	require.False(t, s.CheckAndSetPausedByUs())

	s.ClearPausedByUs()
	require.True(t, s.CheckAndSetPausedByUs())
}

func TestStatePauseResumeAndSubtract(t *testing.T) {
	s := NewState()
	tpA := kafka.TopicPartition{Topic: "orders", Partition: 0}
	tpB := kafka.TopicPartition{Topic: "orders", Partition: 1}

	s.Pause([]kafka.TopicPartition{tpA})
	require.True(t, s.IsPausedByUser(tpA))
	require.False(t, s.IsPausedByUser(tpB))

	remaining := s.Subtract([]kafka.TopicPartition{tpA, tpB})
	require.Equal(t, []kafka.TopicPartition{tpB}, remaining)

	s.Resume([]kafka.TopicPartition{tpA})
	require.False(t, s.IsPausedByUser(tpA))
}

func TestStateRetainAssignedPrunesStale(t *testing.T) {
	s := NewState()
	tpA := kafka.TopicPartition{Topic: "orders", Partition: 0}
	tpB := kafka.TopicPartition{Topic: "orders", Partition: 1}

	s.Pause([]kafka.TopicPartition{tpA, tpB})
	s.RetainAssigned([]kafka.TopicPartition{tpA})

	require.True(t, s.IsPausedByUser(tpA))
	require.False(t, s.IsPausedByUser(tpB))
}
