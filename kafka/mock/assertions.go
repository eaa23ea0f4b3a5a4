package mockkafka

import (
	"testing"

	"github.com/streamcore/kloop/kafka"
	"github.com/stretchr/testify/require"
)

func (c *Consumer) AssertCommittedOffset(tb testing.TB, tp kafka.TopicPartition, expected int64) {
	tb.Helper()

	actual, ok := c.CommittedOffset(tp)
	require.True(tb, ok, "expected an offset to be committed for %s, none found", tp)
	require.Equal(tb, expected, actual.Offset, "expected offset %d committed for %s, got %d", expected, tp, actual.Offset)
}

func (c *Consumer) AssertNotCommitted(tb testing.TB, tp kafka.TopicPartition) {
	tb.Helper()

	_, ok := c.CommittedOffset(tp)
	require.False(tb, ok, "expected no offset committed for %s", tp)
}

func (c *Consumer) AssertPaused(tb testing.TB, tp kafka.TopicPartition) {
	tb.Helper()
	require.True(tb, c.IsPaused(tp), "expected %s to be paused", tp)
}

func (c *Consumer) AssertNotPaused(tb testing.TB, tp kafka.TopicPartition) {
	tb.Helper()
	require.False(tb, c.IsPaused(tp), "expected %s to not be paused", tp)
}

func (c *Consumer) AssertClosed(tb testing.TB) {
	tb.Helper()
	require.True(tb, c.IsClosed(), "expected consumer to be closed")
}
