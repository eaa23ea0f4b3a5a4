package loop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamcore/kloop/kafka"
	mockkafka "github.com/streamcore/kloop/kafka/mock"
	mocklogger "github.com/streamcore/kloop/logger/mock"
	"github.com/streamcore/kloop/sink"
)

var testTopic = kafka.TopicPartition{Topic: "orders", Partition: 0}

func subscribeAll(topics ...string) func(kafka.Consumer, kafka.RebalanceListener) error {
	return func(c kafka.Consumer, l kafka.RebalanceListener) error {
		return c.Subscribe(context.Background(), topics, l)
	}
}

func waitForItem(t *testing.T, ch <-chan sink.Item, timeout time.Duration) sink.Item {
	t.Helper()
	select {
	case item := <-ch:
		return item
	case <-time.After(timeout):
		t.Fatal("timed out waiting for sink item")
		return sink.Item{}
	}
}

func TestLoopSimpleDemand(t *testing.T) {
	consumer := mockkafka.New(mockkafka.WithMaxPollRecords(1))
	consumer.AddRecords(testTopic,
		kafka.ConsumerRecord{Offset: 0},
		kafka.ConsumerRecord{Offset: 1},
		kafka.ConsumerRecord{Offset: 2},
	)

	channel := sink.NewChannel(8)
	l := New(consumer, Config{
		PollTimeout: 10 * time.Millisecond,
		AckMode:     AutoAck,
		Sink:        channel,
		Logger:      mocklogger.New(),
		Subscribe:   subscribeAll(testTopic.Topic),
	})
	l.Start()
	defer l.Stop()

	l.Request(3)

	for i := int64(0); i < 3; i++ {
		item := waitForItem(t, channel.Items(), time.Second)
		require.Nil(t, item.Err)
		require.Len(t, item.Batch.Records, 1)
		require.Equal(t, i, item.Batch.Records[0].Offset)
	}
}

func TestLoopBackpressurePause(t *testing.T) {
	consumer := mockkafka.New(mockkafka.WithMaxPollRecords(1))
	consumer.AddRecords(testTopic, kafka.ConsumerRecord{Offset: 0})

	channel := sink.NewChannel(8)
	l := New(consumer, Config{
		PollTimeout: 5 * time.Millisecond,
		AckMode:     AutoAck,
		Sink:        channel,
		Logger:      mocklogger.New(),
		Subscribe:   subscribeAll(testTopic.Topic),
	})
	l.Start()
	defer l.Stop()

	l.Request(1)
	item := waitForItem(t, channel.Items(), time.Second)
	require.Nil(t, item.Err)

	require.Eventually(t, func() bool {
		return consumer.IsPaused(testTopic)
	}, time.Second, 5*time.Millisecond, "expected the loop to pause once demand is exhausted")

	consumer.AddRecords(testTopic, kafka.ConsumerRecord{Offset: 1})
	l.Request(1)

	item = waitForItem(t, channel.Items(), time.Second)
	require.Nil(t, item.Err)
	require.Equal(t, int64(1), item.Batch.Records[0].Offset)
}

func TestLoopCommitRetryThenTerminalFailure(t *testing.T) {
	attempts := 0
	boom := errors.New("commit boom")

	consumer := mockkafka.New(
		mockkafka.WithMaxPollRecords(1),
		mockkafka.WithCommitAsyncErrorFunc(func(map[kafka.TopicPartition]kafka.Offset) error {
			attempts++
			return boom
		}),
	)
	consumer.AddRecords(testTopic, kafka.ConsumerRecord{Offset: 0})

	channel := sink.NewChannel(8)
	l := New(consumer, Config{
		PollTimeout:          5 * time.Millisecond,
		CommitRetryInterval:  5 * time.Millisecond,
		MaxCommitAttempts:    2,
		AckMode:              AutoAck,
		IsRetriableException: func(error) bool { return true },
		Sink:                 channel,
		Logger:               mocklogger.New(),
		Subscribe:            subscribeAll(testTopic.Topic),
	})
	l.Start()
	defer l.Stop()

	l.Request(1)

	// First item is the successful emission; the terminal commit failure
	// surfaces afterward as a separate error item, with no callback to
	// route it through.
	first := waitForItem(t, channel.Items(), time.Second)
	require.Nil(t, first.Err)

	var errItem sink.Item
	require.Eventually(t, func() bool {
		select {
		case errItem = <-channel.Items():
			return errItem.Err != nil
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond, "expected a terminal commit error")

	require.ErrorIs(t, errItem.Err, boom)
	require.Equal(t, 2, attempts)
	require.Equal(t, 0, consumer.CommitCount())
}

func TestLoopDeferredCommitGate(t *testing.T) {
	consumer := mockkafka.New(mockkafka.WithMaxPollRecords(1))
	consumer.AddRecords(testTopic,
		kafka.ConsumerRecord{Offset: 0},
		kafka.ConsumerRecord{Offset: 1},
	)

	channel := sink.NewChannel(8)
	l := New(consumer, Config{
		PollTimeout:        5 * time.Millisecond,
		MaxDeferredCommits: 1,
		AckMode:            ManualAck,
		Sink:               channel,
		Logger:             mocklogger.New(),
		Subscribe:          subscribeAll(testTopic.Topic),
	})
	l.Start()
	defer l.Stop()

	l.Request(2)

	first := waitForItem(t, channel.Items(), time.Second)
	second := waitForItem(t, channel.Items(), time.Second)

	// Ack out of order: only the second record, leaving a gap at the first.
	l.Acknowledge(testTopic, second.Batch.Records[0].Offset, nil)

	require.Eventually(t, func() bool {
		return consumer.IsPaused(testTopic)
	}, time.Second, 5*time.Millisecond, "deferred gate should pause the assignment")

	l.Acknowledge(testTopic, first.Batch.Records[0].Offset, nil)
	l.Request(1) // demand was exhausted too; supply more so only the gate is under test

	require.Eventually(t, func() bool {
		return !consumer.IsPaused(testTopic)
	}, time.Second, 5*time.Millisecond, "clearing the gap should resume")
}

func TestLoopAtMostOnceCommitsBeforeEmit(t *testing.T) {
	consumer := mockkafka.New(mockkafka.WithMaxPollRecords(1))
	consumer.AddRecords(testTopic, kafka.ConsumerRecord{Offset: 0})

	channel := sink.NewChannel(8)
	l := New(consumer, Config{
		PollTimeout: 5 * time.Millisecond,
		AckMode:     AtMostOnce,
		Sink:        channel,
		Logger:      mocklogger.New(),
		Subscribe:   subscribeAll(testTopic.Topic),
	})
	l.Start()

	l.Request(1)

	item := waitForItem(t, channel.Items(), time.Second)
	require.Nil(t, item.Err)
	require.Equal(t, int64(0), item.Batch.Records[0].Offset)

	// AtMostOnce must commit synchronously before handing the batch
	// downstream: by the time the item is observable here, the commit that
	// rides ahead of it has already landed on the broker.
	require.Equal(t, 1, consumer.CommitCount())
	committed, ok := consumer.CommittedOffset(testTopic)
	require.True(t, ok)
	require.Equal(t, int64(1), committed.Offset)

	// Nothing has been consumed since that commit, so CloseTask's
	// undoCommitAhead check should skip a redundant forced commit on Stop.
	select {
	case <-l.Stop():
	case <-time.After(time.Second):
		t.Fatal("close did not complete")
	}
	require.Equal(t, 1, consumer.CommitCount())
}

func TestLoopRebalanceDrainWaitsForInPipelineThenGivesUp(t *testing.T) {
	consumer := mockkafka.New(mockkafka.WithMaxPollRecords(1))
	consumer.AddRecords(testTopic, kafka.ConsumerRecord{Offset: 0})

	channel := sink.NewChannel(8)
	l := New(consumer, Config{
		PollTimeout:               5 * time.Millisecond,
		AckMode:                   ManualAck,
		MaxDelayRebalance:         40 * time.Millisecond,
		CommitIntervalDuringDelay: 5 * time.Millisecond,
		Sink:                      channel,
		Logger:                    mocklogger.New(),
		Subscribe:                 subscribeAll(testTopic.Topic),
	})
	l.Start()
	defer l.Stop()

	l.Request(1)
	item := waitForItem(t, channel.Items(), time.Second)
	require.Nil(t, item.Err)

	// Deliberately leave the record unacked so the batch stays in the
	// pipeline through the whole revoke, exercising the drain loop's
	// deadline-bounded wait rather than an immediate return.
	before := time.Now()
	consumer.TriggerRevoke([]kafka.TopicPartition{testTopic})
	elapsed := time.Since(before)

	require.GreaterOrEqual(t, elapsed, 40*time.Millisecond,
		"drain should hold the revoke until MaxDelayRebalance elapses with the batch still in pipeline")
	require.Less(t, elapsed, time.Second, "drain must give up at the deadline, not hang")
}

func TestLoopRebalanceDrainReturnsEarlyWhenPipelineClears(t *testing.T) {
	consumer := mockkafka.New(mockkafka.WithMaxPollRecords(1))
	consumer.AddRecords(testTopic, kafka.ConsumerRecord{Offset: 0})

	channel := sink.NewChannel(8)
	l := New(consumer, Config{
		PollTimeout:               5 * time.Millisecond,
		AckMode:                   ManualAck,
		MaxDelayRebalance:         time.Second,
		CommitIntervalDuringDelay: 5 * time.Millisecond,
		Sink:                      channel,
		Logger:                    mocklogger.New(),
		Subscribe:                 subscribeAll(testTopic.Topic),
	})
	l.Start()
	defer l.Stop()

	l.Request(1)
	item := waitForItem(t, channel.Items(), time.Second)
	require.Nil(t, item.Err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Acknowledge(testTopic, item.Batch.Records[0].Offset, nil)
	}()

	before := time.Now()
	consumer.TriggerRevoke([]kafka.TopicPartition{testTopic})
	elapsed := time.Since(before)

	require.Less(t, elapsed, 200*time.Millisecond,
		"drain should return as soon as the ack clears the pipeline, well before the 1s MaxDelayRebalance")

	committed, ok := consumer.CommittedOffset(testTopic)
	require.True(t, ok)
	require.Equal(t, int64(1), committed.Offset)
}

func TestLoopCloseWaitsForInFlightCommit(t *testing.T) {
	release := make(chan struct{})
	consumer := mockkafka.New(
		mockkafka.WithMaxPollRecords(1),
		mockkafka.WithCommitAsyncErrorFunc(func(map[kafka.TopicPartition]kafka.Offset) error {
			<-release
			return nil
		}),
	)
	consumer.AddRecords(testTopic, kafka.ConsumerRecord{Offset: 0})

	channel := sink.NewChannel(8)
	l := New(consumer, Config{
		PollTimeout:  5 * time.Millisecond,
		CloseTimeout: 200 * time.Millisecond,
		AckMode:      AutoAck,
		Sink:         channel,
		Logger:       mocklogger.New(),
		Subscribe:    subscribeAll(testTopic.Topic),
	})
	l.Start()

	l.Request(1)
	waitForItem(t, channel.Items(), time.Second)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	select {
	case <-l.Stop():
	case <-time.After(time.Second):
		t.Fatal("close did not complete")
	}

	require.True(t, consumer.IsClosed())
}
