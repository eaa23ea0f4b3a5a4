package loop

import (
	"context"
	"errors"
	"time"

	"github.com/streamcore/kloop/kafka"
)

// atMostOnceTracker records offsets committed ahead of downstream
// processing under AtMostOnce. Its undoCommitAhead decides whether CloseTask
// forces another commit from the batch's in-pipeline count; it does not read
// the recorded offsets.
type atMostOnceTracker struct {
	committed map[kafka.TopicPartition]int64
}

func newAtMostOnceTracker() *atMostOnceTracker {
	return &atMostOnceTracker{committed: make(map[kafka.TopicPartition]int64)}
}

func (t *atMostOnceTracker) record(offsets map[kafka.TopicPartition]kafka.Offset) {
	for tp, o := range offsets {
		t.committed[tp] = o.Offset
	}
}

// undoCommitAhead reports whether CloseTask should still force a commit: if
// nothing has been added to the batch since the last commit-ahead, the
// broker already holds the right offsets and a forced commit would be a
// wasted round trip.
func (t *atMostOnceTracker) undoCommitAhead(batch *CommittableBatch) bool {
	return batch.InPipeline() > 0
}

// runCloseTask is §4.5's CloseTask. Runs on the executor thread, enforcing
// closeTimeout as a wall-clock deadline across everything it does.
func (l *Loop) runCloseTask() {
	deadline := time.Now().Add(l.cfg.CloseTimeout)
	start := time.Now()

	if len(l.cfg.ManualAssignment) > 0 {
		l.onPartitionsRevoked(l.cfg.ManualAssignment)
	}

	for attempt := 0; attempt < 3; attempt++ {
		forceCommit := true
		if l.cfg.AckMode == AtMostOnce {
			forceCommit = l.atMostOnce.undoCommitAhead(l.batch)
		}

		if l.cfg.AckMode != ExactlyOnce {
			l.commit.runIfRequired(forceCommit)
			l.commit.waitFor(deadline)
		}

		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}

		err := l.consumer.Close(context.Background(), remaining)
		if err != nil && errors.Is(err, kafka.ErrWakeup) && attempt < 2 && time.Now().Before(deadline) {
			l.log.Debug("close interrupted by wakeup, retrying", "attempt", attempt)
			if sleep := time.Until(deadline); sleep > 0 {
				backoff := l.cfg.CloseRetryBackoff.Next(uint(attempt))
				if backoff < sleep {
					sleep = backoff
				}
				time.Sleep(sleep)
			}
			continue
		}
		if err != nil {
			l.log.Error("close failed", "error", err)
			l.sink.EmitError(err)
		}
		break
	}

	l.tel.CloseDuration.Record(context.Background(), time.Since(start).Seconds())
	l.sink.Close()
	l.executor.Stop()
	close(l.stopped)
}
