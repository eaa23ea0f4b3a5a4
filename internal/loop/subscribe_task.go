package loop

import (
	"context"

	"github.com/streamcore/kloop/kafka"
)

// rebalanceListener adapts the broker client's assign/revoke callbacks
// (invoked from inside Poll, on the executor goroutine) into the loop's own
// §4.1 hooks.
type rebalanceListener struct {
	l *Loop
}

var _ kafka.RebalanceListener = (*rebalanceListener)(nil)

func (r *rebalanceListener) OnAssigned(partitions []kafka.TopicPartition) {
	r.l.onPartitionsAssigned(partitions)
}

func (r *rebalanceListener) OnRevoked(partitions []kafka.TopicPartition) {
	r.l.onPartitionsRevoked(partitions)
}

// runSubscribeTask is scheduled exactly once, at Start. It installs the
// rebalance listener and hands the consumer to the user-supplied
// subscription procedure.
func (l *Loop) runSubscribeTask() {
	if len(l.cfg.ManualAssignment) > 0 {
		if err := l.consumer.Assign(context.Background(), l.cfg.ManualAssignment); err != nil {
			if l.state.Active() {
				l.log.Error("assign failed", "error", err)
				l.sink.EmitError(err)
			}
			return
		}
		// Assign does not run through a rebalance listener; synthesize the
		// assignment hook so pause/resume bookkeeping still applies.
		l.onPartitionsAssigned(l.cfg.ManualAssignment)
		l.poll.schedule()
		return
	}

	if err := l.cfg.Subscribe(l.consumer, &rebalanceListener{l: l}); err != nil {
		if l.state.Active() {
			l.log.Error("subscribe failed", "error", err)
			l.sink.EmitError(err)
		}
		return
	}
	l.poll.schedule()
}

func (l *Loop) onPartitionsAssigned(partitions []kafka.TopicPartition) {
	if l.state.PausedByUs() && len(partitions) > 0 {
		l.consumer.Pause(partitions)
	}

	var toPause []kafka.TopicPartition
	for _, tp := range partitions {
		if l.state.IsPausedByUser(tp) {
			toPause = append(toPause, tp)
		}
	}
	if len(toPause) > 0 {
		l.consumer.Pause(toPause)
	}

	l.state.RetainAssigned(l.consumer.Assignment())

	for _, listener := range l.cfg.AssignListeners {
		listener(l.consumer, partitions)
	}

	for _, tp := range partitions {
		if pos, ok, err := l.consumer.Position(context.Background(), tp, l.cfg.PollTimeout); err == nil && ok {
			l.log.Debug("assigned partition", "topic", tp.Topic, "partition", tp.Partition, "position", pos)
		}
	}
}
