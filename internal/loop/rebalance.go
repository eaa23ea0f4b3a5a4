package loop

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/streamcore/kloop/kafka"
	"github.com/streamcore/kloop/telemetry"
)

// onPartitionsRevoked is §4.4's RebalanceHandler. Invoked from inside the
// consumer's Poll call, already on the executor thread, so direct consumer
// use is safe.
func (l *Loop) onPartitionsRevoked(partitions []kafka.TopicPartition) {
	if len(partitions) > 0 && l.cfg.AckMode != AtMostOnce {
		_, span := l.tel.Tracer.Start(context.Background(), "kloop.rebalance.drain",
			trace.WithAttributes(telemetry.AttrRebalanceKind.String(telemetry.RebalanceRevoked)))
		start := time.Now()

		l.commit.runIfRequired(true)

		if l.state.Active() && l.cfg.MaxDelayRebalance > 0 {
			deadline := time.Now().Add(l.cfg.MaxDelayRebalance)
			for l.batch.InPipeline() > 0 || l.state.AwaitingTransaction() {
				if !l.state.Active() || !time.Now().Before(deadline) {
					break
				}
				time.Sleep(l.cfg.CommitIntervalDuringDelay)
				l.commit.runIfRequired(true)
			}
		}

		span.End()
		l.tel.RebalanceDrainDuration.Record(context.Background(), time.Since(start).Seconds())
	}

	for _, listener := range l.cfg.RevokeListeners {
		listener(l.consumer, partitions)
	}

	l.batch.PartitionsRevoked(partitions)

	l.log.Debug("partitions revoked", "count", len(partitions))
}
