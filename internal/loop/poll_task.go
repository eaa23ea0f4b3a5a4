package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/streamcore/kloop/kafka"
	"github.com/streamcore/kloop/telemetry"
)

// pollTask is §4.2's PollTask. scheduled makes schedule() idempotent: only
// one instance is ever queued on the executor at a time.
type pollTask struct {
	l *Loop

	scheduled atomic.Bool
}

func newPollTask(l *Loop) *pollTask {
	return &pollTask{l: l}
}

func (p *pollTask) schedule() {
	if p.scheduled.CompareAndSwap(false, true) {
		p.l.executor.Submit(p.run)
	}
}

func (p *pollTask) run() {
	p.scheduled.Store(false)

	if !p.l.state.Active() {
		return
	}

	p.l.commit.runIfRequired(false)

	r := p.l.state.Requested()
	deferredGate := p.l.cfg.MaxDeferredCommits > 0 && p.l.batch.DeferredCount() >= p.l.cfg.MaxDeferredCommits
	if deferredGate {
		r = 0
	}
	if p.l.state.Retrying() {
		r = 0
	}

	assignment := p.l.consumer.Assignment()

	switch {
	case r > 0 && !p.l.state.AwaitingTransaction():
		if p.l.state.PausedByUs() {
			p.l.state.ClearPausedByUs()
			if resumeSet := p.l.state.Subtract(assignment); len(resumeSet) > 0 {
				p.l.consumer.Resume(resumeSet)
			}
		}
	case r > 0 && p.l.state.AwaitingTransaction():
		p.enterPaused(assignment, "awaiting transaction")
	default:
		reason := "backpressure"
		switch {
		case p.l.state.Retrying():
			reason = "retrying"
		case deferredGate:
			reason = "deferred-commits"
		}
		p.enterPaused(assignment, reason)
	}

	spanCtx, span := p.l.tel.Tracer.Start(context.Background(), "kloop.poll")
	start := time.Now()
	batch, err := p.l.consumer.Poll(spanCtx, p.l.cfg.PollTimeout)
	outcome := telemetry.PollOutcomeRecords

	if err != nil {
		if errors.Is(err, kafka.ErrWakeup) {
			outcome = telemetry.PollOutcomeWakeup
			batch = kafka.RecordBatch{}
		} else if p.l.state.Active() {
			span.SetAttributes(telemetry.AttrPollOutcome.String(telemetry.PollOutcomeError))
			span.End()
			p.l.tel.PollDuration.Record(context.Background(), time.Since(start).Seconds(), metric.WithAttributes(telemetry.AttrPollOutcome.String(telemetry.PollOutcomeError)))
			p.l.log.Error("poll failed", "error", err)
			p.l.sink.EmitError(err)
			return
		} else {
			span.End()
			return
		}
	}

	if batch.Empty() && outcome == telemetry.PollOutcomeRecords {
		outcome = telemetry.PollOutcomeEmpty
	}
	span.SetAttributes(telemetry.AttrPollOutcome.String(outcome))
	span.End()
	p.l.tel.PollDuration.Record(context.Background(), time.Since(start).Seconds(), metric.WithAttributes(telemetry.AttrPollOutcome.String(outcome)))

	if p.l.state.Active() {
		p.schedule()
	}

	if batch.Empty() {
		return
	}

	p.l.tel.RecordsConsumed.Add(context.Background(), int64(len(batch.Records)))

	p.l.batch.AddUncommitted(batch.Records)
	p.l.state.ConsumeRequested()

	if p.l.cfg.AckMode == AtMostOnce {
		p.ackAll(batch)
		p.l.commit.runIfRequired(true)
	}

	delivered := p.emit(batch)

	if p.l.cfg.AckMode == AutoAck && delivered {
		p.ackAll(batch)
		p.l.commit.scheduleIfRequired()
	}
}

func (p *pollTask) ackAll(batch kafka.RecordBatch) {
	for _, r := range batch.Records {
		p.l.batch.Ack(r.TopicPartition(), r.Offset, nil)
	}
}

func (p *pollTask) enterPaused(assignment []kafka.TopicPartition, reason string) {
	transitioned := p.l.state.CheckAndSetPausedByUs()
	if len(assignment) > 0 {
		p.l.consumer.Pause(assignment)
	}
	p.l.log.Debug("paused", "reason", reason)

	if transitioned && p.l.state.Requested() > 0 && !p.l.state.Retrying() {
		p.l.consumer.Wakeup()
	}
}

// emit delivers batch downstream, retrying through the configured
// EmitFailureHandler for transient conflicts only. The span it opens is
// linked to whatever upstream trace context rides on the batch's leading
// record headers, so a producer's trace continues through this consumer.
// It reports whether the sink accepted the batch.
func (p *pollTask) emit(batch kafka.RecordBatch) bool {
	ctx := context.Background()
	if len(batch.Records) > 0 {
		ctx = p.l.tel.Propagator.Extract(ctx, telemetry.NewKafkaHeadersCarrier(&batch.Records[0].Headers))
	}
	_, span := p.l.tel.Tracer.Start(ctx, "kloop.emit")
	defer span.End()

	handler := p.l.cfg.emitFailureHandler()

	for {
		err := p.l.sink.Emit(batch)
		if err == nil {
			return true
		}

		active := p.l.state.Active()
		if handler.ShouldRetry(err, active) {
			continue
		}

		if active {
			p.l.log.Error("emit failed", "error", err)
			p.l.sink.EmitError(err)
		}
		return false
	}
}
