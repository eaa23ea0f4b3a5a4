// Package telemetry provides the loop core's OpenTelemetry instruments.
// When no providers are configured every instrument is a noop, so the
// event loop pays nothing for observability it isn't asked to produce.
package telemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	traceNoop "go.opentelemetry.io/otel/trace/noop"
)

const scopeName = "github.com/streamcore/kloop"

// Telemetry holds every instrument the loop core reports through.
type Telemetry struct {
	Tracer     trace.Tracer
	Propagator propagation.TextMapPropagator

	RecordsConsumed metric.Int64Counter
	PollDuration    metric.Float64Histogram

	CommitOutcomes metric.Int64Counter
	CommitDuration metric.Float64Histogram

	RebalanceDrainDuration metric.Float64Histogram
	CloseDuration          metric.Float64Histogram
}

// New builds a Telemetry from the given providers. Any nil provider falls
// back to a noop implementation.
func New(tp trace.TracerProvider, mp metric.MeterProvider, prop propagation.TextMapPropagator) (*Telemetry, error) {
	if tp == nil {
		tp = traceNoop.NewTracerProvider()
	}
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	if prop == nil {
		prop = propagation.TraceContext{}
	}

	tracer := tp.Tracer(scopeName)
	meter := mp.Meter(scopeName)

	recordsConsumed, err := meter.Int64Counter(
		"kloop.records.consumed",
		metric.WithDescription("Records emitted downstream by the loop"),
	)
	if err != nil {
		return nil, err
	}

	pollDuration, err := meter.Float64Histogram(
		"kloop.poll.duration",
		metric.WithDescription("Time spent in a single Poll call"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	commitOutcomes, err := meter.Int64Counter(
		"kloop.commit.outcomes",
		metric.WithDescription("Commit attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	commitDuration, err := meter.Float64Histogram(
		"kloop.commit.duration",
		metric.WithDescription("Time spent dispatching a commit"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	rebalanceDrainDuration, err := meter.Float64Histogram(
		"kloop.rebalance.drain_duration",
		metric.WithDescription("Time spent draining in-pipeline records during a revocation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	closeDuration, err := meter.Float64Histogram(
		"kloop.close.duration",
		metric.WithDescription("Time spent in orderly shutdown"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Tracer:                 tracer,
		Propagator:             prop,
		RecordsConsumed:        recordsConsumed,
		PollDuration:           pollDuration,
		CommitOutcomes:         commitOutcomes,
		CommitDuration:         commitDuration,
		RebalanceDrainDuration: rebalanceDrainDuration,
		CloseDuration:          closeDuration,
	}, nil
}

// Noop returns a Telemetry with every instrument wired to a noop backend.
func Noop() *Telemetry {
	t, _ := New(nil, nil, nil)
	return t
}
