// Package sink defines the narrow boundary the loop core hands emitted
// record batches across. This is the downstream sink/emission engine the
// core treats as an external collaborator.
package sink

import (
	"errors"

	"github.com/streamcore/kloop/kafka"
)

// ErrClosed is returned by Emit once the sink has been closed.
var ErrClosed = errors.New("sink: closed")

// EmitFailureHandler is asked whether a failed emission should be retried.
// The loop calls this synchronously from the poll task; retrying means the
// same batch will be offered to Emit again.
type EmitFailureHandler interface {
	// ShouldRetry reports whether err is the sink's "non-serialized"
	// transient kind and the loop is still active. Any other failure is
	// treated as terminal.
	ShouldRetry(err error, active bool) bool
}

// EmitFailureHandlerFunc adapts a function to an EmitFailureHandler.
type EmitFailureHandlerFunc func(err error, active bool) bool

func (f EmitFailureHandlerFunc) ShouldRetry(err error, active bool) bool {
	return f(err, active)
}

// Sink is the downstream consumer of emitted record batches.
type Sink interface {
	// Emit delivers a batch downstream. A non-nil error is passed to the
	// EmitFailureHandler by the caller to decide whether to retry.
	Emit(batch kafka.RecordBatch) error

	// EmitError delivers a loop error downstream. The loop calls it from
	// each failing path (subscribe, poll, emit, commit, close) and does not
	// limit it to one call per loop lifetime.
	EmitError(err error)

	// Close releases any resources the sink holds. Idempotent.
	Close()
}
