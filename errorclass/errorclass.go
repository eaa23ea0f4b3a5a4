// Package errorclass supplies composable predicates over errors, in the
// same functional-combinator idiom the error-handling stack in this module
// uses for decisions (here: "is this commit error worth retrying", not a
// full action set — the loop only ever needs a yes/no answer).
package errorclass

import (
	"context"
	"errors"
	"net"
)

// Predicate reports whether err belongs to a class of errors.
type Predicate func(err error) bool

// Any reports true if any predicate reports true.
func Any(predicates ...Predicate) Predicate {
	return func(err error) bool {
		for _, p := range predicates {
			if p(err) {
				return true
			}
		}
		return false
	}
}

// All reports true only if every predicate reports true.
func All(predicates ...Predicate) Predicate {
	return func(err error) bool {
		for _, p := range predicates {
			if !p(err) {
				return false
			}
		}
		return true
	}
}

// Not inverts a predicate.
func Not(p Predicate) Predicate {
	return func(err error) bool {
		return !p(err)
	}
}

// Is reports true when errors.Is(err, target).
func Is(target error) Predicate {
	return func(err error) bool {
		return errors.Is(err, target)
	}
}

// IsDeadlineExceeded matches context.DeadlineExceeded, the class of error a
// broker round-trip commonly fails with under load.
func IsDeadlineExceeded(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// IsCanceled matches context.Canceled.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsTemporary matches net.Error values whose Timeout() reports true, the
// broker-client-agnostic signal for "retry me". net.Error's Temporary() is
// not consulted.
func IsTemporary(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Retriable is the default IsRetriableException predicate: deadline
// exceeded or a temporary network condition, but never a canceled context
// (that means the loop is shutting down, not that the broker is flaky).
func Retriable() Predicate {
	return All(Not(IsCanceled), Any(IsDeadlineExceeded, IsTemporary))
}
