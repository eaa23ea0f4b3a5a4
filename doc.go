// Package kloop is a confined, demand-driven Kafka consumer event loop: a
// single executor goroutine owns the broker consumer handle, applies
// backpressure by pausing and resuming partitions as downstream demand
// rises and falls, and drives commits per a configurable ack-mode.
//
// A Receiver wraps internal/loop's executor-confined core behind a small
// public surface: Request to signal demand, Pause/Resume for explicit
// flow control, Acknowledge to complete a manual commit, and Close for a
// bounded, orderly shutdown.
package kloop
