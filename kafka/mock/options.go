package mockkafka

import (
	"time"

	"github.com/streamcore/kloop/kafka"
)

// Option is a functional option for configuring a Consumer.
type Option func(*Consumer)

// WithMaxPollRecords caps the number of records returned per Poll call.
func WithMaxPollRecords(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.maxPollRecords = n
		}
	}
}

// WithPollDelay adds an artificial delay to Poll, capped at the caller's
// requested timeout, useful for exercising timeout-driven code paths.
func WithPollDelay(d time.Duration) Option {
	return func(c *Consumer) {
		c.pollDelay = d
	}
}

// WithPollError configures an error returned by every Poll call.
func WithPollError(err error) Option {
	return WithPollErrorFunc(func() error { return err })
}

// WithPollErrorFunc configures a function deciding whether Poll fails.
func WithPollErrorFunc(fn func() error) Option {
	return func(c *Consumer) {
		c.pollErr = fn
	}
}

// WithCommitSyncError configures an error returned by every CommitSync call.
func WithCommitSyncError(err error) Option {
	return WithCommitSyncErrorFunc(func() error { return err })
}

// WithCommitSyncErrorFunc configures a function deciding whether CommitSync fails.
func WithCommitSyncErrorFunc(fn func() error) Option {
	return func(c *Consumer) {
		c.commitSyncErr = fn
	}
}

// WithCommitAsyncErrorFunc configures a function, called on every
// CommitAsync, deciding whether that call's callback is invoked with an
// error.
func WithCommitAsyncErrorFunc(fn func(offsets map[kafka.TopicPartition]kafka.Offset) error) Option {
	return func(c *Consumer) {
		c.commitAsyncCb = fn
	}
}
