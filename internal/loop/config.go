package loop

import (
	"time"

	"github.com/hugolhafner/dskit/backoff"
	"github.com/streamcore/kloop/kafka"
	"github.com/streamcore/kloop/logger"
	"github.com/streamcore/kloop/sink"
	"github.com/streamcore/kloop/telemetry"
)

// AckMode governs when and how offsets are committed.
type AckMode int

const (
	AtMostOnce AckMode = iota
	ExactlyOnce
	AutoAck
	ManualAck
)

func (m AckMode) String() string {
	switch m {
	case AtMostOnce:
		return "at_most_once"
	case ExactlyOnce:
		return "exactly_once"
	case AutoAck:
		return "auto_ack"
	case ManualAck:
		return "manual_ack"
	default:
		return "unknown"
	}
}

// AssignListener is notified with a seekable view of newly assigned
// partitions.
type AssignListener func(consumer kafka.Consumer, partitions []kafka.TopicPartition)

// RevokeListener is notified with the partitions a rebalance just revoked.
type RevokeListener func(consumer kafka.Consumer, partitions []kafka.TopicPartition)

// Config is every gate and collaborator the loop core needs, corresponding
// to §6.4's configuration surface.
type Config struct {
	PollTimeout               time.Duration
	CommitInterval            time.Duration // 0 disables the periodic commit timer
	CommitRetryInterval       time.Duration
	MaxCommitAttempts         int
	MaxDeferredCommits        int           // 0 disables the deferred-commit gate
	MaxDelayRebalance         time.Duration // 0 disables the rebalance drain
	CommitIntervalDuringDelay time.Duration
	CloseTimeout              time.Duration

	AckMode              AckMode
	IsRetriableException func(error) bool

	Subscribe func(consumer kafka.Consumer, listener kafka.RebalanceListener) error

	// ManualAssignment, when set, bypasses Subscribe/subscription-based
	// membership: the loop assigns these partitions directly and runs the
	// revocation protocol against them at close instead of at rebalance.
	ManualAssignment []kafka.TopicPartition

	AssignListeners []AssignListener
	RevokeListeners []RevokeListener

	EmitFailureHandler sink.EmitFailureHandler

	CloseRetryBackoff backoff.Backoff

	Logger      logger.Logger
	Telemetry   *telemetry.Telemetry
	Sink        sink.Sink
	ExecutorLen int
}

func (c *Config) logger() logger.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logger.NewNoopLogger()
}

func (c *Config) telemetry() *telemetry.Telemetry {
	if c.Telemetry != nil {
		return c.Telemetry
	}
	return telemetry.Noop()
}

// noRetryEmitHandler never retries, the conservative default when the
// caller supplies no EmitFailureHandler.
type noRetryEmitHandler struct{}

func (noRetryEmitHandler) ShouldRetry(error, bool) bool { return false }

func (c *Config) emitFailureHandler() sink.EmitFailureHandler {
	if c.EmitFailureHandler != nil {
		return c.EmitFailureHandler
	}
	return noRetryEmitHandler{}
}
