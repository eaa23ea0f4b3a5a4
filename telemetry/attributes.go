package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

const (
	AttrTopic        = attribute.Key("kloop.topic")
	AttrPartition    = attribute.Key("kloop.partition")
	AttrAckMode      = attribute.Key("kloop.ack_mode")
	AttrPollOutcome  = attribute.Key("kloop.poll.outcome")
	AttrCommitResult = attribute.Key("kloop.commit.result")
	AttrRebalanceKind = attribute.Key("kloop.rebalance.kind")
)

// Poll outcome values
const (
	PollOutcomeRecords = "records"
	PollOutcomeEmpty   = "empty"
	PollOutcomeWakeup  = "wakeup"
	PollOutcomeError   = "error"
)

// Commit result values
const (
	CommitResultSuccess = "success"
	CommitResultRetried = "retried"
	CommitResultFailed  = "failed"
)

// Rebalance kind values
const (
	RebalanceAssigned = "assigned"
	RebalanceRevoked  = "revoked"
)
