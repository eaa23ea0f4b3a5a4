package kloop

import "github.com/streamcore/kloop/kafka"

// ErrWakeup is kafka.ErrWakeup, re-exported so callers don't need to import
// the kafka subpackage just to recognize the wakeup control-flow signal.
var ErrWakeup = kafka.ErrWakeup
