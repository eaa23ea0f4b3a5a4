package loop

import (
	"sync"
	"sync/atomic"

	"github.com/streamcore/kloop/kafka"
)

// State holds the atomics and small synchronized sets shared between the
// executor-confined tasks and the handful of off-executor entry points
// (Request, Pause, Resume, Stop). Every field here is either an atomic type
// or guarded by its own mutex; nothing requires the executor's confinement
// to be read or written safely.
type State struct {
	active              atomic.Bool
	requested           atomic.Uint64
	awaitingTransaction atomic.Bool
	pausedByUs          atomic.Bool
	retrying            atomic.Bool

	mu           sync.Mutex
	pausedByUser map[kafka.TopicPartition]struct{}
}

func NewState() *State {
	s := &State{pausedByUser: make(map[kafka.TopicPartition]struct{})}
	s.active.Store(true)
	return s
}

func (s *State) Active() bool {
	return s.active.Load()
}

// Stop is the one-shot true->false transition on active; callers use the
// returned bool to run shutdown exactly once.
func (s *State) Stop() bool {
	return s.active.CompareAndSwap(true, false)
}

// AddRequested performs a saturating add and returns the new total.
func (s *State) AddRequested(n uint64) uint64 {
	if n == 0 {
		return s.requested.Load()
	}
	for {
		old := s.requested.Load()
		add := n
		if room := ^uint64(0) - old; add > room {
			add = room
		}
		next := old + add
		if s.requested.CompareAndSwap(old, next) {
			return next
		}
	}
}

func (s *State) Requested() uint64 {
	return s.requested.Load()
}

// ConsumeRequested decrements the demand counter by one, saturating at
// zero so an over-decrement can never underflow into a huge value.
func (s *State) ConsumeRequested() {
	for {
		old := s.requested.Load()
		if old == 0 {
			return
		}
		if s.requested.CompareAndSwap(old, old-1) {
			return
		}
	}
}

func (s *State) AwaitingTransaction() bool {
	return s.awaitingTransaction.Load()
}

func (s *State) SetAwaitingTransaction(v bool) {
	s.awaitingTransaction.Store(v)
}

func (s *State) PausedByUs() bool {
	return s.pausedByUs.Load()
}

func (s *State) ClearPausedByUs() {
	s.pausedByUs.Store(false)
}

// CheckAndSetPausedByUs sets pausedByUs and reports whether this call
// performed the 0->1 transition. Preserves the edge-triggered recheck: a
// caller that observes transitioned==true must re-check demand and wake the
// consumer if any arrived during the race window between reading demand and
// installing the pause.
func (s *State) CheckAndSetPausedByUs() (transitioned bool) {
	return !s.pausedByUs.Swap(true)
}

func (s *State) Retrying() bool {
	return s.retrying.Load()
}

func (s *State) SetRetrying(v bool) {
	s.retrying.Store(v)
}

// Pause adds partitions to the externally-paused set. Safe from any
// goroutine.
func (s *State) Pause(partitions []kafka.TopicPartition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tp := range partitions {
		s.pausedByUser[tp] = struct{}{}
	}
}

// Resume removes partitions from the externally-paused set.
func (s *State) Resume(partitions []kafka.TopicPartition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tp := range partitions {
		delete(s.pausedByUser, tp)
	}
}

// IsPausedByUser reports whether tp is in the external pause set.
func (s *State) IsPausedByUser(tp kafka.TopicPartition) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.pausedByUser[tp]
	return ok
}

// DropRevoked forgets any externally-paused partitions no longer assigned.
func (s *State) DropRevoked(revoked []kafka.TopicPartition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tp := range revoked {
		delete(s.pausedByUser, tp)
	}
}

// RetainAssigned prunes pausedByUser to only partitions present in current,
// forgetting bookkeeping for anything the broker no longer considers ours.
func (s *State) RetainAssigned(current []kafka.TopicPartition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	assigned := make(map[kafka.TopicPartition]struct{}, len(current))
	for _, tp := range current {
		assigned[tp] = struct{}{}
	}
	for tp := range s.pausedByUser {
		if _, ok := assigned[tp]; !ok {
			delete(s.pausedByUser, tp)
		}
	}
}

// Subtract returns partitions in all that are not user-paused, used to
// compute the resume target when clearing pausedByUs.
func (s *State) Subtract(all []kafka.TopicPartition) []kafka.TopicPartition {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]kafka.TopicPartition, 0, len(all))
	for _, tp := range all {
		if _, paused := s.pausedByUser[tp]; !paused {
			out = append(out, tp)
		}
	}
	return out
}
