package loop

import (
	"sync"
	"time"
)

// task is a unit of work confined to the executor goroutine.
type task func()

// Executor is the single-threaded cooperative scheduler every loop task
// runs on. It gives the confinement invariant its home: SubscribeTask,
// PollTask, CommitTask, RebalanceHandler and CloseTask are all just tasks
// enqueued here, and the executor goroutine runs at most one of them at a
// time, FIFO.
//
// Delayed work (the commit retry timer) uses time.AfterFunc, which only
// ever enqueues onto the same channel — it never touches loop state
// directly — so the confinement invariant holds even for delayed tasks.
type Executor struct {
	tasks chan task
	done  chan struct{}
	wg    sync.WaitGroup

	stopOnce sync.Once
}

func NewExecutor(queueDepth int) *Executor {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &Executor{
		tasks: make(chan task, queueDepth),
		done:  make(chan struct{}),
	}
}

// Run drains the task queue until Stop is called or the queue is closed.
// Callers run this in its own goroutine.
func (e *Executor) Run() {
	for {
		select {
		case t, ok := <-e.tasks:
			if !ok {
				return
			}
			t()
		case <-e.done:
			return
		}
	}
}

// Submit enqueues t for execution on the executor goroutine. Safe to call
// from any goroutine, including from inside a running task.
func (e *Executor) Submit(t task) {
	select {
	case e.tasks <- t:
	case <-e.done:
	}
}

// SubmitAfter enqueues t after d elapses, via time.AfterFunc. The timer
// callback only ever calls Submit — it never runs t directly on the timer
// goroutine.
func (e *Executor) SubmitAfter(d time.Duration, t task) *time.Timer {
	return time.AfterFunc(d, func() { e.Submit(t) })
}

// Stop halts the executor. A task currently executing is allowed to finish;
// already-queued tasks that have not started are not guaranteed to run, and
// Run may still pick up some of them before it observes the stop.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.done) })
}
