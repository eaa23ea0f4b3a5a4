package loop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecutorRunsTasksFIFO(t *testing.T) {
	e := NewExecutor(0)
	go e.Run()
	defer e.Stop()

	var order []int
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		i := i
		e.Submit(func() {
			order = append(order, i)
			if i == 4 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tasks did not complete in time")
	}
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestExecutorSubmitAfterDelaysExecution(t *testing.T) {
	e := NewExecutor(0)
	go e.Run()
	defer e.Stop()

	done := make(chan struct{})
	start := time.Now()
	e.SubmitAfter(20*time.Millisecond, func() { close(done) })

	select {
	case <-done:
		require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("delayed task never ran")
	}
}

func TestExecutorSubmitAfterStopDoesNotBlock(t *testing.T) {
	e := NewExecutor(1)
	e.Stop()

	done := make(chan struct{})
	go func() {
		e.Submit(func() {})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit after Stop blocked")
	}
}
