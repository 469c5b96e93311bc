package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainEvents(t *testing.T, tk *Task, timeout time.Duration) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-tk.Events():
			out = append(out, ev)
			if ev.Kind == EventFinished {
				return out
			}
		case <-deadline:
			t.Fatal("timed out waiting for task to finish")
			return out
		}
	}
}

func TestEnqueueRunsBodyToCompletion(t *testing.T) {
	r := NewRunner()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	ran := make(chan struct{})
	tk := r.Enqueue("session-1", func(ctx context.Context, t *Task) error {
		close(ran)
		return nil
	})

	events := drainEvents(t, tk, 2*time.Second)
	<-ran

	var states []State
	for _, ev := range events {
		if ev.Kind == EventStateChanged {
			states = append(states, ev.State)
		}
	}
	assert.Equal(t, []State{StateQueued, StateRunning, StateReady}, states)
	assert.Equal(t, ExitSuccess, events[len(events)-1].Exit)
}

func TestBodyErrorReportsFailedAndErrorEvent(t *testing.T) {
	r := NewRunner()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	tk := r.Enqueue("session-1", func(ctx context.Context, t *Task) error {
		return assert.AnError
	})

	events := drainEvents(t, tk, 2*time.Second)

	var sawError bool
	for _, ev := range events {
		if ev.Kind == EventError {
			sawError = true
			assert.Equal(t, "error-task-exception", ev.ErrorCode)
		}
	}
	assert.True(t, sawError)
	assert.Equal(t, ExitFailed, events[len(events)-1].Exit)
}

func TestCancelQueuedTaskNeverRunsBody(t *testing.T) {
	r := NewRunner()

	ran := false
	queued := r.Enqueue("s", func(ctx context.Context, t *Task) error {
		ran = true
		return nil
	})

	// Cancel before any Run loop has started: the task is still
	// StateQueued, so Cancel must finish it synchronously without ever
	// invoking the body.
	require.NoError(t, r.Cancel(queued.ID))

	events := drainEvents(t, queued, 2*time.Second)
	assert.Equal(t, ExitCancelled, events[len(events)-1].Exit)
	assert.False(t, ran)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran, "cancelled-while-queued task must never run even after the worker starts")
}

func TestCancelRunningTaskUnwindsAtSuspensionPoint(t *testing.T) {
	r := NewRunner()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	started := make(chan struct{})
	tk := r.Enqueue("s", func(ctx context.Context, t *Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	<-started
	require.NoError(t, r.Cancel(tk.ID))

	events := drainEvents(t, tk, 2*time.Second)
	assert.Equal(t, ExitCancelled, events[len(events)-1].Exit)
}
