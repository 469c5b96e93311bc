// Package tasks implements the TaskRunner core component (spec §4.5):
// a single-worker FIFO queue of Tasks, each a cooperative state machine
// driving either a pure index enumeration or a BackendChannel-backed
// install/commit.
//
// Grounded on original_source/mdvpkg/tasks.py's TaskBase/STATE_*/EXIT_*
// machinery, reexpressed for Go: tasks.py's generator-based coroutine
// (mdvpkg_coroutine_run, a generator driven by gobject.idle_add) becomes
// a goroutine that blocks on backend events and polls ctx.Done() at
// every suspension point instead of yielding to a driving generator.
package tasks

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	mdlog "github.com/jvdm/mdvpkg/internal/log"
)

var tlog = mdlog.WithComponent("TaskRunner")

// State is a Task's lifecycle state.
type State string

const (
	StateSettingUp State = "setting_up"
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateReady     State = "ready"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// ExitStatus is the terminal outcome reported alongside Finished.
type ExitStatus string

const (
	ExitSuccess   ExitStatus = "exit-success"
	ExitFailed    ExitStatus = "exit-failed"
	ExitCancelled ExitStatus = "exit-cancelled"
)

// EventKind distinguishes the four event shapes a Task publishes.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventFinished
	EventError
	// EventProgress carries body-specific payloads (package listings,
	// media descriptions, group counts, install/download progress).
	// Bodies populate Event.Payload with whichever concrete type their
	// caller expects; see the body constructors in this package.
	EventProgress
)

// Event is one message a running Task emits to its owning session.
type Event struct {
	Kind  EventKind
	State State

	Exit ExitStatus

	ErrorCode    string
	ErrorMessage string

	Payload interface{}
}

// Body is the work a Task performs once running. It must check ctx at
// every suspension point (each yielded item, each backend response)
// and return ctx.Err() promptly once ctx is done, per spec §5's
// cooperative cancellation model.
type Body func(ctx context.Context, t *Task) error

// Task is one unit of queued work.
type Task struct {
	ID    string
	Owner string

	body Body

	mu     sync.Mutex
	state  State
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
}

func newTask(owner string, body Body) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{
		ID:     uuid.NewString(),
		Owner:  owner,
		body:   body,
		state:  StateSettingUp,
		events: make(chan Event, 64),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Events delivers this Task's StateChanged/Finished/Error/progress
// events in emission order.
func (t *Task) Events() <-chan Event { return t.events }

// State returns the Task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.publish(Event{Kind: EventStateChanged, State: s})
}

// Publish emits a body-specific progress event; exported so task
// bodies defined outside this package (e.g. in internal/dbus glue) can
// still report through the same channel.
func (t *Task) Publish(payload interface{}) { t.publish(Event{Kind: EventProgress, Payload: payload}) }

func (t *Task) publish(ev Event) {
	select {
	case t.events <- ev:
	default:
		tlog.WithField("task", t.ID).Warn("dropping task event: subscriber not draining")
	}
}

// Runner is the single-worker FIFO TaskRunner.
type Runner struct {
	mu     sync.Mutex
	queue  []*Task
	byID   map[string]*Task
	wake   chan struct{}
}

// NewRunner creates an empty Runner.
func NewRunner() *Runner {
	return &Runner{
		byID: make(map[string]*Task),
		wake: make(chan struct{}, 1),
	}
}

// Enqueue creates a Task for owner running body, appends it to the
// queue, and schedules a wakeup if the queue was empty.
func (r *Runner) Enqueue(owner string, body Body) *Task {
	t := newTask(owner, body)

	r.mu.Lock()
	wasEmpty := len(r.queue) == 0
	r.queue = append(r.queue, t)
	r.byID[t.ID] = t
	r.mu.Unlock()

	t.setState(StateQueued)
	if wasEmpty {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
	return t
}

// Get returns the Task for id, if still tracked (queued or running).
func (r *Runner) Get(id string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	return t, ok
}

// Cancel cancels a task. A queued task is removed from the queue
// without ever invoking its body; a running task's context is
// cancelled so its body unwinds at the next suspension point. A task
// that has already finished (ready/failed/cancelled) is no longer
// tracked, so Cancel returns an unknown-task-id error for it.
func (r *Runner) Cancel(id string) error {
	r.mu.Lock()
	t, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return errors.New("tasks: unknown task id")
	}

	switch t.State() {
	case StateQueued:
		r.removeFromQueue(t)
		t.cancel()
		r.finish(t, StateCancelled, ExitCancelled, "", "")
	case StateSettingUp, StateReady, StateFailed, StateCancelled:
		t.cancel()
		if t.State() == StateSettingUp {
			r.finish(t, StateCancelled, ExitCancelled, "", "")
		}
	default: // running: signal only, runTask's defer finishes it
		t.cancel()
	}
	return nil
}

func (r *Runner) removeFromQueue(target *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.queue {
		if t == target {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return
		}
	}
}

func (r *Runner) popNext() *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return nil
	}
	t := r.queue[0]
	r.queue = r.queue[1:]
	return t
}

// Run drives the FIFO loop until ctx is done: each wakeup drains the
// queue to empty, running one task body at a time (the "single
// worker" in TaskRunner), then waits for the next Enqueue.
func (r *Runner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}
		for {
			t := r.popNext()
			if t == nil {
				break
			}
			r.runTask(t)
		}
	}
}

func (r *Runner) runTask(t *Task) {
	t.setState(StateRunning)
	err := t.body(t.ctx, t)

	switch {
	case t.ctx.Err() != nil:
		r.finish(t, StateCancelled, ExitCancelled, "", "")
	case err != nil:
		r.finish(t, StateFailed, ExitFailed, "error-task-exception", err.Error())
	default:
		r.finish(t, StateReady, ExitSuccess, "", "")
	}
}

func (r *Runner) finish(t *Task, state State, exit ExitStatus, errCode, errMsg string) {
	t.setState(state)
	if errCode != "" {
		t.publish(Event{Kind: EventError, ErrorCode: errCode, ErrorMessage: errMsg})
	}
	t.publish(Event{Kind: EventFinished, Exit: exit})

	r.mu.Lock()
	delete(r.byID, t.ID)
	r.mu.Unlock()
}

