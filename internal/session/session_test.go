package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvdm/mdvpkg/internal/index"
	"github.com/jvdm/mdvpkg/internal/rpmartifact"
	"github.com/jvdm/mdvpkg/internal/tasks"
)

func drainTaskEvents(t *testing.T, tk *tasks.Task, timeout time.Duration) []tasks.Event {
	t.Helper()
	var out []tasks.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-tk.Events():
			out = append(out, ev)
			if ev.Kind == tasks.EventFinished {
				return out
			}
		case <-deadline:
			t.Fatal("timed out waiting for task to finish")
			return out
		}
	}
}

type fakeSource struct{}

func (fakeSource) List(yield func(rpmartifact.Artifact) bool) error { return nil }

func TestCreateListIsOwnedBySession(t *testing.T) {
	ix := index.New(fakeSource{}, nil, t.TempDir())
	require.NoError(t, ix.Load())
	runner := tasks.NewRunner()

	s := New("caller-1", ix, runner)
	pl := s.CreateList()

	size, err := pl.Size("caller-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), size)

	got, ok := s.List(pl.ID)
	require.True(t, ok)
	assert.Same(t, pl, got)
}

func TestCloseDeletesOwnedListsAndCancelsTasks(t *testing.T) {
	ix := index.New(fakeSource{}, nil, t.TempDir())
	require.NoError(t, ix.Load())
	runner := tasks.NewRunner()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Run(ctx)

	s := New("caller-1", ix, runner)
	pl := s.CreateList()

	blocked := make(chan struct{})
	tk := runner.Enqueue("caller-1", func(ctx context.Context, t *tasks.Task) error {
		close(blocked)
		<-ctx.Done()
		return ctx.Err()
	})
	s.TrackTask(tk.ID)
	<-blocked

	s.Close()

	_, ok := s.List(pl.ID)
	assert.False(t, ok, "Close must drop owned lists from bookkeeping")

	events := drainTaskEvents(t, tk, 2*time.Second)
	assert.Equal(t, tasks.ExitCancelled, events[len(events)-1].Exit)
}

func TestManagerGetIsIdempotentAndDisconnectClosesSession(t *testing.T) {
	ix := index.New(fakeSource{}, nil, t.TempDir())
	require.NoError(t, ix.Load())
	runner := tasks.NewRunner()

	m := NewManager(ix, runner)
	s1 := m.Get("caller-1")
	s2 := m.Get("caller-1")
	assert.Same(t, s1, s2)

	pl := s1.CreateList()
	m.Disconnect("caller-1")

	_, ok := s1.List(pl.ID)
	assert.False(t, ok)

	s3 := m.Get("caller-1")
	assert.NotSame(t, s1, s3, "Disconnect must drop the session so a later Get creates a fresh one")
}
