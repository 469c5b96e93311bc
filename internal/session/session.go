// Package session ties an IPC client's identity to everything it owns
// — PackageLists and the tasks it started — and tears all of it down
// together on disconnect.
//
// Grounded on original_source/mdvpkg/tasks.py's TaskBase and
// daemon.py's DBusPackageList, each of which independently arms a
// dbus watch_name_owner callback on its creating sender and mimics a
// Cancel/Delete call when that callback fires with no new owner. This
// package collapses that per-object watch into one place: the IPC
// layer arms one NameOwnerChanged watch for all sessions and, when a
// session's bus name loses its owner, closes that session, which then
// cancels/deletes every resource it owns.
package session

import (
	"sync"

	mdlog "github.com/jvdm/mdvpkg/internal/log"
	"github.com/jvdm/mdvpkg/internal/index"
	"github.com/jvdm/mdvpkg/internal/packagelist"
	"github.com/jvdm/mdvpkg/internal/tasks"
)

var slog = mdlog.WithComponent("Session")

// Session is one IPC client's owner identity (its D-Bus unique name,
// or any other opaque per-connection string) plus the PackageLists and
// tasks created under it.
type Session struct {
	ID string

	idx    *index.Index
	runner *tasks.Runner

	mu      sync.Mutex
	lists   map[string]*packagelist.PackageList
	taskIDs map[string]struct{}
}

// New creates a Session for owner id, backed by idx and runner.
func New(id string, idx *index.Index, runner *tasks.Runner) *Session {
	return &Session{
		ID:      id,
		idx:     idx,
		runner:  runner,
		lists:   make(map[string]*packagelist.PackageList),
		taskIDs: make(map[string]struct{}),
	}
}

// CreateList implements the root object's GetList(): a fresh
// PackageList owned by this session.
func (s *Session) CreateList() *packagelist.PackageList {
	pl := packagelist.New(s.idx, s.ID)
	s.mu.Lock()
	s.lists[pl.ID] = pl
	s.mu.Unlock()
	return pl
}

// List looks up a PackageList this session owns by its id.
func (s *Session) List(id string) (*packagelist.PackageList, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pl, ok := s.lists[id]
	return pl, ok
}

// ForgetList drops a PackageList from this session's bookkeeping once
// it has been explicitly deleted by its owner (Delete is idempotent,
// Close must not call it twice).
func (s *Session) ForgetList(id string) {
	s.mu.Lock()
	delete(s.lists, id)
	s.mu.Unlock()
}

// TrackTask records a task id so Close cancels it on disconnect,
// mirroring TaskBase's per-task sender watch.
func (s *Session) TrackTask(taskID string) {
	s.mu.Lock()
	s.taskIDs[taskID] = struct{}{}
	s.mu.Unlock()
}

// Close mimics a sender-owner-changed-to-nil event: every PackageList
// this session owns is deleted and every task it started is cancelled.
func (s *Session) Close() {
	s.mu.Lock()
	lists := make([]*packagelist.PackageList, 0, len(s.lists))
	for _, pl := range s.lists {
		lists = append(lists, pl)
	}
	s.lists = make(map[string]*packagelist.PackageList)

	taskIDs := make([]string, 0, len(s.taskIDs))
	for id := range s.taskIDs {
		taskIDs = append(taskIDs, id)
	}
	s.taskIDs = make(map[string]struct{})
	s.mu.Unlock()

	for _, pl := range lists {
		if err := pl.Delete(s.ID); err != nil {
			slog.WithError(err).WithField("list", pl.ID).Warn("deleting list on session close")
		}
	}
	for _, id := range taskIDs {
		if err := s.runner.Cancel(id); err != nil {
			slog.WithError(err).WithField("task", id).Warn("cancelling task on session close")
		}
	}
}

// Manager maps owner identities to their Session, creating one lazily
// on first use.
type Manager struct {
	idx    *index.Index
	runner *tasks.Runner

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty Manager backed by idx and runner.
func NewManager(idx *index.Index, runner *tasks.Runner) *Manager {
	return &Manager{idx: idx, runner: runner, sessions: make(map[string]*Session)}
}

// Get returns the Session for id, creating one if this is its first
// call.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		s = New(id, m.idx, m.runner)
		m.sessions[id] = s
	}
	return s
}

// Lookup returns the Session for id without creating one, for callers
// that must not conjure a session just to look one up (e.g. Delete's
// bookkeeping cleanup after a session may already be gone).
func (m *Manager) Lookup(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Disconnect removes and closes the Session for id, if one exists —
// called when the IPC layer observes the owner's bus name released.
func (m *Manager) Disconnect(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}
