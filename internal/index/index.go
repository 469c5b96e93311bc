package index

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	mdlog "github.com/jvdm/mdvpkg/internal/log"
	"github.com/jvdm/mdvpkg/internal/mdvpkgerrors"
	"github.com/jvdm/mdvpkg/internal/media"
	"github.com/jvdm/mdvpkg/internal/resolver"
	"github.com/jvdm/mdvpkg/internal/rpmartifact"
	"github.com/jvdm/mdvpkg/internal/rpmversion"
	"github.com/jvdm/mdvpkg/internal/urpmiconfig"
)

var ilog = mdlog.WithComponent("Index")

// ArtifactSource is anything able to enumerate rpmartifact.Artifact
// records; satisfied by both *media.Media and the rpmdb reader, kept
// as a local interface so this package never imports internal/rpmdb
// (avoiding a dependency the index has no other reason to carry).
type ArtifactSource interface {
	List(yield func(rpmartifact.Artifact) bool) error
}

// CommitEnqueuer is the narrow slice of TaskRunner that Commit needs.
// Defined here, not in internal/tasks, so that internal/tasks can
// depend on internal/index (to call its mutation hooks) without index
// needing to import tasks back.
type CommitEnqueuer interface {
	EnqueueCommit(installs, removes []rpmartifact.Key) (taskID string, err error)
}

// Event is published to subscribers whenever a Package's observable
// state changes.
type Event struct {
	Key rpmartifact.Key
}

type subscription struct {
	id uint64
	ch chan Event
}

// Index is the PackageIndex core component: the (name,arch) -> Package
// map, its ingestion/mutation machinery, and live config-reload wiring.
//
// Grounded on original_source/mdvpkg/urpmi/db.py's UrpmiDB: configure/
// load two-step, rpmdb-then-media ingestion order, and watch-driven
// reload. Concurrency-wise this type assumes the single-threaded
// cooperative scheduling model (spec §5) for mutations. mu guards the
// package map itself (swapped wholesale by Load, read by Get/Iter and
// the mutation hooks), and subMu guards the subscriber list, which a
// session goroutine may touch concurrently with Subscribe/cancel. The
// Package values handed out are not locked.
type Index struct {
	rpmdb    ArtifactSource
	resolver *resolver.Client
	enqueuer CommitEnqueuer

	configDir  string
	configFile string
	dataDir    string

	cfg     *urpmiconfig.Config
	watcher *urpmiconfig.Watcher

	mu       sync.Mutex
	packages map[rpmartifact.Key]*Package

	subMu   sync.Mutex
	subs    map[uint64]subscription
	nextSub uint64
}

// New creates an Index. rpmdb is the installed-package source (see
// internal/rpmdb); resolverClient drives resolve() per §4.3.
func New(rpmdb ArtifactSource, resolverClient *resolver.Client, dataDir string) *Index {
	return &Index{
		rpmdb:    rpmdb,
		resolver: resolverClient,
		dataDir:  dataDir,
		packages: make(map[rpmartifact.Key]*Package),
		subs:     make(map[uint64]subscription),
	}
}

// SetCommitEnqueuer wires the TaskRunner in after construction, since
// the runner itself is built with a reference to this Index.
func (ix *Index) SetCommitEnqueuer(e CommitEnqueuer) { ix.enqueuer = e }

// Configure parses the urpmi configuration file and materializes the
// Media set, arming a filesystem watch on its directory for reload.
func (ix *Index) Configure(configDir, configFile string) error {
	path := filepath.Join(configDir, configFile)
	cfg, err := urpmiconfig.Parse(path)
	if err != nil {
		return err
	}
	ix.configDir = configDir
	ix.configFile = configFile
	ix.cfg = cfg

	if ix.watcher != nil {
		ix.watcher.Close()
		ix.watcher = nil
	}
	w, err := urpmiconfig.New(configDir, configFile)
	if err != nil {
		return errors.Wrap(err, "arming configuration watcher")
	}
	if err := w.Watch(); err != nil {
		return errors.Wrap(err, "arming configuration watcher")
	}
	ix.watcher = w
	return nil
}

// RunWatch drains the configuration watcher until ctx is done, applying
// Modify/Delete/Move events per spec §4.1's reload rule. Intended to be
// run as one branch of the daemon's single event loop select.
func (ix *Index) RunWatch(ctx context.Context) {
	if ix.watcher == nil {
		return
	}
	events := make(chan urpmiconfig.EventKind, 1)
	go ix.watcher.Run(events)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			ix.handleConfigEvent(ev)
		}
	}
}

func (ix *Index) handleConfigEvent(ev urpmiconfig.EventKind) {
	switch ev {
	case urpmiconfig.Modified:
		// Re-parse only: Configure would close the watcher RunWatch is
		// draining and arm a new one nobody reads.
		cfg, err := urpmiconfig.Parse(filepath.Join(ix.configDir, ix.configFile))
		if err != nil {
			ilog.WithError(err).Warn("reconfigure after config change failed")
			return
		}
		ix.mu.Lock()
		ix.cfg = cfg
		ix.mu.Unlock()
		if err := ix.Load(); err != nil {
			ilog.WithError(err).Warn("reload after config change failed")
		}
	case urpmiconfig.Removed:
		ix.mu.Lock()
		ix.cfg = nil
		ix.mu.Unlock()
		if err := ix.Load(); err != nil {
			ilog.WithError(err).Warn("reload after config removal failed")
		}
	}
}

// Load populates the package map: installed artifacts first, then each
// non-ignored Media. Idempotent: replaces previous contents atomically.
func (ix *Index) Load() error {
	fresh := make(map[rpmartifact.Key]*Package)

	ingest := func(src ArtifactSource, mediaName string) error {
		if src == nil {
			return nil
		}
		var ingestErr error
		err := src.List(func(a rpmartifact.Artifact) bool {
			key := a.Key()
			pkg, ok := fresh[key]
			if !ok {
				pkg = newPackage(key)
				fresh[key] = pkg
			}
			warn, merr := pkg.addVersion(a)
			if warn != "" {
				ilog.WithField("package", key.String()).WithField("media", mediaName).Warn(warn)
			}
			if merr != "" {
				ilog.WithField("package", key.String()).WithField("media", mediaName).Error(merr)
			}
			return true
		})
		if err != nil {
			ingestErr = err
		}
		return ingestErr
	}

	if err := ingest(ix.rpmdb, ""); err != nil {
		return errors.Wrap(err, "ingesting rpmdb")
	}

	for _, m := range ix.media() {
		if err := ingest(m, m.Name); err != nil {
			ilog.WithError(err).WithField("media", m.Name).Warn("skipping media with unreadable synthesis stream")
		}
	}

	ix.mu.Lock()
	ix.packages = fresh
	ix.mu.Unlock()
	return nil
}

func (ix *Index) media() []*media.Media {
	if ix.cfg == nil {
		return nil
	}
	out := make([]*media.Media, 0, len(ix.cfg.Media))
	for _, b := range ix.cfg.Media {
		out = append(out, media.New(b.Name, b.Update(), b.Ignore(), ix.dataDir))
	}
	return out
}

// Medias exposes the configured media list for signal fan-out (root
// object's Media signal, spec §6).
func (ix *Index) Medias() []*media.Media { return ix.media() }

// Get returns the Package for key, or UnknownPackage.
func (ix *Index) Get(key rpmartifact.Key) (*Package, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	p, ok := ix.packages[key]
	if !ok {
		return nil, mdvpkgerrors.UnknownPackage
	}
	return p, nil
}

// Iter yields a snapshot of every Package at call time: a slice taken
// under the lock, so Packages added by a concurrent Load are not
// observed by an iteration already in progress (spec §4.1 snapshot
// semantics).
func (ix *Index) Iter() []*Package {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make([]*Package, 0, len(ix.packages))
	for _, p := range ix.packages {
		out = append(out, p)
	}
	return out
}

// Resolve runs the external resolver over the requested install/remove
// targets (§4.4); the index itself is never mutated by this call.
func (ix *Index) Resolve(ctx context.Context, installs, removes []rpmartifact.Key) (resolver.Result, error) {
	toTargets := func(keys []rpmartifact.Key) []resolver.Target {
		targets := make([]resolver.Target, 0, len(keys))
		for _, k := range keys {
			targets = append(targets, resolver.Target{Key: k})
		}
		return targets
	}
	return ix.resolver.Resolve(ctx, toTargets(installs), toTargets(removes))
}

// Commit enqueues a commit task for the given install/remove sets and
// returns its task id.
func (ix *Index) Commit(installs, removes []rpmartifact.Key) (string, error) {
	if ix.enqueuer == nil {
		return "", errors.New("index: no CommitEnqueuer wired")
	}
	return ix.enqueuer.EnqueueCommit(installs, removes)
}

// Subscribe registers for package-changed events. Cancel stops
// delivery and closes the channel. Publishing never blocks: an event
// for a subscriber whose buffer is full is dropped with a warning.
func (ix *Index) Subscribe() (events <-chan Event, cancel func()) {
	ix.subMu.Lock()
	id := ix.nextSub
	ix.nextSub++
	ch := make(chan Event, 16)
	ix.subs[id] = subscription{id: id, ch: ch}
	ix.subMu.Unlock()

	return ch, func() {
		ix.subMu.Lock()
		if sub, ok := ix.subs[id]; ok {
			delete(ix.subs, id)
			close(sub.ch)
		}
		ix.subMu.Unlock()
	}
}

func (ix *Index) publish(key rpmartifact.Key) {
	ix.subMu.Lock()
	defer ix.subMu.Unlock()
	for _, sub := range ix.subs {
		select {
		case sub.ch <- Event{Key: key}:
		default:
			ilog.WithField("package", key.String()).Warn("dropping package-changed event: subscriber not draining")
		}
	}
}

func (ix *Index) mutate(key rpmartifact.Key, fn func(*Package)) error {
	ix.mu.Lock()
	p, ok := ix.packages[key]
	ix.mu.Unlock()
	if !ok {
		return mdvpkgerrors.UnknownPackage
	}
	fn(p)
	ix.publish(key)
	return nil
}

// --- mutation hooks, called only by TaskRunner (spec §4.1) ---
//
// Start/Done/Progress each take the (name,arch) key and the artifact
// version the event concerns; InstallStart/RemoveStart also transition
// InProgress, gated on the same invariant startInstalling/startRemoving
// enforce (HasUpgrades/HasInstalled) so a backend cannot be told to
// install a Package with nothing to upgrade to.

func (ix *Index) DownloadStart(key rpmartifact.Key, v rpmversion.Version) error {
	return ix.mutate(key, func(p *Package) { p.onDownloadStart(v) })
}

func (ix *Index) DownloadProgress(key rpmartifact.Key, v rpmversion.Version, frac float64) error {
	return ix.mutate(key, func(p *Package) { p.onDownloadProgress(v, frac) })
}

func (ix *Index) DownloadDone(key rpmartifact.Key, v rpmversion.Version) error {
	return ix.mutate(key, func(p *Package) { p.onDownloadDone(v) })
}

func (ix *Index) InstallStart(key rpmartifact.Key, v rpmversion.Version) error {
	return ix.mutate(key, func(p *Package) {
		if p.InProgress != InProgressInstalling {
			p.startInstalling()
		}
		p.onInstallStart(v)
	})
}

func (ix *Index) InstallProgress(key rpmartifact.Key, v rpmversion.Version, frac float64) error {
	return ix.mutate(key, func(p *Package) { p.onInstallProgress(v, frac) })
}

func (ix *Index) InstallDone(key rpmartifact.Key, v rpmversion.Version) error {
	return ix.mutate(key, func(p *Package) { p.onInstallDone(v) })
}

func (ix *Index) RemoveStart(key rpmartifact.Key, v rpmversion.Version) error {
	return ix.mutate(key, func(p *Package) {
		if p.InProgress != InProgressRemoving {
			p.startRemoving()
		}
		p.onRemoveStart(v)
	})
}

func (ix *Index) RemoveProgress(key rpmartifact.Key, v rpmversion.Version, frac float64) error {
	return ix.mutate(key, func(p *Package) { p.onRemoveProgress(v, frac) })
}

func (ix *Index) RemoveDone(key rpmartifact.Key, v rpmversion.Version) error {
	return ix.mutate(key, func(p *Package) { p.onRemoveDone(v) })
}
