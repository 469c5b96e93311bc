package tasks

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/jvdm/mdvpkg/internal/backend"
	"github.com/jvdm/mdvpkg/internal/index"
	"github.com/jvdm/mdvpkg/internal/mdvpkgerrors"
	"github.com/jvdm/mdvpkg/internal/rpmartifact"
	"github.com/jvdm/mdvpkg/internal/rpmversion"
)

// MediaPayload is published once per configured media by ListMedias.
type MediaPayload struct {
	Name           string
	Update, Ignore bool
}

// ListMedias enumerates the index's configured media set, grounded on
// tasks.py's ListMediasTask.
func ListMedias(idx *index.Index) Body {
	return func(ctx context.Context, t *Task) error {
		for _, m := range idx.Medias() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			t.Publish(MediaPayload{Name: m.Name, Update: m.Update, Ignore: m.Ignore})
		}
		return nil
	}
}

// GroupPayload is published once per distinct package group by
// ListGroups.
type GroupPayload struct {
	Group string
	Count int
}

// ListGroups aggregates package counts per group, taken from each
// Package's latest() artifact, grounded on tasks.py's ListGroupsTask —
// a feature the distilled spec dropped but original_source retains
// (GetGroups/GetAllGroups, SPEC_FULL.md §6).
func ListGroups(idx *index.Index) Body {
	return func(ctx context.Context, t *Task) error {
		counts := make(map[string]int)
		for _, p := range idx.Iter() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			art, ok := p.Latest()
			if !ok || art.Group == "" {
				continue
			}
			counts[art.Group]++
		}
		for group, count := range counts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			t.Publish(GroupPayload{Group: group, Count: count})
		}
		return nil
	}
}

// PackagePayload is published once per Package in the index by ListPackages.
type PackagePayload struct {
	Index  int
	Key    rpmartifact.Key
	Status string
}

// ListPackages enumerates every Package in the index, grounded on
// tasks.py's ListPackagesTask's plain (unfiltered) enumeration path —
// filtering/sorting is PackageList's responsibility (spec §4.4), this
// body publishes every Package in index iteration order and does not
// filter or sort.
func ListPackages(idx *index.Index) Body {
	return func(ctx context.Context, t *Task) error {
		for i, p := range idx.Iter() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			t.Publish(PackagePayload{Index: i, Key: p.Key, Status: string(p.Status())})
		}
		return nil
	}
}

// ProgressPayload is published for each backend SIGNAL dispatched
// during a Commit body.
type ProgressPayload struct {
	Signal   string
	Key      rpmartifact.Key
	Fraction float64
}

// PreparingPayload is published for the backend's resolving/preparing
// phase, which precedes any per-package download/install signal and
// carries no package key — grounded on tasks.py's PreparingStart(total)
// /Preparing(amount, total)/PreparingDone(), a feature the distilled
// spec dropped but original_source retains (SPEC_FULL.md §6).
type PreparingPayload struct {
	Phase         string // "start", "progress", or "done"
	Amount, Total int
}

// Commit drives a resolved install/remove plan through the backend
// child process, dispatching each SIGNAL to the index's mutation
// hooks, grounded on worker.py's Backend.install_packages/
// _handle_backend_line and InstallPackagesTask.run.
func Commit(be *backend.Channel, idx *index.Index, installs, removes []rpmartifact.Key) Body {
	return func(ctx context.Context, t *Task) error {
		var tokens []string
		for _, key := range installs {
			pkg, err := idx.Get(key)
			if err != nil {
				return err
			}
			art, ok := pkg.LatestUpgrade()
			if !ok {
				continue
			}
			tokens = append(tokens, art.String())
			if err := idx.InstallStart(key, art.Version); err != nil {
				return err
			}
		}
		for _, key := range removes {
			pkg, err := idx.Get(key)
			if err != nil {
				return err
			}
			art, ok := pkg.LatestInstalled()
			if !ok {
				continue
			}
			tokens = append(tokens, "r:"+art.String())
			if err := idx.RemoveStart(key, art.Version); err != nil {
				return err
			}
		}
		if len(tokens) == 0 {
			return nil
		}

		if err := be.Send(ctx, "commit", tokens...); err != nil {
			return err
		}
		return drainBackend(ctx, be, idx, t)
	}
}

func drainBackend(ctx context.Context, be *backend.Channel, idx *index.Index, t *Task) error {
	for {
		select {
		case <-ctx.Done():
			// Cancellation checkpoint: the index is left untouched, so a
			// Package marked in_progress for this commit keeps that mark.
			return ctx.Err()
		case ev := <-be.Events():
			switch ev.Kind {
			case backend.EventDone:
				return nil
			case backend.EventError:
				return errors.Wrapf(mdvpkgerrors.BackendError, "%s: %s", ev.ErrorCode, ev.ErrorMessage)
			case backend.EventException:
				return errors.Wrap(mdvpkgerrors.BackendError, ev.ExceptionMessage)
			case backend.EventSignal:
				dispatchSignal(idx, t, ev)
			}
		}
	}
}

func dispatchSignal(idx *index.Index, t *Task, ev backend.Event) {
	switch ev.SignalName {
	case "preparing_start":
		t.Publish(PreparingPayload{Phase: "start", Total: intArg(ev.SignalArgs, 0)})
		return
	case "preparing":
		t.Publish(PreparingPayload{Phase: "progress", Amount: intArg(ev.SignalArgs, 0), Total: intArg(ev.SignalArgs, 1)})
		return
	case "preparing_done":
		t.Publish(PreparingPayload{Phase: "done"})
		return
	}

	if len(ev.SignalArgs) < 1 {
		return
	}
	key, err := parseKeyArg(ev.SignalArgs[0])
	if err != nil {
		return
	}
	var version rpmversion.Version
	if len(ev.SignalArgs) > 1 {
		if v, err := rpmversion.ParseVersion(ev.SignalArgs[1]); err == nil {
			version = v
		}
	}
	var frac float64
	if len(ev.SignalArgs) > 2 {
		frac, _ = backend.ProgressFraction(ev.SignalArgs[2])
	}

	switch ev.SignalName {
	case "download_start":
		_ = idx.DownloadStart(key, version)
	case "download_progress":
		_ = idx.DownloadProgress(key, version, frac)
	case "download_done":
		_ = idx.DownloadDone(key, version)
	case "install_start":
		_ = idx.InstallStart(key, version)
	case "install_progress":
		_ = idx.InstallProgress(key, version, frac)
	case "install_done":
		_ = idx.InstallDone(key, version)
	case "remove_start":
		_ = idx.RemoveStart(key, version)
	case "remove_progress":
		_ = idx.RemoveProgress(key, version, frac)
	case "remove_done":
		_ = idx.RemoveDone(key, version)
	default:
		return
	}
	t.Publish(ProgressPayload{Signal: ev.SignalName, Key: key, Fraction: frac})
}

func intArg(args []string, i int) int {
	if i >= len(args) {
		return 0
	}
	n, _ := strconv.Atoi(args[i])
	return n
}

func parseKeyArg(s string) (rpmartifact.Key, error) {
	i := strings.LastIndex(s, ".")
	if i < 0 {
		return rpmartifact.Key{}, errors.Errorf("malformed package key %q", s)
	}
	return rpmartifact.Key{Name: s[:i], Arch: s[i+1:]}, nil
}

// CommitRunner adapts a Runner into internal/index.CommitEnqueuer by
// closing over the Index/Channel pair a Commit body needs.
type CommitRunner struct {
	*Runner
	idx *index.Index
	be  *backend.Channel
}

// NewCommitRunner creates a Runner wired to drive commit tasks against
// idx and be.
func NewCommitRunner(idx *index.Index, be *backend.Channel) *CommitRunner {
	return &CommitRunner{Runner: NewRunner(), idx: idx, be: be}
}

// EnqueueCommit implements internal/index.CommitEnqueuer.
func (cr *CommitRunner) EnqueueCommit(installs, removes []rpmartifact.Key) (string, error) {
	t := cr.Enqueue("", Commit(cr.be, cr.idx, installs, removes))
	return t.ID, nil
}
