package packagelist

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvdm/mdvpkg/internal/index"
	"github.com/jvdm/mdvpkg/internal/mdvpkgerrors"
	"github.com/jvdm/mdvpkg/internal/resolver"
	"github.com/jvdm/mdvpkg/internal/rpmartifact"
	"github.com/jvdm/mdvpkg/internal/rpmversion"
)

type fakeSource struct{ artifacts []rpmartifact.Artifact }

func (s fakeSource) List(yield func(rpmartifact.Artifact) bool) error {
	for _, a := range s.artifacts {
		if !yield(a) {
			break
		}
	}
	return nil
}

func artifact(name, version, release, arch, group string, installed bool) rpmartifact.Artifact {
	a := rpmartifact.Artifact{
		Name: name, Arch: arch, Group: group,
		Version: rpmversion.Version{Version: version, Release: release},
	}
	if installed {
		now := time.Now()
		a.InstallTime = &now
	}
	return a
}

// writeFakeResolver mirrors internal/resolver's test helper: a script
// that drains stdin and prints a fixed %MDVPKG response.
func writeFakeResolver(t *testing.T, stdout string) string {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "resolver.sh")
	script := "#!/bin/sh\ncat >/dev/null\ncat <<'MDVPKGTESTEOF'\n" + stdout + "MDVPKGTESTEOF\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestIndex(t *testing.T, resolverPath string, artifacts ...rpmartifact.Artifact) *index.Index {
	t.Helper()
	var client *resolver.Client
	if resolverPath != "" {
		client = resolver.New(resolverPath)
	}
	ix := index.New(fakeSource{artifacts: artifacts}, client, t.TempDir())
	require.NoError(t, ix.Load())
	return ix
}

func TestSizeAndFilterByDefault(t *testing.T) {
	ix := newTestIndex(t, "",
		artifact("libfoo", "1.0", "1", "x86_64", "System", true),
		artifact("libbar", "2.0", "1", "x86_64", "System", true),
	)
	pl := New(ix, "session-1")

	size, err := pl.Size("session-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), size)
}

func TestOwnerEnforcement(t *testing.T) {
	ix := newTestIndex(t, "", artifact("libfoo", "1.0", "1", "x86_64", "System", true))
	pl := New(ix, "session-1")

	_, err := pl.Size("someone-else")
	require.Error(t, err)
	assert.ErrorIs(t, err, mdvpkgerrors.NotOwner)
}

func TestSortStableThenReverseIsExactReverse(t *testing.T) {
	ix := newTestIndex(t, "",
		artifact("zeta", "1.0", "1", "x86_64", "", true),
		artifact("alpha", "1.0", "1", "x86_64", "", true),
		artifact("mid", "1.0", "1", "x86_64", "", true),
	)
	pl := New(ix, "s")

	require.NoError(t, pl.Sort("s", "name", false))
	forward := namesOf(t, pl)
	require.NoError(t, pl.Sort("s", "name", true))
	backward := namesOf(t, pl)

	require.Len(t, forward, 3)
	for i := range forward {
		assert.Equal(t, forward[len(forward)-1-i], backward[i])
	}
}

func namesOf(t *testing.T, pl *PackageList) []string {
	t.Helper()
	size, err := pl.Size("s")
	require.NoError(t, err)
	out := make([]string, size)
	for i := range out {
		d, err := pl.Get("s", i, nil)
		require.NoError(t, err)
		out[i] = d.Name
	}
	return out
}

func TestFilterByNameRegex(t *testing.T) {
	ix := newTestIndex(t, "",
		artifact("libfoo", "1.0", "1", "x86_64", "", true),
		artifact("libbar", "1.0", "1", "x86_64", "", true),
		artifact("other", "1.0", "1", "x86_64", "", true),
	)
	pl := New(ix, "s")

	require.NoError(t, pl.Filter("s", "name", []string{"^lib"}, nil))
	names := namesOf(t, pl)
	assert.ElementsMatch(t, []string{"libfoo", "libbar"}, names)

	require.NoError(t, pl.Filter("s", "name", nil, nil))
	names = namesOf(t, pl)
	assert.Len(t, names, 3)
}

func TestFilterByGroupPathPrefix(t *testing.T) {
	ix := newTestIndex(t, "",
		artifact("a", "1.0", "1", "x86_64", "System/Servers", true),
		artifact("b", "1.0", "1", "x86_64", "System/Kernel", true),
		artifact("c", "1.0", "1", "x86_64", "Graphics", true),
	)
	pl := New(ix, "s")

	require.NoError(t, pl.Filter("s", "group", []string{"System"}, nil))
	assert.ElementsMatch(t, []string{"a", "b"}, namesOf(t, pl))
}

func TestGetIndexOutOfRange(t *testing.T) {
	ix := newTestIndex(t, "", artifact("libfoo", "1.0", "1", "x86_64", "", true))
	pl := New(ix, "s")

	_, err := pl.Get("s", 5, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, mdvpkgerrors.IndexOutOfRange)
}

func TestGetResolvesAttributesAgainstLatest(t *testing.T) {
	ix := newTestIndex(t, "", artifact("libfoo", "1.0", "1", "x86_64", "System", true))
	pl := New(ix, "s")

	d, err := pl.Get("s", 0, []string{"group", "version", "nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, "System", d.Attributes["group"])
	assert.Equal(t, "1.0", d.Attributes["version"])
	assert.Equal(t, "", d.Attributes["nonexistent"])
	assert.Equal(t, "installed", d.Status)
}

func TestInstallFailsWhenAlreadyInstalledWithNoUpgrade(t *testing.T) {
	ix := newTestIndex(t, "", artifact("libfoo", "1.0", "1", "x86_64", "", true))
	pl := New(ix, "s")

	_, err := pl.Install(context.Background(), "s", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, mdvpkgerrors.AlreadyInstalled)
}

func TestInstallConfirmedByResolverSetsAction(t *testing.T) {
	out := "%MDVPKG\tSELECTED\taction-install\t((libfoo,x86_64),(0,1.1,1,))\n"
	path := writeFakeResolver(t, out)
	ix := newTestIndex(t, path, artifact("libfoo", "1.1", "1", "x86_64", "", false))
	pl := New(ix, "s")

	res, err := pl.Install(context.Background(), "s", 0)
	require.NoError(t, err)
	require.Len(t, res.InstallSelected, 1)
	assert.Empty(t, res.InstallRejected)

	d, err := pl.Get("s", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, string(ActionInstall), d.Action)
}

func TestInstallRejectedRollsBackAction(t *testing.T) {
	out := "%MDVPKG\tREJECTED\treject-install-unsatisfied\t((libfoo,x86_64),(0,1.1,1,))\tlibmissing\n"
	path := writeFakeResolver(t, out)
	ix := newTestIndex(t, path, artifact("libfoo", "1.1", "1", "x86_64", "", false))
	pl := New(ix, "s")

	res, err := pl.Install(context.Background(), "s", 0)
	require.NoError(t, err)
	require.Len(t, res.InstallRejected, 1)
	assert.Equal(t, resolver.ReasonUnsatisfied, res.InstallRejected[0].Reason)

	d, err := pl.Get("s", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, string(ActionNone), d.Action, "a rejected plan must not leave the action mutated")
}

func TestNoActionFailsOnAutoAction(t *testing.T) {
	out := "%MDVPKG\tSELECTED\taction-auto-install\t((libfoo,x86_64),(0,1.1,1,))\n"
	path := writeFakeResolver(t, out)
	ix := newTestIndex(t, path, artifact("libfoo", "1.1", "1", "x86_64", "", false))
	pl := New(ix, "s")

	_, err := pl.Install(context.Background(), "s", 0)
	require.NoError(t, err)
	d, err := pl.Get("s", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, string(ActionAutoInstall), d.Action)

	_, err = pl.NoAction(context.Background(), "s", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, mdvpkgerrors.ActionRequired)
}

type fakeEnqueuer struct{ id string }

func (f fakeEnqueuer) EnqueueCommit(installs, removes []rpmartifact.Key) (string, error) {
	return f.id, nil
}

func TestProcessActionsFailsWithoutPlan(t *testing.T) {
	ix := newTestIndex(t, "", artifact("libfoo", "1.0", "1", "x86_64", "", true))
	ix.SetCommitEnqueuer(fakeEnqueuer{id: "task-1"})
	pl := New(ix, "s")

	_, err := pl.ProcessActions("s")
	require.Error(t, err)
	assert.ErrorIs(t, err, mdvpkgerrors.NoAction)
}

func TestProcessActionsEnqueuesAndMarksInProgress(t *testing.T) {
	out := "%MDVPKG\tSELECTED\taction-install\t((libfoo,x86_64),(0,1.1,1,))\n"
	path := writeFakeResolver(t, out)
	ix := newTestIndex(t, path, artifact("libfoo", "1.1", "1", "x86_64", "", false))
	ix.SetCommitEnqueuer(fakeEnqueuer{id: "task-1"})
	pl := New(ix, "s")

	_, err := pl.Install(context.Background(), "s", 0)
	require.NoError(t, err)

	id, err := pl.ProcessActions("s")
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)

	pkg, err := ix.Get(rpmartifact.Key{Name: "libfoo", Arch: "x86_64"})
	require.NoError(t, err)
	assert.Equal(t, index.StatusInstalling, pkg.Status())

	d, err := pl.Get("s", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, string(ActionNone), d.Action, "process_actions must clear the plan")
}

func TestGroupsAndAllGroups(t *testing.T) {
	ix := newTestIndex(t, "",
		artifact("a", "1.0", "1", "x86_64", "System", true),
		artifact("b", "1.0", "1", "x86_64", "System", true),
		artifact("c", "1.0", "1", "x86_64", "Graphics", true),
	)
	pl := New(ix, "s")
	require.NoError(t, pl.Filter("s", "name", []string{"^a$"}, nil))

	visibleGroups, err := pl.Groups("s")
	require.NoError(t, err)
	require.Len(t, visibleGroups, 1)
	assert.Equal(t, "System", visibleGroups[0].Group)
	assert.Equal(t, 1, visibleGroups[0].Count)

	all, err := pl.AllGroups("s")
	require.NoError(t, err)
	var system, graphics int
	for _, g := range all {
		switch g.Group {
		case "System":
			system = g.Count
		case "Graphics":
			graphics = g.Count
		}
	}
	assert.Equal(t, 2, system)
	assert.Equal(t, 1, graphics)
}

func TestDeleteCancelsSubscriptionWithoutError(t *testing.T) {
	ix := newTestIndex(t, "", artifact("libfoo", "1.0", "1", "x86_64", "", true))
	pl := New(ix, "s")
	require.NoError(t, pl.Delete("s"))
}
