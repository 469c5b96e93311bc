package resolver

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvdm/mdvpkg/internal/rpmartifact"
)

// writeFakeResolver writes a tiny shell script standing in for the
// external resolver: it drains stdin, prints stdout verbatim via a
// quoted heredoc (so %MDVPKG lines need no escaping), then exits code.
func writeFakeResolver(t *testing.T, stdout string, exitCode int) string {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "resolver.sh")
	script := "#!/bin/sh\ncat >/dev/null\ncat <<'MDVPKGTESTEOF'\n" + stdout + "MDVPKGTESTEOF\nexit " + itoa(exitCode) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{byte('0' + n%10)}, buf...)
		n /= 10
	}
	if neg {
		buf = append([]byte{'-'}, buf...)
	}
	return string(buf)
}

func TestResolveParsesSelectedRecords(t *testing.T) {
	out := "%MDVPKG\tSELECTED\taction-install\t((libfoo,x86_64),(0,1.1,1,))\n"
	path := writeFakeResolver(t, out, 0)

	c := New(path)
	res, err := c.Resolve(context.Background(), []Target{{Key: rpmartifact.Key{Name: "libfoo", Arch: "x86_64"}}}, nil)
	require.NoError(t, err)

	sel := res.Selected[ActionInstall]
	require.Len(t, sel, 1)
	assert.Equal(t, "libfoo", sel[0].Target.Key.Name)
	assert.Equal(t, "x86_64", sel[0].Target.Key.Arch)
	assert.Equal(t, "1.1", sel[0].Target.Version.Version)
	assert.Equal(t, "1", sel[0].Target.Version.Release)
	assert.False(t, res.HasRejections())
}

func TestResolveParsesRejectedRecords(t *testing.T) {
	out := "%MDVPKG\tREJECTED\treject-install-unsatisfied\t((libfoo,x86_64),(0,1.1,1,))\tlibmissing >= 1\n"
	path := writeFakeResolver(t, out, 0)

	c := New(path)
	res, err := c.Resolve(context.Background(), []Target{{Key: rpmartifact.Key{Name: "libfoo", Arch: "x86_64"}}}, nil)
	require.NoError(t, err)
	require.True(t, res.HasRejections())

	rej := res.Rejected[ReasonUnsatisfied]
	require.Len(t, rej, 1)
	assert.Equal(t, []string{"libmissing >= 1"}, rej[0].Subjects)
}

func TestResolveErrorRecordFailsCall(t *testing.T) {
	out := "%MDVPKG\tERROR\tsomething went wrong\n"
	path := writeFakeResolver(t, out, 0)

	c := New(path)
	_, err := c.Resolve(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "something went wrong")
}

func TestResolveNonZeroExitFails(t *testing.T) {
	path := writeFakeResolver(t, "", 1)

	c := New(path)
	_, err := c.Resolve(context.Background(), nil, nil)
	require.Error(t, err)
}

func TestTargetTokenEncoding(t *testing.T) {
	tgt := Target{Key: rpmartifact.Key{Name: "libfoo", Arch: "x86_64"}}
	tgt.Version.Version = "1.1"
	tgt.Version.Release = "1"
	assert.Equal(t, "libfoo-1.1-1.x86_64", tgt.token(false))
	assert.Equal(t, "r:libfoo-1.1-1.x86_64", tgt.token(true))
}
