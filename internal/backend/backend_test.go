package backend

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFakeBackend writes body as an executable shell script standing
// in for the backend and returns its path. Bodies print %MDVPKG lines
// with printf, so the literal '%' is written as '%%'.
func writeFakeBackend(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "backend.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func TestSendStartsProcessAndDispatchesSignalThenDone(t *testing.T) {
	path := writeFakeBackend(t, "#!/bin/sh\n"+
		"read line\n"+
		"printf '%%MDVPKG\\tSIGNAL\\tdownload_progress\\t1/2\\n'\n"+
		"printf '%%MDVPKG\\tDONE\\n'\n")

	c := New(path)
	require.NoError(t, c.Send(context.Background(), "install_packages", "libfoo-1.1-1.x86_64"))

	ev1 := recvEvent(t, c)
	assert.Equal(t, EventSignal, ev1.Kind)
	assert.Equal(t, "download_progress", ev1.SignalName)
	assert.Equal(t, []string{"1/2"}, ev1.SignalArgs)

	ev2 := recvEvent(t, c)
	assert.Equal(t, EventDone, ev2.Kind)

	// channel must be released after DONE
	require.NoError(t, c.Send(context.Background(), "install_packages", "libbar-1.0-1.x86_64"))
}

func TestSendFailsWhenChannelBusy(t *testing.T) {
	path := writeFakeBackend(t, "#!/bin/sh\nread line\nsleep 5\n")
	c := New(path)
	require.NoError(t, c.Send(context.Background(), "install_packages", "x"))

	err := c.Send(context.Background(), "install_packages", "y")
	require.Error(t, err)

	_ = c.Kill()
}

func TestErrorTagReleasesChannel(t *testing.T) {
	path := writeFakeBackend(t, "#!/bin/sh\nread line\nprintf '%%MDVPKG\\tERROR\\tE1\\tsomething broke\\n'\n")
	c := New(path)
	require.NoError(t, c.Send(context.Background(), "install_packages", "x"))

	ev := recvEvent(t, c)
	assert.Equal(t, EventError, ev.Kind)
	assert.Equal(t, "E1", ev.ErrorCode)
	assert.Equal(t, "something broke", ev.ErrorMessage)

	require.NoError(t, c.Send(context.Background(), "install_packages", "y"))
}

func TestParseLineVariants(t *testing.T) {
	ev, ok := parseLine("%MDVPKG\tSIGNAL\tinstall_start\tlibfoo\t1.1")
	require.True(t, ok)
	assert.Equal(t, "install_start", ev.SignalName)
	assert.Equal(t, []string{"libfoo", "1.1"}, ev.SignalArgs)

	_, ok = parseLine("not a backend line")
	assert.False(t, ok)
}

func TestProgressFraction(t *testing.T) {
	frac, ok := ProgressFraction("1/4")
	require.True(t, ok)
	assert.Equal(t, 0.25, frac)

	_, ok = ProgressFraction("garbage")
	assert.False(t, ok)
}

func recvEvent(t *testing.T, c *Channel) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for backend event")
		return Event{}
	}
}
