package media

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvdm/mdvpkg/internal/rpmartifact"
)

func writeSynthesis(t *testing.T, dataDir, name, body string) {
	t.Helper()
	dir := filepath.Join(dataDir, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "synthesis.hdlist.cz"), buf.Bytes(), 0o644))
}

func TestListYieldsCompleteRecords(t *testing.T) {
	dataDir := t.TempDir()
	writeSynthesis(t, dataDir, "main",
		"@info@libfoo-1.1-1.x86_64@0@12345@System/Libraries\n"+
			"@summary@A foo library\n"+
			"@requires@libbar[>= 2.0]\n"+
			"@provides@libfoo[= 1.1-1]\n"+
			"@info@libbar-2.0-1.x86_64@0@500@System/Libraries\n"+
			"@summary@A bar library\n")

	m := New("main", false, false, dataDir)
	var got []rpmartifact.Artifact
	err := m.List(func(a rpmartifact.Artifact) bool {
		got = append(got, a)
		return true
	})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "libfoo", got[0].Name)
	assert.Equal(t, "A foo library", got[0].Summary)
	require.Len(t, got[0].Requires, 1)
	assert.Equal(t, "libbar", got[0].Requires[0].Name)
	assert.Equal(t, rpmartifact.Condition(">="), got[0].Requires[0].Condition)
	assert.Equal(t, "2.0", got[0].Requires[0].Version)

	assert.Equal(t, "libbar", got[1].Name)
	assert.Equal(t, "A bar library", got[1].Summary)
}

func TestListSkipsIgnoredMedia(t *testing.T) {
	dataDir := t.TempDir()
	// No synthesis file written at all; Ignore must short-circuit
	// before ever touching the filesystem.
	m := New("extras", false, true, dataDir)
	var count int
	err := m.List(func(rpmartifact.Artifact) bool { count++; return true })
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestListSkipsMalformedRecordsWithoutFailing(t *testing.T) {
	dataDir := t.TempDir()
	writeSynthesis(t, dataDir, "main",
		"@info@not-a-valid-name-missing-arch@0@1@Group\n"+
			"@info@libfoo-1.0-1.x86_64@0@1@Group\n")

	m := New("main", false, false, dataDir)
	var got []rpmartifact.Artifact
	err := m.List(func(a rpmartifact.Artifact) bool { got = append(got, a); return true })
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "libfoo", got[0].Name)
}

func TestListExtractsDisttagAndDistepochFromInfoRecord(t *testing.T) {
	dataDir := t.TempDir()
	writeSynthesis(t, dataDir, "main",
		"@info@libbaz-1.1-1-mdv2011.0.x86_64@0@100@System/Libraries@mdv@2011.0\n")

	m := New("main", false, false, dataDir)
	var got []rpmartifact.Artifact
	err := m.List(func(a rpmartifact.Artifact) bool { got = append(got, a); return true })
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, "libbaz", got[0].Name)
	assert.Equal(t, "1.1", got[0].Version.Version)
	assert.Equal(t, "1", got[0].Version.Release)
	assert.Equal(t, "x86_64", got[0].Arch)
	assert.Equal(t, "mdv", got[0].Disttag)
	assert.Equal(t, "2011.0", got[0].Version.Distepoch)
}

func TestParseRpmNameWithDisttag(t *testing.T) {
	name, version, release, arch, err := parseRpmName("libfoo-1.1-1-mdv2011.0.x86_64", "mdv", "2011.0")
	require.NoError(t, err)
	assert.Equal(t, "libfoo", name)
	assert.Equal(t, "1.1", version)
	assert.Equal(t, "1", release)
	assert.Equal(t, "x86_64", arch)
}
