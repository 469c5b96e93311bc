package urpmiconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvdm/mdvpkg/internal/mdvpkgerrors"
)

func writeConf(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "urpmi.cfg")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParseGlobalAndMedia(t *testing.T) {
	path := writeConf(t, `
{
	verify-rpm
}

main http://example.com/main {
	update
	hdlist:hdlist.cz
	key-ids: "abc123"
}

extras {
	ignore
	no-auto
}
`)

	cfg, err := Parse(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Global)
	assert.Equal(t, True, cfg.Global.TriStates["verify-rpm"])

	require.Len(t, cfg.Media, 2)
	assert.Equal(t, "main", cfg.Media[0].Name)
	assert.Equal(t, "http://example.com/main", cfg.Media[0].URL)
	assert.True(t, cfg.Media[0].Update())
	assert.Equal(t, "hdlist.cz", cfg.Media[0].Settings["hdlist"])
	assert.Equal(t, "abc123", cfg.Media[0].KeyIDs)

	assert.Equal(t, "extras", cfg.Media[1].Name)
	assert.True(t, cfg.Media[1].Ignore())
	assert.Equal(t, False, cfg.Media[1].TriStates["auto"])
}

func TestParseDuplicateMediaIsError(t *testing.T) {
	path := writeConf(t, `
main {
	update
}
main {
	ignore
}
`)
	_, err := Parse(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, mdvpkgerrors.ConfigInvalid)
}

func TestParseUnknownTokenIsError(t *testing.T) {
	path := writeConf(t, `
main {
	bogus-flag-xyz
}
`)
	_, err := Parse(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, mdvpkgerrors.ConfigInvalid)
}

func TestParseMissingFile(t *testing.T) {
	_, err := Parse(filepath.Join(t.TempDir(), "missing.cfg"))
	require.Error(t, err)
	assert.ErrorIs(t, err, mdvpkgerrors.ConfigMissing)
}

func TestParseTriStateValueForm(t *testing.T) {
	path := writeConf(t, `
main {
	auto:no
	keep:yes
}
`)
	cfg, err := Parse(path)
	require.NoError(t, err)
	assert.Equal(t, False, cfg.Media[0].TriStates["auto"])
	assert.Equal(t, True, cfg.Media[0].TriStates["keep"])
}

func TestParseNegatedTriStateValueForm(t *testing.T) {
	path := writeConf(t, `
main {
	no-verify-rpm:yes
	no-keep:no
}
`)
	cfg, err := Parse(path)
	require.NoError(t, err)
	assert.Equal(t, False, cfg.Media[0].TriStates["verify-rpm"])
	assert.Equal(t, True, cfg.Media[0].TriStates["keep"])
}
