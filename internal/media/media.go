// Package media reads a gzipped urpmi "synthesis" hdlist stream and
// yields the RpmArtifact records it describes.
//
// Grounded on original_source/mdvpkg/urpmi/media.py. Record-boundary
// handling is corrected relative to that source: fields trailing an
// `info` line (summary, requires, provides, conflict, obsoletes) belong
// to the record the `info` line just opened, so a pending record is
// flushed when the *next* `info` line arrives (or at EOF), not when the
// current one is seen. See SPEC_FULL.md §5.2.
package media

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	mdlog "github.com/jvdm/mdvpkg/internal/log"
	"github.com/jvdm/mdvpkg/internal/rpmartifact"
	"github.com/jvdm/mdvpkg/internal/rpmversion"
)

var mlog = mdlog.WithComponent("Media")

// nvraRe decomposes a compound name "name-version-release.arch" (the
// disttag/distepoch suffix, if any, has already been stripped by the
// caller).
var nvraRe = regexp.MustCompile(`^(?P<name>.+)-(?P<version>[^-]+)-(?P<release>[^-].*)\.(?P<arch>.+)$`)

// capRe parses a capability token "NAME[COND VER]".
var capRe = regexp.MustCompile(`^(?P<name>[^\[]+)(?:\[\*\])*(?:\[(?P<cond>[<>=]*)\s*(?P<ver>[^\]]*)\])?`)

// Media is one configured synthesis source.
type Media struct {
	Name    string
	Update  bool
	Ignore  bool
	DataDir string

	hdlistPath string
}

// New creates a Media whose synthesis file lives at
// <dataDir>/<name>/synthesis.hdlist.cz, matching the original's default
// layout.
func New(name string, update, ignore bool, dataDir string) *Media {
	return &Media{
		Name:       name,
		Update:     update,
		Ignore:     ignore,
		DataDir:    dataDir,
		hdlistPath: filepath.Join(dataDir, name, "synthesis.hdlist.cz"),
	}
}

// List opens the synthesis stream and calls yield for each artifact it
// describes, stopping early if yield returns false. A Media with
// Ignore=true yields nothing regardless of file content.
func (m *Media) List(yield func(rpmartifact.Artifact) bool) error {
	if m.Ignore {
		return nil
	}
	f, err := os.Open(m.hdlistPath)
	if err != nil {
		return errors.Wrapf(err, "opening synthesis file for media %s", m.Name)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "decompressing synthesis file for media %s", m.Name)
	}
	defer gz.Close()

	return parseStream(gz, m.Name, yield)
}

type pendingRecord struct {
	fields map[string][]string
	ok     bool
}

func parseStream(r io.Reader, mediaName string, yield func(rpmartifact.Artifact) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var pending pendingRecord
	flush := func() bool {
		if !pending.ok {
			return true
		}
		art, err := buildArtifact(pending.fields, mediaName)
		pending = pendingRecord{}
		if err != nil {
			mlog.WithError(err).WithField("media", mediaName).Warn("skipping malformed synthesis record")
			return true
		}
		return yield(art)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "@")[1:]
		if len(fields) == 0 {
			continue
		}
		tag := fields[0]

		if tag == "info" {
			if !flush() {
				return nil
			}
			pending = pendingRecord{fields: map[string][]string{"info": fields[1:]}, ok: true}
			continue
		}

		if !pending.ok {
			continue // data before any info tag: ignore
		}
		switch tag {
		case "summary", "requires", "provides", "conflict", "obsoletes":
			pending.fields[tag] = fields[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "reading synthesis stream")
	}
	flush()
	return nil
}

func buildArtifact(fields map[string][]string, mediaName string) (rpmartifact.Artifact, error) {
	info := fields["info"]
	if len(info) < 4 {
		return rpmartifact.Artifact{}, fmt.Errorf("info record has %d fields, need at least 4", len(info))
	}

	compound := info[0]
	epochStr := info[1]
	sizeStr := info[2]
	group := info[3]
	var disttag, distepoch string
	if len(info) >= 5 {
		disttag = info[4]
	}
	if len(info) >= 6 {
		distepoch = info[5]
	}

	name, version, release, arch, err := parseRpmName(compound, disttag, distepoch)
	if err != nil {
		return rpmartifact.Artifact{}, err
	}

	epoch, err := strconv.ParseUint(epochStr, 10, 32)
	if err != nil {
		epoch = 0
	}
	size, _ := strconv.ParseUint(sizeStr, 10, 64)

	art := rpmartifact.Artifact{
		Name: name,
		Arch: arch,
		Version: rpmversion.Version{
			Epoch:     uint32(epoch),
			Version:   version,
			Release:   release,
			Distepoch: distepoch,
		},
		Group:   group,
		Disttag: disttag,
		Media:   mediaName,
	}
	if s, ok := fields["summary"]; ok && len(s) > 0 {
		art.Summary = s[0]
	}
	art.Requires = parseCapabilities(fields["requires"])
	art.Provides = parseCapabilities(fields["provides"])
	art.Conflicts = parseCapabilities(fields["conflict"])
	art.Obsoletes = parseCapabilities(fields["obsoletes"])
	return art, nil
}

// parseRpmName decomposes "name-version-release[.arch]" handling the
// optional "-disttag[distepoch]" suffix on release. Preserves the
// original's heuristic verbatim: the suffix is recognized only when
// disttag is present and starts with 'm' (spec §9 forbids inventing new
// heuristics here).
func parseRpmName(compound, disttag, distepoch string) (name, version, release, arch string, err error) {
	if disttag != "" && strings.HasPrefix(disttag, "m") {
		suffix := "-" + disttag + distepoch
		if ix := strings.LastIndex(compound, suffix+"."); ix != -1 {
			compound = compound[:ix] + compound[ix+len(suffix):]
		}
	}

	m := nvraRe.FindStringSubmatch(compound)
	if m == nil {
		return "", "", "", "", fmt.Errorf("malformed rpm name: %s", compound)
	}
	return m[1], m[2], m[3], m[4], nil
}

func parseCapabilities(tokens []string) []rpmartifact.Capability {
	var caps []rpmartifact.Capability
	for _, tok := range tokens {
		m := capRe.FindStringSubmatch(tok)
		if m == nil {
			continue // malformed tokens dropped silently
		}
		caps = append(caps, rpmartifact.Capability{
			Name:      m[1],
			Condition: rpmartifact.Condition(m[2]),
			Version:   m[3],
		})
	}
	return caps
}
