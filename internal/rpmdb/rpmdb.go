// Package rpmdb reads the installed-package set from the local RPM
// database via `rpm -qa`, producing rpmartifact.Artifact records with
// InstallTime populated.
//
// Grounded on newrelic-infrastructure-agent's
// internal/plugins/linux/rpm.go (fetchPackageInfo/parsePackageInfo),
// adapted from a whitespace-split queryformat to a tab-separated one:
// %{SUMMARY} routinely contains spaces, which the teacher's
// strings.Fields split would silently corrupt.
package rpmdb

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	mdlog "github.com/jvdm/mdvpkg/internal/log"
	"github.com/jvdm/mdvpkg/internal/rpmartifact"
	"github.com/jvdm/mdvpkg/internal/rpmversion"
)

var dblog = mdlog.WithComponent("Rpmdb")

// queryFormat produces one tab-separated line per installed package;
// "(none)" is rpm's own placeholder for an unset EPOCH/DISTTAG/DISTEPOCH.
const queryFormat = "%{NAME}\t%{VERSION}\t%{RELEASE}\t%{ARCH}\t%{EPOCH}\t%{INSTALLTIME}\t%{SIZE}\t%{GROUP}\t%{SUMMARY}\t%{DISTTAG}\t%{DISTEPOCH}\n"

const fieldCount = 11

// Reader lists installed packages by invoking the rpm binary at Path.
type Reader struct {
	Path string
}

// New creates a Reader invoking the rpm binary at path (typically
// "/bin/rpm" or "/usr/bin/rpm").
func New(path string) *Reader { return &Reader{Path: path} }

// List runs `rpm -qa` and yields one Artifact per installed package,
// satisfying internal/index.ArtifactSource.
func (r *Reader) List(yield func(rpmartifact.Artifact) bool) error {
	return r.ListContext(context.Background(), yield)
}

// ListContext is List with an explicit context, for callers on the
// single-threaded event loop that want the subprocess killed on
// shutdown.
func (r *Reader) ListContext(ctx context.Context, yield func(rpmartifact.Artifact) bool) error {
	path := r.Path
	if path == "" {
		path = "rpm"
	}
	cmd := exec.CommandContext(ctx, path, "-qa", "--queryformat="+queryFormat)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "opening rpm stdout")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "starting rpm -qa")
	}

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	seen := make(map[string]struct{})
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		art, err := parseLine(line)
		if err != nil {
			if _, already := seen[line]; !already {
				seen[line] = struct{}{}
				dblog.WithField("line", line).WithError(err).Warn("cannot parse rpm query line")
			}
			continue
		}
		if !yield(art) {
			break
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()
	if scanErr != nil {
		return errors.Wrap(scanErr, "reading rpm -qa output")
	}
	if waitErr != nil {
		return errors.Wrap(waitErr, "rpm -qa exited with error")
	}
	return nil
}

func parseLine(line string) (rpmartifact.Artifact, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < fieldCount {
		return rpmartifact.Artifact{}, errors.Errorf("expected %d tab-separated fields, got %d", fieldCount, len(fields))
	}

	name, version, release, arch := fields[0], fields[1], fields[2], fields[3]
	epoch := parseEpoch(fields[4])
	installTime := parseInstallTime(fields[5])
	size, _ := strconv.ParseUint(fields[6], 10, 64)
	group, summary := fields[7], fields[8]
	disttag := noneToEmpty(fields[9])
	distepoch := noneToEmpty(fields[10])

	return rpmartifact.Artifact{
		Name: name,
		Arch: arch,
		Version: rpmversion.Version{
			Epoch:     epoch,
			Version:   version,
			Release:   release,
			Distepoch: distepoch,
		},
		Group:       group,
		Summary:     summary,
		Size:        size,
		Disttag:     disttag,
		InstallTime: installTime,
	}, nil
}

func parseEpoch(s string) uint32 {
	if s == "" || s == "(none)" {
		return 0
	}
	e, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(e)
}

func parseInstallTime(s string) *time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(secs, 0)
	return &t
}

func noneToEmpty(s string) string {
	if s == "(none)" {
		return ""
	}
	return s
}
