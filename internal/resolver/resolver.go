// Package resolver drives the external dependency resolver subprocess
// (spec §4.3): a short-lived child invoked once per Resolve call, fed
// one tab-separated line of install/remove targets on stdin, and read
// for %MDVPKG-prefixed SELECTED/REJECTED/ERROR lines on stdout.
//
// Grounded on worker.py's Backend subprocess/line-protocol shape,
// adapted to a one-shot request/response instead of a long-lived
// channel.
package resolver

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	mdlog "github.com/jvdm/mdvpkg/internal/log"
	"github.com/jvdm/mdvpkg/internal/mdvpkgerrors"
	"github.com/jvdm/mdvpkg/internal/rpmartifact"
	"github.com/jvdm/mdvpkg/internal/rpmversion"
)

var rlog = mdlog.WithComponent("Resolver")

// ActionTag is the resolver's verdict for one selected target.
type ActionTag string

const (
	ActionInstall     ActionTag = "action-install"
	ActionAutoInstall ActionTag = "action-auto-install"
	ActionRemove      ActionTag = "action-remove"
	ActionAutoRemove  ActionTag = "action-auto-remove"
)

// RejectReason is why the resolver could not satisfy the plan.
type RejectReason string

const (
	ReasonUnsatisfied        RejectReason = "reject-install-unsatisfied"
	ReasonConflicts          RejectReason = "reject-install-conflicts"
	ReasonRejectedDependency RejectReason = "reject-install-rejected-dependency"
	ReasonRemoveDepends      RejectReason = "reject-remove-depends"
)

// Target is one package version the caller wants installed or removed.
type Target struct {
	Key     rpmartifact.Key
	Version rpmversion.Version
}

func (t Target) token(remove bool) string {
	nvra := fmt.Sprintf("%s-%s-%s.%s", t.Key.Name, t.Version.Version, t.Version.Release, t.Key.Arch)
	if remove {
		return "r:" + nvra
	}
	return nvra
}

// Selection is one SELECTED record.
type Selection struct {
	Target Target
	Action ActionTag
}

// Rejection is one REJECTED record.
type Rejection struct {
	Reason  RejectReason
	Target  Target
	Subjects []string
}

// Result is the full resolver verdict for one Resolve call.
type Result struct {
	Selected map[ActionTag][]Selection
	Rejected map[RejectReason][]Rejection
}

// HasRejections reports whether any rejection was recorded; per spec §4.3 a
// non-empty rejected map means the plan is advisory only.
func (r Result) HasRejections() bool {
	for _, v := range r.Rejected {
		if len(v) > 0 {
			return true
		}
	}
	return false
}

// Client invokes the resolver executable.
type Client struct {
	Path string
}

// New creates a resolver Client for the executable at path.
func New(path string) *Client { return &Client{Path: path} }

// Resolve runs the resolver once for the given install/remove targets.
func (c *Client) Resolve(ctx context.Context, installs, removes []Target) (Result, error) {
	result := Result{Selected: make(map[ActionTag][]Selection), Rejected: make(map[RejectReason][]Rejection)}

	var tokens []string
	for _, t := range installs {
		tokens = append(tokens, t.token(false))
	}
	for _, t := range removes {
		tokens = append(tokens, t.token(true))
	}

	cmd := exec.CommandContext(ctx, c.Path)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return result, errors.Wrap(err, "opening resolver stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return result, errors.Wrap(err, "opening resolver stdout")
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return result, errors.Wrapf(mdvpkgerrors.ResolverError, "starting resolver: %s", err)
	}

	if _, err := fmt.Fprintln(stdin, strings.Join(tokens, "\t")); err != nil {
		stdin.Close()
		_ = cmd.Wait()
		return result, errors.Wrapf(mdvpkgerrors.ResolverError, "writing resolver input: %s", err)
	}
	stdin.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "%MDVPKG ") && !strings.HasPrefix(line, "%MDVPKG\t") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		head := fields[1]
		switch head {
		case "SELECTED":
			if len(fields) < 4 {
				rlog.WithField("line", line).Warn("malformed SELECTED record")
				continue
			}
			target, perr := parseTupleToken(fields[3])
			if perr != nil {
				rlog.WithError(perr).WithField("line", line).Warn("cannot parse SELECTED target")
				continue
			}
			action := ActionTag(fields[2])
			result.Selected[action] = append(result.Selected[action], Selection{Target: target, Action: action})
		case "REJECTED":
			if len(fields) < 4 {
				rlog.WithField("line", line).Warn("malformed REJECTED record")
				continue
			}
			target, perr := parseTupleToken(fields[3])
			if perr != nil {
				rlog.WithError(perr).WithField("line", line).Warn("cannot parse REJECTED target")
				continue
			}
			reason := RejectReason(fields[2])
			rej := Rejection{Reason: reason, Target: target}
			if len(fields) > 4 {
				rej.Subjects = append(rej.Subjects, fields[4:]...)
			}
			result.Rejected[reason] = append(result.Rejected[reason], rej)
		case "ERROR":
			msg := ""
			if len(fields) > 2 {
				msg = strings.Join(fields[2:], "\t")
			}
			_ = cmd.Wait()
			return result, errors.Wrapf(mdvpkgerrors.ResolverError, "%s", msg)
		default:
			rlog.WithField("line", line).Warn("unrecognized resolver record")
		}
	}
	if err := scanner.Err(); err != nil {
		_ = cmd.Wait()
		return result, errors.Wrap(err, "reading resolver output")
	}

	if err := cmd.Wait(); err != nil {
		return result, errors.Wrapf(mdvpkgerrors.ResolverError, "resolver exited: %s: %s", err, stderr.String())
	}
	return result, nil
}

// tupleRe parses the "((name,arch),(epoch,version,release,distepoch))"
// literal the resolver uses to denote a target.
var tupleRe = regexp.MustCompile(`^\(\(([^,]+),([^)]+)\),\(([^,]*),([^,]*),([^,]*),([^)]*)\)\)$`)

func parseTupleToken(tok string) (Target, error) {
	m := tupleRe.FindStringSubmatch(tok)
	if m == nil {
		return Target{}, fmt.Errorf("malformed target tuple: %s", tok)
	}
	epoch, _ := strconv.ParseUint(m[3], 10, 32)
	return Target{
		Key: rpmartifact.Key{Name: m[1], Arch: m[2]},
		Version: rpmversion.Version{
			Epoch:     uint32(epoch),
			Version:   m[4],
			Release:   m[5],
			Distepoch: m[6],
		},
	}, nil
}
