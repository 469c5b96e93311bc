// Package rpmartifact defines the concrete package-version record that
// flows out of media synthesis streams and the rpmdb reader.
package rpmartifact

import (
	"time"

	"github.com/jvdm/mdvpkg/internal/rpmversion"
)

// Condition is the comparison operator in a capability requirement.
type Condition string

const (
	CondNone Condition = ""
	CondLT   Condition = "<"
	CondLE   Condition = "<="
	CondEQ   Condition = "="
	CondGE   Condition = ">="
	CondGT   Condition = ">"
)

// Capability is one entry of a requires/provides/conflicts/obsoletes
// list: NAME[COND VER].
type Capability struct {
	Name      string
	Condition Condition
	Version   string
}

// Key identifies a Package by name and architecture.
type Key struct {
	Name string
	Arch string
}

func (k Key) String() string { return k.Name + "." + k.Arch }

// Artifact is a full package version record.
type Artifact struct {
	Name    string
	Arch    string
	Version rpmversion.Version

	Group       string
	Summary     string
	Size        uint64
	Media       string // empty when attribution is unknown/ambiguous
	Disttag     string
	InstallTime *time.Time // non-nil iff the artifact is installed

	Requires  []Capability
	Provides  []Capability
	Conflicts []Capability
	Obsoletes []Capability
}

// Key returns the (name, arch) identity of the artifact's owning Package.
func (a Artifact) Key() Key { return Key{Name: a.Name, Arch: a.Arch} }

// Installed reports whether the artifact is currently installed.
func (a Artifact) Installed() bool { return a.InstallTime != nil }

// Equal implements the spec's denvra equality: two artifacts are equal
// iff (distepoch, disttag, epoch, name, version, release, arch) match.
func (a Artifact) Equal(other Artifact) bool {
	return a.Name == other.Name &&
		a.Arch == other.Arch &&
		a.Disttag == other.Disttag &&
		a.Version.Equal(other.Version)
}

func (a Artifact) String() string {
	return a.Name + "-" + a.Version.Version + "-" + a.Version.Release + "." + a.Arch
}
