// Package index implements the PackageIndex core component: the
// (name, arch) -> Package map, its classification invariants, and the
// ingestion/mutation/event machinery around it.
//
// Grounded on original_source/mdvpkg/urpmi/packages.py's Package class.
package index

import (
	"sort"
	"time"

	"github.com/jvdm/mdvpkg/internal/rpmartifact"
	"github.com/jvdm/mdvpkg/internal/rpmversion"
)

// Classification is one of the three buckets a version belongs to.
type Classification string

const (
	Installed Classification = "installed"
	Upgrade   Classification = "upgrade"
	Downgrade Classification = "downgrade"
)

// InProgressState is the Package's current backend activity, if any.
type InProgressState string

const (
	InProgressNone      InProgressState = ""
	InProgressInstalling InProgressState = "installing"
	InProgressRemoving  InProgressState = "removing"
)

// Status is the Package's observable, derived status.
type Status string

const (
	StatusInstalling Status = "installing"
	StatusRemoving   Status = "removing"
	StatusUpgrade    Status = "upgrade"
	StatusInstalled  Status = "installed"
	StatusNew        Status = "new"
)

type versionEntry struct {
	artifact rpmartifact.Artifact
	class    Classification
}

// Package is the index entry for one (name, arch) key: every known
// version, classified, plus any in-progress backend activity.
type Package struct {
	Key rpmartifact.Key

	versions map[rpmversion.Version]*versionEntry

	InProgress InProgressState
	// Progress is non-nil exactly when InProgress != InProgressNone.
	Progress *float64
}

func newPackage(key rpmartifact.Key) *Package {
	return &Package{Key: key, versions: make(map[rpmversion.Version]*versionEntry)}
}

// CurrentStatus is the Package's status prior to any in-progress action.
func (p *Package) CurrentStatus() Status {
	if p.HasInstalled() {
		if p.HasUpgrades() {
			return StatusUpgrade
		}
		return StatusInstalled
	}
	return StatusNew
}

// Status is the fully derived, observable status.
func (p *Package) Status() Status {
	switch p.InProgress {
	case InProgressInstalling:
		return StatusInstalling
	case InProgressRemoving:
		return StatusRemoving
	}
	return p.CurrentStatus()
}

func (p *Package) HasInstalled() bool { return len(p.versionsByClass(Installed)) > 0 }
func (p *Package) HasUpgrades() bool  { return len(p.versionsByClass(Upgrade)) > 0 }
func (p *Package) HasDowngrades() bool { return len(p.versionsByClass(Downgrade)) > 0 }

// Installed returns every installed artifact, ascending by version.
func (p *Package) Installed() []rpmartifact.Artifact { return p.artifactsByClass(Installed) }

// Upgrades returns every upgrade-candidate artifact, ascending by version.
func (p *Package) Upgrades() []rpmartifact.Artifact { return p.artifactsByClass(Upgrade) }

// Downgrades returns every downgrade-candidate artifact, ascending by version.
func (p *Package) Downgrades() []rpmartifact.Artifact { return p.artifactsByClass(Downgrade) }

// All returns every known artifact for this Package, ascending by version.
func (p *Package) All() []rpmartifact.Artifact {
	versions := p.sortedVersions()
	out := make([]rpmartifact.Artifact, 0, len(versions))
	for _, v := range versions {
		out = append(out, p.versions[v].artifact)
	}
	return out
}

// LatestInstalled returns the greatest installed artifact.
func (p *Package) LatestInstalled() (rpmartifact.Artifact, bool) {
	return p.latestByClass(Installed)
}

// LatestUpgrade returns the greatest upgrade-candidate artifact.
func (p *Package) LatestUpgrade() (rpmartifact.Artifact, bool) {
	return p.latestByClass(Upgrade)
}

// Latest implements the §4.4 `latest` selection rule. Callers must not
// invoke this on a Package with all buckets empty (check Status() first
// — such a Package cannot exist post-ingestion, but a caller racing a
// removal could still observe one mid-mutation).
func (p *Package) Latest() (rpmartifact.Artifact, bool) {
	switch p.InProgress {
	case InProgressInstalling:
		return p.LatestUpgrade()
	case InProgressRemoving:
		return p.LatestInstalled()
	}
	if p.CurrentStatus() == StatusNew {
		return p.LatestUpgrade()
	}
	return p.LatestInstalled()
}

func (p *Package) sortedVersions() []rpmversion.Version {
	vs := make([]rpmversion.Version, 0, len(p.versions))
	for v := range p.versions {
		vs = append(vs, v)
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i].Less(vs[j]) })
	return vs
}

func (p *Package) versionsByClass(c Classification) []rpmversion.Version {
	var vs []rpmversion.Version
	for v, e := range p.versions {
		if e.class == c {
			vs = append(vs, v)
		}
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i].Less(vs[j]) })
	return vs
}

func (p *Package) artifactsByClass(c Classification) []rpmartifact.Artifact {
	versions := p.versionsByClass(c)
	out := make([]rpmartifact.Artifact, 0, len(versions))
	for _, v := range versions {
		out = append(out, p.versions[v].artifact)
	}
	return out
}

func (p *Package) latestByClass(c Classification) (rpmartifact.Artifact, bool) {
	versions := p.versionsByClass(c)
	if len(versions) == 0 {
		return rpmartifact.Artifact{}, false
	}
	return p.versions[versions[len(versions)-1]].artifact, true
}

// addVersion implements RpmPackage.add_version's merge rules: a brand
// new version is classified on arrival; a version already known is
// folded according to the §4.1 ingestion rules (ambiguous media
// attribution kept as first-seen with a warning; duplicate installed
// records folded with an error log; a previously-uningested version
// later reported as installed is promoted).
func (p *Package) addVersion(a rpmartifact.Artifact) (warn, merr string) {
	v := a.Version
	existing, ok := p.versions[v]
	if !ok {
		entry := &versionEntry{artifact: a}
		if a.Installed() {
			p.reclassifyAroundNewInstalled(a)
			entry.class = Installed
		} else {
			entry.class = p.updateTypeFor(a)
		}
		p.versions[v] = entry
		return "", ""
	}

	switch {
	case existing.class == Installed && a.Installed():
		merr = "duplicate installed artifact ingested"
	case existing.class == Installed:
		if existing.artifact.Media != "" {
			warn = "artifact seen on two different media"
		} else {
			existing.artifact.Media = a.Media
		}
	case a.Installed():
		a.Media = existing.artifact.Media
		p.reclassifyAroundNewInstalled(a)
		existing.artifact = a
		existing.class = Installed
	default:
		warn = "artifact seen on two different media"
	}
	return warn, merr
}

func (p *Package) reclassifyAroundNewInstalled(a rpmartifact.Artifact) {
	latest, ok := p.LatestInstalled()
	if ok && a.Version.Compare(latest.Version) <= 0 {
		return
	}
	for v, e := range p.versions {
		if e.class == Upgrade && v.Less(a.Version) {
			e.class = Downgrade
		} else if e.class == Downgrade && a.Version.Less(v) {
			e.class = Upgrade
		}
	}
}

func (p *Package) updateTypeFor(a rpmartifact.Artifact) Classification {
	latest, ok := p.LatestInstalled()
	if !ok || latest.Version.Less(a.Version) {
		return Upgrade
	}
	return Downgrade
}

// removeVersion deletes a version entirely (used by rebuild/replace).
func (p *Package) removeVersion(v rpmversion.Version) { delete(p.versions, v) }

func (p *Package) isEmpty() bool { return len(p.versions) == 0 }

// --- backend progress hooks, grounded on RpmPackage.on_* ---

func f(v float64) *float64 { return &v }

func (p *Package) onDownloadStart(v rpmversion.Version)            { p.Progress = f(0.0) }
func (p *Package) onDownloadProgress(v rpmversion.Version, frac float64) { p.Progress = f(frac / 2.0) }
func (p *Package) onDownloadDone(v rpmversion.Version)             { p.Progress = f(0.5) }
func (p *Package) onInstallStart(v rpmversion.Version)             { p.Progress = f(0.5) }
func (p *Package) onInstallProgress(v rpmversion.Version, frac float64) {
	p.Progress = f(0.5 + frac/2.0)
}

func (p *Package) onInstallDone(v rpmversion.Version) {
	entry, ok := p.versions[v]
	if !ok {
		return
	}
	now := time.Now()
	entry.artifact.InstallTime = &now
	p.reclassifyAroundNewInstalled(entry.artifact)
	entry.class = Installed
	p.InProgress = InProgressNone
	p.Progress = nil
}

func (p *Package) onRemoveStart(v rpmversion.Version) { p.Progress = f(0.0) }
func (p *Package) onRemoveProgress(v rpmversion.Version, frac float64) { p.Progress = f(frac) }

func (p *Package) onRemoveDone(v rpmversion.Version) {
	entry, ok := p.versions[v]
	if !ok {
		return
	}
	entry.artifact.InstallTime = nil
	latest, hasInstalled := p.LatestInstalled()
	if hasInstalled && v.Less(latest.Version) {
		entry.class = Downgrade
	} else {
		entry.class = Upgrade
	}
	p.InProgress = InProgressNone
	p.Progress = nil
}

// startInstalling transitions in_progress to installing; requires a
// non-empty upgrade set (spec invariant).
func (p *Package) startInstalling() bool {
	if !p.HasUpgrades() {
		return false
	}
	p.InProgress = InProgressInstalling
	p.Progress = f(0.0)
	return true
}

// startRemoving transitions in_progress to removing; requires a
// non-empty installed set (spec invariant).
func (p *Package) startRemoving() bool {
	if !p.HasInstalled() {
		return false
	}
	p.InProgress = InProgressRemoving
	p.Progress = f(0.0)
	return true
}
