// Package packagelist implements PackageList (spec §4.4): a per-session
// filtered/sorted/actioned projection over the PackageIndex, plus the
// resolve-and-commit plan machinery.
//
// Grounded on original_source/mdvpkg/daemon.py's DBusPackageList (sort/
// filter/get/delete method shapes, owner-watch semantics) and spec
// §4.4's re-solve and latest-selection rules, which db.py's matching
// PackageList class (referenced by daemon.py but not present in the
// retained source) does not cover in the surviving file set.
package packagelist

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	mdlog "github.com/jvdm/mdvpkg/internal/log"
	"github.com/jvdm/mdvpkg/internal/index"
	"github.com/jvdm/mdvpkg/internal/mdvpkgerrors"
	"github.com/jvdm/mdvpkg/internal/resolver"
	"github.com/jvdm/mdvpkg/internal/rpmartifact"
)

var plog = mdlog.WithComponent("PackageList")

// Action is a Package's current plan entry.
type Action string

const (
	ActionNone        Action = "none"
	ActionInstall     Action = Action(resolver.ActionInstall)
	ActionAutoInstall Action = Action(resolver.ActionAutoInstall)
	ActionRemove      Action = Action(resolver.ActionRemove)
	ActionAutoRemove  Action = Action(resolver.ActionAutoRemove)
)

// PackageDetails is the materialized view of one visible item, returned
// by Get and forwarded as a Package event.
type PackageDetails struct {
	Index      int
	Name, Arch string
	Status     string
	Action     string
	Attributes map[string]string
}

// GroupCount is one entry of a GetGroups/GetAllGroups result.
type GroupCount struct {
	Group string
	Count int
}

// RejectedEntry is one rejected target from a resolve, grouped into
// ResolveResult's install/remove buckets.
type RejectedEntry struct {
	Target   resolver.Target
	Reason   resolver.RejectReason
	Subjects []string
}

// ResolveResult is the four-list return value of install/remove/
// no_action, per spec §4.4's re-solve semantics.
type ResolveResult struct {
	InstallSelected []resolver.Selection
	RemoveSelected  []resolver.Selection
	InstallRejected []RejectedEntry
	RemoveRejected  []RejectedEntry
}

func toResolveResult(res resolver.Result) ResolveResult {
	var out ResolveResult
	out.InstallSelected = append(out.InstallSelected, res.Selected[resolver.ActionInstall]...)
	out.InstallSelected = append(out.InstallSelected, res.Selected[resolver.ActionAutoInstall]...)
	out.RemoveSelected = append(out.RemoveSelected, res.Selected[resolver.ActionRemove]...)
	out.RemoveSelected = append(out.RemoveSelected, res.Selected[resolver.ActionAutoRemove]...)

	for _, reason := range []resolver.RejectReason{
		resolver.ReasonUnsatisfied,
		resolver.ReasonConflicts,
		resolver.ReasonRejectedDependency,
	} {
		for _, rej := range res.Rejected[reason] {
			out.InstallRejected = append(out.InstallRejected, RejectedEntry{
				Target: rej.Target, Reason: reason, Subjects: rej.Subjects,
			})
		}
	}
	for _, rej := range res.Rejected[resolver.ReasonRemoveDepends] {
		out.RemoveRejected = append(out.RemoveRejected, RejectedEntry{
			Target: rej.Target, Reason: resolver.ReasonRemoveDepends, Subjects: rej.Subjects,
		})
	}
	return out
}

// EventKind distinguishes the signal shapes a PackageList forwards to
// its owning session (spec §6's per-list signal set).
type EventKind int

const (
	EventPackage EventKind = iota
	EventReady
)

// Event is one message forwarded to the owning session.
type Event struct {
	Kind    EventKind
	Package PackageDetails
}

type filterSpec struct {
	include []string
	exclude []string
}

// PackageList is a per-session, shared-nothing projection of the index.
type PackageList struct {
	ID    string
	Owner string

	idx *index.Index

	mu      sync.Mutex
	sortKey string
	sortRev bool
	filters map[string]filterSpec
	actions map[rpmartifact.Key]Action
	visible []rpmartifact.Key

	events      chan Event
	indexEvents <-chan index.Event
	cancelSub   func()
}

// New creates a PackageList over idx, owned by owner (the caller's
// opaque session/bus identity), and materializes its initial view.
func New(idx *index.Index, owner string) *PackageList {
	indexEvents, cancelSub := idx.Subscribe()
	pl := &PackageList{
		ID:          uuid.NewString(),
		Owner:       owner,
		idx:         idx,
		filters:     make(map[string]filterSpec),
		actions:     make(map[rpmartifact.Key]Action),
		events:      make(chan Event, 64),
		indexEvents: indexEvents,
		cancelSub:   cancelSub,
	}
	pl.materialize()
	return pl
}

// Events delivers this list's Package/Ready signals in emission order.
func (pl *PackageList) Events() <-chan Event { return pl.events }

// Run forwards index package-changed events concerning a currently
// visible item until ctx is done. Intended as one branch of the
// session's event-loop select.
func (pl *PackageList) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-pl.indexEvents:
			if !ok {
				return
			}
			pl.handleIndexEvent(ev.Key)
		}
	}
}

func (pl *PackageList) handleIndexEvent(key rpmartifact.Key) {
	pl.materialize()

	pl.mu.Lock()
	pos := -1
	for i, k := range pl.visible {
		if k == key {
			pos = i
			break
		}
	}
	action, ok := pl.actions[key]
	if !ok {
		action = ActionNone
	}
	pl.mu.Unlock()
	if pos < 0 {
		return
	}

	pkg, err := pl.idx.Get(key)
	if err != nil {
		return
	}
	pl.publish(Event{Kind: EventPackage, Package: PackageDetails{
		Index:      pos,
		Name:       key.Name,
		Arch:       key.Arch,
		Status:     string(pkg.Status()),
		Action:     string(action),
		Attributes: map[string]string{},
	}})
}

func (pl *PackageList) publish(ev Event) {
	select {
	case pl.events <- ev:
	default:
		plog.WithField("list", pl.ID).Warn("dropping packagelist event: subscriber not draining")
	}
}

func (pl *PackageList) checkOwner(caller string) error {
	if caller != pl.Owner {
		return mdvpkgerrors.NotOwner
	}
	return nil
}

// Size returns the current visible item count.
func (pl *PackageList) Size(caller string) (uint32, error) {
	if err := pl.checkOwner(caller); err != nil {
		return 0, err
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return uint32(len(pl.visible)), nil
}

// Sort sets the stable sort key and direction and rematerializes the
// visible list.
func (pl *PackageList) Sort(caller, key string, reverse bool) error {
	if err := pl.checkOwner(caller); err != nil {
		return err
	}
	pl.mu.Lock()
	pl.sortKey = key
	pl.sortRev = reverse
	pl.mu.Unlock()
	pl.materialize()
	return nil
}

// Filter sets or clears the include/exclude sets for one dimension and
// rematerializes the visible list. Passing empty include and exclude
// clears the dimension.
func (pl *PackageList) Filter(caller, dimension string, include, exclude []string) error {
	if err := pl.checkOwner(caller); err != nil {
		return err
	}
	switch dimension {
	case "name", "group", "status", "media", "action":
	default:
		return errors.Errorf("packagelist: unknown filter dimension %q", dimension)
	}

	pl.mu.Lock()
	if len(include) == 0 && len(exclude) == 0 {
		delete(pl.filters, dimension)
	} else {
		pl.filters[dimension] = filterSpec{include: include, exclude: exclude}
	}
	pl.mu.Unlock()
	pl.materialize()
	return nil
}

// Get returns the materialized details of the item at idx, resolving
// attributes against its latest artifact.
func (pl *PackageList) Get(caller string, idx int, attributes []string) (PackageDetails, error) {
	if err := pl.checkOwner(caller); err != nil {
		return PackageDetails{}, err
	}
	key, pkg, err := pl.packageAt(idx)
	if err != nil {
		return PackageDetails{}, err
	}

	pl.mu.Lock()
	action, ok := pl.actions[key]
	if !ok {
		action = ActionNone
	}
	pl.mu.Unlock()

	attrs := make(map[string]string, len(attributes))
	for _, a := range attributes {
		attrs[a] = attributeValue(pkg, a)
	}
	return PackageDetails{
		Index:      idx,
		Name:       key.Name,
		Arch:       key.Arch,
		Status:     string(pkg.Status()),
		Action:     string(action),
		Attributes: attrs,
	}, nil
}

// Groups counts packages by group among the currently visible items.
func (pl *PackageList) Groups(caller string) ([]GroupCount, error) {
	if err := pl.checkOwner(caller); err != nil {
		return nil, err
	}
	pl.mu.Lock()
	keys := append([]rpmartifact.Key(nil), pl.visible...)
	pl.mu.Unlock()

	counts := make(map[string]int)
	for _, k := range keys {
		pkg, err := pl.idx.Get(k)
		if err != nil {
			continue
		}
		addGroupCount(counts, pkg)
	}
	return groupCountsFromMap(counts), nil
}

// AllGroups counts packages by group across the whole index, ignoring
// this list's filters — the supplemented GetAllGroups operation (spec
// §6, grounded on tasks.py's ListGroupsTask).
func (pl *PackageList) AllGroups(caller string) ([]GroupCount, error) {
	if err := pl.checkOwner(caller); err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, pkg := range pl.idx.Iter() {
		addGroupCount(counts, pkg)
	}
	return groupCountsFromMap(counts), nil
}

func addGroupCount(counts map[string]int, pkg *index.Package) {
	art, ok := pkg.Latest()
	if !ok || art.Group == "" {
		return
	}
	counts[art.Group]++
}

func groupCountsFromMap(counts map[string]int) []GroupCount {
	out := make([]GroupCount, 0, len(counts))
	for g, c := range counts {
		out = append(out, GroupCount{Group: g, Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// Install requests an install action on the item at idx, triggering a
// re-solve (spec §4.4).
func (pl *PackageList) Install(ctx context.Context, caller string, idx int) (ResolveResult, error) {
	if err := pl.checkOwner(caller); err != nil {
		return ResolveResult{}, err
	}
	key, pkg, err := pl.packageAt(idx)
	if err != nil {
		return ResolveResult{}, err
	}
	if pkg.InProgress != index.InProgressNone {
		return ResolveResult{}, mdvpkgerrors.InProgressConflict
	}
	switch pkg.CurrentStatus() {
	case index.StatusNew, index.StatusUpgrade:
	default:
		return ResolveResult{}, mdvpkgerrors.AlreadyInstalled
	}
	return pl.mutateAction(ctx, key, ActionInstall)
}

// Remove requests a remove action on the item at idx, triggering a
// re-solve (spec §4.4).
func (pl *PackageList) Remove(ctx context.Context, caller string, idx int) (ResolveResult, error) {
	if err := pl.checkOwner(caller); err != nil {
		return ResolveResult{}, err
	}
	key, pkg, err := pl.packageAt(idx)
	if err != nil {
		return ResolveResult{}, err
	}
	if pkg.InProgress != index.InProgressNone {
		return ResolveResult{}, mdvpkgerrors.InProgressConflict
	}
	if !pkg.HasInstalled() {
		return ResolveResult{}, mdvpkgerrors.NothingToRemove
	}
	return pl.mutateAction(ctx, key, ActionRemove)
}

// NoAction clears the action on the item at idx, triggering a re-solve.
// Fails with ActionRequired if the current action is resolver-required
// (auto-install/auto-remove).
func (pl *PackageList) NoAction(ctx context.Context, caller string, idx int) (ResolveResult, error) {
	if err := pl.checkOwner(caller); err != nil {
		return ResolveResult{}, err
	}
	key, _, err := pl.packageAt(idx)
	if err != nil {
		return ResolveResult{}, err
	}

	pl.mu.Lock()
	current := pl.actions[key]
	pl.mu.Unlock()
	if current == ActionAutoInstall || current == ActionAutoRemove {
		return ResolveResult{}, mdvpkgerrors.ActionRequired
	}
	return pl.mutateAction(ctx, key, ActionNone)
}

func (pl *PackageList) packageAt(idx int) (rpmartifact.Key, *index.Package, error) {
	pl.mu.Lock()
	if idx < 0 || idx >= len(pl.visible) {
		pl.mu.Unlock()
		return rpmartifact.Key{}, nil, mdvpkgerrors.IndexOutOfRange
	}
	key := pl.visible[idx]
	pl.mu.Unlock()

	pkg, err := pl.idx.Get(key)
	return key, pkg, err
}

// mutateAction implements the §4.4 re-solve semantics: snapshot the
// plan's prior action on key, apply newAction, resolve the whole plan,
// and either confirm (adopting the resolver's action tags across every
// selected target) or roll back to the snapshot if anything was
// rejected.
func (pl *PackageList) mutateAction(ctx context.Context, key rpmartifact.Key, newAction Action) (ResolveResult, error) {
	pl.mu.Lock()
	prev, hadPrev := pl.actions[key]
	if newAction == ActionNone {
		delete(pl.actions, key)
	} else {
		pl.actions[key] = newAction
	}
	installs, removes := pl.planKeysLocked()
	pl.mu.Unlock()

	res, err := pl.idx.Resolve(ctx, installs, removes)
	if err != nil {
		pl.restoreAction(key, prev, hadPrev)
		return ResolveResult{}, err
	}

	if res.HasRejections() {
		pl.restoreAction(key, prev, hadPrev)
		return toResolveResult(res), nil
	}

	pl.applySelections(res)
	pl.materialize()
	return toResolveResult(res), nil
}

func (pl *PackageList) restoreAction(key rpmartifact.Key, prev Action, hadPrev bool) {
	pl.mu.Lock()
	if hadPrev {
		pl.actions[key] = prev
	} else {
		delete(pl.actions, key)
	}
	pl.mu.Unlock()
	pl.materialize()
}

func (pl *PackageList) planKeysLocked() (installs, removes []rpmartifact.Key) {
	for key, action := range pl.actions {
		switch action {
		case ActionInstall, ActionAutoInstall:
			installs = append(installs, key)
		case ActionRemove, ActionAutoRemove:
			removes = append(removes, key)
		}
	}
	return installs, removes
}

func (pl *PackageList) applySelections(res resolver.Result) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	for tag, sels := range res.Selected {
		for _, sel := range sels {
			pl.actions[sel.Target.Key] = Action(tag)
		}
	}
}

// ProcessActions materializes the current plan into a single commit
// task, clearing every item's action and marking its Package
// in_progress before returning (spec §8's invariant).
func (pl *PackageList) ProcessActions(caller string) (string, error) {
	if err := pl.checkOwner(caller); err != nil {
		return "", err
	}

	pl.mu.Lock()
	installs, removes := pl.planKeysLocked()
	if len(installs) == 0 && len(removes) == 0 {
		pl.mu.Unlock()
		return "", mdvpkgerrors.NoAction
	}
	pl.actions = make(map[rpmartifact.Key]Action)
	pl.mu.Unlock()

	for _, key := range installs {
		if pkg, err := pl.idx.Get(key); err == nil {
			if art, ok := pkg.LatestUpgrade(); ok {
				_ = pl.idx.InstallStart(key, art.Version)
			}
		}
	}
	for _, key := range removes {
		if pkg, err := pl.idx.Get(key); err == nil {
			if art, ok := pkg.LatestInstalled(); ok {
				_ = pl.idx.RemoveStart(key, art.Version)
			}
		}
	}

	id, err := pl.idx.Commit(installs, removes)
	pl.materialize()
	return id, err
}

// Delete detaches this list from the index event bus, releasing its
// owner watch (spec §4.4, grounded on daemon.py's on_delete).
func (pl *PackageList) Delete(caller string) error {
	if err := pl.checkOwner(caller); err != nil {
		return err
	}
	if pl.cancelSub != nil {
		pl.cancelSub()
	}
	return nil
}

// materialize rebuilds the visible item list: every index Package
// passing the configured filters, stably sorted by the configured key,
// then reversed in place if requested — which is what makes
// sort(k,false); sort(k,true) yield the exact reverse of the first
// ordering (spec §8).
func (pl *PackageList) materialize() {
	all := pl.idx.Iter()

	pl.mu.Lock()
	filters := pl.filters
	actions := pl.actions
	sortKey := pl.sortKey
	if sortKey == "" {
		sortKey = "name"
	}
	sortRev := pl.sortRev
	pl.mu.Unlock()

	visible := make([]*index.Package, 0, len(all))
	for _, p := range all {
		if matches(p, filters, actions) {
			visible = append(visible, p)
		}
	}

	sort.SliceStable(visible, func(i, j int) bool {
		return sortLess(visible[i], visible[j], sortKey, actions)
	})
	if sortRev {
		for i, j := 0, len(visible)-1; i < j; i, j = i+1, j-1 {
			visible[i], visible[j] = visible[j], visible[i]
		}
	}

	keys := make([]rpmartifact.Key, 0, len(visible))
	for _, p := range visible {
		keys = append(keys, p.Key)
	}

	pl.mu.Lock()
	pl.visible = keys
	pl.mu.Unlock()
}

func matches(p *index.Package, filters map[string]filterSpec, actions map[rpmartifact.Key]Action) bool {
	for dim, spec := range filters {
		val := dimensionValue(p, actions, dim)
		if len(spec.include) > 0 {
			ok := false
			for _, pat := range spec.include {
				if matchOne(dim, val, pat) {
					ok = true
					break
				}
			}
			if !ok {
				return false
			}
		}
		for _, pat := range spec.exclude {
			if matchOne(dim, val, pat) {
				return false
			}
		}
	}
	return true
}

func dimensionValue(p *index.Package, actions map[rpmartifact.Key]Action, dim string) string {
	switch dim {
	case "name":
		return p.Key.Name
	case "status":
		return string(p.Status())
	case "action":
		return string(actions[p.Key])
	case "media", "group":
		art, ok := p.Latest()
		if !ok {
			return ""
		}
		if dim == "media" {
			return art.Media
		}
		return art.Group
	}
	return ""
}

// matchOne applies the dimension's match semantics: name is a regex
// match, group is a '/'-separated path-prefix match, everything else
// is exact string equality.
func matchOne(dim, value, pattern string) bool {
	switch dim {
	case "name":
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(value)
	case "group":
		return value == pattern || strings.HasPrefix(value, pattern+"/")
	default:
		return value == pattern
	}
}

// sortLess orders by the derived name/status/action fields directly,
// or by latest's artifact attribute for anything else.
func sortLess(a, b *index.Package, key string, actions map[rpmartifact.Key]Action) bool {
	switch key {
	case "name":
		return a.Key.Name < b.Key.Name
	case "status":
		return string(a.Status()) < string(b.Status())
	case "action":
		return string(actions[a.Key]) < string(actions[b.Key])
	case "size":
		av, _ := a.Latest()
		bv, _ := b.Latest()
		return av.Size < bv.Size
	default:
		return attributeValue(a, key) < attributeValue(b, key)
	}
}

// attributeValue resolves an attribute name against a Package's
// derived fields or its latest artifact; unrecognized attributes and
// those absent on the latest artifact resolve to "", per spec §4.4
// ("empty strings substitute for absent attribute values").
func attributeValue(pkg *index.Package, attr string) string {
	switch attr {
	case "progress":
		if pkg.Progress == nil {
			return "1.0"
		}
		return strconv.FormatFloat(*pkg.Progress, 'f', -1, 64)
	case "name":
		return pkg.Key.Name
	case "arch":
		return pkg.Key.Arch
	case "status":
		return string(pkg.Status())
	}

	art, ok := pkg.Latest()
	if !ok {
		return ""
	}
	switch attr {
	case "version":
		return art.Version.Version
	case "release":
		return art.Version.Release
	case "epoch":
		return strconv.FormatUint(uint64(art.Version.Epoch), 10)
	case "distepoch":
		return art.Version.Distepoch
	case "disttag":
		return art.Disttag
	case "group":
		return art.Group
	case "summary":
		return art.Summary
	case "media":
		return art.Media
	case "size":
		return strconv.FormatUint(art.Size, 10)
	default:
		return ""
	}
}
