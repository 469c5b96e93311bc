// Package mdvpkgerrors defines the sentinel error taxonomy shared by all
// core components, per spec §7. Callers wrap these with
// github.com/pkg/errors to attach context while keeping errors.Is
// comparisons against the sentinel working.
package mdvpkgerrors

import "github.com/pkg/errors"

var (
	// ConfigInvalid is returned when the urpmi configuration file fails
	// to parse.
	ConfigInvalid = errors.New("configuration invalid")
	// ConfigMissing is returned when the urpmi configuration file is
	// absent.
	ConfigMissing = errors.New("configuration missing")

	// UnknownPackage is returned by PackageIndex.Get for an unknown
	// (name, arch) key.
	UnknownPackage = errors.New("unknown package")

	// NotOwner is returned when a method call targets a PackageList or
	// Task from a session other than its owner.
	NotOwner = errors.New("caller is not the owner")

	// AlreadyInstalled is returned by PackageList.Install when the
	// target package is already at current_status installed (no
	// upgrade available).
	AlreadyInstalled = errors.New("package already installed")
	// NothingToRemove is returned by PackageList.Remove when the target
	// package has no installed versions.
	NothingToRemove = errors.New("package has no installed version")
	// InProgressConflict is returned when an action is requested on a
	// Package that already has an in-progress install/remove.
	InProgressConflict = errors.New("package has an action in progress")
	// ActionRequired is returned by PackageList.NoAction when the
	// current action on the package is auto-install/auto-remove.
	ActionRequired = errors.New("action is resolver-required and cannot be cleared directly")
	// NoAction is returned by PackageList.ProcessActions when no
	// install/remove action is selected in the plan.
	NoAction = errors.New("no action selected")

	// ResolverError is returned when the external resolver emits an
	// ERROR record or exits non-zero.
	ResolverError = errors.New("resolver error")

	// BackendError is returned when the backend child process dies,
	// the pipe errors, an unrecognized response tag is seen, or an
	// EXCEPTION tag is received.
	BackendError = errors.New("backend error")

	// TaskBadState is returned when a method is called on a Task in an
	// incompatible lifecycle state.
	TaskBadState = errors.New("task is in the wrong state for this call")

	// IndexOutOfRange is returned by PackageList.Get for index >= size.
	IndexOutOfRange = errors.New("index out of range")
)
