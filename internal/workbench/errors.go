package workbench

import (
	"errors"

	"github.com/mattjoyce/draftvault/internal/lock"
)

var (
	// ErrWorkbenchNotFound is returned for an unknown workbench identifier.
	ErrWorkbenchNotFound = errors.New("workbench not found")
	// ErrDraftExists is returned when an operation requires no active draft.
	ErrDraftExists = errors.New("draft already exists")
	// ErrNoDraft is returned when an operation requires an active draft.
	ErrNoDraft = errors.New("no draft exists")
	// ErrPublishConflict means published changed since the draft was created.
	// The caller chooses between discarding the draft or restoring from a
	// checkpoint; this engine never merges.
	ErrPublishConflict = errors.New("published state changed since draft creation")
	// ErrDiskExhausted means free space is insufficient for a safe copy.
	ErrDiskExhausted = errors.New("insufficient disk space")
	// ErrCheckpointNotFound is returned for an unknown checkpoint identifier.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrRevisionUnavailable means the requested draft revision was pruned
	// or never recorded.
	ErrRevisionUnavailable = errors.New("draft revision unavailable")
	// ErrCrashRecoveryRequired means reconciliation could not drive the
	// workbench to a stable state; mutating commands are refused until an
	// operator intervenes.
	ErrCrashRecoveryRequired = errors.New("crash recovery required")
	// ErrInvalidPath rejects paths escaping the workbench sandbox.
	ErrInvalidPath = errors.New("invalid path")

	// ErrLockTimeout is returned when the workbench lock cannot be acquired
	// within the configured timeout.
	ErrLockTimeout = lock.ErrTimeout
)
