package downloader

import "errors"

// ErrNotFound is returned when a task cannot locate its backing asset.
var ErrNotFound = errors.New("asset not found")

// Task is the per-track download state machine. One task is created per
// track, at track construction time, with the transport variant selected
// once. The orchestrator and watchdog depend only on this interface.
type Task interface {
	// Key returns the owning track's key.
	Key() string
	// Fetch starts or resumes the download. It is non-blocking; every
	// outcome is announced on the event stream, never via a return value.
	// Calling Fetch on an already-downloaded asset re-announces Completed.
	Fetch()
	// Cancel stops an in-flight transfer, preserving resumable state. It
	// must not announce a failure or touch persisted progress.
	Cancel()
	// Fail aborts any in-flight transfer and announces Failed with the
	// given reason, exactly as if the transfer itself had failed. External
	// monitors use it to give up on a track without muting the event
	// stream the way Cancel does.
	Fail(reason *FailureReason)
	// Delete removes the backing files and announces Deleted. Safe to call
	// when nothing exists on disk.
	Delete()
	// AssetStatus inspects the filesystem directly. It is the single source
	// of truth shared by Fetch and the orchestrator, deliberately decoupled
	// from in-memory state so it survives process restarts.
	AssetStatus() AssetStatus
	// NeedsRetry reports whether the last attempt ended in a retryable
	// failure and the asset is still missing.
	NeedsRetry() bool
}

// AssetState describes what a filesystem inspection found.
type AssetState int

const (
	AssetUnknown AssetState = iota
	AssetSaved
	AssetMissing
)

// AssetStatus is the result of a task's filesystem inspection.
type AssetStatus struct {
	State AssetState
	// Paths lists the destination files: the saved files for AssetSaved,
	// the expected locations for AssetMissing.
	Paths []string
}
