// Package store is the durable, crash-recoverable record of download
// progress, independent of in-memory task state, plus storage for
// provider-specific resumable-transfer tokens.
package store

import (
	"context"
	"errors"
	"os"

	"github.com/tinoosan/fable/internal/data"
)

// ErrNotFound is returned when no record exists for a (bookID, trackKey).
var ErrNotFound = errors.New("download record not found")

// ResumeToken is opaque state allowing an interrupted transfer to continue
// without restarting from byte 0. Stale tokens must never outlive a
// successful download; stores clear them on MarkCompleted.
type ResumeToken struct {
	// Part indexes the URL part the transfer stopped in.
	Part int `json:"part"`
	// Offset is the byte position to resume from within that part.
	Offset int64 `json:"offset"`
	// ETag validates that the remote file has not changed underneath us.
	ETag string `json:"etag,omitempty"`
}

// RecoveryKind classifies what reconciliation found for a record.
type RecoveryKind string

const (
	// RecoveryMissingFile: record said completed but the file is gone
	// (external deletion, e.g. OS storage pressure). The record is demoted
	// to Pending rather than silently trusted.
	RecoveryMissingFile RecoveryKind = "MissingFile"
	// RecoveryPartialFile: bytes landed on disk but the state was never
	// flushed before the process died. The transfer is resumable.
	RecoveryPartialFile RecoveryKind = "PartialFile"
)

// Recovery describes one reconciliation action taken by
// ValidateAndRecoverDownloads.
type Recovery struct {
	TrackKey    string
	Kind        RecoveryKind
	BytesOnDisk int64
}

// Reader provides read access to download records.
type Reader interface {
	Get(ctx context.Context, bookID, trackKey string) (*data.PersistedDownload, error)
	ListByBook(ctx context.Context, bookID string) ([]*data.PersistedDownload, error)
}

// Writer mutates download records. Durable writes are serialized through a
// single-writer discipline; progress updates are flushed at coarse milestones
// rather than on every byte-count callback.
type Writer interface {
	RegisterDownload(ctx context.Context, rec *data.PersistedDownload) error
	UpdateProgress(ctx context.Context, bookID, trackKey string, downloaded, total int64) error
	MarkCompleted(ctx context.Context, bookID, trackKey string) error
	MarkFailed(ctx context.Context, bookID, trackKey string) error
	RemoveDownload(ctx context.Context, bookID, trackKey string) error
	// Flush synchronously persists the current in-memory state. Wired to
	// low-memory and app-suspension signals.
	Flush(ctx context.Context) error
}

// TokenStore persists resumable-transfer tokens separately from progress
// records, keyed by a stable hash of the track's identity.
type TokenStore interface {
	SaveResumeToken(bookID, trackKey string, tok ResumeToken) error
	LoadResumeToken(bookID, trackKey string) (ResumeToken, bool, error)
	ClearResumeToken(bookID, trackKey string) error
}

// Store is the full persistence contract used by download tasks and the
// orchestrator.
type Store interface {
	Reader
	Writer
	TokenStore
	// ValidateAndRecoverDownloads reconciles persisted records against the
	// filesystem. A completed record whose file is missing is demoted to
	// Pending; a file present but not marked completed is surfaced with its
	// on-disk size and the record's byte count corrected.
	ValidateAndRecoverDownloads(ctx context.Context, bookID string) ([]Recovery, error)
	Close() error
}

// fileSize stats a path and returns its size, false when it does not exist.
func fileSize(path string) (int64, bool) {
	if path == "" {
		return 0, false
	}
	fi, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	return fi.Size(), true
}
