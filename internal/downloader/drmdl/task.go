// Package drmdl implements the DRM-wrapped transport: the protected archive
// is fetched over HTTP like any other asset, then handed to the external
// decryption collaborator to produce the playable file.
package drmdl

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/tinoosan/fable/internal/data"
	"github.com/tinoosan/fable/internal/downloader"
	"github.com/tinoosan/fable/internal/downloader/httpdl"
	"github.com/tinoosan/fable/internal/drm"
	"github.com/tinoosan/fable/internal/store"
)

// downloadWeight is the share of the progress bar given to the transfer;
// the remainder covers decryption.
const downloadWeight = 0.9

// Task fetches a wrapped archive and decrypts it. The inner HTTP task writes
// the wrapped payload next to the final destination; decryption replaces it.
type Task struct {
	track *data.Track
	inner *httpdl.Task
	dec   drm.Decryptor
	rep   downloader.Reporter
	log   *slog.Logger

	finalPath   string
	wrappedPath string

	mu         sync.Mutex
	decrypting bool
}

var _ downloader.Task = (*Task)(nil)

// New builds a DRM task. The wrapped archive is fetched under a derived
// track identity so its partial files never collide with the final asset.
func New(track *data.Track, bookID, dir string, st store.Store, dec drm.Decryptor, rep downloader.Reporter, client *http.Client, log *slog.Logger) *Task {
	if log == nil {
		log = slog.Default()
	}
	t := &Task{track: track, dec: dec, rep: rep, log: log}

	// The inner task reports into the interceptor below, never straight to
	// the host.
	wrapped := *track
	wrapped.URLs = track.URLs
	t.inner = httpdl.New(&wrapped, bookID, dir, st, downloader.FuncReporter(t.onInnerEvent), client, log)

	inner := t.inner.AssetStatus()
	t.wrappedPath = inner.Paths[0]
	t.finalPath = t.wrappedPath + ".dec"
	return t
}

func (t *Task) Key() string { return t.track.Key }

// Fetch downloads the wrapped archive (resumable like any HTTP transfer)
// and, once it lands, decrypts it. If the playable file already exists the
// completion is re-announced without touching the network.
func (t *Task) Fetch() {
	if t.AssetStatus().State == downloader.AssetSaved {
		t.report(downloader.Event{TrackKey: t.track.Key, Type: downloader.EventCompleted, Fraction: 1})
		return
	}
	t.inner.Fetch()
}

// Cancel stops the transfer but never an in-flight decryption: the external
// scheme must be allowed to run to completion independently, or it can leave
// its own state corrupt.
func (t *Task) Cancel() {
	t.mu.Lock()
	decrypting := t.decrypting
	t.mu.Unlock()
	if decrypting {
		return
	}
	t.inner.Cancel()
}

// Fail gives up on the track. The inner transfer carries the failure so the
// persisted record and retry state agree with the event; an in-flight
// decryption still runs to completion, its late outcome superseded by the
// Failed announced here.
func (t *Task) Fail(reason *downloader.FailureReason) {
	t.mu.Lock()
	decrypting := t.decrypting
	t.mu.Unlock()
	if decrypting {
		t.report(downloader.Event{Type: downloader.EventFailed, Reason: reason})
		return
	}
	t.inner.Fail(reason)
}

// Delete removes the playable file, the wrapped archive and any partials.
func (t *Task) Delete() {
	if err := os.Remove(t.finalPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		t.log.Warn("delete decrypted asset", "track", t.track.Key, "err", err)
	}
	// The inner delete removes the archive, clears the record and emits
	// Deleted through the interceptor.
	t.inner.Delete()
}

func (t *Task) AssetStatus() downloader.AssetStatus {
	_, err := os.Stat(t.finalPath)
	switch {
	case err == nil:
		return downloader.AssetStatus{State: downloader.AssetSaved, Paths: []string{t.finalPath}}
	case errors.Is(err, fs.ErrNotExist):
		return downloader.AssetStatus{State: downloader.AssetMissing, Paths: []string{t.finalPath}}
	default:
		return downloader.AssetStatus{State: downloader.AssetUnknown, Paths: []string{t.finalPath}}
	}
}

func (t *Task) NeedsRetry() bool {
	if t.AssetStatus().State == downloader.AssetSaved {
		return false
	}
	return t.inner.NeedsRetry()
}

// onInnerEvent rescales transfer progress and turns the archive's completion
// into the decryption phase.
func (t *Task) onInnerEvent(e downloader.Event) {
	switch e.Type {
	case downloader.EventProgress:
		e.Fraction *= downloadWeight
		t.report(e)
	case downloader.EventCompleted:
		go t.decrypt()
	default:
		t.report(e)
	}
}

func (t *Task) decrypt() {
	t.mu.Lock()
	if t.decrypting {
		t.mu.Unlock()
		return
	}
	t.decrypting = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.decrypting = false
		t.mu.Unlock()
	}()

	t.report(downloader.Event{TrackKey: t.track.Key, Type: downloader.EventProgress, Fraction: downloadWeight})

	// Detached context: teardown must not abort external DRM processing.
	if err := t.dec.Decrypt(context.Background(), t.wrappedPath, t.finalPath); err != nil {
		reason := &downloader.FailureReason{Kind: downloader.FailureOpaque, Description: err.Error()}
		t.report(downloader.Event{TrackKey: t.track.Key, Type: downloader.EventFailed, Reason: reason})
		t.log.Warn("decrypt failed", "track", t.track.Key, "err", err)
		return
	}
	t.report(downloader.Event{TrackKey: t.track.Key, Type: downloader.EventCompleted, Fraction: 1})
	t.log.Info("track decrypted", "track", t.track.Key)
}

func (t *Task) report(e downloader.Event) {
	if t.rep != nil {
		e.TrackKey = t.track.Key
		t.rep.Report(e)
	}
}
