// Package httpdl implements the open-access transport: plain HTTP audio
// files, one or more parts per track, with byte-range resumption.
package httpdl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/tinoosan/fable/internal/data"
	"github.com/tinoosan/fable/internal/downloader"
	"github.com/tinoosan/fable/internal/store"
)

// Task downloads one track's backing file(s) over HTTP. It satisfies
// downloader.Task; every outcome is announced on the event stream.
type Task struct {
	track  *data.Track
	bookID string
	dir    string
	client *http.Client
	st     store.Store
	rep    downloader.Reporter
	log    *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	// cancelled marks a run that is unwinding a cancelled context; a Fetch
	// arriving in that window waits on done instead of being swallowed by
	// the running check.
	cancelled bool
	// done is closed when the current run goroutine exits.
	done chan struct{}
	// forcedFailure is the reason handed to Fail while a run was in flight;
	// the unwinding run adopts it as its outcome.
	forcedFailure *downloader.FailureReason
	lastFailure   *downloader.FailureReason
	lastEmitted   float64
	etags         map[int]string
}

var _ downloader.Task = (*Task)(nil)

// New builds an HTTP task writing the track's asset under dir. The client
// may be nil, in which case DefaultClient() is used.
func New(track *data.Track, bookID, dir string, st store.Store, rep downloader.Reporter, client *http.Client, log *slog.Logger) *Task {
	if client == nil {
		client = DefaultClient()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Task{track: track, bookID: bookID, dir: dir, client: client, st: st, rep: rep, log: log,
		etags: make(map[int]string)}
}

func (t *Task) Key() string { return t.track.Key }

// Fetch starts or resumes the transfer. Calling it while a transfer is
// running is a no-op; calling it when the asset is already on disk
// re-announces completion instead of re-downloading. The disk check, not the
// in-memory state, decides, which keeps Fetch idempotent across process
// restarts.
func (t *Task) Fetch() {
	t.mu.Lock()
	for t.running {
		if !t.cancelled {
			t.mu.Unlock()
			return
		}
		// The previous run is unwinding its cancelled context. Wait it out
		// so a cancel-then-fetch sequence reliably starts a new transfer.
		done := t.done
		t.mu.Unlock()
		<-done
		t.mu.Lock()
	}
	if st := t.assetStatusLocked(); st.State == downloader.AssetSaved {
		t.lastFailure = nil
		t.mu.Unlock()
		t.report(downloader.Event{TrackKey: t.track.Key, Type: downloader.EventCompleted, Fraction: 1})
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.running = true
	t.cancelled = false
	t.lastFailure = nil
	t.lastEmitted = 0
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.run(ctx)
}

// Cancel stops an in-flight transfer. Resumable state has already been
// persisted as the transfer progressed; cancellation is not failure, so no
// event is emitted and no record is marked failed.
func (t *Task) Cancel() {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancelled = true
		t.cancel()
	}
	t.mu.Unlock()
}

// Fail aborts the transfer and records reason as the attempt's outcome,
// announcing Failed on the event stream. The watchdog calls it when a
// transfer burns through its retries, so the orchestrator sees a terminal
// event for the track and moves the pass along.
func (t *Task) Fail(reason *downloader.FailureReason) {
	t.mu.Lock()
	if t.running {
		t.forcedFailure = reason
		t.cancelled = true
		if t.cancel != nil {
			t.cancel()
		}
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.fail(reason)
}

// awaitIdle blocks until no run goroutine is active.
func (t *Task) awaitIdle() {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done != nil {
		<-done
	}
}

// takeForcedFailure hands the pending Fail reason, if any, to the unwinding
// run exactly once.
func (t *Task) takeForcedFailure() *downloader.FailureReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	fr := t.forcedFailure
	t.forcedFailure = nil
	return fr
}

// Delete removes the final asset and any partial files. It is safe to call
// when nothing exists on disk.
func (t *Task) Delete() {
	t.Cancel()
	t.awaitIdle()
	paths := append([]string{t.finalPath()}, t.partPaths()...)
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			t.log.Warn("delete asset file", "track", t.track.Key, "path", p, "err", err)
		}
	}
	if err := t.st.RemoveDownload(context.Background(), t.bookID, t.track.Key); err != nil && !errors.Is(err, store.ErrNotFound) {
		t.log.Warn("remove download record", "track", t.track.Key, "err", err)
	}
	t.mu.Lock()
	t.lastFailure = nil
	t.mu.Unlock()
	t.report(downloader.Event{TrackKey: t.track.Key, Type: downloader.EventDeleted})
}

// AssetStatus inspects the filesystem directly; it is the source of truth
// shared with the orchestrator and deliberately ignores in-memory state.
func (t *Task) AssetStatus() downloader.AssetStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.assetStatusLocked()
}

func (t *Task) assetStatusLocked() downloader.AssetStatus {
	final := t.finalPath()
	_, err := os.Stat(final)
	switch {
	case err == nil:
		return downloader.AssetStatus{State: downloader.AssetSaved, Paths: []string{final}}
	case errors.Is(err, fs.ErrNotExist):
		return downloader.AssetStatus{State: downloader.AssetMissing, Paths: []string{final}}
	default:
		return downloader.AssetStatus{State: downloader.AssetUnknown, Paths: []string{final}}
	}
}

// NeedsRetry reports whether the last attempt failed in a way another fetch
// could fix, and the asset is still not on disk.
func (t *Task) NeedsRetry() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running || t.lastFailure == nil || !t.lastFailure.Retryable() {
		return false
	}
	return t.assetStatusLocked().State != downloader.AssetSaved
}

// finalPath is the destination file for the fully assembled track.
func (t *Task) finalPath() string {
	ext := path.Ext(t.track.URLs[0])
	if ext == "" {
		ext = ".audio"
	}
	return filepath.Join(t.dir, t.track.Key+ext)
}

// partPaths are the intermediate files, one per source URL.
func (t *Task) partPaths() []string {
	out := make([]string, len(t.track.URLs))
	for i := range t.track.URLs {
		out[i] = fmt.Sprintf("%s.part%d", t.finalPath(), i)
	}
	return out
}

func (t *Task) report(e downloader.Event) {
	if t.rep != nil {
		t.rep.Report(e)
	}
}

func (t *Task) finish(failure *downloader.FailureReason) {
	t.mu.Lock()
	t.running = false
	t.cancelled = false
	t.cancel = nil
	t.forcedFailure = nil
	t.lastFailure = failure
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	t.mu.Unlock()
}

// DefaultClient returns the transport used for track fetches. There is no
// whole-request timeout: audio files legitimately take minutes. The 60s
// response-header timeout detects a dead connection; a live connection that
// stops moving bytes is the watchdog's job, not ours.
func DefaultClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
			ResponseHeaderTimeout: 60 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}

// classify maps transport errors onto the failure taxonomy. A nil return
// means the error was a local cancellation and should stay silent.
func classify(err error) *downloader.FailureReason {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		(errors.As(err, &ne) && ne.Timeout()) {
		return &downloader.FailureReason{Kind: downloader.FailureConnectionLost, Description: err.Error()}
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		if errors.Is(ue.Err, context.Canceled) {
			return nil
		}
		return &downloader.FailureReason{Kind: downloader.FailureConnectionLost, Description: ue.Err.Error()}
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return &downloader.FailureReason{Kind: downloader.FailureConnectionLost, Description: oe.Error()}
	}
	return &downloader.FailureReason{Kind: downloader.FailureOpaque, Description: err.Error()}
}

// statusFailure maps non-2xx responses onto the taxonomy.
func statusFailure(resp *http.Response) *downloader.FailureReason {
	if resp.StatusCode == http.StatusUnauthorized {
		return &downloader.FailureReason{Kind: downloader.FailureAuthRequired, Description: resp.Status}
	}
	return &downloader.FailureReason{Kind: downloader.FailureOpaque, Description: resp.Status}
}
