package httpdl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/tinoosan/fable/internal/data"
	"github.com/tinoosan/fable/internal/downloader"
	"github.com/tinoosan/fable/internal/metrics"
	"github.com/tinoosan/fable/internal/store"
)

// progressStep is the minimum fraction advance between Progress events, to
// keep event volume independent of chunk size.
const progressStep = 0.01

// run drives the whole transfer: every part in order, then assembly. It owns
// the task's lifecycle end to end and always calls finish exactly once.
func (t *Task) run(ctx context.Context) {
	metrics.ActiveDownloads.Inc()
	defer metrics.ActiveDownloads.Dec()

	t.report(downloader.Event{TrackKey: t.track.Key, Type: downloader.EventPending})

	if err := os.MkdirAll(filepath.Dir(t.finalPath()), 0o755); err != nil {
		t.fail(&downloader.FailureReason{Kind: downloader.FailureOpaque, Description: err.Error()})
		return
	}
	if err := t.st.RegisterDownload(ctx, &data.PersistedDownload{
		BookID:           t.bookID,
		TrackKey:         t.track.Key,
		RemoteSource:     t.track.URLs[0],
		LocalDestination: t.finalPath(),
	}); err != nil {
		t.log.Warn("register download", "track", t.track.Key, "err", err)
	}

	parts := t.partPaths()
	n := len(parts)
	var bytesDone int64

	for i, rawURL := range t.track.URLs {
		written, err := t.fetchPart(ctx, i, rawURL, parts[i], func(partFrac float64, total int64) {
			frac := (float64(i) + partFrac) / float64(n)
			t.emitProgress(frac)
			if err := t.st.UpdateProgress(ctx, t.bookID, t.track.Key, bytesDone+int64(partFrac*float64(total)), t.totalEstimate(i, total)); err != nil {
				t.log.Debug("update progress", "track", t.track.Key, "err", err)
			}
		})
		bytesDone += written
		if err != nil {
			// Capture resumable state before abandoning the transfer so
			// the next fetch continues rather than restarting from byte 0.
			t.saveToken(i, parts[i])
			if reason := classifyOrStatus(err); reason != nil {
				t.fail(reason)
			} else if forced := t.takeForcedFailure(); forced != nil {
				// The cancellation came from Fail; adopt its reason so the
				// track fails audibly instead of going quiet.
				t.fail(forced)
			} else {
				t.finish(nil) // cancelled
			}
			return
		}
	}

	if err := t.assemble(parts); err != nil {
		t.fail(&downloader.FailureReason{Kind: downloader.FailureOpaque, Description: err.Error()})
		return
	}

	if err := t.st.UpdateProgress(ctx, t.bookID, t.track.Key, bytesDone, bytesDone); err != nil && !errors.Is(err, store.ErrNotFound) {
		t.log.Debug("final progress", "track", t.track.Key, "err", err)
	}
	if err := t.st.MarkCompleted(context.Background(), t.bookID, t.track.Key); err != nil {
		t.log.Warn("mark completed", "track", t.track.Key, "err", err)
	}
	t.finish(nil)
	t.report(downloader.Event{TrackKey: t.track.Key, Type: downloader.EventCompleted, Fraction: 1})
	t.log.Info("track downloaded", "book", t.bookID, "track", t.track.Key, "bytes", bytesDone)
}

// fetchPart downloads one URL into partPath, resuming from whatever prefix
// is already on disk when the stored token still matches the remote file.
// It returns the bytes written during this call.
func (t *Task) fetchPart(ctx context.Context, idx int, rawURL, partPath string, onProgress func(frac float64, total int64)) (int64, error) {
	offset := int64(0)
	etag := ""
	if fi, err := os.Stat(partPath); err == nil {
		offset = fi.Size()
	}
	if tok, ok, _ := t.st.LoadResumeToken(t.bookID, t.track.Key); ok && tok.Part == idx {
		etag = tok.ETag
		if tok.Offset < offset {
			// Disk moved past the token; trust the smaller, proven value.
			offset = tok.Offset
		}
	} else if offset > 0 {
		// Bytes on disk but no token to validate them against the remote
		// file; restarting is the only safe option.
		offset = 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		if etag != "" {
			req.Header.Set("If-Range", etag)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("ETag"); v != "" {
		t.mu.Lock()
		t.etags[idx] = v
		t.mu.Unlock()
	}

	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// The part is already fully on disk.
		onProgress(1, offset)
		return 0, nil
	case resp.StatusCode == http.StatusPartialContent:
		// keep offset, append
	case resp.StatusCode == http.StatusOK:
		// Full body: the server ignored the range or the file changed.
		offset = 0
	default:
		return 0, &httpStatusError{resp: resp}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return 0, err
	}

	total := offset + resp.ContentLength
	if resp.ContentLength < 0 {
		total = 0
	}
	var written int64
	pw := &progressWriter{w: f, onWrite: func(n int) {
		written += int64(n)
		metrics.BytesDownloaded.Add(float64(n))
		if total > 0 {
			onProgress(float64(offset+written)/float64(total), total)
		}
	}}

	_, copyErr := io.Copy(pw, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		return written, copyErr
	}
	if closeErr != nil {
		return written, closeErr
	}

	// This part is done; point the token at the start of the next one.
	if err := t.st.SaveResumeToken(t.bookID, t.track.Key, store.ResumeToken{Part: idx + 1}); err != nil {
		t.log.Debug("save resume token", "track", t.track.Key, "err", err)
	}
	onProgress(1, total)
	return written, nil
}

// assemble concatenates completed parts into the final destination. A single
// part is renamed in place; multiple parts are stitched in order and removed.
func (t *Task) assemble(parts []string) error {
	final := t.finalPath()
	if len(parts) == 1 {
		return os.Rename(parts[0], final)
	}
	tmp := final + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	for _, p := range parts {
		in, err := os.Open(p)
		if err != nil {
			out.Close()
			return err
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			return err
		}
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		return err
	}
	for _, p := range parts {
		_ = os.Remove(p)
	}
	return nil
}

// saveToken records where the transfer stopped so the next fetch resumes.
func (t *Task) saveToken(part int, partPath string) {
	offset := int64(0)
	if fi, err := os.Stat(partPath); err == nil {
		offset = fi.Size()
	}
	tok := store.ResumeToken{Part: part, Offset: offset, ETag: t.lastETag(part)}
	if err := t.st.SaveResumeToken(t.bookID, t.track.Key, tok); err != nil {
		t.log.Warn("save resume token", "track", t.track.Key, "err", err)
	}
}

func (t *Task) fail(reason *downloader.FailureReason) {
	if err := t.st.MarkFailed(context.Background(), t.bookID, t.track.Key); err != nil && !errors.Is(err, store.ErrNotFound) {
		t.log.Warn("mark failed", "track", t.track.Key, "err", err)
	}
	t.finish(reason)
	t.report(downloader.Event{TrackKey: t.track.Key, Type: downloader.EventFailed, Reason: reason})
	t.log.Warn("track download failed", "book", t.bookID, "track", t.track.Key,
		"kind", string(reason.Kind), "detail", reason.Description)
}

// emitProgress throttles Progress events to progressStep advances.
func (t *Task) emitProgress(frac float64) {
	t.mu.Lock()
	if frac < t.lastEmitted+progressStep && frac < 1 {
		t.mu.Unlock()
		return
	}
	t.lastEmitted = frac
	t.mu.Unlock()
	t.report(downloader.Event{TrackKey: t.track.Key, Type: downloader.EventProgress, Fraction: frac})
}

// totalEstimate is byte bookkeeping for the store. Only the current part's
// total is known mid-flight; earlier parts are already counted and later
// parts are unknown, so this is a floor, corrected at completion.
func (t *Task) totalEstimate(part int, partTotal int64) int64 {
	if len(t.track.URLs) == 1 {
		return partTotal
	}
	return 0
}

// lastETag returns the validator observed for the given part, if any.
func (t *Task) lastETag(part int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.etags[part]
}

type progressWriter struct {
	w       io.Writer
	onWrite func(int)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if n > 0 && p.onWrite != nil {
		p.onWrite(n)
	}
	return n, err
}

// httpStatusError carries a non-2xx response through the error path so the
// failure taxonomy can inspect the status code.
type httpStatusError struct {
	resp *http.Response
}

func (e *httpStatusError) Error() string { return "http: " + e.resp.Status }

func classifyOrStatus(err error) *downloader.FailureReason {
	var se *httpStatusError
	if errors.As(err, &se) {
		return statusFailure(se.resp)
	}
	return classify(err)
}
