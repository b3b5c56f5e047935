package httpdl

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinoosan/fable/internal/data"
	"github.com/tinoosan/fable/internal/downloader"
	"github.com/tinoosan/fable/internal/store"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collect drains events until a terminal one (Completed, Failed, Deleted)
// arrives or the timeout fires.
func collect(t *testing.T, ch <-chan downloader.Event) []downloader.Event {
	t.Helper()
	var out []downloader.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-ch:
			out = append(out, e)
			switch e.Type {
			case downloader.EventCompleted, downloader.EventFailed, downloader.EventDeleted:
				return out
			}
		case <-deadline:
			t.Fatalf("no terminal event; got %v", out)
		}
	}
}

func newTask(t *testing.T, url string, st store.Store) (*Task, <-chan downloader.Event, string) {
	t.Helper()
	dir := t.TempDir()
	track := &data.Track{Key: "trk", Index: 0, Title: "One", Duration: 10, URLs: []string{url}}
	ch := make(chan downloader.Event, 256)
	task := New(track, "book", dir, st, downloader.NewChanReporter(ch), nil, silentLogger())
	return task, ch, dir
}

func TestFetchDownloadsAndCompletes(t *testing.T) {
	body := strings.Repeat("audio-bytes.", 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()

	st := store.NewMemStore()
	task, ch, _ := newTask(t, srv.URL+"/one.mp3", st)

	task.Fetch()
	events := collect(t, ch)

	last := events[len(events)-1]
	if last.Type != downloader.EventCompleted {
		t.Fatalf("terminal event = %v", last.Type)
	}
	status := task.AssetStatus()
	if status.State != downloader.AssetSaved {
		t.Fatalf("asset not saved: %+v", status)
	}
	got, err := os.ReadFile(status.Paths[0])
	if err != nil {
		t.Fatalf("read asset: %v", err)
	}
	if string(got) != body {
		t.Fatalf("asset content mismatch: %d vs %d bytes", len(got), len(body))
	}

	rec, err := st.Get(context.Background(), "book", "trk")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != data.StatusCompleted {
		t.Fatalf("record status = %v", rec.Status)
	}
	if _, ok, _ := st.LoadResumeToken("book", "trk"); ok {
		t.Fatal("resume token survived completion")
	}
}

func TestFetchIsIdempotentWhenSaved(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, "payload")
	}))
	defer srv.Close()

	st := store.NewMemStore()
	task, ch, _ := newTask(t, srv.URL+"/one.mp3", st)

	task.Fetch()
	collect(t, ch)
	if hits.Load() != 1 {
		t.Fatalf("expected 1 request, got %d", hits.Load())
	}

	// Second fetch must re-announce completion from the disk check alone.
	task.Fetch()
	events := collect(t, ch)
	if events[len(events)-1].Type != downloader.EventCompleted {
		t.Fatalf("expected re-announced completion, got %v", events)
	}
	if hits.Load() != 1 {
		t.Fatalf("idempotent fetch still hit the network: %d requests", hits.Load())
	}
}

func TestUnauthorizedSurfacesAuthRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	st := store.NewMemStore()
	task, ch, _ := newTask(t, srv.URL+"/one.mp3", st)

	task.Fetch()
	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Type != downloader.EventFailed {
		t.Fatalf("terminal event = %v", last.Type)
	}
	if last.Reason == nil || last.Reason.Kind != downloader.FailureAuthRequired {
		t.Fatalf("reason = %+v", last.Reason)
	}
	if task.NeedsRetry() {
		t.Fatal("auth failures are not retryable without host intervention")
	}
}

func TestServerErrorIsOpaqueAndTokenSaved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := store.NewMemStore()
	task, ch, _ := newTask(t, srv.URL+"/one.mp3", st)

	task.Fetch()
	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Reason == nil || last.Reason.Kind != downloader.FailureOpaque {
		t.Fatalf("reason = %+v", last.Reason)
	}
	rec, err := st.Get(context.Background(), "book", "trk")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != data.StatusFailed {
		t.Fatalf("record status = %v", rec.Status)
	}
}

func TestResumeFromPartialFile(t *testing.T) {
	body := "0123456789abcdef"
	var sawRange atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		if rg := r.Header.Get("Range"); rg == "bytes=8-" {
			sawRange.Store(true)
			w.Header().Set("Content-Range", fmt.Sprintf("bytes 8-15/%d", len(body)))
			w.WriteHeader(http.StatusPartialContent)
			_, _ = io.WriteString(w, body[8:])
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()

	st := store.NewMemStore()
	task, ch, dir := newTask(t, srv.URL+"/one.mp3", st)

	// Simulate an interrupted earlier attempt: first half on disk plus a
	// matching resume token.
	part := task.partPaths()[0]
	if err := os.MkdirAll(filepath.Dir(part), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(part, []byte(body[:8]), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveResumeToken("book", "trk", store.ResumeToken{Part: 0, Offset: 8, ETag: `"v1"`}); err != nil {
		t.Fatal(err)
	}
	_ = dir

	task.Fetch()
	events := collect(t, ch)
	if events[len(events)-1].Type != downloader.EventCompleted {
		t.Fatalf("terminal event = %v", events[len(events)-1].Type)
	}
	if !sawRange.Load() {
		t.Fatal("no Range request made; transfer restarted from byte 0")
	}
	got, err := os.ReadFile(task.finalPath())
	if err != nil {
		t.Fatalf("read asset: %v", err)
	}
	if string(got) != body {
		t.Fatalf("resumed content mismatch: %q", got)
	}
}

func TestMultiPartConcatenation(t *testing.T) {
	partA := strings.Repeat("a", 100)
	partB := strings.Repeat("b", 50)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a.mp3":
			_, _ = io.WriteString(w, partA)
		case "/b.mp3":
			_, _ = io.WriteString(w, partB)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	track := &data.Track{Key: "multi", Index: 0, Title: "Two Files", Duration: 10,
		URLs: []string{srv.URL + "/a.mp3", srv.URL + "/b.mp3"}}
	ch := make(chan downloader.Event, 256)
	st := store.NewMemStore()
	task := New(track, "book", dir, st, downloader.NewChanReporter(ch), nil, silentLogger())

	task.Fetch()
	events := collect(t, ch)
	if events[len(events)-1].Type != downloader.EventCompleted {
		t.Fatalf("terminal event = %v", events[len(events)-1].Type)
	}
	got, err := os.ReadFile(task.finalPath())
	if err != nil {
		t.Fatalf("read asset: %v", err)
	}
	if string(got) != partA+partB {
		t.Fatalf("concatenated content mismatch: %d bytes", len(got))
	}
	for _, p := range task.partPaths() {
		if _, err := os.Stat(p); err == nil {
			t.Fatalf("part file %s not cleaned up", p)
		}
	}
}

func TestDeleteIsSafeWhenNothingExists(t *testing.T) {
	st := store.NewMemStore()
	task, ch, _ := newTask(t, "http://127.0.0.1:0/never.mp3", st)

	task.Delete()
	events := collect(t, ch)
	if events[len(events)-1].Type != downloader.EventDeleted {
		t.Fatalf("expected Deleted, got %v", events)
	}
}

func TestFetchAfterCancelStartsNewTransfer(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	st := store.NewMemStore()
	task, _, _ := newTask(t, srv.URL+"/one.mp3", st)

	task.Fetch()
	waitForHits(t, &hits, 1)

	// The cancel-then-fetch sequence the watchdog uses for a retry: the
	// second fetch must wait out the unwinding run and hit the network again
	// instead of bouncing off the in-flight check.
	task.Cancel()
	task.Fetch()
	waitForHits(t, &hits, 2)

	// Tear the second transfer down before the temp dir goes away.
	task.Cancel()
	task.awaitIdle()
}

func TestFailSurfacesTerminalEventWhileRunning(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	st := store.NewMemStore()
	task, ch, _ := newTask(t, srv.URL+"/one.mp3", st)

	task.Fetch()
	waitForHits(t, &hits, 1)

	task.Fail(&downloader.FailureReason{Kind: downloader.FailureStalled, Description: "stalled after 3 retries"})
	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Type != downloader.EventFailed {
		t.Fatalf("terminal event = %v", last.Type)
	}
	if last.Reason == nil || last.Reason.Kind != downloader.FailureStalled {
		t.Fatalf("reason = %+v", last.Reason)
	}
	if !task.NeedsRetry() {
		t.Fatal("a stalled track must stay retryable for the host")
	}
	rec, err := st.Get(context.Background(), "book", "trk")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != data.StatusFailed {
		t.Fatalf("record status = %v", rec.Status)
	}
}

func waitForHits(t *testing.T, hits *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for hits.Load() < want {
		if time.Now().After(deadline) {
			t.Fatalf("server saw %d requests, want %d", hits.Load(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectionRefusedIsRetryable(t *testing.T) {
	// Nothing listens on this address.
	st := store.NewMemStore()
	task, ch, _ := newTask(t, "http://127.0.0.1:1/one.mp3", st)

	task.Fetch()
	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Type != downloader.EventFailed {
		t.Fatalf("terminal event = %v", last.Type)
	}
	if last.Reason == nil || last.Reason.Kind != downloader.FailureConnectionLost {
		t.Fatalf("reason = %+v", last.Reason)
	}
	if !task.NeedsRetry() {
		t.Fatal("connection loss should mark the task for retry")
	}
}
