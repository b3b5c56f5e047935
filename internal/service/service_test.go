package service

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tinoosan/fable/internal/data"
	"github.com/tinoosan/fable/internal/downloader"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubTask replays a scripted event sequence per Fetch call. The last script
// entry repeats if Fetch is called more often than scripted.
type stubTask struct {
	key string
	rep downloader.Reporter

	mu    sync.Mutex
	plan  [][]downloader.Event
	calls int
	retry bool
}

func (s *stubTask) Key() string { return s.key }

func (s *stubTask) Fetch() {
	s.mu.Lock()
	var evs []downloader.Event
	if len(s.plan) > 0 {
		i := s.calls
		if i >= len(s.plan) {
			i = len(s.plan) - 1
		}
		evs = s.plan[i]
	}
	s.calls++
	s.mu.Unlock()

	for _, e := range evs {
		e.TrackKey = s.key
		if e.Type == downloader.EventFailed {
			s.mu.Lock()
			s.retry = e.Reason != nil && e.Reason.Retryable()
			s.mu.Unlock()
		}
		if e.Type == downloader.EventCompleted {
			s.mu.Lock()
			s.retry = false
			s.mu.Unlock()
		}
		s.rep.Report(e)
	}
}

func (s *stubTask) Cancel() {}

func (s *stubTask) Fail(reason *downloader.FailureReason) {
	s.mu.Lock()
	s.retry = reason != nil && reason.Retryable()
	s.mu.Unlock()
	s.rep.Report(downloader.Event{TrackKey: s.key, Type: downloader.EventFailed, Reason: reason})
}

func (s *stubTask) Delete() {
	s.rep.Report(downloader.Event{TrackKey: s.key, Type: downloader.EventDeleted})
}

func (s *stubTask) AssetStatus() downloader.AssetStatus {
	return downloader.AssetStatus{State: downloader.AssetMissing}
}

func (s *stubTask) NeedsRetry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry
}

func (s *stubTask) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func completes() []downloader.Event {
	return []downloader.Event{
		{Type: downloader.EventProgress, Fraction: 0.5},
		{Type: downloader.EventCompleted, Fraction: 1},
	}
}

func failsWith(kind downloader.FailureKind) []downloader.Event {
	return []downloader.Event{
		{Type: downloader.EventFailed, Reason: &downloader.FailureReason{Kind: kind}},
	}
}

func threeTracks() data.Tracks {
	return data.Tracks{
		{Key: "t1", Index: 0, Title: "One", Duration: 60, URLs: []string{"u1"}},
		{Key: "t2", Index: 1, Title: "Two", Duration: 60, URLs: []string{"u2"}},
		{Key: "t3", Index: 2, Title: "Three", Duration: 60, URLs: []string{"u3"}},
	}
}

// newStubbed builds a service whose tasks follow the given plans, keyed by
// track key. Tracks with no plan complete on first fetch.
func newStubbed(t *testing.T, tracks data.Tracks, plans map[string][][]downloader.Event) (*Service, map[string]*stubTask) {
	t.Helper()
	stubs := make(map[string]*stubTask)
	svc := New(silentLogger(), tracks, func(tr *data.Track, rep downloader.Reporter) downloader.Task {
		plan := plans[tr.Key]
		if plan == nil {
			plan = [][]downloader.Event{completes()}
		}
		st := &stubTask{key: tr.Key, rep: rep, plan: plan}
		stubs[tr.Key] = st
		return st
	})
	t.Cleanup(svc.Close)
	return svc, stubs
}

// until drains events, returning everything seen up to and including the
// first event of the wanted type.
func until(t *testing.T, ch <-chan Event, want EventType) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed waiting for %v; got %v", want, out)
			}
			out = append(out, e)
			if e.Type == want {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v; got %v", want, out)
		}
	}
}

func TestFetchRunsTracksInOrder(t *testing.T) {
	svc, stubs := newStubbed(t, threeTracks(), nil)

	svc.Fetch()
	events := until(t, svc.Events(), EventAllComplete)

	var completed []string
	for _, e := range events {
		if e.Type == EventCompleted {
			completed = append(completed, e.TrackKey)
		}
	}
	wantOrder := []string{"t1", "t2", "t3"}
	if len(completed) != len(wantOrder) {
		t.Fatalf("completed %v, want %v", completed, wantOrder)
	}
	for i, k := range wantOrder {
		if completed[i] != k {
			t.Fatalf("completed %v, want %v", completed, wantOrder)
		}
	}
	for k, st := range stubs {
		if st.fetchCount() != 1 {
			t.Fatalf("track %s fetched %d times", k, st.fetchCount())
		}
	}
	if got := svc.OverallProgress(); got != 1 {
		t.Fatalf("overall progress = %v, want 1", got)
	}
}

func TestFailedTrackDoesNotHaltThePass(t *testing.T) {
	plans := map[string][][]downloader.Event{
		"t2": {failsWith(downloader.FailureAuthRequired)},
	}
	svc, _ := newStubbed(t, threeTracks(), plans)

	svc.Fetch()
	// Auth failures are not retryable, so the book settles with an error and
	// AllComplete still fires.
	events := until(t, svc.Events(), EventAllComplete)

	var sawError bool
	var sawT3 bool
	for _, e := range events {
		if e.Type == EventError && e.TrackKey == "t2" {
			if e.Reason == nil || e.Reason.Kind != downloader.FailureAuthRequired {
				t.Fatalf("error reason = %+v", e.Reason)
			}
			sawError = true
		}
		if e.Type == EventCompleted && e.TrackKey == "t3" {
			sawT3 = true
		}
	}
	if !sawError {
		t.Fatal("no error event for the failed track")
	}
	if !sawT3 {
		t.Fatal("orchestrator stalled instead of advancing past the failure")
	}
}

func TestRetryAfterConnectionLossReachesAllComplete(t *testing.T) {
	plans := map[string][][]downloader.Event{
		"t2": {
			failsWith(downloader.FailureConnectionLost),
			completes(),
		},
	}
	svc, stubs := newStubbed(t, threeTracks(), plans)

	svc.Fetch()
	firstPass := until(t, svc.Events(), EventError)
	for _, e := range firstPass {
		if e.Type == EventAllComplete {
			t.Fatal("AllComplete fired with a retryable failure outstanding")
		}
	}
	// Let the rest of the first pass settle.
	until(t, svc.Events(), EventCompleted)

	if !stubs["t2"].NeedsRetry() {
		t.Fatal("connection loss should leave the task retryable")
	}
	svc.FetchUndownloadedTracks()
	events := until(t, svc.Events(), EventAllComplete)

	var retried bool
	for _, e := range events {
		if e.Type == EventCompleted && e.TrackKey == "t2" {
			retried = true
		}
	}
	if !retried {
		t.Fatal("failed track was not re-fetched")
	}
	if stubs["t1"].fetchCount() != 1 || stubs["t3"].fetchCount() != 1 {
		t.Fatal("retry pass re-fetched tracks that were already complete")
	}
	if got := svc.OverallProgress(); got != 1 {
		t.Fatalf("overall progress = %v, want 1", got)
	}
}

func TestOverallProgressNeverDecreases(t *testing.T) {
	plans := map[string][][]downloader.Event{
		"t1": {{
			{Type: downloader.EventProgress, Fraction: 0.25},
			{Type: downloader.EventProgress, Fraction: 0.5},
			{Type: downloader.EventProgress, Fraction: 0.75},
			{Type: downloader.EventCompleted, Fraction: 1},
		}},
	}
	svc, _ := newStubbed(t, threeTracks(), plans)

	svc.Fetch()
	events := until(t, svc.Events(), EventAllComplete)

	last := -1.0
	for _, e := range events {
		if e.Type != EventProgress && e.Type != EventCompleted {
			continue
		}
		if e.Overall < last {
			t.Fatalf("overall progress decreased: %v after %v", e.Overall, last)
		}
		last = e.Overall
	}
	if last != 1 {
		t.Fatalf("final overall = %v, want 1", last)
	}
}

func TestAllCompleteFiresExactlyOnce(t *testing.T) {
	svc, _ := newStubbed(t, threeTracks(), nil)

	svc.Fetch()
	until(t, svc.Events(), EventAllComplete)

	// A second pass over an already-complete book must not re-arm the
	// terminal event.
	svc.Fetch()
	select {
	case e, ok := <-svc.Events():
		if ok && e.Type == EventAllComplete {
			t.Fatal("AllComplete fired twice")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeleteAllEmitsDeletedPerTrack(t *testing.T) {
	svc, _ := newStubbed(t, threeTracks(), nil)

	svc.Fetch()
	until(t, svc.Events(), EventAllComplete)

	svc.DeleteAll()
	seen := map[string]bool{}
	deadline := time.After(5 * time.Second)
	for len(seen) < 3 {
		select {
		case e := <-svc.Events():
			if e.Type == EventDeleted {
				seen[e.TrackKey] = true
			}
		case <-deadline:
			t.Fatalf("missing Deleted events; saw %v", seen)
		}
	}
	if got := svc.OverallProgress(); got != 0 {
		t.Fatalf("overall progress after delete = %v, want 0", got)
	}
}
