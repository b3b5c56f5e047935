package watchdog

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tinoosan/fable/internal/downloader"
)

type stubTask struct {
	key string

	mu      sync.Mutex
	fetches int
	cancels int
	fails   []*downloader.FailureReason
}

func (s *stubTask) Key() string { return s.key }
func (s *stubTask) Fetch() {
	s.mu.Lock()
	s.fetches++
	s.mu.Unlock()
}
func (s *stubTask) Cancel() {
	s.mu.Lock()
	s.cancels++
	s.mu.Unlock()
}
func (s *stubTask) Fail(reason *downloader.FailureReason) {
	s.mu.Lock()
	s.fails = append(s.fails, reason)
	s.mu.Unlock()
}
func (s *stubTask) Delete() {}
func (s *stubTask) AssetStatus() downloader.AssetStatus {
	return downloader.AssetStatus{State: downloader.AssetMissing}
}
func (s *stubTask) NeedsRetry() bool { return false }

func (s *stubTask) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func (s *stubTask) failures() []*downloader.FailureReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*downloader.FailureReason(nil), s.fails...)
}

// harness wires a watchdog with a manual clock and captured retry callbacks
// so tests control time completely. The sweep loop is parked on an interval
// it will never reach.
type harness struct {
	wd      *Watchdog
	now     time.Time
	pending []func()
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	cfg.CheckInterval = time.Hour
	h := &harness{now: time.Unix(1_700_000_000, 0)}
	h.wd = New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.wd.now = func() time.Time { return h.now }
	h.wd.schedule = func(_ time.Duration, f func()) { h.pending = append(h.pending, f) }
	t.Cleanup(h.wd.Close)
	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func (h *harness) runPending() {
	for _, f := range h.pending {
		f()
	}
	h.pending = nil
}

// drain returns whatever events are immediately available.
func drain(wd *Watchdog) []Event {
	var out []Event
	for {
		select {
		case e := <-wd.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestStallDetectionFiresOncePerEpisode(t *testing.T) {
	cfg := Config{StallTimeout: 45 * time.Second, MaxRetries: 3, RetryDelay: 5 * time.Second}
	h := newHarness(t, cfg)
	task := &stubTask{key: "trk"}

	h.wd.Watch(task)
	h.advance(46 * time.Second)
	h.wd.sweep()

	events := drain(h.wd)
	if len(events) != 2 || events[0].Type != EventStalled || events[1].Type != EventRetryScheduled {
		t.Fatalf("events = %v", events)
	}
	if events[0].Retries != 1 {
		t.Fatalf("retry count = %d, want 1", events[0].Retries)
	}

	// Sweeping again before the retry fires must not re-report the episode.
	h.wd.sweep()
	if extra := drain(h.wd); len(extra) != 0 {
		t.Fatalf("episode double-counted: %v", extra)
	}

	h.runPending()
	if task.fetchCount() != 1 {
		t.Fatalf("fetches = %d, want 1", task.fetchCount())
	}

	// The retry restarted the clock; no stall until another timeout passes.
	h.advance(30 * time.Second)
	h.wd.sweep()
	if extra := drain(h.wd); len(extra) != 0 {
		t.Fatalf("stalled before the timeout: %v", extra)
	}
}

func TestProgressAfterRetryRecovers(t *testing.T) {
	cfg := Config{StallTimeout: 45 * time.Second, MaxRetries: 3, RetryDelay: 5 * time.Second}
	h := newHarness(t, cfg)
	task := &stubTask{key: "trk"}

	h.wd.Watch(task)
	h.wd.Observe("trk", 0.1)
	h.advance(50 * time.Second)
	h.wd.sweep()
	h.runPending()
	drain(h.wd)

	h.wd.Observe("trk", 0.2)
	events := drain(h.wd)
	if len(events) != 1 || events[0].Type != EventRecovered {
		t.Fatalf("events = %v", events)
	}

	// Recovery resets the retry budget: the next stall is episode 1 again.
	h.advance(50 * time.Second)
	h.wd.sweep()
	events = drain(h.wd)
	if len(events) != 2 || events[0].Type != EventStalled || events[0].Retries != 1 {
		t.Fatalf("events after recovery = %v", events)
	}
}

func TestFailsTerminallyAfterMaxRetries(t *testing.T) {
	cfg := Config{StallTimeout: 45 * time.Second, MaxRetries: 2, RetryDelay: 5 * time.Second}
	h := newHarness(t, cfg)
	task := &stubTask{key: "trk"}
	h.wd.Watch(task)

	for i := 0; i < 2; i++ {
		h.advance(50 * time.Second)
		h.wd.sweep()
		h.runPending()
		drain(h.wd)
	}
	if task.fetchCount() != 2 {
		t.Fatalf("fetches = %d, want 2", task.fetchCount())
	}

	h.advance(50 * time.Second)
	h.wd.sweep()
	events := drain(h.wd)
	if len(events) != 1 || events[0].Type != EventFailed {
		t.Fatalf("events = %v", events)
	}
	reason := events[0].Reason
	if reason == nil || reason.Kind != downloader.FailureStalled {
		t.Fatalf("reason = %+v", reason)
	}
	if reason.Description != "stalled after 2 retries" {
		t.Fatalf("description = %q", reason.Description)
	}

	// The failure must go through the task, not just the watchdog's own
	// stream, so the orchestrator gets a terminal event for the track.
	fails := task.failures()
	if len(fails) != 1 || fails[0].Kind != downloader.FailureStalled {
		t.Fatalf("task failures = %v", fails)
	}

	// Terminal: the track is no longer watched and nothing else fires.
	h.advance(time.Hour)
	h.wd.sweep()
	h.runPending()
	if extra := drain(h.wd); len(extra) != 0 {
		t.Fatalf("events after terminal failure: %v", extra)
	}
	if task.fetchCount() != 2 {
		t.Fatalf("retry scheduled after terminal failure: %d fetches", task.fetchCount())
	}
}

func TestRemoveStopsMonitoring(t *testing.T) {
	cfg := Config{StallTimeout: 45 * time.Second}
	h := newHarness(t, cfg)
	task := &stubTask{key: "trk"}

	h.wd.Watch(task)
	h.wd.Remove("trk")
	h.advance(time.Hour)
	h.wd.sweep()
	if events := drain(h.wd); len(events) != 0 {
		t.Fatalf("events for removed track: %v", events)
	}
}

func TestObserveUnwatchedTrackIsNoop(t *testing.T) {
	h := newHarness(t, Config{})
	h.wd.Observe("ghost", 0.5)
	if events := drain(h.wd); len(events) != 0 {
		t.Fatalf("events = %v", events)
	}
}
