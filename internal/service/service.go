// Package service implements the download orchestrator: it owns one task per
// track, runs transfers strictly one at a time in book order, and aggregates
// task events into a single host-facing stream.
package service

import (
	"log/slog"
	"sync"

	"github.com/segmentio/ksuid"

	"github.com/tinoosan/fable/internal/data"
	"github.com/tinoosan/fable/internal/downloader"
	"github.com/tinoosan/fable/internal/metrics"
)

// TaskFactory builds the download task for a track, wired to the given
// reporter. The orchestrator never constructs transports itself.
type TaskFactory func(tr *data.Track, rep downloader.Reporter) downloader.Task

// Service coordinates downloads for one book. All mutation happens on the
// event loop goroutine or under mu; callers only enqueue work.
type Service struct {
	log       *slog.Logger
	tracks    data.Tracks
	tasks     map[string]downloader.Task
	sessionID string

	taskEvents chan downloader.Event
	out        chan Event

	mu        sync.RWMutex
	progress  map[string]float64
	finished  map[string]bool
	retryable map[string]bool
	fetching  bool
	cursor    int

	allComplete sync.Once
	closeOnce   sync.Once
	stop        chan struct{}
	wg          sync.WaitGroup
}

// New builds the orchestrator and starts its event loop. Tracks must already
// be validated; one task is created per track up front so disk state can be
// inspected before any fetch.
func New(log *slog.Logger, tracks data.Tracks, factory TaskFactory) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		log:        log,
		tracks:     tracks,
		tasks:      make(map[string]downloader.Task, len(tracks)),
		sessionID:  ksuid.New().String(),
		taskEvents: make(chan downloader.Event, 256),
		out:        make(chan Event, 128),
		progress:   make(map[string]float64, len(tracks)),
		finished:   make(map[string]bool, len(tracks)),
		retryable:  make(map[string]bool, len(tracks)),
		stop:       make(chan struct{}),
	}
	rep := downloader.NewChanReporter(s.taskEvents)
	for _, tr := range tracks {
		s.tasks[tr.Key] = factory(tr, rep)
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Events returns the host-facing event stream. It is closed by Close.
func (s *Service) Events() <-chan Event { return s.out }

// Task returns the task owning the given track key, for hosts that need to
// re-invoke a fetch directly (the watchdog does).
func (s *Service) Task(trackKey string) (downloader.Task, bool) {
	t, ok := s.tasks[trackKey]
	return t, ok
}

// Fetch starts a sequential pass over every track that is not already
// finished. Calling it while a pass is running is a no-op.
func (s *Service) Fetch() {
	s.mu.Lock()
	if s.fetching {
		s.mu.Unlock()
		return
	}
	s.fetching = true
	s.cursor = 0
	key, ok := s.nextUnfinishedLocked()
	settled := false
	if !ok {
		s.fetching = false
		settled = s.allSettledLocked()
	}
	s.mu.Unlock()
	if !ok {
		if settled {
			s.fireAllComplete()
		}
		return
	}
	s.log.Info("download pass started", "session", s.sessionID, "tracks", len(s.tracks))
	s.tasks[key].Fetch()
}

// FetchUndownloadedTracks re-queues every track whose last attempt failed in
// a retryable way and runs another sequential pass. Tracks already on disk
// are untouched.
func (s *Service) FetchUndownloadedTracks() {
	s.mu.Lock()
	requeued := 0
	for key, t := range s.tasks {
		if t.NeedsRetry() {
			s.finished[key] = false
			s.retryable[key] = false
			requeued++
		}
	}
	s.mu.Unlock()
	if requeued == 0 {
		return
	}
	s.log.Info("retrying failed tracks", "session", s.sessionID, "count", requeued)
	s.Fetch()
}

// DeleteAll removes every track's assets and persisted records. In-flight
// transfers are cancelled by each task's Delete.
func (s *Service) DeleteAll() {
	s.mu.Lock()
	s.fetching = false
	s.mu.Unlock()
	for _, tr := range s.tracks {
		s.tasks[tr.Key].Delete()
	}
}

// OverallProgress is the mean of per-track fractions, in [0,1].
func (s *Service) OverallProgress() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overallLocked()
}

func (s *Service) overallLocked() float64 {
	if len(s.tracks) == 0 {
		return 0
	}
	var sum float64
	for _, tr := range s.tracks {
		sum += s.progress[tr.Key]
	}
	return sum / float64(len(s.tracks))
}

// Close cancels in-flight transfers, stops the event loop and closes the
// outward stream. DRM post-processing is allowed to finish on its own; its
// events go nowhere.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		for _, t := range s.tasks {
			t.Cancel()
		}
		close(s.stop)
		s.wg.Wait()
		close(s.out)
	})
}

// loop is the single consumer of task events. Because it alone advances the
// cursor, the one-active-transfer invariant needs no further locking.
func (s *Service) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case e := <-s.taskEvents:
			s.handle(e)
		}
	}
}

func (s *Service) handle(e downloader.Event) {
	metrics.DownloadEvents.WithLabelValues(string(e.Type)).Inc()

	s.mu.Lock()
	switch e.Type {
	case downloader.EventProgress:
		if e.Fraction > s.progress[e.TrackKey] {
			s.progress[e.TrackKey] = e.Fraction
		}
	case downloader.EventCompleted:
		s.progress[e.TrackKey] = 1
		s.finished[e.TrackKey] = true
		s.retryable[e.TrackKey] = false
	case downloader.EventFailed:
		// A failed track blocks the pass no further. A retryable failure
		// leaves the book unfinished until FetchUndownloadedTracks clears it.
		s.finished[e.TrackKey] = true
		s.retryable[e.TrackKey] = e.Reason != nil && e.Reason.Retryable()
	case downloader.EventDeleted:
		s.progress[e.TrackKey] = 0
		s.finished[e.TrackKey] = false
	}
	overall := s.overallLocked()
	s.mu.Unlock()

	switch e.Type {
	case downloader.EventPending:
		s.emit(Event{Type: EventTrackPending, TrackKey: e.TrackKey, Overall: overall})
	case downloader.EventProgress:
		s.emit(Event{Type: EventProgress, TrackKey: e.TrackKey, Fraction: e.Fraction, Overall: overall})
		s.emit(Event{Type: EventOverallProgress, Overall: overall})
	case downloader.EventCompleted:
		s.emit(Event{Type: EventCompleted, TrackKey: e.TrackKey, Fraction: 1, Overall: overall})
		s.emit(Event{Type: EventOverallProgress, Overall: overall})
	case downloader.EventFailed:
		s.emit(Event{Type: EventError, TrackKey: e.TrackKey, Reason: e.Reason, Overall: overall})
	case downloader.EventDeleted:
		s.emit(Event{Type: EventDeleted, TrackKey: e.TrackKey, Overall: overall})
	}

	if terminal(e.Type) && e.Type != downloader.EventDeleted {
		s.advance()
	}
}

// advance moves the pass to the next unfinished track, or declares the book
// complete when none remain.
func (s *Service) advance() {
	s.mu.Lock()
	if !s.fetching {
		s.mu.Unlock()
		return
	}
	key, ok := s.nextUnfinishedLocked()
	settled := false
	if !ok {
		s.fetching = false
		settled = s.allSettledLocked()
	}
	s.mu.Unlock()

	if ok {
		s.tasks[key].Fetch()
		return
	}
	if settled {
		s.fireAllComplete()
	}
}

// allSettledLocked reports whether every track either completed or failed in
// a way no retry can fix. Retryable failures keep the book open.
func (s *Service) allSettledLocked() bool {
	for _, tr := range s.tracks {
		if !s.finished[tr.Key] || s.retryable[tr.Key] {
			return false
		}
	}
	return true
}

// nextUnfinishedLocked scans forward from the cursor and parks it on the
// first track still owed a transfer.
func (s *Service) nextUnfinishedLocked() (string, bool) {
	for ; s.cursor < len(s.tracks); s.cursor++ {
		key := s.tracks[s.cursor].Key
		if !s.finished[key] {
			return key, true
		}
	}
	return "", false
}

func (s *Service) fireAllComplete() {
	s.allComplete.Do(func() {
		s.emit(Event{Type: EventAllComplete, Overall: s.OverallProgress()})
		s.log.Info("all tracks settled", "session", s.sessionID)
	})
}

// emit publishes without ever blocking the event loop. Progress updates are
// droppable; everything else waits for room unless the service is stopping.
func (s *Service) emit(e Event) {
	e.Session = s.sessionID
	switch e.Type {
	case EventProgress, EventOverallProgress:
		select {
		case s.out <- e:
		default:
		}
	default:
		select {
		case s.out <- e:
		case <-s.stop:
		}
	}
}
