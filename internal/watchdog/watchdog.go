// Package watchdog detects transfers that stop making progress and drives
// bounded automatic retries. It observes the same per-track progress the
// orchestrator reports and holds each track's task so a stalled transfer can
// be re-fetched, or failed for good once retries run out, directly.
package watchdog

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinoosan/fable/internal/downloader"
	"github.com/tinoosan/fable/internal/metrics"
)

// EventType defines the watchdog's notifications to the host.
type EventType string

const (
	EventStalled        EventType = "Stalled"
	EventRetryScheduled EventType = "RetryScheduled"
	EventRecovered      EventType = "Recovered"
	EventFailed         EventType = "Failed"
)

// Event is a watchdog notification. Retries carries the attempt count so far.
type Event struct {
	TrackKey string                    `json:"trackKey"`
	Type     EventType                 `json:"type"`
	Retries  int                       `json:"retries,omitempty"`
	Reason   *downloader.FailureReason `json:"reason,omitempty"`
}

// Config tunes stall detection. Zero values take the defaults below.
type Config struct {
	// StallTimeout is how long a watched transfer may go without a progress
	// advance before it counts as stalled.
	StallTimeout time.Duration
	// MaxRetries bounds automatic re-fetches per track between recoveries.
	MaxRetries int
	// RetryDelay is the pause between detecting a stall and re-fetching.
	RetryDelay time.Duration
	// CheckInterval is the sweep period.
	CheckInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.StallTimeout <= 0 {
		c.StallTimeout = 45 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Second
	}
	return c
}

type record struct {
	task           downloader.Task
	lastFraction   float64
	lastProgressAt time.Time
	retries        int
	// retryPending is true between stall detection and the delayed re-fetch;
	// it keeps the sweep from double-counting one episode.
	retryPending bool
	// awaitingRecovery is true from stall detection until progress is next
	// observed, at which point Recovered fires and the retry budget resets.
	awaitingRecovery bool
}

// Watchdog sweeps watched tracks on a fixed interval. The now and schedule
// hooks exist so tests can drive time deterministically.
type Watchdog struct {
	cfg Config
	log *slog.Logger
	out chan Event

	mu      sync.Mutex
	records map[string]*record

	now      func() time.Time
	schedule func(time.Duration, func())

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds the watchdog and starts its sweep loop.
func New(cfg Config, log *slog.Logger) *Watchdog {
	if log == nil {
		log = slog.Default()
	}
	w := &Watchdog{
		cfg:     cfg.withDefaults(),
		log:     log,
		out:     make(chan Event, 64),
		records: make(map[string]*record),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	w.schedule = func(d time.Duration, f func()) { time.AfterFunc(d, f) }
	w.wg.Add(1)
	go w.loop()
	return w
}

// Events returns the notification stream. It is closed by Close.
func (w *Watchdog) Events() <-chan Event { return w.out }

// Watch begins monitoring a task. Watching an already-watched track resets
// its stall clock but keeps its retry count.
func (w *Watchdog) Watch(task downloader.Task) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := task.Key()
	if rec, ok := w.records[key]; ok {
		rec.lastProgressAt = w.now()
		rec.retryPending = false
		return
	}
	w.records[key] = &record{task: task, lastProgressAt: w.now()}
}

// Observe feeds a progress fraction for a watched track. A fraction advance
// resets the stall clock and, if a retry was outstanding, announces recovery.
func (w *Watchdog) Observe(trackKey string, fraction float64) {
	w.mu.Lock()
	rec, ok := w.records[trackKey]
	if !ok {
		w.mu.Unlock()
		return
	}
	recovered := false
	if fraction > rec.lastFraction {
		rec.lastFraction = fraction
		rec.lastProgressAt = w.now()
		if rec.awaitingRecovery {
			rec.awaitingRecovery = false
			rec.retryPending = false
			rec.retries = 0
			recovered = true
		}
	}
	retries := rec.retries
	w.mu.Unlock()

	if recovered {
		w.emit(Event{TrackKey: trackKey, Type: EventRecovered, Retries: retries})
		w.log.Info("transfer recovered", "track", trackKey)
	}
}

// Remove stops monitoring a track. Call it on completion or deletion.
func (w *Watchdog) Remove(trackKey string) {
	w.mu.Lock()
	delete(w.records, trackKey)
	w.mu.Unlock()
}

// Close stops the sweep loop and closes the notification stream.
func (w *Watchdog) Close() {
	w.closeOnce.Do(func() {
		close(w.stop)
		w.wg.Wait()
		close(w.out)
	})
}

func (w *Watchdog) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

// sweep examines every watched track once. A track past the stall timeout
// gets exactly one Stalled notification per episode; a track that has already
// burned its retries gets a terminal Failed and is dropped.
func (w *Watchdog) sweep() {
	now := w.now()

	type action struct {
		key     string
		rec     *record
		retries int
		failed  bool
	}
	var acts []action

	w.mu.Lock()
	for key, rec := range w.records {
		if rec.retryPending || now.Sub(rec.lastProgressAt) <= w.cfg.StallTimeout {
			continue
		}
		if rec.retries >= w.cfg.MaxRetries {
			delete(w.records, key)
			acts = append(acts, action{key: key, rec: rec, retries: rec.retries, failed: true})
			continue
		}
		rec.retryPending = true
		rec.awaitingRecovery = true
		rec.retries++
		acts = append(acts, action{key: key, rec: rec, retries: rec.retries})
	}
	w.mu.Unlock()

	for _, a := range acts {
		if a.failed {
			reason := &downloader.FailureReason{
				Kind:        downloader.FailureStalled,
				Description: fmt.Sprintf("stalled after %d retries", a.retries),
			}
			// Failing through the task puts a terminal event on the
			// orchestrator's stream, so the pass advances to the next track
			// instead of waiting forever on this one.
			a.rec.task.Fail(reason)
			w.emit(Event{TrackKey: a.key, Type: EventFailed, Retries: a.retries, Reason: reason})
			w.log.Warn("transfer abandoned", "track", a.key, "retries", a.retries)
			continue
		}
		metrics.WatchdogStalls.Inc()
		w.emit(Event{TrackKey: a.key, Type: EventStalled, Retries: a.retries})
		w.emit(Event{TrackKey: a.key, Type: EventRetryScheduled, Retries: a.retries})
		w.log.Warn("transfer stalled", "track", a.key, "retry", a.retries)

		rec := a.rec
		key := a.key
		w.schedule(w.cfg.RetryDelay, func() {
			metrics.WatchdogRetries.Inc()
			rec.task.Cancel()
			rec.task.Fetch()
			w.mu.Lock()
			if cur, ok := w.records[key]; ok && cur == rec {
				// Restart the stall clock for the new attempt while keeping
				// awaitingRecovery set until progress is observed.
				cur.lastProgressAt = w.now()
				cur.retryPending = false
			}
			w.mu.Unlock()
		})
	}
}

func (w *Watchdog) emit(e Event) {
	select {
	case w.out <- e:
	case <-w.stop:
	}
}
