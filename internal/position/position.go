// Package position persists the listener's place in the book. Updates arrive
// constantly during playback, so writes are throttled; SaveNow exists for
// app-termination callbacks and is the only blocking path.
package position

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tinoosan/fable/internal/data"
)

// ErrUnknownTrack is returned by Load when the saved position references a
// track that is no longer in the book.
var ErrUnknownTrack = errors.New("position: saved track not in book")

// defaultThrottle is the minimum interval between durable writes driven by
// Update. Losing a few seconds of position on crash is acceptable.
const defaultThrottle = 5 * time.Second

// persisted is the on-disk shape: track identity plus offset, never pointers.
type persisted struct {
	TrackKey  string    `json:"trackKey"`
	Timestamp float64   `json:"timestamp"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Tracker journals the current position to a JSON file.
type Tracker struct {
	path     string
	tracks   data.Tracks
	log      *slog.Logger
	throttle time.Duration

	mu      sync.Mutex
	current *data.TrackPosition
	dirty   bool
	pending bool
}

// NewTracker builds a tracker writing to path. Nothing is read or written
// until Load or the first Update.
func NewTracker(path string, tracks data.Tracks, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{path: path, tracks: tracks, log: log, throttle: defaultThrottle}
}

// Load restores the last saved position. A missing file is not an error; it
// just means the book was never played.
func (t *Tracker) Load() (*data.TrackPosition, error) {
	raw, err := os.ReadFile(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p persisted
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	tr, ok := t.tracks.ByKey(p.TrackKey)
	if !ok {
		return nil, ErrUnknownTrack
	}
	pos := &data.TrackPosition{Track: tr, Timestamp: p.Timestamp, Tracks: t.tracks}
	t.mu.Lock()
	t.current = pos
	t.dirty = false
	t.mu.Unlock()
	return pos, nil
}

// Current returns the last position given to Update or restored by Load.
func (t *Tracker) Current() (data.TrackPosition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return data.TrackPosition{}, false
	}
	return *t.current, true
}

// Update records a new position and schedules a durable write. It never
// blocks on the filesystem.
func (t *Tracker) Update(pos data.TrackPosition) {
	t.mu.Lock()
	p := pos
	t.current = &p
	t.dirty = true
	if t.pending {
		t.mu.Unlock()
		return
	}
	t.pending = true
	t.mu.Unlock()

	time.AfterFunc(t.throttle, func() {
		t.mu.Lock()
		t.pending = false
		t.mu.Unlock()
		if err := t.SaveNow(); err != nil {
			t.log.Warn("position save failed", "err", err)
		}
	})
}

// SaveNow flushes the current position synchronously. Safe to call from a
// termination handler; a clean tracker is a no-op.
func (t *Tracker) SaveNow() error {
	t.mu.Lock()
	if t.current == nil || !t.dirty {
		t.mu.Unlock()
		return nil
	}
	p := persisted{
		TrackKey:  t.current.Track.Key,
		Timestamp: t.current.Timestamp,
		UpdatedAt: time.Now().UTC(),
	}
	t.dirty = false
	t.mu.Unlock()

	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, t.path)
}
