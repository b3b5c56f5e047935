package data

// TransportType selects the download task variant for a track. It is decided
// once, when the track is built from the manifest, and never changes.
type TransportType string

const (
	TransportOpenAccess TransportType = "OpenAccess"
	TransportDRM        TransportType = "DRM"
)

// Track is one addressable audio segment of an audiobook. Tracks are treated
// as immutable once the book is open; download state lives elsewhere, keyed
// by Key.
type Track struct {
	// Key is an opaque identity, stable across relaunches.
	Key string `json:"key"`
	// Index is the track's position in the book's linear ordering,
	// zero-based and contiguous.
	Index int `json:"index"`
	Title string `json:"title"`
	// Duration in seconds. May be provisional until the file is inspected.
	Duration float64 `json:"duration"`
	// URLs holds one or more source locations. More than one means the
	// segment is split into parts that must be concatenated in order.
	URLs      []string      `json:"urls"`
	Transport TransportType `json:"transport"`
}

// Tracks is the canonical ordered collection of a book's tracks.
type Tracks []*Track

// ByIndex returns the track at the given timeline index.
func (ts Tracks) ByIndex(i int) (*Track, bool) {
	if i < 0 || i >= len(ts) {
		return nil, false
	}
	return ts[i], true
}

// ByKey returns the track with the given key.
func (ts Tracks) ByKey(key string) (*Track, bool) {
	for _, t := range ts {
		if t.Key == key {
			return t, true
		}
	}
	return nil, false
}

// TotalDuration sums all track durations in seconds.
func (ts Tracks) TotalDuration() float64 {
	var sum float64
	for _, t := range ts {
		sum += t.Duration
	}
	return sum
}

// Validate checks the index invariant: contiguous integers starting at 0.
func (ts Tracks) Validate() error {
	for i, t := range ts {
		if t.Index != i {
			return ErrTrackNotFound
		}
		if t.Duration < 0 {
			return ErrOutOfBounds
		}
	}
	return nil
}
