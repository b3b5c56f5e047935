package data

// TrackPosition is an instant within the whole book's timeline: a track, an
// offset into that track in seconds, and the collection the track belongs to.
//
// A position whose timestamp equals the last track's duration is the
// end-of-book marker and is valid.
type TrackPosition struct {
	Track     *Track
	Timestamp float64
	Tracks    Tracks
}

// End returns the end-of-book marker for the collection.
func (ts Tracks) End() (TrackPosition, bool) {
	if len(ts) == 0 {
		return TrackPosition{}, false
	}
	last := ts[len(ts)-1]
	return TrackPosition{Track: last, Timestamp: last.Duration, Tracks: ts}, true
}

// Start returns the position at second 0 of the first track.
func (ts Tracks) Start() (TrackPosition, bool) {
	if len(ts) == 0 {
		return TrackPosition{}, false
	}
	return TrackPosition{Track: ts[0], Timestamp: 0, Tracks: ts}, true
}

// Equal reports whether two positions reference the same track identity and
// timestamp.
func (p TrackPosition) Equal(other TrackPosition) bool {
	return p.Track != nil && other.Track != nil &&
		p.Track.Key == other.Track.Key && p.Timestamp == other.Timestamp
}

// Before orders positions lexicographically: track index first, timestamp
// second.
func (p TrackPosition) Before(other TrackPosition) bool {
	if p.Track.Index != other.Track.Index {
		return p.Track.Index < other.Track.Index
	}
	return p.Timestamp < other.Timestamp
}

// Add moves the position by delta seconds within the whole book, carrying
// across track boundaries in either direction. It returns ErrOutOfBounds when
// the result would land before the first track or past the end of the last
// one. Landing exactly on the last track's duration is the end-of-book marker
// and is valid.
func (p TrackPosition) Add(delta float64) (TrackPosition, error) {
	if p.Track == nil {
		return TrackPosition{}, ErrDifferentTracks
	}
	tr, ok := p.Tracks.ByKey(p.Track.Key)
	if !ok {
		return TrackPosition{}, ErrDifferentTracks
	}
	ts := p.Timestamp + delta

	for ts < 0 {
		prev, ok := p.Tracks.ByIndex(tr.Index - 1)
		if !ok {
			return TrackPosition{}, ErrOutOfBounds
		}
		tr = prev
		ts += tr.Duration
	}
	for ts >= tr.Duration {
		next, ok := p.Tracks.ByIndex(tr.Index + 1)
		if !ok {
			if ts == tr.Duration {
				break // end-of-book marker
			}
			return TrackPosition{}, ErrOutOfBounds
		}
		ts -= tr.Duration
		tr = next
	}
	return TrackPosition{Track: tr, Timestamp: ts, Tracks: p.Tracks}, nil
}

// DifferenceFrom returns the signed distance in seconds from rhs to p, where
// p must be the later position when the two reference different tracks. When
// both positions share a track the plain timestamp delta is returned, which
// may be negative.
func (p TrackPosition) DifferenceFrom(rhs TrackPosition) (float64, error) {
	if p.Track == nil || rhs.Track == nil {
		return 0, ErrDifferentTracks
	}
	if _, ok := p.Tracks.ByKey(p.Track.Key); !ok {
		return 0, ErrDifferentTracks
	}
	if _, ok := p.Tracks.ByKey(rhs.Track.Key); !ok {
		return 0, ErrDifferentTracks
	}
	if p.Track.Key == rhs.Track.Key {
		return p.Timestamp - rhs.Timestamp, nil
	}
	if p.Track.Index < rhs.Track.Index {
		return 0, ErrTracksOutOfOrder
	}

	// Remaining time on the earlier track, full durations of everything
	// strictly between, then elapsed time on the later track.
	sum := rhs.Track.Duration - rhs.Timestamp
	for i := rhs.Track.Index + 1; i < p.Track.Index; i++ {
		t, ok := p.Tracks.ByIndex(i)
		if !ok {
			return 0, ErrDifferentTracks
		}
		sum += t.Duration
	}
	return sum + p.Timestamp, nil
}
