// Package toc maps a manifest's chapter list onto the track timeline. The
// chapter list is derived once when the book opens and is immutable until the
// manifest is replaced.
package toc

import (
	"errors"
	"fmt"

	"github.com/tinoosan/fable/internal/data"
	"github.com/tinoosan/fable/internal/manifest"
)

// ErrNoChapter is returned when no chapter interval contains a position.
// This legitimately happens at the very last instant of the book; callers
// must tolerate it.
var ErrNoChapter = errors.New("no chapter found for position")

// ErrUnresolvedEntry is returned when a table-of-contents entry references a
// file that is not part of the reading order.
var ErrUnresolvedEntry = errors.New("toc entry does not resolve to a track")

// Chapter is a derived, named span of the timeline.
type Chapter struct {
	Title    string
	Position data.TrackPosition
	Duration float64
}

// TOC holds the book's resolved chapter list.
type TOC struct {
	Chapters []Chapter
	Tracks   data.Tracks
}

// New builds the chapter list from the manifest, preferring explicit
// table-of-contents entries, then the linear reading order, then the generic
// link list. A synthetic leading chapter covers any gap before the first
// resolved chapter.
func New(m *manifest.Manifest, tracks data.Tracks) (*TOC, error) {
	if err := tracks.Validate(); err != nil {
		return nil, err
	}

	entries := m.TOC
	if len(entries) == 0 {
		entries = m.ReadingOrder
	}
	if len(entries) == 0 {
		entries = m.Links
	}

	var chapters []Chapter
	for i, e := range entries {
		pos, err := resolve(e, tracks)
		if err != nil {
			return nil, fmt.Errorf("toc entry %d (%s): %w", i, e.Href, err)
		}
		title := e.Title
		if title == "" {
			title = pos.Track.Title
		}
		chapters = append(chapters, Chapter{Title: title, Position: pos})
	}
	if len(chapters) == 0 {
		return nil, ErrUnresolvedEntry
	}

	start, _ := tracks.Start()
	if !chapters[0].Position.Equal(start) {
		lead := Chapter{Title: tracks[0].Title, Position: start}
		chapters = append([]Chapter{lead}, chapters...)
	}

	// Durations in one forward pass: distance to the next chapter's start,
	// or to end-of-book for the last.
	end, _ := tracks.End()
	for i := range chapters {
		next := end
		if i+1 < len(chapters) {
			next = chapters[i+1].Position
		}
		d, err := next.DifferenceFrom(chapters[i].Position)
		if err != nil {
			return nil, fmt.Errorf("chapter %q: %w", chapters[i].Title, err)
		}
		chapters[i].Duration = d
	}

	return &TOC{Chapters: chapters, Tracks: tracks}, nil
}

// resolve strips any embedded time fragment and maps the remaining reference
// onto a track plus offset.
func resolve(e manifest.Link, tracks data.Tracks) (data.TrackPosition, error) {
	href := e.HrefWithoutFragment()
	offset, _ := e.TimeFragment()
	for _, tr := range tracks {
		for _, u := range tr.URLs {
			if u == href {
				return data.TrackPosition{Track: tr, Timestamp: offset, Tracks: tracks}, nil
			}
		}
	}
	return data.TrackPosition{}, ErrUnresolvedEntry
}

// ChapterFor returns the chapter containing the position: the chapter whose
// half-open interval [start, start+duration) covers it.
func (t *TOC) ChapterFor(pos data.TrackPosition) (Chapter, error) {
	for _, ch := range t.Chapters {
		off, err := pos.DifferenceFrom(ch.Position)
		if err != nil {
			continue
		}
		if off >= 0 && off < ch.Duration {
			return ch, nil
		}
	}
	return Chapter{}, ErrNoChapter
}

// ChapterIndex returns the position's chapter index, or -1 with ErrNoChapter.
func (t *TOC) ChapterIndex(pos data.TrackPosition) (int, error) {
	for i, ch := range t.Chapters {
		off, err := pos.DifferenceFrom(ch.Position)
		if err != nil {
			continue
		}
		if off >= 0 && off < ch.Duration {
			return i, nil
		}
	}
	return -1, ErrNoChapter
}

// ChapterOffset returns how many seconds into its chapter the position is,
// clamped into [0, chapter duration] to absorb rounding at the edges.
func (t *TOC) ChapterOffset(pos data.TrackPosition) (float64, error) {
	ch, err := t.ChapterFor(pos)
	if err != nil {
		return 0, err
	}
	off, err := pos.DifferenceFrom(ch.Position)
	if err != nil {
		return 0, err
	}
	if off < 0 {
		off = 0
	}
	if off > ch.Duration {
		off = ch.Duration
	}
	return off, nil
}
