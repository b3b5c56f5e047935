package manifest

import (
	"fmt"

	"github.com/tinoosan/fable/internal/data"
	"github.com/tinoosan/fable/internal/fp"
)

// Tracks builds the ordered track collection from the manifest's reading
// order. Consecutive entries that share a non-zero part number describe one
// segment split across files and collapse into a single multi-URL track whose
// duration is the sum of its parts.
func (m *Manifest) Tracks() (data.Tracks, error) {
	if len(m.ReadingOrder) == 0 {
		return nil, ErrEmptyReadingOrder
	}

	var tracks data.Tracks
	idx := 0
	for i := 0; i < len(m.ReadingOrder); {
		entry := m.ReadingOrder[i]
		urls := []string{entry.HrefWithoutFragment()}
		duration := entry.Duration
		j := i + 1
		for entry.Part != 0 && j < len(m.ReadingOrder) && m.ReadingOrder[j].Part == entry.Part {
			urls = append(urls, m.ReadingOrder[j].HrefWithoutFragment())
			duration += m.ReadingOrder[j].Duration
			j++
		}

		title := entry.Title
		if title == "" {
			title = fmt.Sprintf("Track %d", idx+1)
		}
		tracks = append(tracks, &data.Track{
			Key:       fp.Fingerprint(m.Metadata.Identifier, urls[0]),
			Index:     idx,
			Title:     title,
			Duration:  duration,
			URLs:      urls,
			Transport: data.TransportType(entry.transport()),
		})
		idx++
		i = j
	}
	if err := tracks.Validate(); err != nil {
		return nil, err
	}
	return tracks, nil
}
