// Package manifest models the parsed audiobook description handed to the
// engine by the host: a reading order, optional explicit table-of-contents
// entries, and per-entry duration hints.
package manifest

import (
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
)

var (
	ErrEmptyReadingOrder = errors.New("manifest has no reading order")
	ErrMissingHref       = errors.New("manifest entry missing href")
)

// Manifest is the audiobook description consumed by the engine.
type Manifest struct {
	Metadata     Metadata `json:"metadata"`
	ReadingOrder []Link   `json:"readingOrder"`
	TOC          []Link   `json:"toc,omitempty"`
	Links        []Link   `json:"links,omitempty"`
}

// Metadata carries the book-level fields the engine cares about.
type Metadata struct {
	Identifier string  `json:"identifier"`
	Title      string  `json:"title"`
	Duration   float64 `json:"duration,omitempty"`
}

// Link is one manifest entry: a reference plus optional hints. TOC entries
// may embed a time offset as a media fragment ("#t=123") in Href.
type Link struct {
	Href       string     `json:"href"`
	Title      string     `json:"title,omitempty"`
	Type       string     `json:"type,omitempty"`
	Duration   float64    `json:"duration,omitempty"`
	Bitrate    float64    `json:"bitrate,omitempty"`
	Part       int        `json:"part,omitempty"`
	Sequence   int        `json:"sequence,omitempty"`
	Properties Properties `json:"properties,omitempty"`
	Children   []Link     `json:"children,omitempty"`
}

// Properties carries distribution hints attached to a link.
type Properties struct {
	Encrypted bool `json:"encrypted,omitempty"`
}

// Decode parses a manifest from JSON. Unknown fields are tolerated; hosts
// hand us manifests produced by several distributors.
func Decode(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, err
	}
	if len(m.ReadingOrder) == 0 {
		return nil, ErrEmptyReadingOrder
	}
	for _, l := range m.ReadingOrder {
		if strings.TrimSpace(l.Href) == "" {
			return nil, ErrMissingHref
		}
	}
	return &m, nil
}

// HrefWithoutFragment strips any media fragment from the link's href.
func (l Link) HrefWithoutFragment() string {
	if i := strings.IndexByte(l.Href, '#'); i >= 0 {
		return l.Href[:i]
	}
	return l.Href
}

// TimeFragment extracts a "#t=NNN" media-fragment offset in seconds. The
// second return value is false when the href carries no usable fragment.
func (l Link) TimeFragment() (float64, bool) {
	i := strings.IndexByte(l.Href, '#')
	if i < 0 {
		return 0, false
	}
	frag := l.Href[i+1:]
	for _, part := range strings.Split(frag, "&") {
		if !strings.HasPrefix(part, "t=") {
			continue
		}
		v := strings.TrimPrefix(part, "t=")
		// "t=start,end": only the start matters here.
		if j := strings.IndexByte(v, ','); j >= 0 {
			v = v[:j]
		}
		sec, err := strconv.ParseFloat(v, 64)
		if err != nil || sec < 0 {
			return 0, false
		}
		return sec, true
	}
	return 0, false
}

// transport decides the download task variant for a reading-order entry.
func (l Link) transport() string {
	if l.Properties.Encrypted || strings.Contains(l.Type, "lcp") {
		return "DRM"
	}
	return "OpenAccess"
}
