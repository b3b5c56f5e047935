package data

import "errors"

var (
	// ErrOutOfBounds is returned when timeline arithmetic would land before
	// the first track or past the end of the last one.
	ErrOutOfBounds = errors.New("position out of bounds")
	// ErrTracksOutOfOrder is returned when a difference is requested with the
	// earlier position on the left-hand side.
	ErrTracksOutOfOrder = errors.New("tracks out of order")
	// ErrDifferentTracks is returned when a referenced track is not a member
	// of the collection the position claims to belong to.
	ErrDifferentTracks = errors.New("track not in collection")

	ErrTrackNotFound = errors.New("track not found")
	ErrBadStatus     = errors.New("invalid download status")
)
