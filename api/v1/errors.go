package v1

import "errors"

var (
	ErrContentType  = errors.New("Content-Type must be application/json")
	ErrUnknownBook  = errors.New("unknown book")
	ErrUnknownTrack = errors.New("trackKey does not belong to this book")
	ErrNoPosition   = errors.New("no listening position saved")
	ErrTimestamp    = errors.New("timestamp must be within the track's duration")
)
