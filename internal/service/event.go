package service

import "github.com/tinoosan/fable/internal/downloader"

// EventType defines the events the orchestrator publishes to its host.
type EventType string

const (
	EventTrackPending    EventType = "Pending"
	EventProgress        EventType = "Progress"
	EventCompleted       EventType = "Completed"
	EventDeleted         EventType = "Deleted"
	EventError           EventType = "Error"
	EventOverallProgress EventType = "OverallProgress"
	EventAllComplete     EventType = "AllComplete"
)

// Event is the host-facing aggregation of task events. Session identifies the
// orchestrator instance that produced it.
type Event struct {
	Session  string                    `json:"session"`
	Type     EventType                 `json:"type"`
	TrackKey string                    `json:"trackKey,omitempty"`
	Fraction float64                   `json:"fraction,omitempty"`
	Overall  float64                   `json:"overall,omitempty"`
	Reason   *downloader.FailureReason `json:"reason,omitempty"`
}

// terminal reports whether the event ends a track's active transfer.
func terminal(t downloader.EventType) bool {
	switch t {
	case downloader.EventCompleted, downloader.EventFailed, downloader.EventDeleted:
		return true
	}
	return false
}
