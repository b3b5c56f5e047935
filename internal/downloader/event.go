package downloader

// Event represents a state transition or progress update from a task.
//
// For terminal events (Completed, Failed, Deleted) the orchestrator updates
// its aggregation and advances to the next track. Progress events carry the
// current fraction and do not change task state.
type Event struct {
	TrackKey string
	Type     EventType
	// Fraction is the task's progress in [0,1]; meaningful for Progress.
	Fraction float64
	// Reason is set on Failed events.
	Reason *FailureReason
}

// EventType defines the set of events tasks may emit.
type EventType string

const (
	EventPending   EventType = "Pending"
	EventProgress  EventType = "Progress"
	EventCompleted EventType = "Completed"
	EventDeleted   EventType = "Deleted"
	EventFailed    EventType = "Failed"
)

// FailureKind classifies per-track download failures.
type FailureKind string

const (
	// FailureAuthRequired maps HTTP 401: the host must re-authenticate.
	FailureAuthRequired FailureKind = "AuthenticationRequired"
	// FailureConnectionLost covers no network, timeouts and dropped
	// connections; retry is worthwhile.
	FailureConnectionLost FailureKind = "ConnectionLost"
	// FailureStalled is assigned by the watchdog when automatic retries are
	// exhausted.
	FailureStalled FailureKind = "Stalled"
	// FailureOpaque carries any other server error's description.
	FailureOpaque FailureKind = "Opaque"
)

// FailureReason describes why a task failed.
type FailureReason struct {
	Kind        FailureKind `json:"kind"`
	Description string      `json:"description,omitempty"`
}

func (r FailureReason) Error() string {
	if r.Description == "" {
		return string(r.Kind)
	}
	return string(r.Kind) + ": " + r.Description
}

// Retryable reports whether another fetch attempt could plausibly succeed
// without host intervention.
func (r FailureReason) Retryable() bool {
	return r.Kind == FailureConnectionLost || r.Kind == FailureStalled
}
