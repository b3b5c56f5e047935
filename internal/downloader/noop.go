package downloader

// noopTask satisfies Task without touching the network or disk. Used for
// wiring and tests.
type noopTask struct {
	key string
	rep Reporter
}

func NewNoopTask(key string, rep Reporter) Task {
	return &noopTask{key: key, rep: rep}
}

func (t *noopTask) Key() string { return t.key }

func (t *noopTask) Fetch() {
	if t.rep != nil {
		t.rep.Report(Event{TrackKey: t.key, Type: EventCompleted, Fraction: 1})
	}
}

func (t *noopTask) Cancel() {}

func (t *noopTask) Fail(reason *FailureReason) {
	if t.rep != nil {
		t.rep.Report(Event{TrackKey: t.key, Type: EventFailed, Reason: reason})
	}
}

func (t *noopTask) Delete() {
	if t.rep != nil {
		t.rep.Report(Event{TrackKey: t.key, Type: EventDeleted})
	}
}

func (t *noopTask) AssetStatus() AssetStatus { return AssetStatus{State: AssetUnknown} }

func (t *noopTask) NeedsRetry() bool { return false }
