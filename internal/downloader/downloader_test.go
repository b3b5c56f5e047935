package downloader

import "testing"

func TestNoopTaskReportsCompletion(t *testing.T) {
	ch := make(chan Event, 2)
	task := NewNoopTask("t1", NewChanReporter(ch))

	task.Fetch()
	e := <-ch
	if e.Type != EventCompleted || e.TrackKey != "t1" || e.Fraction != 1 {
		t.Fatalf("unexpected event: %+v", e)
	}

	task.Delete()
	e = <-ch
	if e.Type != EventDeleted {
		t.Fatalf("expected Deleted, got %s", e.Type)
	}
	if task.NeedsRetry() {
		t.Fatal("noop task should never need a retry")
	}
}

func TestFuncReporter(t *testing.T) {
	var got Event
	rep := FuncReporter(func(e Event) { got = e })
	NewNoopTask("t2", rep).Fetch()
	if got.TrackKey != "t2" || got.Type != EventCompleted {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestFailureReasonRetryable(t *testing.T) {
	cases := []struct {
		kind FailureKind
		want bool
	}{
		{FailureAuthRequired, false},
		{FailureConnectionLost, true},
		{FailureStalled, true},
		{FailureOpaque, false},
	}
	for _, c := range cases {
		r := FailureReason{Kind: c.kind}
		if r.Retryable() != c.want {
			t.Errorf("%s: Retryable() = %v, want %v", c.kind, !c.want, c.want)
		}
	}
}
