package downloader

// Reporter publishes task events. Events are fire-and-forget; the host never
// acknowledges them.
type Reporter interface {
	Report(Event)
}

// ChanReporter writes events to a channel.
type ChanReporter struct {
	ch chan<- Event
}

func NewChanReporter(ch chan<- Event) *ChanReporter { return &ChanReporter{ch: ch} }

func (r *ChanReporter) Report(e Event) {
	if r == nil {
		return
	}
	r.ch <- e
}

// FuncReporter adapts a function to the Reporter interface.
type FuncReporter func(Event)

func (f FuncReporter) Report(e Event) { f(e) }
