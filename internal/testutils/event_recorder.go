package testutils

import (
	"sync"
	"time"

	"github.com/srg/linkmgr/pkg/adapter"
)

// EventRecorder is an adapter.Sink that keeps every event it receives.
type EventRecorder struct {
	mu     sync.Mutex
	events []adapter.Event
	signal chan struct{}
}

var _ adapter.Sink = (*EventRecorder)(nil)

func NewEventRecorder() *EventRecorder {
	return &EventRecorder{signal: make(chan struct{}, 1)}
}

func (r *EventRecorder) ReceiveEventFromDevice(ev adapter.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *EventRecorder) Events() []adapter.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]adapter.Event(nil), r.events...)
}

// Kinds returns the kinds of the recorded events in arrival order.
func (r *EventRecorder) Kinds() []adapter.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]adapter.EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

// Of returns the recorded events of one kind.
func (r *EventRecorder) Of(kind adapter.EventKind) []adapter.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []adapter.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// WaitFor blocks until n events of kind were recorded or timeout passes.
// It returns the events of that kind recorded so far.
func (r *EventRecorder) WaitFor(kind adapter.EventKind, n int, timeout time.Duration) []adapter.Event {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		got := r.Of(kind)
		if len(got) >= n {
			return got
		}
		select {
		case <-r.signal:
		case <-deadline.C:
			return r.Of(kind)
		}
	}
}

// Reset forgets recorded events.
func (r *EventRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
