package testutils

import (
	"time"

	"github.com/srg/linkmgr/internal/fanout"
)

// JournalWatcher waits for notifications captured by a fanout.Journal.
// Notifications are consumed in any order; each one is returned at most once.
type JournalWatcher struct {
	journal *fanout.Journal
	seen    []fanout.Notification
}

func NewJournalWatcher(j *fanout.Journal) *JournalWatcher {
	return &JournalWatcher{journal: j}
}

// Await returns the oldest unconsumed notification of kind, waiting up to timeout.
func (w *JournalWatcher) Await(kind fanout.Kind, timeout time.Duration) (fanout.Notification, bool) {
	deadline := time.Now().Add(timeout)
	for {
		got, _ := w.journal.Drain()
		w.seen = append(w.seen, got...)
		for i, n := range w.seen {
			if n.Kind == kind {
				w.seen = append(w.seen[:i], w.seen[i+1:]...)
				return n, true
			}
		}
		if time.Now().After(deadline) {
			return fanout.Notification{}, false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Pending returns the kinds received but not consumed yet.
func (w *JournalWatcher) Pending() []fanout.Kind {
	got, _ := w.journal.Drain()
	w.seen = append(w.seen, got...)
	out := make([]fanout.Kind, 0, len(w.seen))
	for _, n := range w.seen {
		out = append(out, n.Kind)
	}
	return out
}
