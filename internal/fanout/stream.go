package fanout

import "github.com/srg/linkmgr/pkg/transport"

// Stream is a Listener that exposes notifications as a channel.
// The dispatch loop is never blocked: when the consumer lags, the oldest
// notifications are dropped.
type Stream struct {
	*Recorder
	ring *RingChannel[Notification]
}

var _ transport.Listener = (*Stream)(nil)

func NewStream(capacity int) *Stream {
	s := &Stream{ring: NewRingChannel[Notification](capacity)}
	s.Recorder = NewRecorder(func(n Notification) { s.ring.Send(n) })
	return s
}

// C returns the notification channel. It is closed by Close.
func (s *Stream) C() <-chan Notification {
	return s.ring.C()
}

// Next blocks for the next notification.
func (s *Stream) Next() (Notification, bool) {
	return s.ring.Receive()
}

// Dropped returns how many notifications were discarded because the consumer lagged.
func (s *Stream) Dropped() int64 {
	return s.ring.GetMetrics().Overwritten
}

// Close stops the stream. Unregister the stream from the manager first.
func (s *Stream) Close() {
	s.ring.Close()
}
