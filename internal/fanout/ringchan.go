package fanout

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded channel-like buffer with overwrite-oldest semantics.
// Producers never block: when the buffer is full the oldest element is discarded.
//
//	rc := NewRingChannel[Notification](3)
//	for i := 0; i < 10; i++ {
//	    rc.Send(n)
//	}
//	for v := range rc.C() {
//	    fmt.Println("got:", v)
//	}
//
// Only the last 3 values are received in the example above.
type RingChannel[T any] struct {
	ch chan T

	// sendMu makes drop-oldest-then-insert atomic among producers.
	sendMu sync.Mutex
	closed bool

	metrics Metrics
}

// NewRingChannel creates a RingChannel with the given capacity.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
// Reads from it are not counted in the Processed metric.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element if the buffer is full.
// It reports whether an element was dropped. Sending after Close is a no-op.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	rc.sendMu.Lock()
	defer rc.sendMu.Unlock()
	if rc.closed {
		atomic.AddInt64(&rc.metrics.Errors, 1)
		return false
	}

	for {
		select {
		case rc.ch <- v:
			atomic.AddInt64(&rc.metrics.Written, 1)
			return dropped
		default:
		}
		select {
		case <-rc.ch:
			atomic.AddInt64(&rc.metrics.Overwritten, 1)
			dropped = true
		default:
			// a consumer freed a slot meanwhile
		}
	}
}

// TrySend inserts v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.sendMu.Lock()
	defer rc.sendMu.Unlock()
	if rc.closed {
		return false
	}
	select {
	case rc.ch <- v:
		atomic.AddInt64(&rc.metrics.Written, 1)
		return true
	default:
		return false
	}
}

// Receive blocks until a value is available or the channel is closed.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	if ok {
		atomic.AddInt64(&rc.metrics.Processed, 1)
	}
	return
}

// TryReceive returns (zero, false) if no value is ready.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			atomic.AddInt64(&rc.metrics.Processed, 1)
		}
		return
	default:
		var zero T
		return zero, false
	}
}

func (rc *RingChannel[T]) Len() int { return len(rc.ch) }
func (rc *RingChannel[T]) Cap() int { return cap(rc.ch) }

// Close closes the underlying channel. Buffered values can still be received.
func (rc *RingChannel[T]) Close() {
	rc.sendMu.Lock()
	defer rc.sendMu.Unlock()
	if !rc.closed {
		rc.closed = true
		close(rc.ch)
	}
}

// GetMetrics returns a snapshot of the counters.
func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Processed:   atomic.LoadInt64(&rc.metrics.Processed),
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
		Errors:      atomic.LoadInt64(&rc.metrics.Errors),
	}
}

// Metrics are updated atomically.
type Metrics struct {
	Processed   int64
	Written     int64
	Overwritten int64
	Errors      int64
}
