// Package pending correlates a batch of outstanding requests with their responses.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	// ErrTimeout is reported for every request still outstanding when the batch times out.
	ErrTimeout = errors.New("request timed out")
	ErrClosed  = errors.New("batch closed")
	ErrUnknown = errors.New("unknown request")
)

// Status is the state of one request in a batch.
type Status int

const (
	Pending Status = iota
	Succeeded
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome records how a request finished.
type Outcome[K comparable] struct {
	ID     K
	Status Status
	Err    error
}

// Batch tracks a set of outstanding requests. Each response moves its request
// out of the pending state; once none is pending the batch is complete.
// Requests added after completion re-open the batch until Wait returns.
type Batch[K comparable] struct {
	mu          sync.Mutex
	requests    *orderedmap.OrderedMap[K, *Outcome[K]]
	outstanding int
	closed      bool
	done        chan struct{}
}

// NewBatch creates a batch awaiting the given request ids.
func NewBatch[K comparable](ids ...K) *Batch[K] {
	b := &Batch[K]{
		requests: orderedmap.New[K, *Outcome[K]](),
		done:     make(chan struct{}),
	}
	for _, id := range ids {
		_ = b.Add(id)
	}
	return b
}

// Add registers another outstanding request. Known ids are ignored.
func (b *Batch[K]) Add(id K) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, known := b.requests.Get(id); known {
		return nil
	}
	b.requests.Set(id, &Outcome[K]{ID: id, Status: Pending})
	b.outstanding++

	select {
	case <-b.done:
		b.done = make(chan struct{})
	default:
	}
	return nil
}

// Resolve records the response for id: success when err is nil, failure otherwise.
func (b *Batch[K]) Resolve(id K, err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.requests.Get(id)
	if !ok || entry.Status != Pending {
		return fmt.Errorf("%w: %v", ErrUnknown, id)
	}

	entry.Status = Succeeded
	if err != nil {
		entry.Status = Failed
		entry.Err = err
	}
	b.outstanding--
	b.completeLocked()
	return nil
}

// Outstanding returns the ids still awaiting a response, in registration order.
func (b *Batch[K]) Outstanding() []K {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []K
	for pair := b.requests.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Status == Pending {
			out = append(out, pair.Key)
		}
	}
	return out
}

// Done returns a channel closed when no request is outstanding. A later Add
// replaces it, so callers should fetch it again after adding.
func (b *Batch[K]) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// Wait blocks until every request has a response, the timeout elapses or ctx ends.
// On timeout the pending set is cleared and each remaining request fails with ErrTimeout.
// The batch accepts no new requests once Wait returns.
func (b *Batch[K]) Wait(ctx context.Context, timeout time.Duration) ([]Outcome[K], error) {
	b.mu.Lock()
	b.completeLocked()
	done := b.done
	b.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	var err error
	select {
	case <-done:
	case <-expired:
		err = ErrTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	return b.finish(err), err
}

func (b *Batch[K]) finish(cause error) []Outcome[K] {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Outcome[K], 0, b.requests.Len())
	for pair := b.requests.Oldest(); pair != nil; pair = pair.Next() {
		entry := pair.Value
		if entry.Status == Pending && cause != nil {
			entry.Status = Failed
			entry.Err = cause
			b.outstanding--
		}
		out = append(out, *entry)
	}
	b.closed = true
	b.completeLocked()
	return out
}

func (b *Batch[K]) completeLocked() {
	if b.outstanding > 0 {
		return
	}
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}

// FailedOutcomes returns the failed outcomes among results.
func FailedOutcomes[K comparable](results []Outcome[K]) []Outcome[K] {
	var out []Outcome[K]
	for _, r := range results {
		if r.Status == Failed {
			out = append(out, r)
		}
	}
	return out
}
