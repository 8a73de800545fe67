// Package pipeline serialises asynchronous events onto a single dispatch goroutine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/sirupsen/logrus"
	"github.com/srg/linkmgr/internal/groutine"
)

var (
	ErrStopped    = errors.New("dispatcher stopped")
	ErrNotStarted = errors.New("dispatcher not started")
)

// batchSize bounds how many items one queue read takes.
const batchSize = 32

type barrier chan struct{}

type stopMarker struct{}

// Dispatcher runs handler for every submitted item, one at a time, in submission order.
type Dispatcher[T any] struct {
	name    string
	handler func(T)
	logger  *logrus.Logger
	q       *queue.Queue

	mu      sync.RWMutex
	started bool
	stopped bool
	done    chan struct{}

	handled atomic.Uint64
	panics  atomic.Uint64
}

// New creates a dispatcher. hint pre-sizes the underlying queue.
func New[T any](name string, hint int64, handler func(T), logger *logrus.Logger) *Dispatcher[T] {
	if logger == nil {
		logger = logrus.New()
	}
	if hint <= 0 {
		hint = 64
	}
	return &Dispatcher[T]{
		name:    name,
		handler: handler,
		logger:  logger,
		q:       queue.New(hint),
		done:    make(chan struct{}),
	}
}

// Start launches the dispatch goroutine. Calling Start twice is a no-op.
func (d *Dispatcher[T]) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	groutine.Go(ctx, d.name, d.loop)
}

// Submit enqueues an item. It never blocks on the handler.
func (d *Dispatcher[T]) Submit(item T) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	if err := d.q.Put(item); err != nil {
		return fmt.Errorf("%s: %w", d.name, err)
	}
	return nil
}

// Sync waits until every item submitted before the call has been handled.
// It must not be called from the handler.
func (d *Dispatcher[T]) Sync(ctx context.Context) error {
	b := make(barrier)
	if err := d.put(b); err != nil {
		return err
	}
	select {
	case <-b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects further submissions, handles what is already queued and waits for the
// dispatch goroutine to exit. It must not be called from the handler.
func (d *Dispatcher[T]) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.stopped = true
	started := d.started
	if started {
		_ = d.q.Put(stopMarker{})
	}
	d.mu.Unlock()

	if !started {
		d.q.Dispose()
		close(d.done)
		return
	}
	<-d.done
}

// Len returns the number of queued items.
func (d *Dispatcher[T]) Len() int {
	return int(d.q.Len())
}

// Handled returns how many items have been passed to the handler.
func (d *Dispatcher[T]) Handled() uint64 {
	return d.handled.Load()
}

func (d *Dispatcher[T]) put(item any) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch {
	case d.stopped:
		return ErrStopped
	case !d.started:
		return ErrNotStarted
	}
	return d.q.Put(item)
}

func (d *Dispatcher[T]) loop(ctx context.Context) {
	defer close(d.done)
	d.logger.WithField("dispatcher", groutine.GetName(ctx)).Debug("Dispatch loop started")

	for {
		items, err := d.q.Get(batchSize)
		if err != nil {
			d.logger.WithError(err).WithField("dispatcher", d.name).Debug("Dispatch queue closed")
			return
		}
		for _, it := range items {
			switch v := it.(type) {
			case barrier:
				close(v)
			case stopMarker:
				d.q.Dispose()
				d.logger.WithFields(logrus.Fields{
					"dispatcher": d.name,
					"handled":    d.handled.Load(),
					"panics":     d.panics.Load(),
				}).Debug("Dispatch loop stopped")
				return
			case T:
				d.dispatch(v)
			default:
				d.logger.WithField("item", fmt.Sprintf("%T", it)).Warn("Dropping unexpected item")
			}
		}
	}
}

func (d *Dispatcher[T]) dispatch(item T) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.logger.WithFields(logrus.Fields{
				"dispatcher": d.name,
				"item":       fmt.Sprintf("%v", item),
				"panic":      r,
			}).Error("Handler panicked, continuing")
		}
	}()
	d.handled.Add(1)
	d.handler(item)
}
