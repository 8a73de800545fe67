package blelink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/linkmgr/internal/groutine"
)

var (
	ErrDisconnected = errors.New("peripheral disconnected")
	ErrOverflow     = errors.New("notification buffer overflow")
)

// stream turns TX notifications into a byte stream and splits writes into
// RX-sized chunks. Notifications arrive on the BLE stack's goroutine and
// must not block, so a full ring fails the stream.
type stream struct {
	logger  *logrus.Logger
	address string
	p       peripheral

	ring  *ringbuffer.RingBuffer
	ready chan struct{}

	writeMu sync.Mutex

	done     chan struct{}
	closed   atomic.Bool
	failOnce sync.Once
	failure  atomic.Pointer[error]
}

func newStream(address string, p peripheral, ringSize int, logger *logrus.Logger) *stream {
	s := &stream{
		logger:  logger,
		address: address,
		p:       p,
		ring:    ringbuffer.New(ringSize),
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if lost := p.Disconnected(); lost != nil {
		groutine.Go(context.Background(), "ble-link-monitor-"+address, func(context.Context) {
			select {
			case <-lost:
				s.fail(ErrDisconnected)
			case <-s.done:
			}
		})
	}
	return s
}

func (s *stream) notify() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *stream) fail(err error) {
	s.failOnce.Do(func() {
		s.failure.Store(&err)
		if !s.closed.Load() {
			s.logger.WithError(err).WithField("address", s.address).Warn("BLE link failed")
		}
	})
	s.notify()
}

func (s *stream) failed() error {
	if err := s.failure.Load(); err != nil {
		return *err
	}
	return nil
}

// onNotification is the TX subscription handler.
func (s *stream) onNotification(data []byte) {
	if s.closed.Load() || len(data) == 0 {
		return
	}
	n, err := s.ring.Write(data)
	if n < len(data) || (err != nil && !errors.Is(err, ringbuffer.ErrIsFull)) {
		s.fail(fmt.Errorf("%w: kept %d of %d bytes", ErrOverflow, n, len(data)))
		return
	}
	s.notify()
}

func (s *stream) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	for {
		if s.closed.Load() {
			return 0, os.ErrClosed
		}
		n, err := s.ring.TryRead(b)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return 0, err
		}
		if err := s.failed(); err != nil {
			return 0, err
		}
		select {
		case <-s.ready:
		case <-s.done:
			return 0, os.ErrClosed
		}
	}
}

// Write sends b as consecutive RX writes.
func (s *stream) Write(b []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	chunk := s.p.MaxChunk()
	if chunk <= 0 {
		chunk = defaultChunk
	}
	written := 0
	for written < len(b) {
		if s.closed.Load() {
			return written, os.ErrClosed
		}
		if err := s.failed(); err != nil {
			return written, err
		}
		n := min(chunk, len(b)-written)
		if err := s.p.Write(b[written : written+n]); err != nil {
			return written, fmt.Errorf("write to %s: %w", s.address, err)
		}
		written += n
	}
	return written, nil
}

func (s *stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	return s.p.Close()
}
