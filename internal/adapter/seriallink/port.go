package seriallink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/linkmgr/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Stats are runtime counters of a port.
type Stats struct {
	ReadQueueLen    int
	WriteQueueLen   int
	ReadBytesTotal  uint64
	WriteBytesTotal uint64
}

type portOptions struct {
	Baud          int
	RingSize      int
	PollTimeoutMs int
}

// port is a raw-mode TTY with ring-buffered I/O. Background loops move bytes
// between the descriptor and the rings; Read and Write block on the rings,
// so a slow consumer stalls the descriptor instead of losing bytes.
type port struct {
	logger        *logrus.Logger
	path          string
	fd            int
	saved         *term.State
	pollTimeoutMs int

	rx      *ringbuffer.RingBuffer // bytes read from the device
	tx      *ringbuffer.RingBuffer // bytes waiting to be written
	rxReady chan struct{}
	rxSpace chan struct{}
	txReady chan struct{}
	txSpace chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	failOnce sync.Once
	failure  atomic.Pointer[error]

	readBytes  atomic.Uint64
	writeBytes atomic.Uint64
}

var _ io.ReadWriteCloser = (*port)(nil)

func openPort(path string, opts portOptions, logger *logrus.Logger) (*port, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set %s to raw mode: %w", path, err)
	}
	if opts.Baud > 0 {
		if err := setSpeed(fd, opts.Baud); err != nil {
			_ = term.Restore(fd, saved)
			_ = unix.Close(fd)
			return nil, fmt.Errorf("set %s speed: %w", path, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &port{
		logger:        logger,
		path:          path,
		fd:            fd,
		saved:         saved,
		pollTimeoutMs: opts.PollTimeoutMs,
		rx:            ringbuffer.New(opts.RingSize),
		tx:            ringbuffer.New(opts.RingSize),
		rxReady:       make(chan struct{}, 1),
		rxSpace:       make(chan struct{}, 1),
		txReady:       make(chan struct{}, 1),
		txSpace:       make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}

	p.wg.Add(2)
	groutine.Go(ctx, "serial-read-"+path, func(context.Context) {
		defer p.wg.Done()
		defer groutine.Recover(logger, "serial-read")
		p.readLoop()
	})
	groutine.Go(ctx, "serial-write-"+path, func(context.Context) {
		defer p.wg.Done()
		defer groutine.Recover(logger, "serial-write")
		p.writeLoop()
	})
	return p, nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// fail records the first terminal error and wakes a blocked Read.
func (p *port) fail(err error) {
	p.failOnce.Do(func() {
		p.failure.Store(&err)
		if !p.closed.Load() {
			p.logger.WithError(err).WithField("port", p.path).Warn("Serial port failed")
		}
	})
	signal(p.rxReady)
}

func (p *port) failed() error {
	if err := p.failure.Load(); err != nil {
		return *err
	}
	return nil
}

func (p *port) readLoop() {
	pollFd := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		nReady, err := unix.Poll(pollFd, p.pollTimeoutMs)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			p.fail(fmt.Errorf("poll: %w", err))
			return
		}
		if nReady == 0 {
			continue
		}

		n, err := unix.Read(p.fd, buf)
		if n > 0 {
			p.readBytes.Add(uint64(n))
			if !p.push(buf[:n]) {
				return
			}
		}
		switch {
		case err == nil && n == 0:
			// hangup on platforms that report it as end of file
			p.fail(io.EOF)
			return
		case err == nil:
		case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		default:
			p.fail(err)
			return
		}
	}
}

// push moves data into rx, waiting for the reader when the ring is full.
func (p *port) push(data []byte) bool {
	for len(data) > 0 {
		n, err := p.rx.Write(data)
		if err != nil && !ringShort(err) {
			p.fail(err)
			return false
		}
		data = data[n:]
		if n > 0 {
			signal(p.rxReady)
		}
		if len(data) == 0 {
			break
		}
		select {
		case <-p.rxSpace:
		case <-p.ctx.Done():
			return false
		}
	}
	return true
}

// ringShort reports a write the ring took only part of, or none of, for lack of space.
func ringShort(err error) bool {
	return errors.Is(err, ringbuffer.ErrIsFull) || errors.Is(err, ringbuffer.ErrTooMuchDataToWrite)
}

func (p *port) writeLoop() {
	pollFd := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for {
		n, err := p.tx.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.fail(err)
			return
		}
		if n == 0 {
			select {
			case <-p.txReady:
				continue
			case <-p.ctx.Done():
				return
			}
		}
		signal(p.txSpace)

		for offset := 0; offset < n; {
			written, err := unix.Write(p.fd, buf[offset:n])
			if written > 0 {
				offset += written
				p.writeBytes.Add(uint64(written))
			}
			switch {
			case err == nil:
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				if _, perr := unix.Poll(pollFd, p.pollTimeoutMs); perr != nil && !errors.Is(perr, syscall.EINTR) {
					p.fail(fmt.Errorf("poll: %w", perr))
					return
				}
				if p.ctx.Err() != nil {
					return
				}
			default:
				p.fail(err)
				return
			}
		}
	}
}

// Read blocks until bytes arrive, the port fails or it is closed.
func (p *port) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	for {
		if p.closed.Load() {
			return 0, os.ErrClosed
		}
		n, err := p.rx.TryRead(b)
		if n > 0 {
			signal(p.rxSpace)
			return n, nil
		}
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return 0, err
		}
		if err := p.failed(); err != nil {
			return 0, err
		}
		select {
		case <-p.rxReady:
		case <-p.ctx.Done():
			return 0, os.ErrClosed
		}
	}
}

// Write queues all of b, waiting for ring space when needed.
func (p *port) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		if p.closed.Load() {
			return written, os.ErrClosed
		}
		if err := p.failed(); err != nil {
			return written, err
		}
		n, err := p.tx.Write(b[written:])
		if err != nil && !ringShort(err) {
			return written, err
		}
		written += n
		if n > 0 {
			signal(p.txReady)
		}
		if written == len(b) {
			break
		}
		select {
		case <-p.txSpace:
		case <-p.ctx.Done():
			return written, os.ErrClosed
		}
	}
	return written, nil
}

// Close stops the loops, restores the terminal mode and closes the descriptor.
// The descriptor is closed only after the loops exit so its number cannot be
// reused under them.
func (p *port) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	done := make(chan struct{})
	groutine.Go(context.Background(), "serial-wait-close", func(context.Context) {
		p.wg.Wait()
		close(done)
	})
	timeout := time.Duration(p.pollTimeoutMs)*time.Millisecond*3 + time.Second
	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.WithField("port", p.path).Errorf("Serial loops still running after %v", timeout)
	}

	stats := p.Stats()
	p.logger.WithFields(logrus.Fields{
		"port":    p.path,
		"read":    stats.ReadBytesTotal,
		"written": stats.WriteBytesTotal,
	}).Debug("Serial port closed")

	if err := term.Restore(p.fd, p.saved); err != nil {
		p.logger.WithError(err).WithField("port", p.path).Debug("Failed to restore terminal mode")
	}
	return unix.Close(p.fd)
}

func (p *port) Stats() Stats {
	return Stats{
		ReadQueueLen:    p.rx.Length(),
		WriteQueueLen:   p.tx.Length(),
		ReadBytesTotal:  p.readBytes.Load(),
		WriteBytesTotal: p.writeBytes.Load(),
	}
}
