package kit

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/srg/linkmgr/pkg/transport"
)

var (
	ErrLinkClosed = errors.New("link closed")
	ErrOutboxFull = errors.New("outbox full")
)

func linkKey(address string, app transport.ApplicationHandle) string {
	return fmt.Sprintf("%s#%d", address, app)
}

// link is one open stream to an application. The reader and writer goroutines
// own conn; shutdown is the only way to stop them.
type link struct {
	address string
	app     transport.ApplicationHandle
	conn    io.ReadWriteCloser
	outbox  chan *transport.RawMessage

	// closing is set once a local disconnect was requested.
	closing atomic.Bool

	// gate orders enqueue against shutdown: a message is either in the outbox
	// before done closes, or rejected.
	gate     sync.Mutex
	once     sync.Once
	done     chan struct{}
	closeErr error
	loops    sync.WaitGroup
}

func newLink(address string, app transport.ApplicationHandle, conn io.ReadWriteCloser, outboxSize int) *link {
	return &link{
		address: address,
		app:     app,
		conn:    conn,
		outbox:  make(chan *transport.RawMessage, outboxSize),
		done:    make(chan struct{}),
	}
}

func (l *link) key() string {
	return linkKey(l.address, l.app)
}

// enqueue hands msg to the writer without blocking.
func (l *link) enqueue(msg *transport.RawMessage) error {
	l.gate.Lock()
	defer l.gate.Unlock()
	if l.closing.Load() {
		return ErrLinkClosed
	}
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	select {
	case l.outbox <- msg:
		return nil
	default:
		return fmt.Errorf("%w (%d queued)", ErrOutboxFull, len(l.outbox))
	}
}

// shutdown closes the stream once and reports the close error on every call.
func (l *link) shutdown() error {
	l.once.Do(func() {
		l.gate.Lock()
		close(l.done)
		l.gate.Unlock()
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}
