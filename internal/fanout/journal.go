package fanout

import (
	"fmt"
	"sync"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/srg/linkmgr/pkg/transport"
)

// Journal is a Listener that keeps the most recent notifications.
type Journal struct {
	*Recorder

	mu          sync.Mutex
	buffer      mpmc.RichOverlappedRingBuffer[Notification]
	overwritten uint64
	err         error
}

var _ transport.Listener = (*Journal)(nil)

// NewJournal creates a journal. The ring size is rounded up to a power of two by the buffer.
func NewJournal(size uint32) *Journal {
	j := &Journal{buffer: mpmc.NewOverlappedRingBuffer[Notification](size)}
	j.Recorder = NewRecorder(j.append)
	return j
}

func (j *Journal) append(n Notification) {
	j.mu.Lock()
	defer j.mu.Unlock()
	overwrites, err := j.buffer.EnqueueM(n)
	if err != nil {
		j.err = fmt.Errorf("journal enqueue: %w", err)
		return
	}
	j.overwritten += uint64(overwrites)
}

// Drain removes and returns the buffered notifications, oldest first.
func (j *Journal) Drain() ([]Notification, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []Notification
	for !j.buffer.IsEmpty() {
		n, err := j.buffer.Dequeue()
		if err != nil {
			return out, fmt.Errorf("journal dequeue: %w", err)
		}
		out = append(out, n)
	}
	err := j.err
	j.err = nil
	return out, err
}

// Overwritten returns how many notifications were lost to buffer wrap-around.
func (j *Journal) Overwritten() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.overwritten
}
