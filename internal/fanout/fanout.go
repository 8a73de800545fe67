// Package fanout delivers transport notifications to registered listeners.
package fanout

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/linkmgr/pkg/transport"
)

// Fanout is an ordered, duplicate-free set of listeners.
type Fanout struct {
	mu        sync.RWMutex
	listeners []transport.Listener
	logger    *logrus.Logger
}

func New(logger *logrus.Logger) *Fanout {
	if logger == nil {
		logger = logrus.New()
	}
	return &Fanout{logger: logger}
}

// Add appends a listener. Adding the same listener twice has no effect.
func (f *Fanout) Add(l transport.Listener) bool {
	if l == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.listeners {
		if existing == l {
			return false
		}
	}
	f.listeners = append(f.listeners, l)
	return true
}

// Remove drops a listener, keeping the order of the others.
func (f *Fanout) Remove(l transport.Listener) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.listeners {
		if existing == l {
			f.listeners = append(f.listeners[:i:i], f.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.listeners)
}

// Notify calls fn for every listener in registration order. Listeners added or
// removed by a callback take effect from the next notification.
func (f *Fanout) Notify(kind Kind, fn func(transport.Listener)) {
	f.mu.RLock()
	snapshot := f.listeners
	f.mu.RUnlock()

	for i, l := range snapshot {
		f.call(kind, i, l, fn)
	}
}

func (f *Fanout) call(kind Kind, idx int, l transport.Listener, fn func(transport.Listener)) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.WithFields(logrus.Fields{
				"notification": kind.String(),
				"listener":     fmt.Sprintf("%d:%T", idx, l),
				"panic":        r,
			}).Error("Listener panicked")
		}
	}()
	fn(l)
}
