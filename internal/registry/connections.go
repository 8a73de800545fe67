package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/srg/linkmgr/pkg/adapter"
	"github.com/srg/linkmgr/pkg/transport"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	ErrConnectionExists  = errors.New("connection already exists")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Key is the natural key of a connection: one application on one device.
type Key struct {
	Device      transport.DeviceHandle
	Application transport.ApplicationHandle
}

// Record is a snapshot of one logical connection.
type Record struct {
	UID         transport.ConnectionUID
	Device      transport.DeviceHandle
	Address     string
	Application transport.ApplicationHandle
	Adapter     adapter.Adapter
	State       State
	// PendingSends counts messages handed to the adapter without a completion yet.
	PendingSends int
	// DisconnectDeferred is set while a graceful disconnect waits for sends to drain.
	DisconnectDeferred bool
}

func (r Record) Key() Key {
	return Key{Device: r.Device, Application: r.Application}
}

type entry struct {
	Record
	timer *time.Timer
}

// Connections is the registry of live connection records.
type Connections struct {
	mu      sync.RWMutex
	records *orderedmap.OrderedMap[transport.ConnectionUID, *entry]
	byKey   map[Key]transport.ConnectionUID
	nextUID transport.ConnectionUID
}

func NewConnections() *Connections {
	return &Connections{
		records: orderedmap.New[transport.ConnectionUID, *entry](),
		byKey:   make(map[Key]transport.ConnectionUID),
		nextUID: 1,
	}
}

// Admit creates a connected record for the key and allocates its uid.
func (c *Connections) Admit(device transport.DeviceHandle, address string, app transport.ApplicationHandle, a adapter.Adapter) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key{Device: device, Application: app}
	if uid, ok := c.byKey[key]; ok {
		return Record{}, fmt.Errorf("%w: device %d app %d (uid %d)", ErrConnectionExists, device, app, uid)
	}

	e := &entry{Record: Record{
		UID:         c.nextUID,
		Device:      device,
		Address:     address,
		Application: app,
		Adapter:     a,
		State:       StateNew,
	}}
	for _, step := range []State{StateConnecting, StateConnected} {
		if err := e.moveTo(step); err != nil {
			return Record{}, err
		}
	}
	c.nextUID++
	c.records.Set(e.UID, e)
	c.byKey[key] = e.UID
	return e.Record, nil
}

// Get returns the record with the given uid.
func (c *Connections) Get(uid transport.ConnectionUID) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.records.Get(uid)
	if !ok {
		return Record{}, false
	}
	return e.Record, true
}

// Find returns the record for a device/application pair.
func (c *Connections) Find(device transport.DeviceHandle, app transport.ApplicationHandle) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	uid, ok := c.byKey[Key{Device: device, Application: app}]
	if !ok {
		return Record{}, false
	}
	e, _ := c.records.Get(uid)
	return e.Record, true
}

// ForDevice returns every record of a device in admission order.
func (c *Connections) ForDevice(device transport.DeviceHandle) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Record
	for pair := c.records.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Device == device {
			out = append(out, pair.Value.Record)
		}
	}
	return out
}

// All returns every record in admission order.
func (c *Connections) All() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Record, 0, c.records.Len())
	for pair := c.records.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value.Record)
	}
	return out
}

func (c *Connections) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.records.Len()
}

// BeginSend accounts for a message handed to the adapter. Only connected records accept sends.
func (c *Connections) BeginSend(uid transport.ConnectionUID) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.records.Get(uid)
	if !ok {
		return Record{}, fmt.Errorf("%w: %d", ErrUnknownConnection, uid)
	}
	if e.State != StateConnected {
		return e.Record, fmt.Errorf("%w: connection %d is %s", ErrInvalidTransition, uid, e.State)
	}
	e.PendingSends++
	return e.Record, nil
}

// EndSend accounts for a send completion. release is true when this completion
// drained the last pending send of a record waiting on a graceful disconnect;
// the deferred flag is cleared in that case.
func (c *Connections) EndSend(uid transport.ConnectionUID) (rec Record, release bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.records.Get(uid)
	if !ok {
		return Record{}, false, false
	}
	if e.PendingSends > 0 {
		e.PendingSends--
	}
	if e.PendingSends == 0 && e.DisconnectDeferred {
		e.clearDeferred()
		release = true
	}
	return e.Record, release, true
}

// Disconnecting moves a connected record to Disconnecting. With graceful set and
// sends in flight the adapter call has to wait; deferred reports that case.
func (c *Connections) Disconnecting(uid transport.ConnectionUID, graceful bool) (rec Record, deferred bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.records.Get(uid)
	if !ok {
		return Record{}, false, fmt.Errorf("%w: %d", ErrUnknownConnection, uid)
	}
	if err := e.moveTo(StateDisconnecting); err != nil {
		return e.Record, false, err
	}
	if graceful && e.PendingSends > 0 {
		e.DisconnectDeferred = true
	}
	return e.Record, e.DisconnectDeferred, nil
}

// ForceDisconnecting moves any live record to Disconnecting and cancels a deferred disconnect.
func (c *Connections) ForceDisconnecting(uid transport.ConnectionUID) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.records.Get(uid)
	if !ok {
		return Record{}, fmt.Errorf("%w: %d", ErrUnknownConnection, uid)
	}
	if e.State != StateDisconnecting {
		if err := e.moveTo(StateDisconnecting); err != nil {
			return e.Record, err
		}
	}
	e.clearDeferred()
	return e.Record, nil
}

// DeviceDisconnecting moves every connected record of the device to Disconnecting.
func (c *Connections) DeviceDisconnecting(device transport.DeviceHandle) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Record
	for pair := c.records.Oldest(); pair != nil; pair = pair.Next() {
		e := pair.Value
		if e.Device != device {
			continue
		}
		if e.State.CanTransition(StateDisconnecting) {
			_ = e.moveTo(StateDisconnecting)
		}
		out = append(out, e.Record)
	}
	return out
}

// ArmDeferred attaches the timer that bounds a deferred disconnect.
// It is stopped immediately if the record is gone or no longer deferred.
func (c *Connections) ArmDeferred(uid transport.ConnectionUID, timer *time.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.records.Get(uid)
	if !ok || !e.DisconnectDeferred {
		timer.Stop()
		return
	}
	e.timer = timer
}

// TakeDeferred clears a pending deferred disconnect. It returns false when the
// disconnect was already released or the record is gone.
func (c *Connections) TakeDeferred(uid transport.ConnectionUID) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.records.Get(uid)
	if !ok || !e.DisconnectDeferred {
		return Record{}, false
	}
	e.clearDeferred()
	return e.Record, true
}

// Remove moves the record to Disconnected and drops it.
func (c *Connections) Remove(uid transport.ConnectionUID) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.records.Delete(uid)
	if !ok {
		return Record{}, false
	}
	delete(c.byKey, e.Key())
	e.clearDeferred()
	_ = e.moveTo(StateDisconnected)
	return e.Record, true
}

// Clear drops every record and returns them. The uid counter is kept.
func (c *Connections) Clear() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, 0, c.records.Len())
	for pair := c.records.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.clearDeferred()
		out = append(out, pair.Value.Record)
	}
	c.records = orderedmap.New[transport.ConnectionUID, *entry]()
	c.byKey = make(map[Key]transport.ConnectionUID)
	return out
}

func (e *entry) moveTo(next State) error {
	if !e.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.State, next)
	}
	e.State = next
	return nil
}

func (e *entry) clearDeferred() {
	e.DisconnectDeferred = false
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}
