package registry

import (
	"sync"

	"github.com/srg/linkmgr/pkg/adapter"
	"github.com/srg/linkmgr/pkg/transport"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Diff is the outcome of reconciling an adapter's device list with the cache.
type Diff struct {
	// Added holds devices that were not cached before, in snapshot order.
	Added []transport.DeviceInfo
	// Removed holds cached devices missing from the new snapshot.
	Removed []transport.DeviceInfo
	// All is the full device list across adapters after the update.
	All []transport.DeviceInfo
}

// Changed reports whether the update added or removed anything.
func (d Diff) Changed() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0
}

type deviceCache = orderedmap.OrderedMap[string, transport.DeviceInfo]

// Devices keeps the last device list reported by every registered adapter.
type Devices struct {
	mu      sync.RWMutex
	handles *Handles
	caches  *orderedmap.OrderedMap[adapter.Adapter, *deviceCache]
	owners  map[transport.DeviceHandle]adapter.Adapter
}

func NewDevices(handles *Handles) *Devices {
	return &Devices{
		handles: handles,
		caches:  orderedmap.New[adapter.Adapter, *deviceCache](),
		owners:  make(map[transport.DeviceHandle]adapter.Adapter),
	}
}

// Register adds an adapter with an empty cache. Registering twice is a no-op.
func (d *Devices) Register(a adapter.Adapter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.caches.Get(a); !ok {
		d.caches.Set(a, orderedmap.New[string, transport.DeviceInfo]())
	}
}

// Registered reports whether the adapter has been registered.
func (d *Devices) Registered(a adapter.Adapter) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.caches.Get(a)
	return ok
}

// Adapters returns registered adapters in registration order.
func (d *Devices) Adapters() []adapter.Adapter {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]adapter.Adapter, 0, d.caches.Len())
	for pair := d.caches.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Apply replaces the adapter's cache with snapshot and reports the difference.
// New addresses get their name from the adapter and a handle from the shared converter.
func (d *Devices) Apply(a adapter.Adapter, snapshot []string) Diff {
	d.mu.Lock()
	defer d.mu.Unlock()

	cache, ok := d.caches.Get(a)
	if !ok {
		cache = orderedmap.New[string, transport.DeviceInfo]()
		d.caches.Set(a, cache)
	}

	seen := make(map[string]struct{}, len(snapshot))
	next := orderedmap.New[string, transport.DeviceInfo]()
	var diff Diff

	for _, address := range snapshot {
		if _, dup := seen[address]; dup {
			continue
		}
		seen[address] = struct{}{}

		if info, known := cache.Get(address); known {
			next.Set(address, info)
			continue
		}
		info := transport.DeviceInfo{
			Handle:         d.handles.Resolve(address),
			Address:        address,
			Name:           a.DeviceName(address),
			ConnectionType: a.ConnectionType(),
		}
		next.Set(address, info)
		d.owners[info.Handle] = a
		diff.Added = append(diff.Added, info)
	}

	for pair := cache.Oldest(); pair != nil; pair = pair.Next() {
		if _, still := seen[pair.Key]; !still {
			diff.Removed = append(diff.Removed, pair.Value)
		}
	}

	d.caches.Set(a, next)
	for _, info := range diff.Removed {
		d.reassignOwnerLocked(info.Handle, info.Address)
	}

	if diff.Changed() {
		diff.All = d.allLocked()
	}
	return diff
}

// Remove drops the device from every adapter cache.
func (d *Devices) Remove(handle transport.DeviceHandle) Diff {
	d.mu.Lock()
	defer d.mu.Unlock()

	var diff Diff
	address, ok := d.handles.Address(handle)
	if !ok {
		return diff
	}
	for pair := d.caches.Oldest(); pair != nil; pair = pair.Next() {
		if info, present := pair.Value.Delete(address); present {
			diff.Removed = append(diff.Removed, info)
		}
	}
	delete(d.owners, handle)
	if diff.Changed() {
		diff.All = d.allLocked()
	}
	return diff
}

// Lookup returns the device info for a handle together with the adapter that owns it.
func (d *Devices) Lookup(handle transport.DeviceHandle) (transport.DeviceInfo, adapter.Adapter, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	owner, ok := d.owners[handle]
	if !ok {
		return transport.DeviceInfo{}, nil, false
	}
	cache, ok := d.caches.Get(owner)
	if !ok {
		return transport.DeviceInfo{}, nil, false
	}
	address, _ := d.handles.Address(handle)
	info, ok := cache.Get(address)
	if !ok {
		return transport.DeviceInfo{}, nil, false
	}
	return info, owner, true
}

// All returns every cached device, grouped by adapter in registration order.
func (d *Devices) All() []transport.DeviceInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.allLocked()
}

// Clear empties every cache but keeps adapter registrations and allocated handles.
func (d *Devices) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for pair := d.caches.Oldest(); pair != nil; pair = pair.Next() {
		d.caches.Set(pair.Key, orderedmap.New[string, transport.DeviceInfo]())
	}
	d.owners = make(map[transport.DeviceHandle]adapter.Adapter)
}

func (d *Devices) allLocked() []transport.DeviceInfo {
	out := make([]transport.DeviceInfo, 0)
	for pair := d.caches.Oldest(); pair != nil; pair = pair.Next() {
		for dev := pair.Value.Oldest(); dev != nil; dev = dev.Next() {
			out = append(out, dev.Value)
		}
	}
	return out
}

// reassignOwnerLocked hands a device over to the most recently registered
// adapter that still lists it, or forgets the owner if none does.
func (d *Devices) reassignOwnerLocked(handle transport.DeviceHandle, address string) {
	var owner adapter.Adapter
	for pair := d.caches.Newest(); pair != nil; pair = pair.Prev() {
		if _, ok := pair.Value.Get(address); ok {
			owner = pair.Key
			break
		}
	}
	if owner == nil {
		delete(d.owners, handle)
		return
	}
	d.owners[handle] = owner
}
