package registry

import (
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/srg/linkmgr/pkg/transport"
)

// Handles converts device addresses to stable numeric handles.
// A handle is allocated the first time an address is seen, starting at 1,
// and the mapping survives Clear so handles are never reused.
type Handles struct {
	byAddress *hashmap.Map[string, transport.DeviceHandle]
	byHandle  *hashmap.Map[transport.DeviceHandle, string]

	allocMu sync.Mutex
	next    transport.DeviceHandle
}

func NewHandles() *Handles {
	return &Handles{
		byAddress: hashmap.New[string, transport.DeviceHandle](),
		byHandle:  hashmap.New[transport.DeviceHandle, string](),
		next:      1,
	}
}

// Resolve returns the handle for address, allocating one on first sight.
func (h *Handles) Resolve(address string) transport.DeviceHandle {
	if handle, ok := h.byAddress.Get(address); ok {
		return handle
	}

	h.allocMu.Lock()
	defer h.allocMu.Unlock()

	if handle, ok := h.byAddress.Get(address); ok {
		return handle
	}
	handle := h.next
	h.next++
	h.byHandle.Set(handle, address)
	h.byAddress.Set(address, handle)
	return handle
}

// Lookup returns the handle of an already known address.
func (h *Handles) Lookup(address string) (transport.DeviceHandle, bool) {
	return h.byAddress.Get(address)
}

// Address returns the address a handle was allocated for.
func (h *Handles) Address(handle transport.DeviceHandle) (string, bool) {
	return h.byHandle.Get(handle)
}

// Len returns the number of allocated handles.
func (h *Handles) Len() int {
	return h.byAddress.Len()
}
