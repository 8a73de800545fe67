package transport

import (
	"fmt"
	"strconv"
)

// DeviceHandle is the stable numeric identifier of a physical device address.
// Handles are allocated on first sight of an address and are never reused.
type DeviceHandle uint32

// ConnectionUID identifies one logical connection to an application on a device.
type ConnectionUID uint32

// ApplicationHandle is the adapter-local identifier of an application endpoint.
type ApplicationHandle int32

// DeviceType is the transport family an adapter serves.
type DeviceType string

const (
	DeviceTypeUnknown  DeviceType = "unknown"
	DeviceTypeBLE      DeviceType = "ble"
	DeviceTypeSerial   DeviceType = "serial"
	DeviceTypeNetwork  DeviceType = "network"
	DeviceTypeLoopback DeviceType = "loopback"
)

func (h DeviceHandle) String() string  { return strconv.FormatUint(uint64(h), 10) }
func (u ConnectionUID) String() string { return strconv.FormatUint(uint64(u), 10) }

// DeviceInfo describes a discovered device as reported to listeners.
type DeviceInfo struct {
	Handle         DeviceHandle `json:"handle"`
	Address        string       `json:"address"`
	Name           string       `json:"name"`
	ConnectionType string       `json:"connection_type"`
}

// Equal compares the identity-bearing fields of two device infos.
func (d DeviceInfo) Equal(other DeviceInfo) bool {
	return d.Handle == other.Handle &&
		d.Address == other.Address &&
		d.Name == other.Name &&
		d.ConnectionType == other.ConnectionType
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s[%d] %q via %s", d.Address, d.Handle, d.Name, d.ConnectionType)
}

// RawMessage is an opaque payload carried over a connection.
// ConnectionKey holds the ConnectionUID the message travels on.
type RawMessage struct {
	ConnectionKey   ConnectionUID
	ProtocolVersion uint32
	Data            []byte
}

// NewRawMessage copies data into a new message for the given connection.
func NewRawMessage(uid ConnectionUID, version uint32, data []byte) *RawMessage {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &RawMessage{ConnectionKey: uid, ProtocolVersion: version, Data: buf}
}

// Len returns the payload size in bytes.
func (m *RawMessage) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Data)
}

func (m *RawMessage) String() string {
	if m == nil {
		return "<nil>"
	}
	return fmt.Sprintf("msg{conn=%d v=%d len=%d}", m.ConnectionKey, m.ProtocolVersion, len(m.Data))
}
