// Package adapter defines the contract between the transport manager and
// transport-specific drivers.
package adapter

import (
	"errors"

	"github.com/srg/linkmgr/pkg/transport"
)

// Adapter result errors. A nil error means the request was accepted; completion is
// always reported later as an Event.
var (
	ErrFail         = errors.New("adapter failure")
	ErrNotSupported = errors.New("not supported")
	ErrBadState     = errors.New("bad state")
)

// Result is the classified outcome of an adapter call.
type Result int

const (
	ResultOK Result = iota
	ResultFail
	ResultNotSupported
	ResultBadState
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultFail:
		return "fail"
	case ResultNotSupported:
		return "not_supported"
	case ResultBadState:
		return "bad_state"
	default:
		return "unknown"
	}
}

// Classify maps an adapter error onto a Result. Unrecognised errors are failures.
func Classify(err error) Result {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrNotSupported):
		return ResultNotSupported
	case errors.Is(err, ErrBadState):
		return ResultBadState
	default:
		return ResultFail
	}
}

// Adapter is a transport driver as seen by the manager.
type Adapter interface {
	Init() error
	Terminate()
	IsInitialised() bool

	DeviceType() transport.DeviceType
	ConnectionType() string

	SearchDevices() error
	ConnectDevice(address string) error
	DisconnectDevice(address string) error
	Disconnect(address string, app transport.ApplicationHandle) error
	SendData(address string, app transport.ApplicationHandle, msg *transport.RawMessage) error

	StartClientListening() error
	StopClientListening() error

	// DeviceList returns the addresses currently known to the adapter.
	DeviceList() []string
	DeviceName(address string) string
	RemoveFinalizedConnection(address string, app transport.ApplicationHandle)

	// AddListener registers the sink that receives the adapter's events.
	AddListener(sink Sink)
}

// Sink accepts events from adapters. It is safe to call from any goroutine.
type Sink interface {
	ReceiveEventFromDevice(ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev Event) error

func (f SinkFunc) ReceiveEventFromDevice(ev Event) error { return f(ev) }
