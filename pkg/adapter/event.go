package adapter

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/srg/linkmgr/pkg/transport"
)

// EventKind enumerates adapter-originated events.
type EventKind int

const (
	EventSearchDone EventKind = iota + 1
	EventSearchFail
	EventDeviceListUpdated
	EventFindNewApplicationsRequest
	EventConnectDone
	EventConnectFail
	EventDisconnectDone
	EventDisconnectFail
	EventSendDone
	EventSendFail
	EventReceivedDone
	EventReceivedFail
	EventCommunicationError
	EventUnexpectedDisconnect
)

var eventKindNames = map[EventKind]string{
	EventSearchDone:                 "search_done",
	EventSearchFail:                 "search_fail",
	EventDeviceListUpdated:          "device_list_updated",
	EventFindNewApplicationsRequest: "find_new_applications_request",
	EventConnectDone:                "connect_done",
	EventConnectFail:                "connect_fail",
	EventDisconnectDone:             "disconnect_done",
	EventDisconnectFail:             "disconnect_fail",
	EventSendDone:                   "send_done",
	EventSendFail:                   "send_fail",
	EventReceivedDone:               "received_done",
	EventReceivedFail:               "received_fail",
	EventCommunicationError:         "communication_error",
	EventUnexpectedDisconnect:       "unexpected_disconnect",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event_kind(%d)", int(k))
}

// Event is a completion or notification reported by an adapter.
// Which fields are meaningful depends on Kind.
type Event struct {
	ID          uuid.UUID
	Kind        EventKind
	Adapter     Adapter
	Address     string
	Application transport.ApplicationHandle
	Message     *transport.RawMessage
	Err         error
}

// NewEvent builds an event for the given adapter and kind.
func NewEvent(kind EventKind, a Adapter, address string, app transport.ApplicationHandle) Event {
	return Event{
		ID:          uuid.New(),
		Kind:        kind,
		Adapter:     a,
		Address:     address,
		Application: app,
	}
}

// WithMessage returns a copy of ev carrying msg.
func (ev Event) WithMessage(msg *transport.RawMessage) Event {
	ev.Message = msg
	return ev
}

// WithError returns a copy of ev carrying err.
func (ev Event) WithError(err error) Event {
	ev.Err = err
	return ev
}

func (ev Event) String() string {
	return fmt.Sprintf("%s{addr=%q app=%d}", ev.Kind, ev.Address, ev.Application)
}
