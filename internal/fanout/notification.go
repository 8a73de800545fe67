package fanout

import (
	"fmt"

	"github.com/srg/linkmgr/pkg/transport"
)

// Kind names a listener callback.
type Kind int

const (
	DeviceFound Kind = iota + 1
	DeviceAdded
	DeviceRemoved
	DeviceListUpdated
	ScanDevicesFinished
	ScanDevicesFailed
	FindNewApplicationsRequest
	ConnectionEstablished
	ConnectionFailed
	ConnectionClosed
	UnexpectedDisconnect
	DisconnectFailed
	MessageSent
	MessageReceived
	MessageSendFailed
	MessageReceiveFailed
)

var kindNames = [...]string{
	DeviceFound:                "device_found",
	DeviceAdded:                "device_added",
	DeviceRemoved:              "device_removed",
	DeviceListUpdated:          "device_list_updated",
	ScanDevicesFinished:        "scan_finished",
	ScanDevicesFailed:          "scan_failed",
	FindNewApplicationsRequest: "find_new_applications",
	ConnectionEstablished:      "connection_established",
	ConnectionFailed:           "connection_failed",
	ConnectionClosed:           "connection_closed",
	UnexpectedDisconnect:       "unexpected_disconnect",
	DisconnectFailed:           "disconnect_failed",
	MessageSent:                "message_sent",
	MessageReceived:            "message_received",
	MessageSendFailed:          "message_send_failed",
	MessageReceiveFailed:       "message_receive_failed",
}

func (k Kind) String() string {
	if k > 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Notification is a listener callback captured as a value.
type Notification struct {
	Kind    Kind
	Device  transport.DeviceInfo
	Devices []transport.DeviceInfo
	Handle  transport.DeviceHandle
	UID     transport.ConnectionUID
	Message *transport.RawMessage
	Err     error
}

func (n Notification) String() string {
	switch n.Kind {
	case DeviceFound, DeviceAdded, DeviceRemoved:
		return fmt.Sprintf("%s %s", n.Kind, n.Device)
	case DeviceListUpdated:
		return fmt.Sprintf("%s (%d devices)", n.Kind, len(n.Devices))
	case ConnectionEstablished:
		return fmt.Sprintf("%s uid=%d %s", n.Kind, n.UID, n.Device)
	case ConnectionFailed:
		return fmt.Sprintf("%s %s: %v", n.Kind, n.Device, n.Err)
	case ConnectionClosed:
		return fmt.Sprintf("%s uid=%d", n.Kind, n.UID)
	case UnexpectedDisconnect:
		return fmt.Sprintf("%s uid=%d: %v", n.Kind, n.UID, n.Err)
	case DisconnectFailed:
		return fmt.Sprintf("%s handle=%d: %v", n.Kind, n.Handle, n.Err)
	case MessageSent, MessageReceived:
		return fmt.Sprintf("%s %s", n.Kind, n.Message)
	case MessageSendFailed:
		return fmt.Sprintf("%s %s: %v", n.Kind, n.Message, n.Err)
	case ScanDevicesFailed, MessageReceiveFailed:
		return fmt.Sprintf("%s: %v", n.Kind, n.Err)
	default:
		return n.Kind.String()
	}
}

// Recorder turns listener callbacks into Notification values passed to emit.
type Recorder struct {
	emit func(Notification)
}

// NewRecorder returns a Listener that forwards every callback to emit.
func NewRecorder(emit func(Notification)) *Recorder {
	return &Recorder{emit: emit}
}

var _ transport.Listener = (*Recorder)(nil)

func (r *Recorder) OnDeviceFound(info transport.DeviceInfo) {
	r.emit(Notification{Kind: DeviceFound, Device: info, Handle: info.Handle})
}

func (r *Recorder) OnDeviceAdded(info transport.DeviceInfo) {
	r.emit(Notification{Kind: DeviceAdded, Device: info, Handle: info.Handle})
}

func (r *Recorder) OnDeviceRemoved(info transport.DeviceInfo) {
	r.emit(Notification{Kind: DeviceRemoved, Device: info, Handle: info.Handle})
}

func (r *Recorder) OnDeviceListUpdated(devices []transport.DeviceInfo) {
	r.emit(Notification{Kind: DeviceListUpdated, Devices: append([]transport.DeviceInfo(nil), devices...)})
}

func (r *Recorder) OnScanDevicesFinished() {
	r.emit(Notification{Kind: ScanDevicesFinished})
}

func (r *Recorder) OnScanDevicesFailed(err error) {
	r.emit(Notification{Kind: ScanDevicesFailed, Err: err})
}

func (r *Recorder) OnFindNewApplicationsRequest() {
	r.emit(Notification{Kind: FindNewApplicationsRequest})
}

func (r *Recorder) OnConnectionEstablished(info transport.DeviceInfo, uid transport.ConnectionUID) {
	r.emit(Notification{Kind: ConnectionEstablished, Device: info, Handle: info.Handle, UID: uid})
}

func (r *Recorder) OnConnectionFailed(info transport.DeviceInfo, err error) {
	r.emit(Notification{Kind: ConnectionFailed, Device: info, Handle: info.Handle, Err: err})
}

func (r *Recorder) OnConnectionClosed(uid transport.ConnectionUID) {
	r.emit(Notification{Kind: ConnectionClosed, UID: uid})
}

func (r *Recorder) OnUnexpectedDisconnect(uid transport.ConnectionUID, err error) {
	r.emit(Notification{Kind: UnexpectedDisconnect, UID: uid, Err: err})
}

func (r *Recorder) OnDisconnectFailed(handle transport.DeviceHandle, err error) {
	r.emit(Notification{Kind: DisconnectFailed, Handle: handle, Err: err})
}

func (r *Recorder) OnTMMessageSend(msg *transport.RawMessage) {
	r.emit(Notification{Kind: MessageSent, Message: msg, UID: msgUID(msg)})
}

func (r *Recorder) OnTMMessageReceived(msg *transport.RawMessage) {
	r.emit(Notification{Kind: MessageReceived, Message: msg, UID: msgUID(msg)})
}

func (r *Recorder) OnTMMessageSendFailed(err error, msg *transport.RawMessage) {
	r.emit(Notification{Kind: MessageSendFailed, Message: msg, UID: msgUID(msg), Err: err})
}

func (r *Recorder) OnTMMessageReceiveFailed(err error) {
	r.emit(Notification{Kind: MessageReceiveFailed, Err: err})
}

func msgUID(msg *transport.RawMessage) transport.ConnectionUID {
	if msg == nil {
		return 0
	}
	return msg.ConnectionKey
}
