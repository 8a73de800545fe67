package transport

// Listener receives transport manager notifications.
// All callbacks are invoked from the manager's dispatch goroutine in registration order,
// so implementations must not block for long.
type Listener interface {
	OnDeviceFound(info DeviceInfo)
	OnDeviceAdded(info DeviceInfo)
	OnDeviceRemoved(info DeviceInfo)
	OnDeviceListUpdated(devices []DeviceInfo)
	OnScanDevicesFinished()
	OnScanDevicesFailed(err error)
	OnFindNewApplicationsRequest()

	OnConnectionEstablished(info DeviceInfo, uid ConnectionUID)
	OnConnectionFailed(info DeviceInfo, err error)
	OnConnectionClosed(uid ConnectionUID)
	OnUnexpectedDisconnect(uid ConnectionUID, err error)
	OnDisconnectFailed(handle DeviceHandle, err error)

	OnTMMessageSend(msg *RawMessage)
	OnTMMessageReceived(msg *RawMessage)
	OnTMMessageSendFailed(err error, msg *RawMessage)
	OnTMMessageReceiveFailed(err error)
}

// NopListener implements Listener with empty callbacks.
// Embed it to handle only the notifications of interest.
type NopListener struct{}

func (NopListener) OnDeviceFound(DeviceInfo) {}
func (NopListener) OnDeviceAdded(DeviceInfo) {}
func (NopListener) OnDeviceRemoved(DeviceInfo) {}
func (NopListener) OnDeviceListUpdated([]DeviceInfo) {}
func (NopListener) OnScanDevicesFinished() {}
func (NopListener) OnScanDevicesFailed(error) {}
func (NopListener) OnFindNewApplicationsRequest() {}
func (NopListener) OnConnectionEstablished(DeviceInfo, ConnectionUID) {}
func (NopListener) OnConnectionFailed(DeviceInfo, error) {}
func (NopListener) OnConnectionClosed(ConnectionUID) {}
func (NopListener) OnUnexpectedDisconnect(ConnectionUID, error) {}
func (NopListener) OnDisconnectFailed(DeviceHandle, error) {}
func (NopListener) OnTMMessageSend(*RawMessage) {}
func (NopListener) OnTMMessageReceived(*RawMessage) {}
func (NopListener) OnTMMessageSendFailed(error, *RawMessage) {}
func (NopListener) OnTMMessageReceiveFailed(error) {}

var _ Listener = NopListener{}

// TelemetryObserver is notified around raw message transfer.
// StartRawMsg is called before an adapter send is attempted; StopRawMsg when the
// send completes or fails, and when a received message is delivered.
type TelemetryObserver interface {
	StartRawMsg(msg *RawMessage)
	StopRawMsg(msg *RawMessage)
}
