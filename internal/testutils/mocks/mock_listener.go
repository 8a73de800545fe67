package mocks

import (
	mock "github.com/stretchr/testify/mock"

	transport "github.com/srg/linkmgr/pkg/transport"
)

// MockListener is a mock type for the Listener type
type MockListener struct {
	mock.Mock
}

// OnConnectionClosed provides a mock function with given fields: uid
func (_m *MockListener) OnConnectionClosed(uid transport.ConnectionUID) {
	_m.Called(uid)
}

// OnConnectionEstablished provides a mock function with given fields: info, uid
func (_m *MockListener) OnConnectionEstablished(info transport.DeviceInfo, uid transport.ConnectionUID) {
	_m.Called(info, uid)
}

// OnConnectionFailed provides a mock function with given fields: info, err
func (_m *MockListener) OnConnectionFailed(info transport.DeviceInfo, err error) {
	_m.Called(info, err)
}

// OnDeviceAdded provides a mock function with given fields: info
func (_m *MockListener) OnDeviceAdded(info transport.DeviceInfo) {
	_m.Called(info)
}

// OnDeviceFound provides a mock function with given fields: info
func (_m *MockListener) OnDeviceFound(info transport.DeviceInfo) {
	_m.Called(info)
}

// OnDeviceListUpdated provides a mock function with given fields: devices
func (_m *MockListener) OnDeviceListUpdated(devices []transport.DeviceInfo) {
	_m.Called(devices)
}

// OnDeviceRemoved provides a mock function with given fields: info
func (_m *MockListener) OnDeviceRemoved(info transport.DeviceInfo) {
	_m.Called(info)
}

// OnDisconnectFailed provides a mock function with given fields: handle, err
func (_m *MockListener) OnDisconnectFailed(handle transport.DeviceHandle, err error) {
	_m.Called(handle, err)
}

// OnFindNewApplicationsRequest provides a mock function with no fields
func (_m *MockListener) OnFindNewApplicationsRequest() {
	_m.Called()
}

// OnScanDevicesFailed provides a mock function with given fields: err
func (_m *MockListener) OnScanDevicesFailed(err error) {
	_m.Called(err)
}

// OnScanDevicesFinished provides a mock function with no fields
func (_m *MockListener) OnScanDevicesFinished() {
	_m.Called()
}

// OnTMMessageReceiveFailed provides a mock function with given fields: err
func (_m *MockListener) OnTMMessageReceiveFailed(err error) {
	_m.Called(err)
}

// OnTMMessageReceived provides a mock function with given fields: msg
func (_m *MockListener) OnTMMessageReceived(msg *transport.RawMessage) {
	_m.Called(msg)
}

// OnTMMessageSend provides a mock function with given fields: msg
func (_m *MockListener) OnTMMessageSend(msg *transport.RawMessage) {
	_m.Called(msg)
}

// OnTMMessageSendFailed provides a mock function with given fields: err, msg
func (_m *MockListener) OnTMMessageSendFailed(err error, msg *transport.RawMessage) {
	_m.Called(err, msg)
}

// OnUnexpectedDisconnect provides a mock function with given fields: uid, err
func (_m *MockListener) OnUnexpectedDisconnect(uid transport.ConnectionUID, err error) {
	_m.Called(uid, err)
}

// NewMockListener creates a new instance of MockListener. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
// The first argument is typically a *testing.T value.
func NewMockListener(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockListener {
	m := &MockListener{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
