// Package mocks holds testify mocks of the transport manager interfaces.
package mocks

import (
	adapter "github.com/srg/linkmgr/pkg/adapter"
	mock "github.com/stretchr/testify/mock"

	transport "github.com/srg/linkmgr/pkg/transport"
)

// MockAdapter is a mock type for the Adapter type
type MockAdapter struct {
	mock.Mock
}

// AddListener provides a mock function with given fields: sink
func (_m *MockAdapter) AddListener(sink adapter.Sink) {
	_m.Called(sink)
}

// ConnectDevice provides a mock function with given fields: address
func (_m *MockAdapter) ConnectDevice(address string) error {
	ret := _m.Called(address)
	return ret.Error(0)
}

// ConnectionType provides a mock function with no fields
func (_m *MockAdapter) ConnectionType() string {
	ret := _m.Called()
	return ret.String(0)
}

// DeviceList provides a mock function with no fields
func (_m *MockAdapter) DeviceList() []string {
	ret := _m.Called()
	if rf, ok := ret.Get(0).(func() []string); ok {
		return rf()
	}
	if ret.Get(0) == nil {
		return nil
	}
	return ret.Get(0).([]string)
}

// DeviceName provides a mock function with given fields: address
func (_m *MockAdapter) DeviceName(address string) string {
	ret := _m.Called(address)
	if rf, ok := ret.Get(0).(func(string) string); ok {
		return rf(address)
	}
	return ret.String(0)
}

// DeviceType provides a mock function with no fields
func (_m *MockAdapter) DeviceType() transport.DeviceType {
	ret := _m.Called()
	return ret.Get(0).(transport.DeviceType)
}

// Disconnect provides a mock function with given fields: address, app
func (_m *MockAdapter) Disconnect(address string, app transport.ApplicationHandle) error {
	ret := _m.Called(address, app)
	return ret.Error(0)
}

// DisconnectDevice provides a mock function with given fields: address
func (_m *MockAdapter) DisconnectDevice(address string) error {
	ret := _m.Called(address)
	return ret.Error(0)
}

// Init provides a mock function with no fields
func (_m *MockAdapter) Init() error {
	ret := _m.Called()
	return ret.Error(0)
}

// IsInitialised provides a mock function with no fields
func (_m *MockAdapter) IsInitialised() bool {
	ret := _m.Called()
	if rf, ok := ret.Get(0).(func() bool); ok {
		return rf()
	}
	return ret.Bool(0)
}

// RemoveFinalizedConnection provides a mock function with given fields: address, app
func (_m *MockAdapter) RemoveFinalizedConnection(address string, app transport.ApplicationHandle) {
	_m.Called(address, app)
}

// SearchDevices provides a mock function with no fields
func (_m *MockAdapter) SearchDevices() error {
	ret := _m.Called()
	return ret.Error(0)
}

// SendData provides a mock function with given fields: address, app, msg
func (_m *MockAdapter) SendData(address string, app transport.ApplicationHandle, msg *transport.RawMessage) error {
	ret := _m.Called(address, app, msg)
	return ret.Error(0)
}

// StartClientListening provides a mock function with no fields
func (_m *MockAdapter) StartClientListening() error {
	ret := _m.Called()
	return ret.Error(0)
}

// StopClientListening provides a mock function with no fields
func (_m *MockAdapter) StopClientListening() error {
	ret := _m.Called()
	return ret.Error(0)
}

// Terminate provides a mock function with no fields
func (_m *MockAdapter) Terminate() {
	_m.Called()
}

// NewMockAdapter creates a new instance of MockAdapter. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
// The first argument is typically a *testing.T value.
func NewMockAdapter(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockAdapter {
	m := &MockAdapter{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
