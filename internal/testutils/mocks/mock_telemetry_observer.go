package mocks

import (
	mock "github.com/stretchr/testify/mock"

	transport "github.com/srg/linkmgr/pkg/transport"
)

// MockTelemetryObserver is a mock type for the TelemetryObserver type
type MockTelemetryObserver struct {
	mock.Mock
}

// StartRawMsg provides a mock function with given fields: msg
func (_m *MockTelemetryObserver) StartRawMsg(msg *transport.RawMessage) {
	_m.Called(msg)
}

// StopRawMsg provides a mock function with given fields: msg
func (_m *MockTelemetryObserver) StopRawMsg(msg *transport.RawMessage) {
	_m.Called(msg)
}

// NewMockTelemetryObserver creates a new instance of MockTelemetryObserver. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
// The first argument is typically a *testing.T value.
func NewMockTelemetryObserver(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockTelemetryObserver {
	m := &MockTelemetryObserver{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
