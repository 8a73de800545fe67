package testutils

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/srg/linkmgr/internal/testutils/mocks"
	"github.com/srg/linkmgr/pkg/adapter"
	"github.com/srg/linkmgr/pkg/transport"
	"github.com/stretchr/testify/mock"
)

// DeviceConfig is a device the mocked adapter reports in its device list
type DeviceConfig struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// AdapterConfig is the complete configuration of a mocked adapter
type AdapterConfig struct {
	DeviceType     transport.DeviceType `json:"device_type"`
	ConnectionType string               `json:"connection_type"`
	Initialised    bool                 `json:"initialised"`
	Devices        []DeviceConfig       `json:"devices"`
}

// AdapterFixture is a MockAdapter with a mutable device list and the captured event sink.
// Lifecycle and device-list calls are pre-wired; transfer operations are left to the test.
type AdapterFixture struct {
	*mocks.MockAdapter

	mu          sync.Mutex
	devices     []DeviceConfig
	sink        adapter.Sink
	initialised bool
}

// SetDevices replaces the device list returned by DeviceList.
func (f *AdapterFixture) SetDevices(devices ...DeviceConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = append([]DeviceConfig(nil), devices...)
}

// Sink returns the sink registered through AddListener, or nil.
func (f *AdapterFixture) Sink() adapter.Sink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sink
}

// Emit submits an event as if the adapter produced it.
func (f *AdapterFixture) Emit(kind adapter.EventKind, address string, app transport.ApplicationHandle) error {
	return f.EmitEvent(adapter.NewEvent(kind, f, address, app))
}

// EmitEvent submits a prepared event through the captured sink.
func (f *AdapterFixture) EmitEvent(ev adapter.Event) error {
	sink := f.Sink()
	if sink == nil {
		return fmt.Errorf("adapter fixture: no listener registered")
	}
	return sink.ReceiveEventFromDevice(ev)
}

func (f *AdapterFixture) addresses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d.Address)
	}
	return out
}

func (f *AdapterFixture) name(address string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if d.Address == address {
			return d.Name
		}
	}
	return ""
}

func (f *AdapterFixture) isInitialised() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialised
}

func (f *AdapterFixture) setInitialised(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialised = v
}

// AdapterBuilder builds AdapterFixture instances
type AdapterBuilder struct {
	t       mockT
	config  AdapterConfig
	initErr error
}

type mockT interface {
	mock.TestingT
	Cleanup(func())
}

// NewAdapterBuilder creates a builder for an initialised adapter with no devices
func NewAdapterBuilder(t mockT) *AdapterBuilder {
	return &AdapterBuilder{
		t: t,
		config: AdapterConfig{
			DeviceType:     transport.DeviceTypeLoopback,
			ConnectionType: "mock",
			Initialised:    true,
		},
	}
}

// FromJSON fills the adapter configuration from JSON
func (b *AdapterBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdapterBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config AdapterConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("AdapterBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.config = config
	return b
}

func (b *AdapterBuilder) WithConnectionType(ct string) *AdapterBuilder {
	b.config.ConnectionType = ct
	return b
}

func (b *AdapterBuilder) WithDevice(address, name string) *AdapterBuilder {
	b.config.Devices = append(b.config.Devices, DeviceConfig{Address: address, Name: name})
	return b
}

// Uninitialised makes the adapter report IsInitialised()==false until Init succeeds.
func (b *AdapterBuilder) Uninitialised() *AdapterBuilder {
	b.config.Initialised = false
	return b
}

// WithInitError makes Init fail with err.
func (b *AdapterBuilder) WithInitError(err error) *AdapterBuilder {
	b.initErr = err
	return b
}

// Build creates the fixture with lifecycle and device-list expectations in place
func (b *AdapterBuilder) Build() *AdapterFixture {
	f := &AdapterFixture{
		MockAdapter: mocks.NewMockAdapter(b.t),
		devices:     append([]DeviceConfig(nil), b.config.Devices...),
		initialised: b.config.Initialised,
	}

	f.On("AddListener", mock.Anything).Run(func(args mock.Arguments) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.sink = args.Get(0).(adapter.Sink)
	}).Return().Maybe()
	f.On("DeviceType").Return(b.config.DeviceType).Maybe()
	f.On("ConnectionType").Return(b.config.ConnectionType).Maybe()
	f.On("DeviceList").Return(f.addresses).Maybe()
	f.On("DeviceName", mock.Anything).Return(f.name).Maybe()
	f.On("IsInitialised").Return(f.isInitialised).Maybe()
	f.On("Init").Run(func(mock.Arguments) {
		if b.initErr == nil {
			f.setInitialised(true)
		}
	}).Return(b.initErr).Maybe()
	f.On("Terminate").Run(func(mock.Arguments) {
		f.setInitialised(false)
	}).Return().Maybe()

	return f
}
