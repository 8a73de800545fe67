// Package manager implements the transport manager: the single entry point that
// aggregates transport adapters, tracks devices and connections, and reports
// everything that happens to registered listeners.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/linkmgr/internal/fanout"
	"github.com/srg/linkmgr/internal/pipeline"
	"github.com/srg/linkmgr/internal/registry"
	"github.com/srg/linkmgr/pkg/adapter"
	"github.com/srg/linkmgr/pkg/transport"
)

type lifecycle int

const (
	stateStopped lifecycle = iota
	stateRunning
	stateStopping
)

// stopSyncTimeout bounds how long Stop waits for termination events to be delivered.
const stopSyncTimeout = 5 * time.Second

// Connection is a read-only view of a connection record.
type Connection struct {
	UID          transport.ConnectionUID
	Device       transport.DeviceHandle
	Address      string
	Application  transport.ApplicationHandle
	State        string
	PendingSends int
}

// TransportManager is safe for concurrent use. Listener callbacks run on its
// dispatch goroutine; they may call facade methods except Stop and Sync.
type TransportManager struct {
	logger            *logrus.Logger
	disconnectTimeout time.Duration
	queueHint         int64

	mu         sync.RWMutex
	state      lifecycle
	dispatcher *pipeline.Dispatcher[job]
	telemetry  transport.TelemetryObserver

	// regMu serialises adapter registration.
	regMu sync.Mutex

	handles   *registry.Handles
	devices   *registry.Devices
	conns     *registry.Connections
	listeners *fanout.Fanout
}

var _ adapter.Sink = (*TransportManager)(nil)

// New creates a stopped transport manager.
func New(logger *logrus.Logger, opts ...Option) *TransportManager {
	if logger == nil {
		logger = logrus.New()
	}
	handles := registry.NewHandles()
	tm := &TransportManager{
		logger:    logger,
		queueHint: 256,
		handles:   handles,
		devices:   registry.NewDevices(handles),
		conns:     registry.NewConnections(),
		listeners: fanout.New(logger),
	}
	for _, opt := range opts {
		opt(tm)
	}
	return tm
}

// ----------------------------------------------------------------------------
// Lifecycle
// ----------------------------------------------------------------------------

// Init starts event dispatching and initialises registered adapters that are not
// initialised yet. Calling Init on a running manager is a no-op.
func (tm *TransportManager) Init() error {
	tm.mu.Lock()
	if tm.state != stateStopped {
		tm.mu.Unlock()
		return nil
	}
	d := pipeline.New[job]("tm-dispatch", tm.queueHint, tm.handle, tm.logger)
	d.Start(context.Background())
	tm.dispatcher = d
	tm.state = stateRunning
	tm.mu.Unlock()

	for _, a := range tm.devices.Adapters() {
		if a.IsInitialised() {
			continue
		}
		if err := a.Init(); err != nil {
			tm.logger.WithError(err).WithField("adapter", a.ConnectionType()).Warn("Adapter init failed")
		}
	}
	tm.logger.WithField("adapters", len(tm.devices.Adapters())).Info("Transport manager initialised")
	return nil
}

// Stop force-disconnects every connection, terminates the adapters, delivers the
// resulting events and clears all registries. Must not be called from a listener.
func (tm *TransportManager) Stop() error {
	tm.mu.Lock()
	if tm.state != stateRunning {
		tm.mu.Unlock()
		return transport.ErrNotInitialized
	}
	tm.state = stateStopping
	d := tm.dispatcher
	tm.mu.Unlock()

	tm.logger.Info("Stopping transport manager")

	for _, rec := range tm.conns.All() {
		if _, err := tm.conns.ForceDisconnecting(rec.UID); err != nil {
			continue
		}
		tm.adapterDisconnect(rec)
	}
	for _, a := range tm.devices.Adapters() {
		a.Terminate()
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopSyncTimeout)
	if err := d.Sync(ctx); err != nil {
		tm.logger.WithError(err).Warn("Timed out delivering termination events")
	}
	cancel()

	tm.mu.Lock()
	tm.state = stateStopped
	tm.dispatcher = nil
	tm.mu.Unlock()
	d.Stop()

	dropped := tm.conns.Clear()
	tm.devices.Clear()
	tm.logger.WithField("dropped_connections", len(dropped)).Info("Transport manager stopped")
	return nil
}

// Reinit terminates and re-initialises every adapter.
func (tm *TransportManager) Reinit() error {
	if _, ok := tm.running(); !ok {
		return transport.ErrNotInitialized
	}
	var failed []string
	for _, a := range tm.devices.Adapters() {
		a.Terminate()
		if err := a.Init(); err != nil {
			tm.logger.WithError(err).WithField("adapter", a.ConnectionType()).Error("Adapter re-init failed")
			failed = append(failed, a.ConnectionType())
		}
	}
	if len(failed) > 0 {
		return transport.NewManagerError(transport.AdaptersFail, "re-init failed for %v", failed)
	}
	return nil
}

// Sync waits until every event received before the call has been dispatched.
// Must not be called from a listener.
func (tm *TransportManager) Sync(ctx context.Context) error {
	d, ok := tm.running()
	if !ok {
		return transport.ErrNotInitialized
	}
	return d.Sync(ctx)
}

// ----------------------------------------------------------------------------
// Registration
// ----------------------------------------------------------------------------

// AddTransportAdapter registers an adapter and subscribes to its events.
// An adapter that is not initialised is initialised here; if that fails the
// adapter is not registered.
func (tm *TransportManager) AddTransportAdapter(a adapter.Adapter) error {
	if a == nil {
		return transport.NewManagerError(transport.InternalError, "nil adapter")
	}
	tm.regMu.Lock()
	defer tm.regMu.Unlock()

	if tm.devices.Registered(a) {
		return transport.ErrAdapterExists
	}
	a.AddListener(tm)
	if !a.IsInitialised() {
		if err := a.Init(); err != nil {
			tm.logger.WithError(err).WithField("adapter", a.ConnectionType()).Error("Adapter init failed, not registering")
			return fmt.Errorf("%w: %w", transport.ErrAdaptersFail, err)
		}
	}
	tm.devices.Register(a)
	tm.logger.WithFields(logrus.Fields{
		"adapter":     a.ConnectionType(),
		"device_type": a.DeviceType(),
	}).Debug("Transport adapter registered")
	return nil
}

// AddEventListener appends a listener. Listeners are notified in registration order.
func (tm *TransportManager) AddEventListener(l transport.Listener) error {
	if l == nil {
		return transport.NewManagerError(transport.InternalError, "nil listener")
	}
	tm.listeners.Add(l)
	return nil
}

// RemoveEventListener drops a listener. Removing an unknown listener is not an error.
func (tm *TransportManager) RemoveEventListener(l transport.Listener) error {
	tm.listeners.Remove(l)
	return nil
}

// SetTelemetryObserver installs or replaces the raw message observer. nil disables it.
func (tm *TransportManager) SetTelemetryObserver(o transport.TelemetryObserver) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.telemetry = o
}

// ----------------------------------------------------------------------------
// Devices
// ----------------------------------------------------------------------------

// SearchDevices asks every adapter to start discovery. Results arrive as events.
func (tm *TransportManager) SearchDevices() error {
	if _, ok := tm.running(); !ok {
		return transport.ErrNotInitialized
	}

	var failed []string
	for _, a := range tm.devices.Adapters() {
		err := a.SearchDevices()
		if err == nil {
			continue
		}
		tm.logger.WithFields(logrus.Fields{
			"adapter": a.ConnectionType(),
			"result":  adapter.Classify(err).String(),
		}).WithError(err).Warn("Adapter search failed")
		failed = append(failed, a.ConnectionType())
	}
	if len(failed) > 0 {
		return transport.NewManagerError(transport.AdaptersFail, "search failed for %v", failed)
	}
	return nil
}

// Visibility starts or stops accepting client connections on every adapter.
// Adapters that cannot listen are skipped.
func (tm *TransportManager) Visibility(on bool) error {
	if _, ok := tm.running(); !ok {
		return transport.ErrNotInitialized
	}

	for _, a := range tm.devices.Adapters() {
		var err error
		if on {
			err = a.StartClientListening()
		} else {
			err = a.StopClientListening()
		}
		switch adapter.Classify(err) {
		case adapter.ResultOK:
		case adapter.ResultNotSupported:
			tm.logger.WithField("adapter", a.ConnectionType()).Debug("Adapter does not support client listening")
		default:
			tm.logger.WithError(err).WithFields(logrus.Fields{
				"adapter": a.ConnectionType(),
				"on":      on,
			}).Warn("Changing visibility failed")
		}
	}
	return nil
}

// UpdateDeviceList re-reads the adapter's device list on the dispatch goroutine.
func (tm *TransportManager) UpdateDeviceList(a adapter.Adapter) error {
	return tm.submit(job{op: opUpdateDeviceList, adapter: a})
}

// RemoveDevice drops a device from every adapter's cache on the dispatch goroutine.
func (tm *TransportManager) RemoveDevice(handle transport.DeviceHandle) error {
	return tm.submit(job{op: opRemoveDevice, handle: handle})
}

// Devices returns the current device list across adapters.
func (tm *TransportManager) Devices() []transport.DeviceInfo {
	return tm.devices.All()
}

// ----------------------------------------------------------------------------
// Connections
// ----------------------------------------------------------------------------

// ConnectDevice asks the owning adapter to connect every application of the device.
// The connection is reported through OnConnectionEstablished or OnConnectionFailed.
func (tm *TransportManager) ConnectDevice(handle transport.DeviceHandle) error {
	if _, ok := tm.running(); !ok {
		return transport.ErrNotInitialized
	}
	info, a, ok := tm.devices.Lookup(handle)
	if !ok {
		return transport.ErrInvalidHandle
	}

	if err := a.ConnectDevice(info.Address); err != nil {
		tm.logger.WithError(err).WithFields(logrus.Fields{
			"handle":  handle,
			"address": info.Address,
		}).Error("Adapter refused to connect device")
		return transport.NewManagerError(transport.InternalError, "connect %s: %v", info.Address, err)
	}
	return nil
}

// DisconnectDevice closes every connection of a device. The adapter outcome is
// reported through events only.
func (tm *TransportManager) DisconnectDevice(handle transport.DeviceHandle) error {
	if _, ok := tm.running(); !ok {
		return transport.ErrNotInitialized
	}

	info, owner, known := tm.devices.Lookup(handle)
	recs := tm.conns.DeviceDisconnecting(handle)
	if !known && len(recs) == 0 {
		return transport.ErrInvalidHandle
	}

	type target struct {
		a       adapter.Adapter
		address string
	}
	var targets []target
	seen := make(map[adapter.Adapter]bool)
	if known {
		targets = append(targets, target{owner, info.Address})
		seen[owner] = true
	}
	for _, rec := range recs {
		if !seen[rec.Adapter] {
			targets = append(targets, target{rec.Adapter, rec.Address})
			seen[rec.Adapter] = true
		}
	}

	for _, t := range targets {
		if err := t.a.DisconnectDevice(t.address); err != nil {
			tm.logger.WithError(err).WithFields(logrus.Fields{
				"handle":  handle,
				"address": t.address,
				"adapter": t.a.ConnectionType(),
			}).Warn("Adapter failed to disconnect device")
		}
	}
	return nil
}

// Disconnect closes one connection. With a disconnect timeout configured and sends
// in flight, the adapter is asked to disconnect once they complete.
func (tm *TransportManager) Disconnect(uid transport.ConnectionUID) error {
	if _, ok := tm.running(); !ok {
		return transport.ErrNotInitialized
	}

	rec, deferred, err := tm.conns.Disconnecting(uid, tm.disconnectTimeout > 0)
	if err != nil {
		return transport.NewManagerError(transport.InvalidHandle, "connection %d: %v", uid, err)
	}
	if deferred {
		tm.logger.WithFields(logrus.Fields{
			"uid":     uid,
			"pending": rec.PendingSends,
			"timeout": tm.disconnectTimeout,
		}).Debug("Deferring disconnect until pending sends complete")
		timer := time.AfterFunc(tm.disconnectTimeout, func() {
			if err := tm.submit(job{op: opDisconnectTimeout, uid: uid}); err != nil {
				tm.logger.WithError(err).WithField("uid", uid).Debug("Disconnect timeout after stop")
			}
		})
		tm.conns.ArmDeferred(uid, timer)
		return nil
	}

	tm.adapterDisconnect(rec)
	return nil
}

// DisconnectForce closes a connection immediately, whatever its state.
func (tm *TransportManager) DisconnectForce(uid transport.ConnectionUID) error {
	if _, ok := tm.running(); !ok {
		return transport.ErrNotInitialized
	}
	rec, err := tm.conns.ForceDisconnecting(uid)
	if err != nil {
		return transport.NewManagerError(transport.InvalidHandle, "connection %d: %v", uid, err)
	}
	tm.adapterDisconnect(rec)
	return nil
}

// Connections returns the live connections in creation order.
func (tm *TransportManager) Connections() []Connection {
	recs := tm.conns.All()
	out := make([]Connection, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Connection{
			UID:          rec.UID,
			Device:       rec.Device,
			Address:      rec.Address,
			Application:  rec.Application,
			State:        rec.State.String(),
			PendingSends: rec.PendingSends,
		})
	}
	return out
}

// ----------------------------------------------------------------------------
// Data
// ----------------------------------------------------------------------------

// SendMessageToDevice hands msg to the adapter of connection msg.ConnectionKey.
// Completion is reported through OnTMMessageSend or OnTMMessageSendFailed. A send
// on an unknown or closing connection fails with ErrInvalidHandle and is also
// reported through OnTMMessageSendFailed. That notification is queued like every
// other one and runs on the dispatch goroutine, after this call returns.
func (tm *TransportManager) SendMessageToDevice(msg *transport.RawMessage) error {
	if _, ok := tm.running(); !ok {
		return transport.ErrNotInitialized
	}
	if msg == nil {
		return transport.NewManagerError(transport.InternalError, "nil message")
	}

	rec, err := tm.conns.BeginSend(msg.ConnectionKey)
	if err != nil {
		tm.logger.WithError(err).WithField("uid", msg.ConnectionKey).Warn("Rejecting send")
		_ = tm.submit(job{op: opSendRejected, msg: msg, err: transport.WrapCause(transport.ErrDataSend, err)})
		return transport.NewManagerError(transport.InvalidHandle, "connection %d: %v", msg.ConnectionKey, err)
	}

	tm.startTelemetry(msg)
	if err := rec.Adapter.SendData(rec.Address, rec.Application, msg); err != nil {
		tm.logger.WithError(err).WithFields(logrus.Fields{
			"uid":    rec.UID,
			"result": adapter.Classify(err).String(),
		}).Warn("Adapter refused to send")
		_ = tm.submit(job{
			op:      opSendRejected,
			uid:     rec.UID,
			msg:     msg,
			err:     transport.WrapCause(transport.ErrDataSend, err),
			started: true,
		})
	}
	return nil
}

// ReceiveEventFromDevice queues an adapter event for dispatch. It never blocks on listeners.
func (tm *TransportManager) ReceiveEventFromDevice(ev adapter.Event) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	return tm.submit(job{op: opAdapterEvent, event: ev})
}

// ----------------------------------------------------------------------------
// Internal
// ----------------------------------------------------------------------------

// running returns the dispatcher when facade operations are allowed.
func (tm *TransportManager) running() (*pipeline.Dispatcher[job], bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if tm.state != stateRunning {
		return nil, false
	}
	return tm.dispatcher, true
}

// submit queues work while running or stopping.
func (tm *TransportManager) submit(j job) error {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if tm.state == stateStopped || tm.dispatcher == nil {
		return transport.ErrNotInitialized
	}
	if err := tm.dispatcher.Submit(j); err != nil {
		if errors.Is(err, pipeline.ErrStopped) {
			return transport.ErrNotInitialized
		}
		return transport.NewManagerError(transport.InternalError, "%v", err)
	}
	return nil
}

func (tm *TransportManager) adapterDisconnect(rec registry.Record) {
	if err := rec.Adapter.Disconnect(rec.Address, rec.Application); err != nil {
		tm.logger.WithError(err).WithFields(logrus.Fields{
			"uid":     rec.UID,
			"address": rec.Address,
			"app":     rec.Application,
		}).Warn("Adapter failed to disconnect")
	}
}

func (tm *TransportManager) observer() transport.TelemetryObserver {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.telemetry
}

func (tm *TransportManager) startTelemetry(msg *transport.RawMessage) {
	if o := tm.observer(); o != nil {
		o.StartRawMsg(msg)
	}
}

func (tm *TransportManager) stopTelemetry(msg *transport.RawMessage) {
	if o := tm.observer(); o != nil && msg != nil {
		o.StopRawMsg(msg)
	}
}
