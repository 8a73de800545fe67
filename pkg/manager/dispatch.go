package manager

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/linkmgr/internal/fanout"
	"github.com/srg/linkmgr/internal/registry"
	"github.com/srg/linkmgr/pkg/adapter"
	"github.com/srg/linkmgr/pkg/transport"
)

type jobOp int

const (
	opAdapterEvent jobOp = iota
	opUpdateDeviceList
	opRemoveDevice
	opSendRejected
	opDisconnectTimeout
)

// job is one unit of work for the dispatch goroutine: an adapter event or
// manager-originated work that has to be serialised with events.
type job struct {
	op      jobOp
	event   adapter.Event
	adapter adapter.Adapter
	handle  transport.DeviceHandle
	uid     transport.ConnectionUID
	msg     *transport.RawMessage
	err     error
	// started is set when telemetry and send accounting were applied before the rejection.
	started bool
}

func (j job) String() string {
	switch j.op {
	case opAdapterEvent:
		return j.event.String()
	case opUpdateDeviceList:
		return "update_device_list"
	case opRemoveDevice:
		return fmt.Sprintf("remove_device{%d}", j.handle)
	case opSendRejected:
		return fmt.Sprintf("send_rejected{%s}", j.msg)
	case opDisconnectTimeout:
		return fmt.Sprintf("disconnect_timeout{%d}", j.uid)
	default:
		return fmt.Sprintf("job(%d)", int(j.op))
	}
}

// handle runs on the dispatch goroutine only.
func (tm *TransportManager) handle(j job) {
	switch j.op {
	case opAdapterEvent:
		tm.handleEvent(j.event)
	case opUpdateDeviceList:
		if j.adapter == nil || !tm.devices.Registered(j.adapter) {
			tm.logger.Warn("Device list update requested for an unregistered adapter")
			return
		}
		tm.refreshDevices(j.adapter)
	case opRemoveDevice:
		tm.notifyDiff(tm.devices.Remove(j.handle))
	case opSendRejected:
		if j.started {
			tm.stopTelemetry(j.msg)
			tm.completeSend(j.uid)
		}
		tm.notify(fanout.MessageSendFailed, func(l transport.Listener) { l.OnTMMessageSendFailed(j.err, j.msg) })
	case opDisconnectTimeout:
		if rec, ok := tm.conns.TakeDeferred(j.uid); ok {
			tm.logger.WithFields(logrus.Fields{
				"uid":     rec.UID,
				"pending": rec.PendingSends,
			}).Warn("Pending sends did not complete in time, disconnecting")
			tm.adapterDisconnect(rec)
		}
	}
}

func (tm *TransportManager) handleEvent(ev adapter.Event) {
	log := tm.logger.WithFields(logrus.Fields{
		"event":   ev.Kind.String(),
		"id":      ev.ID.String(),
		"address": ev.Address,
		"app":     ev.Application,
	})
	if ev.Adapter == nil || !tm.devices.Registered(ev.Adapter) {
		log.Warn("Dropping event from unregistered adapter")
		return
	}
	log.Debug("Dispatching event")

	switch ev.Kind {
	case adapter.EventSearchDone:
		tm.notify(fanout.ScanDevicesFinished, func(l transport.Listener) { l.OnScanDevicesFinished() })

	case adapter.EventSearchFail:
		err := transport.WrapCause(transport.ErrSearch, ev.Err)
		tm.notify(fanout.ScanDevicesFailed, func(l transport.Listener) { l.OnScanDevicesFailed(err) })

	case adapter.EventDeviceListUpdated:
		tm.refreshDevices(ev.Adapter)

	case adapter.EventFindNewApplicationsRequest:
		tm.notify(fanout.FindNewApplicationsRequest, func(l transport.Listener) { l.OnFindNewApplicationsRequest() })

	case adapter.EventConnectDone:
		info := tm.describe(ev)
		rec, err := tm.conns.Admit(info.Handle, ev.Address, ev.Application, ev.Adapter)
		if err != nil {
			log.WithError(err).Warn("Dropping duplicate connection")
			return
		}
		log.WithField("uid", rec.UID).Info("Connection established")
		tm.notify(fanout.ConnectionEstablished, func(l transport.Listener) { l.OnConnectionEstablished(info, rec.UID) })

	case adapter.EventConnectFail:
		info := tm.describe(ev)
		err := transport.WrapCause(transport.ErrConnect, ev.Err)
		tm.notify(fanout.ConnectionFailed, func(l transport.Listener) { l.OnConnectionFailed(info, err) })

	case adapter.EventDisconnectDone:
		rec, ok := tm.finalize(ev)
		if !ok {
			log.Debug("Disconnect for unknown connection")
			return
		}
		tm.notify(fanout.ConnectionClosed, func(l transport.Listener) { l.OnConnectionClosed(rec.UID) })
		ev.Adapter.RemoveFinalizedConnection(ev.Address, ev.Application)

	case adapter.EventDisconnectFail:
		handle := tm.handles.Resolve(ev.Address)
		if rec, ok := tm.finalize(ev); ok {
			tm.notify(fanout.ConnectionClosed, func(l transport.Listener) { l.OnConnectionClosed(rec.UID) })
			ev.Adapter.RemoveFinalizedConnection(ev.Address, ev.Application)
		}
		err := transport.WrapCause(transport.ErrDisconnect, ev.Err)
		tm.notify(fanout.DisconnectFailed, func(l transport.Listener) { l.OnDisconnectFailed(handle, err) })

	case adapter.EventSendDone:
		tm.stopTelemetry(ev.Message)
		rec, ok := tm.record(ev)
		if !ok {
			log.Debug("Send completion for unknown connection")
			return
		}
		tm.completeSend(rec.UID)
		tm.notify(fanout.MessageSent, func(l transport.Listener) { l.OnTMMessageSend(ev.Message) })

	case adapter.EventSendFail:
		tm.stopTelemetry(ev.Message)
		if rec, ok := tm.record(ev); ok {
			tm.completeSend(rec.UID)
		}
		err := transport.WrapCause(transport.ErrDataSend, ev.Err)
		tm.notify(fanout.MessageSendFailed, func(l transport.Listener) { l.OnTMMessageSendFailed(err, ev.Message) })

	case adapter.EventReceivedDone:
		rec, ok := tm.record(ev)
		if !ok {
			log.Debug("Message for unknown connection dropped")
			return
		}
		if ev.Message == nil {
			log.Warn("Received event without a message")
			return
		}
		ev.Message.ConnectionKey = rec.UID
		tm.stopTelemetry(ev.Message)
		tm.notify(fanout.MessageReceived, func(l transport.Listener) { l.OnTMMessageReceived(ev.Message) })

	case adapter.EventReceivedFail:
		if _, ok := tm.record(ev); !ok {
			log.Debug("Receive failure for unknown connection dropped")
			return
		}
		err := transport.WrapCause(transport.ErrDataReceive, ev.Err)
		tm.notify(fanout.MessageReceiveFailed, func(l transport.Listener) { l.OnTMMessageReceiveFailed(err) })

	case adapter.EventCommunicationError:
		log.WithError(ev.Err).Warn("Communication error")

	case adapter.EventUnexpectedDisconnect:
		rec, ok := tm.finalize(ev)
		if !ok {
			log.Debug("Unexpected disconnect for unknown connection")
			return
		}
		log.WithError(ev.Err).WithField("uid", rec.UID).Warn("Connection lost")
		err := transport.WrapCause(transport.ErrCommunication, ev.Err)
		tm.notify(fanout.UnexpectedDisconnect, func(l transport.Listener) { l.OnUnexpectedDisconnect(rec.UID, err) })
		ev.Adapter.RemoveFinalizedConnection(ev.Address, ev.Application)

	default:
		log.Warn("Unknown event kind")
	}
}

// refreshDevices reconciles the adapter's device list and notifies the difference.
func (tm *TransportManager) refreshDevices(a adapter.Adapter) {
	tm.notifyDiff(tm.devices.Apply(a, a.DeviceList()))
}

func (tm *TransportManager) notifyDiff(diff registry.Diff) {
	for _, info := range diff.Added {
		tm.notify(fanout.DeviceFound, func(l transport.Listener) { l.OnDeviceFound(info) })
		tm.notify(fanout.DeviceAdded, func(l transport.Listener) { l.OnDeviceAdded(info) })
	}
	for _, info := range diff.Removed {
		tm.notify(fanout.DeviceRemoved, func(l transport.Listener) { l.OnDeviceRemoved(info) })
	}
	if diff.Changed() {
		tm.notify(fanout.DeviceListUpdated, func(l transport.Listener) { l.OnDeviceListUpdated(diff.All) })
	}
}

// describe builds the device info for an event, allocating a handle for an address seen for the first time.
func (tm *TransportManager) describe(ev adapter.Event) transport.DeviceInfo {
	return transport.DeviceInfo{
		Handle:         tm.handles.Resolve(ev.Address),
		Address:        ev.Address,
		Name:           ev.Adapter.DeviceName(ev.Address),
		ConnectionType: ev.Adapter.ConnectionType(),
	}
}

// record finds the connection an event refers to. Handles are shared across
// adapters, so a record only matches events from the adapter that owns it.
func (tm *TransportManager) record(ev adapter.Event) (registry.Record, bool) {
	handle, ok := tm.handles.Lookup(ev.Address)
	if !ok {
		return registry.Record{}, false
	}
	rec, ok := tm.conns.Find(handle, ev.Application)
	if !ok {
		return registry.Record{}, false
	}
	if rec.Adapter != ev.Adapter {
		tm.logger.WithFields(logrus.Fields{
			"uid":     rec.UID,
			"event":   ev.Kind.String(),
			"owner":   rec.Adapter.ConnectionType(),
			"adapter": ev.Adapter.ConnectionType(),
		}).Warn("Ignoring event for a connection owned by another adapter")
		return registry.Record{}, false
	}
	return rec, true
}

// finalize removes the record an event refers to.
func (tm *TransportManager) finalize(ev adapter.Event) (registry.Record, bool) {
	rec, ok := tm.record(ev)
	if !ok {
		return registry.Record{}, false
	}
	return tm.conns.Remove(rec.UID)
}

// completeSend accounts for a finished send and releases a deferred disconnect.
func (tm *TransportManager) completeSend(uid transport.ConnectionUID) {
	rec, release, ok := tm.conns.EndSend(uid)
	if ok && release {
		tm.logger.WithField("uid", uid).Debug("Pending sends drained, disconnecting")
		tm.adapterDisconnect(rec)
	}
}

func (tm *TransportManager) notify(kind fanout.Kind, fn func(transport.Listener)) {
	tm.listeners.Notify(kind, fn)
}
