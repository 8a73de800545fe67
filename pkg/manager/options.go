package manager

import (
	"time"

	"github.com/srg/linkmgr/pkg/transport"
)

// Option configures a TransportManager.
type Option func(*TransportManager)

// WithDisconnectTimeout enables graceful Disconnect: a connection with sends in
// flight is closed once they complete, or after d at the latest. Zero disables it.
func WithDisconnectTimeout(d time.Duration) Option {
	return func(tm *TransportManager) {
		tm.disconnectTimeout = d
	}
}

// WithQueueHint pre-sizes the event queue.
func WithQueueHint(n int64) Option {
	return func(tm *TransportManager) {
		tm.queueHint = n
	}
}

// WithTelemetryObserver installs the raw message observer.
func WithTelemetryObserver(o transport.TelemetryObserver) Option {
	return func(tm *TransportManager) {
		tm.telemetry = o
	}
}
