// Package kit implements the adapter contract once, on top of small
// transport-specific drivers. A driver only knows how to open byte streams to
// an application on a device; framing, link bookkeeping, asynchronous
// completion and event reporting live in Base.
package kit

import (
	"context"
	"io"

	"github.com/srg/linkmgr/pkg/transport"
)

// DefaultApplication is used for peers that do not announce their applications.
const DefaultApplication transport.ApplicationHandle = 1

// Peer is a device reachable through a driver.
type Peer struct {
	Address string
	Name    string
	Apps    []transport.ApplicationHandle
}

// Applications returns the peer's applications, or DefaultApplication when none were announced.
func (p Peer) Applications() []transport.ApplicationHandle {
	if len(p.Apps) == 0 {
		return []transport.ApplicationHandle{DefaultApplication}
	}
	return p.Apps
}

// Driver is the transport-specific part of an adapter.
type Driver interface {
	DeviceType() transport.DeviceType
	ConnectionType() string

	// Open acquires driver resources. It is called by Init.
	Open() error
	// Close releases what Open acquired. It is called by Terminate after every link is closed.
	Close() error

	// Dial opens a byte stream to one application of a peer.
	Dial(ctx context.Context, peer Peer, app transport.ApplicationHandle) (io.ReadWriteCloser, error)
}

// Discoverer is implemented by drivers that can search for peers.
type Discoverer interface {
	// Discover returns the peers currently reachable. ctx bounds the search window.
	Discover(ctx context.Context) ([]Peer, error)
}

// Inbound is a link opened by a remote peer.
type Inbound struct {
	Peer Peer
	App  transport.ApplicationHandle
	Conn io.ReadWriteCloser
}

// Acceptor is implemented by drivers that accept inbound links.
type Acceptor interface {
	// Listen hands every accepted link to accept until ctx is done. It returns
	// nil when ctx ends and an error when listening could not continue.
	Listen(ctx context.Context, accept func(Inbound)) error
}
