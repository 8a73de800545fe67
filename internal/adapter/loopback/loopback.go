// Package loopback provides an in-process adapter. Every configured device
// serves echo applications: each frame sent on a link comes back unchanged.
// Inject simulates a client opening a link while the adapter is listening.
package loopback

import (
	"context"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/linkmgr/internal/adapter/kit"
	"github.com/srg/linkmgr/internal/groutine"
	"github.com/srg/linkmgr/pkg/transport"
)

const ConnectionType = "loopback"

type Options struct {
	kit.Options

	// Peers are the devices reported by discovery.
	Peers []kit.Peer
}

// Adapter is the loopback transport adapter.
type Adapter struct {
	*kit.Base
	drv *driver
}

func New(opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		opts.Logger = logger
	}
	d := &driver{
		logger:  logger,
		peers:   slices.Clone(opts.Peers),
		codec:   kit.NewCodec(opts.MaxFrameSize),
		inbound: make(chan kit.Inbound),
	}
	a := &Adapter{Base: kit.New(d, opts.Options), drv: d}
	a.Bind(a)
	return a
}

// SetPeers replaces the devices the next search will find.
func (a *Adapter) SetPeers(peers ...kit.Peer) {
	a.drv.mu.Lock()
	defer a.drv.mu.Unlock()
	a.drv.peers = slices.Clone(peers)
}

// Inject opens a link from a simulated client and returns the client's end.
// It blocks until the adapter accepts the link or ctx ends.
func (a *Adapter) Inject(ctx context.Context, peer kit.Peer, app transport.ApplicationHandle) (net.Conn, error) {
	local, remote := net.Pipe()
	select {
	case a.drv.inbound <- kit.Inbound{Peer: peer, App: app, Conn: local}:
		return remote, nil
	case <-ctx.Done():
		_ = local.Close()
		_ = remote.Close()
		return nil, fmt.Errorf("inject %s app %d: %w", peer.Address, app, ctx.Err())
	}
}

type driver struct {
	logger *logrus.Logger
	codec  *kit.Codec

	mu      sync.Mutex
	peers   []kit.Peer
	remotes map[net.Conn]struct{}
	echoes  *groutine.Group

	inbound chan kit.Inbound
}

var (
	_ kit.Driver     = (*driver)(nil)
	_ kit.Discoverer = (*driver)(nil)
	_ kit.Acceptor   = (*driver)(nil)
)

func (d *driver) DeviceType() transport.DeviceType { return transport.DeviceTypeLoopback }
func (d *driver) ConnectionType() string           { return ConnectionType }

func (d *driver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remotes = make(map[net.Conn]struct{})
	d.echoes = groutine.NewGroup(d.logger)
	return nil
}

// Close stops every echo application.
func (d *driver) Close() error {
	d.mu.Lock()
	for c := range d.remotes {
		_ = c.Close()
	}
	d.remotes = nil
	echoes := d.echoes
	d.mu.Unlock()

	if echoes != nil {
		echoes.Wait()
	}
	return nil
}

func (d *driver) Discover(context.Context) ([]kit.Peer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.peers), nil
}

func (d *driver) Dial(ctx context.Context, peer kit.Peer, app transport.ApplicationHandle) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !slices.Contains(peer.Applications(), app) {
		return nil, fmt.Errorf("%s does not serve application %d", peer.Address, app)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.remotes == nil {
		return nil, fmt.Errorf("loopback driver closed")
	}
	local, remote := net.Pipe()
	d.remotes[remote] = struct{}{}
	d.echoes.Go(context.Background(), fmt.Sprintf("loopback-echo-%s#%d", peer.Address, app), func(context.Context) {
		d.echo(remote)
	})
	return local, nil
}

// echo writes every frame read from conn back to it until conn fails.
func (d *driver) echo(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		d.mu.Lock()
		delete(d.remotes, conn)
		d.mu.Unlock()
	}()

	for {
		msg, err := d.codec.ReadFrame(conn)
		if err != nil {
			if kit.Recoverable(err) {
				d.logger.WithError(err).Debug("Echo skipped frame")
				continue
			}
			return
		}
		if err := d.codec.WriteFrame(conn, msg); err != nil {
			return
		}
	}
}

func (d *driver) Listen(ctx context.Context, accept func(kit.Inbound)) error {
	for {
		select {
		case in := <-d.inbound:
			accept(in)
		case <-ctx.Done():
			return nil
		}
	}
}
