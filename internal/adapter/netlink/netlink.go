// Package netlink connects to devices over TCP. Devices are found through
// mDNS (or configured statically) and the adapter can accept client
// connections, optionally advertising itself over mDNS.
//
// A link starts with a 4-byte big-endian application handle written by the
// dialling side; the framed message stream follows.
package netlink

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/linkmgr/internal/adapter/kit"
	"github.com/srg/linkmgr/internal/groutine"
	"github.com/srg/linkmgr/pkg/transport"
)

const (
	ConnectionType = "tcp"

	helloSize = 4
)

type Options struct {
	kit.Options

	// ListenAddress is where client connections are accepted.
	ListenAddress string `default:":7420"`
	// ServiceType is browsed during search and advertised while listening.
	ServiceType string `default:"_linkmgr._tcp"`
	Domain      string `default:"local."`
	// Instance is the advertised instance name. Empty uses the host name.
	Instance string
	// Advertise registers the listener over mDNS.
	Advertise bool
	// Apps are the application ids announced while advertising.
	Apps []transport.ApplicationHandle
	// TTL of advertised records in seconds. Zero keeps the library default.
	TTL uint32
	// HelloTimeout bounds how long an accepted client may take to name its application.
	HelloTimeout time.Duration `default:"5s"`
	// Peers are reported by every search in addition to mDNS results.
	Peers []kit.Peer
	// DisableBrowse turns mDNS search off, leaving only Peers.
	DisableBrowse bool
}

// Adapter is the TCP transport adapter.
type Adapter struct {
	*kit.Base
	drv *driver
}

func New(opts Options) *Adapter {
	d := newDriver(&opts)
	a := &Adapter{Base: kit.New(d, opts.Options), drv: d}
	a.Bind(a)
	return a
}

// ListenAddr returns the bound listener address, or nil when not listening.
func (a *Adapter) ListenAddr() net.Addr {
	a.drv.mu.Lock()
	defer a.drv.mu.Unlock()
	return a.drv.bound
}

type driver struct {
	opts   Options
	logger *logrus.Logger

	browse   browseFunc
	register registerFunc

	mu    sync.Mutex
	bound net.Addr
}

var (
	_ kit.Driver     = (*driver)(nil)
	_ kit.Discoverer = (*driver)(nil)
	_ kit.Acceptor   = (*driver)(nil)
)

func newDriver(opts *Options) *driver {
	defaults.SetDefaults(opts)
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &driver{
		opts:     *opts,
		logger:   opts.Logger,
		browse:   browseMDNS,
		register: registerMDNS(opts.TTL),
	}
}

func (d *driver) DeviceType() transport.DeviceType { return transport.DeviceTypeNetwork }
func (d *driver) ConnectionType() string           { return ConnectionType }
func (d *driver) Open() error                      { return nil }
func (d *driver) Close() error                     { return nil }

// Discover returns the static peers followed by every instance resolved
// before ctx ends.
func (d *driver) Discover(ctx context.Context) ([]kit.Peer, error) {
	peers := slices.Clone(d.opts.Peers)
	if d.opts.DisableBrowse {
		return peers, nil
	}

	seen := make(map[string]bool, len(peers))
	for _, p := range peers {
		seen[p.Address] = true
	}
	err := d.browse(ctx, d.opts.ServiceType, d.opts.Domain, func(s service) {
		p, ok := s.peer()
		if !ok || seen[p.Address] {
			return
		}
		seen[p.Address] = true
		d.logger.WithFields(logrus.Fields{"instance": s.Instance, "address": p.Address}).Debug("Resolved network device")
		peers = append(peers, p)
	})
	if err != nil {
		return nil, err
	}
	return peers, nil
}

func (d *driver) Dial(ctx context.Context, peer kit.Peer, app transport.ApplicationHandle) (io.ReadWriteCloser, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", peer.Address)
	if err != nil {
		return nil, err
	}

	var hello [helloSize]byte
	binary.BigEndian.PutUint32(hello[:], uint32(app))
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(hello[:]); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send application hello: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

// Listen accepts clients until ctx ends. Accepted connections are handed
// over once they named their application.
func (d *driver) Listen(ctx context.Context, accept func(kit.Inbound)) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", d.opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.opts.ListenAddress, err)
	}
	d.setBound(ln.Addr())
	defer d.setBound(nil)

	log := d.logger.WithField("listen", ln.Addr().String())
	log.Info("Accepting network clients")

	if d.opts.Advertise {
		shutdown, err := d.advertise(ln.Addr())
		if err != nil {
			_ = ln.Close()
			return err
		}
		defer shutdown()
	}

	handshakes := groutine.NewGroup(d.logger)
	defer handshakes.Wait()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := d.accept(ctx, ln)
		if err != nil {
			_ = ln.Close()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		handshakes.Go(ctx, "tcp-hello-"+conn.RemoteAddr().String(), func(context.Context) {
			d.handshake(conn, accept)
		})
	}
}

// accept retries errors the listener can recover from.
func (d *driver) accept(ctx context.Context, ln net.Listener) (net.Conn, error) {
	var conn net.Conn
	op := func() error {
		c, err := ln.Accept()
		if err == nil {
			conn = c
			return nil
		}
		if ctx.Err() != nil || !temporary(err) {
			return backoff.Permanent(err)
		}
		d.logger.WithError(err).Warn("Accept failed, retrying")
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = time.Second
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, 10), ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

func (d *driver) handshake(conn net.Conn, accept func(kit.Inbound)) {
	var hello [helloSize]byte
	_ = conn.SetReadDeadline(time.Now().Add(d.opts.HelloTimeout))
	if _, err := io.ReadFull(conn, hello[:]); err != nil {
		d.logger.WithError(err).WithField("remote", conn.RemoteAddr().String()).Warn("Client did not name an application")
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	address := conn.RemoteAddr().String()
	accept(kit.Inbound{
		Peer: kit.Peer{Address: address, Name: address},
		App:  transport.ApplicationHandle(binary.BigEndian.Uint32(hello[:])),
		Conn: conn,
	})
}

func (d *driver) advertise(addr net.Addr) (func(), error) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("cannot advertise %s", addr)
	}
	instance := d.opts.Instance
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("advertise: %w", err)
		}
		instance = host
	}
	apps := d.opts.Apps
	if len(apps) == 0 {
		apps = []transport.ApplicationHandle{kit.DefaultApplication}
	}

	shutdown, err := d.register(instance, d.opts.ServiceType, d.opts.Domain, tcp.Port, []string{formatApps(apps)})
	if err != nil {
		return nil, err
	}
	d.logger.WithFields(logrus.Fields{"instance": instance, "port": tcp.Port}).Info("Advertising over mDNS")
	return shutdown, nil
}

func (d *driver) setBound(addr net.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bound = addr
}

func temporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE)
}
