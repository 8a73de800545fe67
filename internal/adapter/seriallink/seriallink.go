// Package seriallink talks to devices attached to serial ports. Every port is
// one device serving a single application; ports are found by globbing
// device paths and cannot be connected to from the other side.
package seriallink

import (
	"context"
	"io"
	"path/filepath"
	"slices"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/linkmgr/internal/adapter/kit"
	"github.com/srg/linkmgr/pkg/transport"
)

const ConnectionType = "serial"

type Options struct {
	kit.Options

	// Globs select device paths during search. Empty uses the platform's USB serial patterns.
	Globs []string
	// Paths are always reported, whether or not a glob matches them.
	Paths []string

	Baud     int `default:"115200"`
	RingSize int `default:"16384"`
	// PollTimeoutMs bounds how long the I/O loops wait before checking for shutdown.
	PollTimeoutMs int `default:"50"`
}

// Adapter is the serial transport adapter.
type Adapter struct {
	*kit.Base
	drv *driver
}

func New(opts Options) *Adapter {
	defaults.SetDefaults(&opts)
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if len(opts.Globs) == 0 {
		opts.Globs = defaultGlobs
	}
	d := &driver{opts: opts, logger: opts.Logger}
	a := &Adapter{Base: kit.New(d, opts.Options), drv: d}
	a.Bind(a)
	return a
}

type driver struct {
	opts   Options
	logger *logrus.Logger
}

var (
	_ kit.Driver     = (*driver)(nil)
	_ kit.Discoverer = (*driver)(nil)
)

func (d *driver) DeviceType() transport.DeviceType { return transport.DeviceTypeSerial }
func (d *driver) ConnectionType() string           { return ConnectionType }
func (d *driver) Open() error                      { return nil }
func (d *driver) Close() error                     { return nil }

// Discover lists the configured paths and every path matching a glob.
func (d *driver) Discover(context.Context) ([]kit.Peer, error) {
	paths := slices.Clone(d.opts.Paths)
	for _, pattern := range d.opts.Globs {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		paths = append(paths, matches...)
	}

	peers := make([]kit.Peer, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, path := range paths {
		if seen[path] {
			continue
		}
		seen[path] = true
		peers = append(peers, kit.Peer{Address: path, Name: filepath.Base(path)})
	}
	return peers, nil
}

func (d *driver) Dial(ctx context.Context, peer kit.Peer, _ transport.ApplicationHandle) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := openPort(peer.Address, portOptions{
		Baud:          d.opts.Baud,
		RingSize:      d.opts.RingSize,
		PollTimeoutMs: d.opts.PollTimeoutMs,
	}, d.logger)
	if err != nil {
		return nil, err
	}
	d.logger.WithFields(logrus.Fields{"port": peer.Address, "baud": d.opts.Baud}).Info("Serial port opened")
	return p, nil
}
