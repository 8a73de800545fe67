// Package blelink reaches devices over Bluetooth Low Energy. The adapter acts
// as a central: search scans for peripherals advertising the Nordic UART
// service and each peripheral serves a single application over it.
package blelink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/linkmgr/internal/adapter/kit"
	"github.com/srg/linkmgr/pkg/transport"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const ConnectionType = "ble"

type Options struct {
	kit.Options

	// Service filters scanned peripherals.
	Service string `default:"6e400001-b5a3-f393-e0a9-e50e24dcca9e"`
	// RingSize is the notification reassembly buffer per link.
	RingSize int `default:"8192"`
}

// Adapter is the BLE transport adapter.
type Adapter struct {
	*kit.Base
	drv *driver
}

func New(opts Options) *Adapter {
	defaults.SetDefaults(&opts)
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	d := &driver{
		opts:   opts,
		logger: opts.Logger,
		newCentral: func() (central, error) {
			return newGobleCentral(opts.Logger)
		},
	}
	a := &Adapter{Base: kit.New(d, opts.Options), drv: d}
	a.Bind(a)
	return a
}

type driver struct {
	opts       Options
	logger     *logrus.Logger
	newCentral func() (central, error)

	mu      sync.Mutex
	central central
}

var (
	_ kit.Driver     = (*driver)(nil)
	_ kit.Discoverer = (*driver)(nil)
)

func (d *driver) DeviceType() transport.DeviceType { return transport.DeviceTypeBLE }
func (d *driver) ConnectionType() string           { return ConnectionType }

func (d *driver) Open() error {
	c, err := d.newCentral()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.central = c
	d.mu.Unlock()
	return nil
}

func (d *driver) Close() error {
	d.mu.Lock()
	c := d.central
	d.central = nil
	d.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Stop()
}

func (d *driver) radio() (central, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.central == nil {
		return nil, errors.New("BLE device not open")
	}
	return d.central, nil
}

// Discover scans until ctx ends and returns the peripherals advertising the
// configured service, in order of first sighting.
func (d *driver) Discover(ctx context.Context) ([]kit.Peer, error) {
	c, err := d.radio()
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	found := orderedmap.New[string, kit.Peer]()
	err = c.Scan(ctx, func(a advert) {
		if !a.advertises(d.opts.Service) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if prev, ok := found.Get(a.Address); ok && (prev.Name != "" || a.Name == "") {
			return
		}
		found.Set(a.Address, kit.Peer{Address: a.Address, Name: a.Name})
		d.logger.WithFields(logrus.Fields{"address": a.Address, "name": a.Name}).Debug("Found BLE peripheral")
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	peers := make([]kit.Peer, 0, found.Len())
	for pair := found.Oldest(); pair != nil; pair = pair.Next() {
		peers = append(peers, pair.Value)
	}
	return peers, nil
}

func (d *driver) Dial(ctx context.Context, peer kit.Peer, _ transport.ApplicationHandle) (io.ReadWriteCloser, error) {
	c, err := d.radio()
	if err != nil {
		return nil, err
	}
	p, err := c.Connect(ctx, peer.Address)
	if err != nil {
		return nil, err
	}

	s := newStream(peer.Address, p, d.opts.RingSize, d.logger)
	if err := p.Subscribe(s.onNotification); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("subscribe to %s notifications: %w", peer.Address, err)
	}
	d.logger.WithFields(logrus.Fields{"address": peer.Address, "chunk": p.MaxChunk()}).Info("BLE link ready")
	return s, nil
}
