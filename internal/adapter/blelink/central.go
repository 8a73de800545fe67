package blelink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// Nordic UART service. The peripheral notifies on TX and accepts writes on RX.
const (
	NUSService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	NUSRX      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	NUSTX      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

var ErrBluetoothOff = errors.New("bluetooth is turned off")

// advert is the part of an advertisement the driver looks at.
type advert struct {
	Address  string
	Name     string
	Services []string
}

func (a advert) advertises(service string) bool {
	for _, s := range a.Services {
		if normalizeUUID(s) == normalizeUUID(service) {
			return true
		}
	}
	return false
}

// central is the BLE stack as seen by the driver.
type central interface {
	Scan(ctx context.Context, handler func(advert)) error
	Connect(ctx context.Context, address string) (peripheral, error)
	Stop() error
}

// peripheral is a connected device exposing the UART service.
type peripheral interface {
	// Subscribe enables TX notifications.
	Subscribe(handler func([]byte)) error
	// Write sends one chunk to RX.
	Write(chunk []byte) error
	// MaxChunk is the largest chunk Write accepts.
	MaxChunk() int
	Disconnected() <-chan struct{}
	Close() error
}

func normalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// normalizeError maps go-ble error text onto sentinel errors.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "have=4 want=5"), strings.Contains(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	default:
		return err
	}
}

// ----------------------------------------------------------------------------
// go-ble
// ----------------------------------------------------------------------------

const (
	defaultChunk = 20
	attHeader    = 3
	preferredMTU = 247
)

type gobleCentral struct {
	dev    ble.Device
	logger *logrus.Logger
}

func newGobleCentral(logger *logrus.Logger) (central, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", normalizeError(err))
	}
	ble.SetDefaultDevice(dev)
	return &gobleCentral{dev: dev, logger: logger}, nil
}

func (c *gobleCentral) Scan(ctx context.Context, handler func(advert)) error {
	err := c.dev.Scan(ctx, false, func(a ble.Advertisement) {
		services := make([]string, 0, len(a.Services()))
		for _, u := range a.Services() {
			services = append(services, u.String())
		}
		handler(advert{Address: a.Addr().String(), Name: a.LocalName(), Services: services})
	})
	return normalizeError(err)
}

func (c *gobleCentral) Connect(ctx context.Context, address string) (peripheral, error) {
	client, err := c.dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, normalizeError(err))
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			c.logger.WithError(cancelErr).Warn("Failed to cancel connection after profile discovery failure")
		}
		return nil, fmt.Errorf("failed to discover profile: %w", err)
	}

	var rx, tx *ble.Characteristic
	for _, svc := range profile.Services {
		if normalizeUUID(svc.UUID.String()) != normalizeUUID(NUSService) {
			continue
		}
		for _, ch := range svc.Characteristics {
			switch normalizeUUID(ch.UUID.String()) {
			case normalizeUUID(NUSRX):
				rx = ch
			case normalizeUUID(NUSTX):
				tx = ch
			}
		}
	}
	if rx == nil || tx == nil || tx.Property&ble.CharNotify == 0 {
		_ = client.CancelConnection()
		return nil, fmt.Errorf("device %s does not expose the UART service", address)
	}

	chunk := defaultChunk
	if mtu, err := client.ExchangeMTU(preferredMTU); err == nil && mtu > attHeader {
		chunk = mtu - attHeader
	} else if err != nil {
		c.logger.WithError(err).Debug("MTU exchange unavailable, using default chunk size")
	}

	return &goblePeripheral{
		client: client,
		rx:     rx,
		tx:     tx,
		noRsp:  rx.Property&ble.CharWriteNR != 0,
		chunk:  chunk,
	}, nil
}

func (c *gobleCentral) Stop() error {
	return c.dev.Stop()
}

type goblePeripheral struct {
	client ble.Client
	rx, tx *ble.Characteristic
	noRsp  bool
	chunk  int
}

func (p *goblePeripheral) Subscribe(handler func([]byte)) error {
	return normalizeError(p.client.Subscribe(p.tx, false, handler))
}

func (p *goblePeripheral) Write(chunk []byte) error {
	return normalizeError(p.client.WriteCharacteristic(p.rx, chunk, p.noRsp))
}

func (p *goblePeripheral) MaxChunk() int {
	return p.chunk
}

// Disconnected returns nil when the platform client cannot report link loss.
func (p *goblePeripheral) Disconnected() <-chan struct{} {
	if c, ok := p.client.(interface{ Disconnected() <-chan struct{} }); ok {
		return c.Disconnected()
	}
	return nil
}

func (p *goblePeripheral) Close() error {
	_ = p.client.Unsubscribe(p.tx, false)
	return p.client.CancelConnection()
}
