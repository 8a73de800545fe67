// Package config loads the linkmgr configuration and builds the manager and
// its adapters from it.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/srg/linkmgr/internal/adapter/blelink"
	"github.com/srg/linkmgr/internal/adapter/kit"
	"github.com/srg/linkmgr/internal/adapter/loopback"
	"github.com/srg/linkmgr/internal/adapter/netlink"
	"github.com/srg/linkmgr/internal/adapter/seriallink"
	"github.com/srg/linkmgr/internal/telemetry"
	"github.com/srg/linkmgr/pkg/adapter"
	"github.com/srg/linkmgr/pkg/manager"
	"github.com/srg/linkmgr/pkg/transport"
	"gopkg.in/yaml.v3"
)

var ErrNoAdapters = errors.New("no adapter enabled")

// Config holds application configuration
type Config struct {
	LogLevel  string `yaml:"log_level" default:"info"`
	LogFormat string `yaml:"log_format" default:"text"`

	// QueueHint pre-sizes the manager's event queue.
	QueueHint int64 `yaml:"queue_hint" default:"64"`
	// DisconnectTimeout bounds a graceful disconnect. Zero disconnects immediately.
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout" default:"5s"`
	// Telemetry registers send latency metrics.
	Telemetry bool `yaml:"telemetry"`

	Adapters Adapters `yaml:"adapters"`
}

type Adapters struct {
	Loopback LoopbackConfig `yaml:"loopback"`
	Network  NetworkConfig  `yaml:"network"`
	Serial   SerialConfig   `yaml:"serial"`
	BLE      BLEConfig      `yaml:"ble"`
}

// Common holds the settings every adapter shares.
type Common struct {
	Enabled      bool          `yaml:"enabled"`
	PoolSize     int           `yaml:"pool_size" default:"8"`
	OutboxSize   int           `yaml:"outbox_size" default:"64"`
	MaxFrameSize uint32        `yaml:"max_frame_size" default:"65536"`
	DialTimeout  time.Duration `yaml:"dial_timeout" default:"10s"`
	SearchWindow time.Duration `yaml:"search_window" default:"3s"`
}

type PeerConfig struct {
	Address string  `yaml:"address"`
	Name    string  `yaml:"name"`
	Apps    []int32 `yaml:"apps"`
}

type LoopbackConfig struct {
	Common `yaml:",inline"`
	Peers  []PeerConfig `yaml:"peers"`
}

type NetworkConfig struct {
	Common        `yaml:",inline"`
	ListenAddress string        `yaml:"listen_address" default:":7420"`
	ServiceType   string        `yaml:"service_type" default:"_linkmgr._tcp"`
	Domain        string        `yaml:"domain" default:"local."`
	Instance      string        `yaml:"instance"`
	Advertise     bool          `yaml:"advertise"`
	Apps          []int32       `yaml:"apps"`
	TTL           uint32        `yaml:"ttl"`
	HelloTimeout  time.Duration `yaml:"hello_timeout" default:"5s"`
	Browse        bool          `yaml:"browse"`
	Peers         []PeerConfig  `yaml:"peers"`
}

type SerialConfig struct {
	Common   `yaml:",inline"`
	Globs    []string `yaml:"globs"`
	Paths    []string `yaml:"paths"`
	Baud     int      `yaml:"baud" default:"115200"`
	RingSize int      `yaml:"ring_size" default:"16384"`
}

type BLEConfig struct {
	Common   `yaml:",inline"`
	Service  string `yaml:"service" default:"6e400001-b5a3-f393-e0a9-e50e24dcca9e"`
	RingSize int    `yaml:"ring_size" default:"8192"`
}

// DefaultConfig returns default configuration values: only the loopback
// adapter is enabled, with one echo device.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Adapters.Loopback.Enabled = true
	cfg.Adapters.Loopback.Peers = []PeerConfig{{Address: "loop-1", Name: "Echo", Apps: []int32{1}}}
	cfg.Adapters.Network.Browse = true
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if c.DisconnectTimeout < 0 {
		return fmt.Errorf("disconnect_timeout must not be negative")
	}

	a := c.Adapters
	if !a.Loopback.Enabled && !a.Network.Enabled && !a.Serial.Enabled && !a.BLE.Enabled {
		return ErrNoAdapters
	}
	for name, common := range map[string]Common{
		"loopback": a.Loopback.Common,
		"network":  a.Network.Common,
		"serial":   a.Serial.Common,
		"ble":      a.BLE.Common,
	} {
		if common.PoolSize <= 0 || common.OutboxSize <= 0 {
			return fmt.Errorf("%s: pool_size and outbox_size must be positive", name)
		}
	}
	if a.Network.Enabled {
		if _, _, err := net.SplitHostPort(a.Network.ListenAddress); err != nil {
			return fmt.Errorf("network: listen_address: %w", err)
		}
	}
	for _, p := range a.Loopback.Peers {
		if p.Address == "" {
			return fmt.Errorf("loopback: peer without address")
		}
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}
	return logger
}

// ManagerOptions returns the manager options. reg receives the telemetry
// collectors when telemetry is enabled; nil skips telemetry.
func (c *Config) ManagerOptions(reg prometheus.Registerer) ([]manager.Option, error) {
	opts := []manager.Option{
		manager.WithQueueHint(c.QueueHint),
		manager.WithDisconnectTimeout(c.DisconnectTimeout),
	}
	if c.Telemetry && reg != nil {
		obs, err := telemetry.NewObserver(reg)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		opts = append(opts, manager.WithTelemetryObserver(obs))
	}
	return opts, nil
}

// BuildAdapters constructs the enabled adapters, not yet initialised.
func (c *Config) BuildAdapters(logger *logrus.Logger) []adapter.Adapter {
	var out []adapter.Adapter
	a := c.Adapters

	if a.Loopback.Enabled {
		out = append(out, loopback.New(loopback.Options{
			Options: a.Loopback.kitOptions(logger),
			Peers:   peers(a.Loopback.Peers),
		}))
	}
	if a.Network.Enabled {
		out = append(out, netlink.New(netlink.Options{
			Options:       a.Network.kitOptions(logger),
			ListenAddress: a.Network.ListenAddress,
			ServiceType:   a.Network.ServiceType,
			Domain:        a.Network.Domain,
			Instance:      a.Network.Instance,
			Advertise:     a.Network.Advertise,
			Apps:          apps(a.Network.Apps),
			TTL:           a.Network.TTL,
			HelloTimeout:  a.Network.HelloTimeout,
			Peers:         peers(a.Network.Peers),
			DisableBrowse: !a.Network.Browse,
		}))
	}
	if a.Serial.Enabled {
		out = append(out, seriallink.New(seriallink.Options{
			Options:  a.Serial.kitOptions(logger),
			Globs:    a.Serial.Globs,
			Paths:    a.Serial.Paths,
			Baud:     a.Serial.Baud,
			RingSize: a.Serial.RingSize,
		}))
	}
	if a.BLE.Enabled {
		out = append(out, blelink.New(blelink.Options{
			Options:  a.BLE.kitOptions(logger),
			Service:  a.BLE.Service,
			RingSize: a.BLE.RingSize,
		}))
	}
	return out
}

func (c Common) kitOptions(logger *logrus.Logger) kit.Options {
	return kit.Options{
		Logger:       logger,
		PoolSize:     c.PoolSize,
		OutboxSize:   c.OutboxSize,
		MaxFrameSize: c.MaxFrameSize,
		DialTimeout:  c.DialTimeout,
		SearchWindow: c.SearchWindow,
	}
}

func peers(in []PeerConfig) []kit.Peer {
	out := make([]kit.Peer, 0, len(in))
	for _, p := range in {
		out = append(out, kit.Peer{Address: p.Address, Name: p.Name, Apps: apps(p.Apps)})
	}
	return out
}

func apps(in []int32) []transport.ApplicationHandle {
	if len(in) == 0 {
		return nil
	}
	out := make([]transport.ApplicationHandle, 0, len(in))
	for _, id := range in {
		out = append(out, transport.ApplicationHandle(id))
	}
	return out
}
