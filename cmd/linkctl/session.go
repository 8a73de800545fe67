package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/linkmgr/internal/fanout"
	"github.com/srg/linkmgr/pkg/adapter"
	"github.com/srg/linkmgr/pkg/config"
	"github.com/srg/linkmgr/pkg/manager"
	"github.com/srg/linkmgr/pkg/transport"
)

// eventBuffer is how many notifications a session holds before dropping the oldest.
const eventBuffer = 1024

// session is a running manager with the configured adapters and a
// notification stream.
type session struct {
	cfg      *config.Config
	logger   *logrus.Logger
	tm       *manager.TransportManager
	events   *fanout.Stream
	adapters []adapter.Adapter
}

// openSession loads the configuration and starts the manager. reg, when not
// nil, enables telemetry and receives its collectors.
func openSession(cmd *cobra.Command, reg prometheus.Registerer) (*session, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	if reg != nil {
		cfg.Telemetry = true
	}
	opts, err := cfg.ManagerOptions(reg)
	if err != nil {
		return nil, err
	}

	tm := manager.New(logger, opts...)
	if err := tm.Init(); err != nil {
		return nil, fmt.Errorf("failed to start transport manager: %w", err)
	}

	s := &session{
		cfg:    cfg,
		logger: logger,
		tm:     tm,
		events: fanout.NewStream(eventBuffer),
	}
	_ = tm.AddEventListener(s.events)

	for _, a := range cfg.BuildAdapters(logger) {
		if err := tm.AddTransportAdapter(a); err != nil {
			logger.WithError(err).WithField("connection_type", a.ConnectionType()).Warn("Adapter unavailable")
			continue
		}
		s.adapters = append(s.adapters, a)
	}
	if len(s.adapters) == 0 {
		s.Close()
		return nil, ErrNoAdapters
	}
	return s, nil
}

// Close stops the manager. Pending notifications are discarded.
func (s *session) Close() {
	if err := s.tm.Stop(); err != nil {
		s.logger.WithError(err).Debug("Stop failed")
	}
	_ = s.tm.RemoveEventListener(s.events)
	s.events.Close()
}

// await returns the first notification accepted by match. Every notification
// read, matched or not, is passed to observe when it is set.
func (s *session) await(ctx context.Context, match func(fanout.Notification) bool, observe func(fanout.Notification)) (fanout.Notification, error) {
	for {
		select {
		case <-ctx.Done():
			return fanout.Notification{}, ctx.Err()
		case n, ok := <-s.events.C():
			if !ok {
				return fanout.Notification{}, context.Canceled
			}
			if observe != nil {
				observe(n)
			}
			if match(n) {
				return n, nil
			}
		}
	}
}

// search starts a search and waits until every adapter reported its end.
// observe sees every notification read meanwhile. When some adapters refuse to
// search the wait is bounded by ctx only.
func (s *session) search(ctx context.Context, observe func(fanout.Notification)) error {
	if err := s.tm.SearchDevices(); err != nil {
		if !errors.Is(err, transport.ErrAdaptersFail) {
			return err
		}
		s.logger.WithError(err).Warn("Searching on the remaining adapters")
	}
	remaining := len(s.adapters)
	for remaining > 0 {
		n, err := s.await(ctx, func(n fanout.Notification) bool {
			return n.Kind == fanout.ScanDevicesFinished || n.Kind == fanout.ScanDevicesFailed
		}, observe)
		if err != nil {
			return err
		}
		if n.Kind == fanout.ScanDevicesFailed {
			s.logger.WithError(n.Err).Warn("Search failed on one adapter")
		}
		remaining--
	}
	return nil
}
