package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/srg/linkmgr/internal/fanout"
)

type runFlags struct {
	duration    time.Duration
	visible     bool
	search      bool
	metricsAddr string
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the manager and print its notifications",
		Long: `Start every configured adapter, accept client connections, search once and
print manager notifications until interrupted (or for --duration).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd, f)
		},
	}
	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 0, "Stop after this long (0 runs until interrupted)")
	cmd.Flags().BoolVar(&f.visible, "visible", true, "Accept client connections")
	cmd.Flags().BoolVar(&f.search, "search", true, "Search for devices on start")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9102")
	return cmd
}

func runMonitor(cmd *cobra.Command, f *runFlags) error {
	var reg *prometheus.Registry
	if f.metricsAddr != "" {
		reg = prometheus.NewRegistry()
	}

	var s *session
	var err error
	if reg != nil {
		s, err = openSession(cmd, reg)
	} else {
		s, err = openSession(cmd, nil)
	}
	if err != nil {
		return err
	}
	defer s.Close()

	cmd.SilenceUsage = true
	out := cmd.OutOrStdout()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if f.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.duration)
		defer cancel()
	}

	if reg != nil {
		ln, err := net.Listen("tcp", f.metricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		srv := &http.Server{Handler: metricsHandler(reg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.WithError(err).Warn("Metrics server stopped")
			}
		}()
		defer srv.Close()
		fmt.Fprintf(out, "metrics on http://%s/metrics\n", ln.Addr())
	}

	if f.visible {
		if err := s.tm.Visibility(true); err != nil {
			return err
		}
	}
	if f.search {
		if err := s.tm.SearchDevices(); err != nil {
			s.logger.WithError(err).Warn("Search failed")
		}
	}

	_, err = s.await(ctx, func(fanout.Notification) bool { return false }, func(n fanout.Notification) {
		printNotification(out, n)
	})
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if dropped := s.events.Dropped(); dropped > 0 {
			fmt.Fprintf(out, "%d notifications dropped\n", dropped)
		}
		return nil
	}
	return err
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

var (
	colorGood    = color.New(color.FgGreen)
	colorBad     = color.New(color.FgRed)
	colorGone    = color.New(color.FgYellow)
	colorMessage = color.New(color.FgCyan)
	colorPlain   = color.New()
)

func notificationColor(kind fanout.Kind) *color.Color {
	switch kind {
	case fanout.DeviceAdded, fanout.ConnectionEstablished, fanout.ScanDevicesFinished:
		return colorGood
	case fanout.ScanDevicesFailed, fanout.ConnectionFailed, fanout.UnexpectedDisconnect,
		fanout.DisconnectFailed, fanout.MessageSendFailed, fanout.MessageReceiveFailed:
		return colorBad
	case fanout.DeviceRemoved, fanout.ConnectionClosed:
		return colorGone
	case fanout.MessageSent, fanout.MessageReceived:
		return colorMessage
	default:
		return colorPlain
	}
}

func printNotification(out io.Writer, n fanout.Notification) {
	line := n.String()
	if n.Kind == fanout.MessageReceived && n.Message != nil {
		line = fmt.Sprintf("%s %s", line, formatPayload(n.Message.Data))
	}
	notificationColor(n.Kind).Fprintf(out, "%s %s\n", time.Now().Format("15:04:05.000"), line)
}
