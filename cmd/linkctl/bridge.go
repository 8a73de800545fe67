package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/spf13/cobra"
	"github.com/srg/linkmgr/internal/fanout"
	"github.com/srg/linkmgr/internal/groutine"
	"github.com/srg/linkmgr/pkg/transport"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	bridgePollTimeoutMs = 50
	bridgeReadSize      = 4096
)

type bridgeFlags struct {
	address  string
	app      int32
	protocol uint32
	link     string
	timeout  time.Duration
}

func newBridgeCmd() *cobra.Command {
	f := &bridgeFlags{}
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Expose a device application as a pseudo-terminal",
		Long: `Connect to an application on a device and bridge it to a PTY. Every chunk
written to the terminal is sent as one message; every message received is
written back to the terminal. Runs until interrupted or the connection drops.`,
		Example: `  linkctl bridge --address loop-1 --link /tmp/loop1
  picocom /tmp/loop1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(cmd, f)
		},
	}
	cmd.Flags().StringVarP(&f.address, "address", "a", "", "Device address (required)")
	cmd.Flags().Int32Var(&f.app, "app", 1, "Application handle on the device")
	cmd.Flags().Uint32Var(&f.protocol, "protocol", 1, "Protocol version carried with each message")
	cmd.Flags().StringVar(&f.link, "link", "", "Create a symlink to the PTY at this path")
	cmd.Flags().DurationVarP(&f.timeout, "timeout", "t", 30*time.Second, "Connect timeout")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func runBridge(cmd *cobra.Command, f *bridgeFlags) error {
	s, err := openSession(cmd, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	cmd.SilenceUsage = true
	out := cmd.OutOrStdout()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	device, err := s.findDevice(connectCtx, f.address)
	if err != nil {
		return err
	}
	uid, err := s.connect(connectCtx, device, transport.ApplicationHandle(f.app))
	if err != nil {
		return err
	}
	defer func() { _ = s.tm.DisconnectForce(uid) }()

	master, slave, err := createPTY()
	if err != nil {
		return err
	}
	defer func() {
		_ = slave.Close()
		_ = master.Close()
	}()

	ttyName := slave.Name()
	if f.link != "" {
		if err := os.Symlink(ttyName, f.link); err != nil {
			return fmt.Errorf("failed to create tty symlink %s -> %s: %w", f.link, ttyName, err)
		}
		defer func() {
			if err := os.Remove(f.link); err != nil {
				s.logger.WithError(err).WithField("link", f.link).Warn("Failed to remove tty symlink")
			}
		}()
		ttyName = f.link
	}
	fmt.Fprintf(out, "bridging %s app %d on %s\n", device.Address, f.app, ttyName)

	err = s.bridge(ctx, uid, f.protocol, master)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// createPTY opens a pseudo-terminal with its slave side in raw mode.
func createPTY() (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, nil, fmt.Errorf("failed to set PTY %s to raw mode: %w", slave.Name(), err)
	}
	return master, slave, nil
}

// bridge copies between master and connection uid until ctx ends or the
// connection goes away. Each read from master becomes one message.
func (s *session) bridge(ctx context.Context, uid transport.ConnectionUID, protocol uint32, master *os.File) error {
	log := s.logger.WithField("uid", uid)
	readCtx, stopReading := context.WithCancel(ctx)
	readErr := make(chan error, 1)

	reader := groutine.NewGroup(s.logger)
	reader.Go(readCtx, "pty-reader", func(ctx context.Context) {
		readErr <- pumpPTY(ctx, master, func(chunk []byte) {
			if err := s.tm.SendMessageToDevice(transport.NewRawMessage(uid, protocol, chunk)); err != nil {
				log.WithError(err).Warn("PTY data not sent")
			}
		})
	})
	defer func() {
		stopReading()
		reader.Wait()
	}()

	watchCtx, stopWatching := context.WithCancel(ctx)
	defer stopWatching()
	go func() {
		select {
		case err := <-readErr:
			if err != nil {
				log.WithError(err).Warn("PTY read failed")
			}
			stopWatching()
		case <-watchCtx.Done():
		}
	}()

	n, err := s.await(watchCtx, func(n fanout.Notification) bool {
		return n.UID == uid && (n.Kind == fanout.UnexpectedDisconnect || n.Kind == fanout.ConnectionClosed)
	}, func(n fanout.Notification) {
		switch {
		case n.Kind == fanout.MessageReceived && n.UID == uid:
			if _, err := master.Write(n.Message.Data); err != nil {
				log.WithError(err).Warn("PTY write failed")
			}
		case n.Kind == fanout.MessageSendFailed && n.UID == uid:
			log.WithError(n.Err).Warn("Message to device failed")
		}
	})
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrConnectionLost, n)
}

// pumpPTY polls master and hands every chunk read to send until ctx ends.
func pumpPTY(ctx context.Context, master *os.File, send func([]byte)) error {
	pollFd := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, bridgeReadSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		nReady, err := unix.Poll(pollFd, bridgePollTimeoutMs)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			return fmt.Errorf("poll: %w", err)
		}
		if nReady == 0 {
			continue
		}
		n, err := master.Read(buf)
		if n > 0 {
			send(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			return err
		}
	}
}
