package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"github.com/srg/linkmgr/internal/fanout"
	"github.com/srg/linkmgr/internal/pending"
	"github.com/srg/linkmgr/pkg/transport"
)

type sendFlags struct {
	address      string
	app          int32
	payload      string
	hex          bool
	protocol     uint32
	count        int
	timeout      time.Duration
	awaitReplies bool
}

func newSendCmd() *cobra.Command {
	f := &sendFlags{}
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Connect to a device application and send messages",
		Long: `Search for the device, connect to one of its applications, send the payload
--count times and report how many sends completed. With --await-replies the
command also waits for one incoming message per delivered send.`,
		Example: `  linkctl send --address loop-1 --payload hello --count 3 --await-replies
  linkctl --config car.yaml send --address 192.168.1.20:7420 --app 2 --hex --payload 0a0b0c`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, f)
		},
	}
	cmd.Flags().StringVarP(&f.address, "address", "a", "", "Device address (required)")
	cmd.Flags().Int32Var(&f.app, "app", 1, "Application handle on the device")
	cmd.Flags().StringVarP(&f.payload, "payload", "p", "", "Message payload")
	cmd.Flags().BoolVar(&f.hex, "hex", false, "Payload is hex encoded")
	cmd.Flags().Uint32Var(&f.protocol, "protocol", 1, "Protocol version carried with each message")
	cmd.Flags().IntVarP(&f.count, "count", "n", 1, "Number of messages to send")
	cmd.Flags().DurationVarP(&f.timeout, "timeout", "t", 10*time.Second, "Overall timeout")
	cmd.Flags().BoolVar(&f.awaitReplies, "await-replies", false, "Wait for one reply per delivered message")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func runSend(cmd *cobra.Command, f *sendFlags) error {
	data := []byte(f.payload)
	if f.hex {
		decoded, err := hex.DecodeString(f.payload)
		if err != nil {
			return fmt.Errorf("invalid hex payload: %w", err)
		}
		data = decoded
	}
	if f.count <= 0 {
		return fmt.Errorf("--count must be positive")
	}

	s, err := openSession(cmd, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	cmd.SilenceUsage = true
	out := cmd.OutOrStdout()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	device, err := s.findDevice(ctx, f.address)
	if err != nil {
		return err
	}
	uid, err := s.connect(ctx, device, transport.ApplicationHandle(f.app))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "connected %s app %d (uid %d)\n", device.Address, f.app, uid)

	sent, received, err := s.exchange(ctx, out, uid, f, data)
	fmt.Fprintf(out, "sent %d/%d, received %d\n", sent, f.count, received)

	if derr := s.tm.Disconnect(uid); derr == nil {
		// Closing is best effort; the session shutdown force-closes anything left.
		closeCtx, closeCancel := context.WithTimeout(context.Background(), s.cfg.DisconnectTimeout+time.Second)
		_, _ = s.await(closeCtx, func(n fanout.Notification) bool {
			return n.Kind == fanout.ConnectionClosed && n.UID == uid
		}, nil)
		closeCancel()
	}
	return err
}

// findDevice searches until the device is known. It fails with ErrDeviceNotFound
// when every adapter finished searching without reporting it.
func (s *session) findDevice(ctx context.Context, address string) (transport.DeviceInfo, error) {
	var found *transport.DeviceInfo
	err := s.search(ctx, func(n fanout.Notification) {
		if n.Kind == fanout.DeviceAdded && n.Device.Address == address && found == nil {
			d := n.Device
			found = &d
		}
	})
	if found != nil {
		return *found, nil
	}
	if err != nil {
		return transport.DeviceInfo{}, err
	}
	// Known from an earlier search of the same session.
	for _, d := range s.tm.Devices() {
		if d.Address == address {
			return d, nil
		}
	}
	return transport.DeviceInfo{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, address)
}

// connect opens every application of device and returns the connection to app.
func (s *session) connect(ctx context.Context, device transport.DeviceInfo, app transport.ApplicationHandle) (transport.ConnectionUID, error) {
	if err := s.tm.ConnectDevice(device.Handle); err != nil {
		return 0, err
	}
	for {
		n, err := s.await(ctx, func(n fanout.Notification) bool {
			return n.Device.Handle == device.Handle &&
				(n.Kind == fanout.ConnectionEstablished || n.Kind == fanout.ConnectionFailed)
		}, nil)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return 0, fmt.Errorf("%w: app %d on %s", ErrAppNotAvailable, app, device.Address)
			}
			return 0, err
		}
		if n.Kind == fanout.ConnectionFailed {
			s.logger.WithError(n.Err).WithField("address", device.Address).Debug("Application connection failed")
			continue
		}
		for _, c := range s.tm.Connections() {
			if c.UID == n.UID && c.Application == app {
				return c.UID, nil
			}
		}
	}
}

// exchange sends f.count messages on uid and waits for their completion, and
// for replies when asked to.
func (s *session) exchange(ctx context.Context, out io.Writer, uid transport.ConnectionUID, f *sendFlags, data []byte) (sent, received int, err error) {
	batch := pending.NewBatch[*transport.RawMessage]()
	msgs := make([]*transport.RawMessage, 0, f.count)
	for i := 0; i < f.count; i++ {
		msg := transport.NewRawMessage(uid, f.protocol, data)
		_ = batch.Add(msg)
		msgs = append(msgs, msg)
	}

	replies := make(chan *transport.RawMessage, f.count)
	lost := make(chan error, 1)
	pumpCtx, stopPump := context.WithCancel(ctx)
	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		_, _ = s.await(pumpCtx, func(fanout.Notification) bool { return false }, func(n fanout.Notification) {
			switch n.Kind {
			case fanout.MessageSent:
				_ = batch.Resolve(n.Message, nil)
			case fanout.MessageSendFailed:
				_ = batch.Resolve(n.Message, n.Err)
			case fanout.MessageReceived:
				if n.Message != nil && n.Message.ConnectionKey == uid {
					select {
					case replies <- n.Message:
					default:
					}
				}
			case fanout.UnexpectedDisconnect:
				if n.UID == uid {
					select {
					case lost <- fmt.Errorf("%w: %v", ErrConnectionLost, n.Err):
					default:
					}
				}
			}
		})
	}()
	defer func() {
		stopPump()
		<-pumped
	}()

	for _, msg := range msgs {
		if err := s.tm.SendMessageToDevice(msg); err != nil {
			_ = batch.Resolve(msg, err)
		}
	}

	outcomes, err := batch.Wait(ctx, 0)
	for _, o := range outcomes {
		if o.Status == pending.Succeeded {
			sent++
		} else {
			s.logger.WithError(o.Err).Warn("Send failed")
		}
	}
	if err != nil {
		return sent, 0, err
	}

	want := 0
	if f.awaitReplies {
		want = sent
	}
	for received < want {
		select {
		case msg := <-replies:
			received++
			fmt.Fprintf(out, "received v%d %s\n", msg.ProtocolVersion, formatPayload(msg.Data))
		case err := <-lost:
			return sent, received, err
		case <-ctx.Done():
			return sent, received, ctx.Err()
		}
	}
	if failed := pending.FailedOutcomes(outcomes); len(failed) > 0 {
		return sent, received, fmt.Errorf("%d of %d sends failed: %w", len(failed), len(outcomes), failed[0].Err)
	}
	return sent, received, nil
}

// formatPayload quotes printable payloads and hex-encodes the rest.
func formatPayload(data []byte) string {
	if utf8.Valid(data) {
		printable := true
		for _, r := range string(data) {
			if r < 0x20 && r != '\n' && r != '\t' {
				printable = false
				break
			}
		}
		if printable {
			return fmt.Sprintf("%q", data)
		}
	}
	return "0x" + hex.EncodeToString(data)
}
