package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/linkmgr/pkg/transport"
)

type scanFlags struct {
	duration time.Duration
	format   string
}

func newScanCmd() *cobra.Command {
	f := &scanFlags{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Search for devices on every adapter",
		Long: `Search for devices on every configured adapter and list what was found.

The search ends when every adapter reported completion or --duration passed,
whichever comes first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, f)
		},
	}
	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 10*time.Second, "Upper bound for the search")
	cmd.Flags().StringVarP(&f.format, "format", "f", "table", "Output format (table, json)")
	return cmd
}

func runScan(cmd *cobra.Command, f *scanFlags) error {
	if f.format != "table" && f.format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", f.format)
	}
	if f.duration <= 0 {
		return fmt.Errorf("--duration must be positive")
	}

	s, err := openSession(cmd, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, f.duration)
	defer cancel()

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Searching for devices", f.duration)
	progress.Start()
	err = s.search(ctx, nil)
	progress.Stop()

	// An interrupted or bounded search still lists what was found.
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}

	devices := s.tm.Devices()
	slices.SortFunc(devices, func(a, b transport.DeviceInfo) int { return cmp.Compare(a.Handle, b.Handle) })
	if f.format == "json" {
		return writeDevicesJSON(cmd.OutOrStdout(), devices)
	}
	return writeDevicesTable(cmd.OutOrStdout(), devices)
}

func writeDevicesTable(out io.Writer, devices []transport.DeviceInfo) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(out, "No devices found.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HANDLE\tADDRESS\tNAME\tTRANSPORT")
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", d.Handle, d.Address, name, d.ConnectionType)
	}
	return w.Flush()
}

func writeDevicesJSON(out io.Writer, devices []transport.DeviceInfo) error {
	if devices == nil {
		devices = []transport.DeviceInfo{}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(devices)
}
