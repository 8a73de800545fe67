package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "linkctl",
		Short: "Transport manager command-line tool",
		Long: `Command-line front end for the linkmgr transport manager:

- Search for devices over every configured transport (loopback, TCP/mDNS, serial, BLE)
- Open a connection to an application on a device and exchange framed messages
- Watch manager notifications while accepting client connections
- Bridge a device application to a pseudo-terminal

Adapters and their settings come from a YAML file (--config); without one only
the loopback adapter is enabled.`,
		Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
		// main prints errors itself
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	root.AddCommand(newScanCmd())
	root.AddCommand(newSendCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newBridgeCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
