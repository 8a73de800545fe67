package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/linkmgr/internal/pending"
	"github.com/srg/linkmgr/pkg/config"
	"github.com/srg/linkmgr/pkg/transport"
)

// Command-level errors
var (
	ErrNoAdapters      = errors.New("no transport adapter could be started")
	ErrDeviceNotFound  = errors.New("device not found")
	ErrAppNotAvailable = errors.New("application not available")
	// ErrConnectionLost means the connection dropped while the command was using it.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns an error into a one-line message for the terminal.
func FormatUserError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, pending.ErrTimeout):
		return fmt.Sprintf("timed out: %v", err)
	case errors.Is(err, config.ErrNoAdapters):
		return "configuration enables no adapter; enable at least one under 'adapters'"
	case errors.Is(err, transport.ErrNotInitialized):
		return "transport manager is not running"
	case errors.Is(err, transport.ErrInvalidHandle):
		return fmt.Sprintf("unknown device or connection (%v)", err)
	case errors.Is(err, transport.ErrAdaptersFail):
		return "no adapter accepted the request"
	case errors.Is(err, transport.ErrAdapterExists):
		return "an adapter of that type is already registered"
	default:
		return err.Error()
	}
}
