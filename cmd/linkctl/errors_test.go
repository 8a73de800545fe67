package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/srg/linkmgr/internal/pending"
	"github.com/srg/linkmgr/pkg/config"
	"github.com/srg/linkmgr/pkg/transport"
	"github.com/stretchr/testify/assert"
)

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"deadline", fmt.Errorf("connect: %w", context.DeadlineExceeded), "timed out: connect: context deadline exceeded"},
		{"batch timeout", pending.ErrTimeout, "timed out: request timed out"},
		{"no adapters in config", fmt.Errorf("invalid config x.yaml: %w", config.ErrNoAdapters), "configuration enables no adapter; enable at least one under 'adapters'"},
		{"not running", transport.ErrNotInitialized, "transport manager is not running"},
		{"invalid handle", transport.NewManagerError(transport.InvalidHandle, "device 9"), "unknown device or connection (invalid_handle: device 9)"},
		{"adapters fail", transport.NewManagerError(transport.AdaptersFail, "search failed for [ble]"), "no adapter accepted the request"},
		{"plain", errors.New("boom"), "boom"},
		{"command error", fmt.Errorf("%w: loop-9", ErrDeviceNotFound), "device not found: loop-9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUserError(tt.err))
		})
	}
}
