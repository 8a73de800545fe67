package registry

import (
	"testing"
	"time"

	"github.com/srg/linkmgr/internal/testutils"
	"github.com/srg/linkmgr/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		allowed  bool
	}{
		{StateNew, StateConnecting, true},
		{StateConnecting, StateConnected, true},
		{StateConnected, StateDisconnecting, true},
		{StateDisconnecting, StateDisconnected, true},
		{StateConnecting, StateDisconnected, true},
		{StateConnected, StateDisconnected, true},
		{StateConnected, StateConnecting, false},
		{StateDisconnecting, StateConnected, false},
		{StateDisconnected, StateNew, false},
		{StateDisconnected, StateConnected, false},
		{StateNew, StateConnected, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestConnectionsAdmit(t *testing.T) {
	a := testutils.NewAdapterBuilder(t).Build()
	c := NewConnections()

	r1, err := c.Admit(1, "A", 10, a)
	require.NoError(t, err)
	r2, err := c.Admit(1, "A", 11, a)
	require.NoError(t, err)

	assert.Equal(t, transport.ConnectionUID(1), r1.UID, "uids MUST start at 1")
	assert.Equal(t, transport.ConnectionUID(2), r2.UID)
	assert.Equal(t, StateConnected, r1.State)

	_, err = c.Admit(1, "A", 10, a)
	assert.ErrorIs(t, err, ErrConnectionExists, "a live key MUST NOT be admitted twice")

	got, ok := c.Find(1, 11)
	require.True(t, ok)
	assert.Equal(t, r2.UID, got.UID)
	assert.Len(t, c.ForDevice(1), 2)
}

func TestConnectionsUIDsNeverReused(t *testing.T) {
	a := testutils.NewAdapterBuilder(t).Build()
	c := NewConnections()

	r1, err := c.Admit(1, "A", 1, a)
	require.NoError(t, err)
	_, ok := c.Remove(r1.UID)
	require.True(t, ok)
	c.Clear()

	r2, err := c.Admit(1, "A", 1, a)
	require.NoError(t, err)
	assert.Greater(t, r2.UID, r1.UID, "uids MUST keep increasing after removal and Clear")
}

func TestConnectionsSendAccounting(t *testing.T) {
	a := testutils.NewAdapterBuilder(t).Build()
	c := NewConnections()
	r, err := c.Admit(1, "A", 1, a)
	require.NoError(t, err)

	_, err = c.BeginSend(r.UID)
	require.NoError(t, err)
	_, err = c.BeginSend(r.UID)
	require.NoError(t, err)

	got, _ := c.Get(r.UID)
	assert.Equal(t, 2, got.PendingSends)

	_, err = c.BeginSend(99)
	assert.ErrorIs(t, err, ErrUnknownConnection)

	rec, release, ok := c.EndSend(r.UID)
	require.True(t, ok)
	assert.False(t, release)
	assert.Equal(t, 1, rec.PendingSends)
}

func TestConnectionsGracefulDisconnect(t *testing.T) {
	// GOAL: Verify a graceful disconnect waits for in-flight sends and is released exactly once
	//
	// TEST SCENARIO: one pending send → Disconnecting(graceful) defers → EndSend releases → TakeDeferred has nothing left

	a := testutils.NewAdapterBuilder(t).Build()
	c := NewConnections()
	r, err := c.Admit(1, "A", 1, a)
	require.NoError(t, err)
	_, err = c.BeginSend(r.UID)
	require.NoError(t, err)

	rec, deferred, err := c.Disconnecting(r.UID, true)
	require.NoError(t, err)
	assert.True(t, deferred, "disconnect MUST be deferred while sends are pending")
	assert.Equal(t, StateDisconnecting, rec.State)

	timer := time.NewTimer(time.Hour)
	c.ArmDeferred(r.UID, timer)

	_, err = c.BeginSend(r.UID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "a disconnecting record MUST NOT accept sends")

	_, release, ok := c.EndSend(r.UID)
	require.True(t, ok)
	assert.True(t, release, "draining the last send MUST release the deferred disconnect")

	_, again := c.TakeDeferred(r.UID)
	assert.False(t, again, "a released disconnect MUST NOT be taken twice")

	_, _, err = c.Disconnecting(r.UID, true)
	assert.ErrorIs(t, err, ErrInvalidTransition, "a record MUST NOT be disconnected twice")
}

func TestConnectionsForceAndDevice(t *testing.T) {
	a := testutils.NewAdapterBuilder(t).Build()
	c := NewConnections()
	r1, _ := c.Admit(1, "A", 1, a)
	r2, _ := c.Admit(1, "A", 2, a)
	r3, _ := c.Admit(2, "B", 1, a)

	recs := c.DeviceDisconnecting(1)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Equal(t, StateDisconnecting, rec.State)
	}

	rec, err := c.ForceDisconnecting(r1.UID)
	require.NoError(t, err, "force MUST accept a record that is already disconnecting")
	assert.Equal(t, StateDisconnecting, rec.State)

	rec, err = c.ForceDisconnecting(r3.UID)
	require.NoError(t, err)
	assert.Equal(t, StateDisconnecting, rec.State)

	removed, ok := c.Remove(r2.UID)
	require.True(t, ok)
	assert.Equal(t, StateDisconnected, removed.State)
	_, ok = c.Find(1, 2)
	assert.False(t, ok, "a removed record MUST free its key")

	assert.Len(t, c.Clear(), 2)
	assert.Zero(t, c.Len())
}
