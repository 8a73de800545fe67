package registry

import (
	"testing"

	"github.com/srg/linkmgr/internal/testutils"
	"github.com/srg/linkmgr/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addresses(infos []transport.DeviceInfo) []string {
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.Address)
	}
	return out
}

func TestDevicesApplyDiff(t *testing.T) {
	// GOAL: Verify the device list diff reports additions and removals exactly once
	//
	// TEST SCENARIO: apply three snapshots → first adds two, second is unchanged, third swaps one → diff reflects each step

	a := testutils.NewAdapterBuilder(t).
		WithConnectionType("BT").
		WithDevice("A", "Alpha").
		WithDevice("B", "Beta").
		WithDevice("C", "Gamma").
		Build()
	d := NewDevices(NewHandles())
	d.Register(a)

	diff := d.Apply(a, []string{"A", "B"})
	require.True(t, diff.Changed())
	assert.Equal(t, []string{"A", "B"}, addresses(diff.Added), "new devices MUST be reported in snapshot order")
	assert.Empty(t, diff.Removed)
	assert.Equal(t, []string{"A", "B"}, addresses(diff.All))
	assert.Equal(t, "Alpha", diff.Added[0].Name)
	assert.Equal(t, "BT", diff.Added[0].ConnectionType)

	diff = d.Apply(a, []string{"A", "B"})
	assert.False(t, diff.Changed(), "an unchanged snapshot MUST NOT produce a diff")
	assert.Nil(t, diff.All)

	diff = d.Apply(a, []string{"B", "C"})
	assert.Equal(t, []string{"C"}, addresses(diff.Added))
	assert.Equal(t, []string{"A"}, addresses(diff.Removed))
	assert.Equal(t, []string{"B", "C"}, addresses(diff.All))
}

func TestDevicesHandlesStableAcrossRemoval(t *testing.T) {
	a := testutils.NewAdapterBuilder(t).WithDevice("A", "Alpha").Build()
	handles := NewHandles()
	d := NewDevices(handles)
	d.Register(a)

	first := d.Apply(a, []string{"A"}).Added[0].Handle
	d.Apply(a, nil)
	again := d.Apply(a, []string{"A"}).Added[0].Handle

	assert.Equal(t, first, again, "a device that reappears MUST keep its handle")
}

func TestDevicesSharedHandleAcrossAdapters(t *testing.T) {
	// GOAL: Verify two adapters reporting the same address share one handle and ownership follows the latest reporter
	//
	// TEST SCENARIO: adapter 1 then adapter 2 list "A" → one handle, owner is adapter 2 → adapter 2 drops "A" → owner falls back to adapter 1

	a1 := testutils.NewAdapterBuilder(t).WithConnectionType("USB").WithDevice("A", "Alpha").Build()
	a2 := testutils.NewAdapterBuilder(t).WithConnectionType("WIFI").WithDevice("A", "Alpha").Build()
	d := NewDevices(NewHandles())
	d.Register(a1)
	d.Register(a2)

	h1 := d.Apply(a1, []string{"A"}).Added[0].Handle
	diff := d.Apply(a2, []string{"A"})
	require.Len(t, diff.Added, 1)
	assert.Equal(t, h1, diff.Added[0].Handle, "the same address MUST map to the same handle")
	assert.Len(t, diff.All, 2, "each adapter MUST contribute its own entry")

	info, owner, ok := d.Lookup(h1)
	require.True(t, ok)
	assert.Same(t, a2, owner)
	assert.Equal(t, "WIFI", info.ConnectionType)

	d.Apply(a2, nil)
	info, owner, ok = d.Lookup(h1)
	require.True(t, ok)
	assert.Same(t, a1, owner, "ownership MUST fall back to an adapter that still lists the device")
	assert.Equal(t, "USB", info.ConnectionType)
}

func TestDevicesRemoveAndClear(t *testing.T) {
	a := testutils.NewAdapterBuilder(t).WithDevice("A", "Alpha").WithDevice("B", "Beta").Build()
	d := NewDevices(NewHandles())
	d.Register(a)
	added := d.Apply(a, []string{"A", "B"}).Added

	diff := d.Remove(added[0].Handle)
	assert.Equal(t, []string{"A"}, addresses(diff.Removed))
	assert.Equal(t, []string{"B"}, addresses(diff.All))

	_, _, ok := d.Lookup(added[0].Handle)
	assert.False(t, ok, "a removed device MUST NOT be resolvable")

	assert.False(t, d.Remove(transport.DeviceHandle(999)).Changed())

	d.Clear()
	assert.Empty(t, d.All())
	assert.True(t, d.Registered(a), "Clear MUST keep adapter registrations")
}
