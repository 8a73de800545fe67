//go:build linux

package blelink

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// DeviceFactory creates the platform BLE device. Tests may replace it.
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}
