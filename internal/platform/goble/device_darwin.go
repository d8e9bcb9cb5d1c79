package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// DeviceFactory creates the CoreBluetooth central. Tests replace it.
//
//nolint:revive // exported for test doubles
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}
