package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// DeviceFactory opens the default HCI device. Tests replace it.
//
//nolint:revive // exported for test doubles
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}
