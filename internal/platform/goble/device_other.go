//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"

	"github.com/srg/blehost/internal/device"
)

// DeviceFactory has no go-ble host stack on this OS. Tests replace it.
//
//nolint:revive // exported for test doubles
var DeviceFactory = func() (ble.Device, error) {
	return nil, fmt.Errorf("%w: go-ble on %s", device.ErrUnsupported, runtime.GOOS)
}
