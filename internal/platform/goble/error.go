package goble

import (
	"fmt"
	"strings"

	"github.com/srg/blehost/internal/device"
)

// NormalizeError maps known go-ble error strings onto the bridge taxonomy.
// The original error stays wrapped so its text reaches the host.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return device.Wrap(device.DeviceNotConnected, err, "")
	case containsIgnoreCase(msg, "device already connected"):
		return device.Wrap(device.AlreadyConnected, err, "")
	case containsIgnoreCase(msg, "not implemented"),
		containsIgnoreCase(msg, "not supported"):
		return fmt.Errorf("%w: %v", device.ErrUnsupported, err)
	default:
		return err
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
