//go:build darwin || windows

package tinygo

import "tinygo.org/x/bluetooth"

// writeValue performs an acknowledged write.
func writeValue(c *bluetooth.DeviceCharacteristic, p []byte) (int, error) {
	return c.Write(p)
}
