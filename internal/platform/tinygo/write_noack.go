//go:build !darwin && !windows

package tinygo

import "tinygo.org/x/bluetooth"

// writeValue falls back to a write without response: the BlueZ client in
// tinygo.org/x/bluetooth has no acknowledged write.
func writeValue(c *bluetooth.DeviceCharacteristic, p []byte) (int, error) {
	return c.WriteWithoutResponse(p)
}
