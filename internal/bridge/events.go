package bridge

import (
	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/platform"
)

// handleEvent routes one platform event. Addresses are normalized before any lookup.
func (b *Bridge) handleEvent(ev platform.Event) {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	switch e := ev.(type) {
	case platform.Sighting:
		e.Address = device.NormalizeAddress(e.Address)
		b.onSighting(e)
	case platform.ScanFailed:
		b.onScanFailed(e)
	case platform.Connected:
		e.Address = device.NormalizeAddress(e.Address)
		b.onConnected(e)
	case platform.ConnectFailed:
		e.Address = device.NormalizeAddress(e.Address)
		b.onConnectFailed(e)
	case platform.Disconnected:
		e.Address = device.NormalizeAddress(e.Address)
		b.onDisconnected(e)
	case platform.ReadCompleted:
		e.Address = device.NormalizeAddress(e.Address)
		b.onReadCompleted(e)
	case platform.WriteCompleted:
		e.Address = device.NormalizeAddress(e.Address)
		b.onWriteCompleted(e)
	case platform.NotifyChanged:
		e.Address = device.NormalizeAddress(e.Address)
		b.onNotifyChanged(e)
	case platform.MTUChanged:
		e.Address = device.NormalizeAddress(e.Address)
		b.onMTUChanged(e)
	case platform.ValueChanged:
		e.Address = device.NormalizeAddress(e.Address)
		b.onValueChanged(e)
	default:
		b.logger.WithField("event", ev).Error("Unhandled platform event")
	}
}
