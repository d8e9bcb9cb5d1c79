package tinygo

import (
	"tinygo.org/x/bluetooth"

	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/platform"
)

// radio is the slice of tinygo.org/x/bluetooth the backend drives.
type radio interface {
	Enable() error
	// Scan blocks until StopScan. A non-empty service keeps only advertisements that carry it.
	Scan(service string, found func(platform.Sighting)) error
	StopScan() error
	Connect(address string) (peripheral, error)
	OnDisconnect(fn func(address string))
}

type peripheral interface {
	Discover() (map[platform.CharacteristicID]characteristic, error)
	Disconnect() error
}

// characteristic is one discovered GATT characteristic. On BlueZ, Write is a write
// without response and completes once the value is queued.
type characteristic interface {
	Read(data []byte) (int, error)
	Write(p []byte) (int, error)
	EnableNotifications(callback func(buf []byte)) error
}

// adapterRadio drives a real host adapter.
type adapterRadio struct {
	adapter *bluetooth.Adapter
}

var (
	_ radio          = adapterRadio{}
	_ peripheral     = (*tinyPeripheral)(nil)
	_ characteristic = tinyCharacteristic{}
)

func (r adapterRadio) Enable() error {
	return r.adapter.Enable()
}

func (r adapterRadio) Scan(service string, found func(platform.Sighting)) error {
	var want bluetooth.UUID
	if service != "" {
		full, err := device.ExpandUUID(service)
		if err != nil {
			return device.Wrap(device.InvalidRequest, err, "service filter")
		}
		if want, err = bluetooth.ParseUUID(full); err != nil {
			return device.Wrap(device.InvalidRequest, err, "service filter")
		}
	}

	return r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if service != "" && !result.HasServiceUUID(want) {
			return
		}
		found(platform.Sighting{
			Address: result.Address.String(),
			Name:    result.LocalName(),
			RSSI:    int(result.RSSI),
		})
	})
}

func (r adapterRadio) StopScan() error {
	return r.adapter.StopScan()
}

func (r adapterRadio) Connect(address string) (peripheral, error) {
	var addr bluetooth.Address
	addr.Set(address)

	dev, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	return &tinyPeripheral{dev: dev}, nil
}

func (r adapterRadio) OnDisconnect(fn func(address string)) {
	r.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		if !connected {
			fn(d.Address.String())
		}
	})
}

type tinyPeripheral struct {
	dev bluetooth.Device
}

func (p *tinyPeripheral) Discover() (map[platform.CharacteristicID]characteristic, error) {
	services, err := p.dev.DiscoverServices(nil)
	if err != nil {
		return nil, err
	}

	chars := make(map[platform.CharacteristicID]characteristic)
	for i := range services {
		svc := &services[i]
		found, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, err
		}
		for j := range found {
			c := &found[j]
			id := platform.CharacteristicID{
				Service:        device.NormalizeUUID(svc.UUID().String()),
				Characteristic: device.NormalizeUUID(c.UUID().String()),
			}
			chars[id] = tinyCharacteristic{c: c}
		}
	}
	return chars, nil
}

func (p *tinyPeripheral) Disconnect() error {
	return p.dev.Disconnect()
}

type tinyCharacteristic struct {
	c *bluetooth.DeviceCharacteristic
}

func (t tinyCharacteristic) Read(data []byte) (int, error) {
	return t.c.Read(data)
}

func (t tinyCharacteristic) Write(p []byte) (int, error) {
	return writeValue(t.c, p)
}

func (t tinyCharacteristic) EnableNotifications(callback func(buf []byte)) error {
	return t.c.EnableNotifications(callback)
}
