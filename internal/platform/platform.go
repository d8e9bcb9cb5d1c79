// Package platform describes the radio seen by the bridge.
//
// Every Platform call returns synchronously: nil means the request was accepted and a
// completion event will follow on Events(). Disconnect and StopScan are the
// exceptions: they are complete when they return. Backends live in sub-packages.
package platform

import (
	"fmt"
	"strings"

	"github.com/srg/blehost/internal/device"
)

// Platform is the BLE stack behind the bridge.
type Platform interface {
	StartScan(filter ScanFilter) error
	StopScan() error
	Connect(address string, hint TransportHint) error
	Disconnect(address string) error
	RequestMTU(address string, size int) error
	Read(address string, char CharacteristicID) error
	Write(address string, char CharacteristicID, data []byte) error
	SetNotify(address string, char CharacteristicID, enable bool) error
	Events() <-chan Event
	Close() error
}

// TransportHint selects the link type for Connect. Values mirror the Android
// BluetoothDevice.TRANSPORT_* constants; backends treat them as advisory.
type TransportHint int

const (
	TransportAuto  TransportHint = 0
	TransportBREDR TransportHint = 1
	TransportLE    TransportHint = 2
)

func (h TransportHint) String() string {
	switch h {
	case TransportAuto:
		return "auto"
	case TransportBREDR:
		return "bredr"
	case TransportLE:
		return "le"
	default:
		return fmt.Sprintf("transport(%d)", int(h))
	}
}

// ParseTransportHint validates a host-supplied transport value.
func ParseTransportHint(v int) (TransportHint, error) {
	h := TransportHint(v)
	switch h {
	case TransportAuto, TransportBREDR, TransportLE:
		return h, nil
	}
	return TransportAuto, device.Newf(device.InvalidRequest, "unknown transport %d", v)
}

// CharacteristicID addresses a characteristic within a service. Both parts are
// kept in normalized form (see device.NormalizeUUID).
type CharacteristicID struct {
	Service        string
	Characteristic string
}

// NewCharacteristicID validates and normalizes a service/characteristic pair.
func NewCharacteristicID(service, characteristic string) (CharacteristicID, error) {
	uuids, err := device.ValidateUUID(service, characteristic)
	if err != nil {
		return CharacteristicID{}, device.Wrap(device.InvalidRequest, err, "service %q characteristic %q", service, characteristic)
	}
	return CharacteristicID{Service: uuids[0], Characteristic: uuids[1]}, nil
}

func (c CharacteristicID) String() string {
	return c.Service + "/" + c.Characteristic
}

// ScanFilter narrows sightings reported during a scan. Empty fields match everything.
type ScanFilter struct {
	Address     string
	Name        string
	ServiceUUID string
}

// IsZero reports whether the filter matches every sighting.
func (f ScanFilter) IsZero() bool {
	return f.Address == "" && f.Name == "" && f.ServiceUUID == ""
}

// Match applies the filter to a sighting. Address compares case-insensitively and
// name must match exactly. The service check runs only when the backend reported
// the advertised services (Services != nil); backends that filter natively leave it nil.
func (f ScanFilter) Match(s Sighting) bool {
	if f.Address != "" && !strings.EqualFold(f.Address, s.Address) {
		return false
	}
	if f.Name != "" && f.Name != s.Name {
		return false
	}
	if f.ServiceUUID != "" && s.Services != nil {
		want := device.NormalizeUUID(f.ServiceUUID)
		for _, svc := range s.Services {
			if device.NormalizeUUID(svc) == want {
				return true
			}
		}
		return false
	}
	return true
}
