package bridge

import (
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/envelope"
	"github.com/srg/blehost/internal/platform"
)

type scanState struct {
	requestID string
	filter    platform.ScanFilter
	timer     *time.Timer
	gen       uint64
	sightings int
}

// Search scans for duration with no filter. A zero duration uses the configured default.
func (b *Bridge) Search(requestID string, duration time.Duration) error {
	return b.SearchFiltered(requestID, duration, platform.ScanFilter{})
}

// SearchFiltered scans for duration and reports every matching sighting as a
// discoveredDevice push tagged with requestID. When the timer fires the scan is
// stopped and a single searchStop envelope ends the request.
func (b *Bridge) SearchFiltered(requestID string, duration time.Duration, filter platform.ScanFilter) error {
	if err := b.checkRequestID(requestID, envelope.CmdSearchStop); err != nil {
		return err
	}

	b.opMu.Lock()
	defer b.opMu.Unlock()

	reply := envelope.New(requestID, envelope.CmdSearchStop)
	if b.scan != nil {
		return b.fail(reply, device.Newf(device.ScanInProgress, "scan %s is still running", b.scan.requestID))
	}
	if filter.ServiceUUID != "" {
		if _, err := device.ValidateUUID(filter.ServiceUUID); err != nil {
			return b.fail(reply, device.Wrap(device.InvalidRequest, err, "service filter"))
		}
	}
	if duration <= 0 {
		duration = b.opts.ScanDuration
	}

	b.registry.ResetDiscovered()
	if err := b.platform.StartScan(filter); err != nil {
		return b.fail(reply, device.Wrap(device.OperationRejected, err, "start scan"))
	}

	b.scanGen++
	gen := b.scanGen
	b.scan = &scanState{requestID: requestID, filter: filter, gen: gen}
	b.scan.timer = time.AfterFunc(duration, func() {
		b.opMu.Lock()
		defer b.opMu.Unlock()
		b.finishScanLocked(gen, nil)
	})

	b.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"duration":   duration,
		"filter":     filter,
	}).Info("Scan started")
	return nil
}

// finishScanLocked ends scan gen, if it is still the current one, and emits its
// searchStop. cause, when set, turns searchStop into an error. Requires opMu.
func (b *Bridge) finishScanLocked(gen uint64, cause error) {
	st := b.scan
	if st == nil || st.gen != gen {
		return
	}
	b.scan = nil
	st.timer.Stop()

	if err := b.platform.StopScan(); err != nil {
		b.logger.WithError(err).Warn("Failed to stop scan")
	}

	env := envelope.New(st.requestID, envelope.CmdSearchStop).
		MustWithData(map[string]any{"deviceCount": len(b.registry.Discovered())})
	if cause != nil {
		env.MarkErr(cause)
	}
	b.emit(env)

	b.logger.WithFields(logrus.Fields{
		"request_id": st.requestID,
		"sightings":  st.sightings,
	}).Info("Scan stopped")
}

// Scanning reports whether a scan session is running.
func (b *Bridge) Scanning() bool {
	b.opMu.Lock()
	defer b.opMu.Unlock()
	return b.scan != nil
}

func (b *Bridge) onSighting(ev platform.Sighting) {
	st := b.scan
	if st == nil {
		b.logger.WithField("address", ev.Address).Trace("Sighting outside a scan session dropped")
		return
	}
	if !st.filter.Match(ev) {
		return
	}
	st.sightings++

	d, isNew := b.registry.RecordSighting(ev.Address, ev.Name, ev.RSSI)
	env, err := envelope.New(st.requestID, envelope.CmdDiscoveredDevice).
		WithDevice(d.Address, d.Name).
		WithData(map[string]any{"rssi": d.RSSI, "new": isNew})
	if err != nil {
		b.logger.WithError(err).Error("Failed to build sighting envelope")
		return
	}
	b.emit(env)
}

func (b *Bridge) onScanFailed(ev platform.ScanFailed) {
	if b.scan == nil {
		b.logger.WithError(ev.Err).Warn("Scan failure reported with no scan running")
		return
	}
	b.finishScanLocked(b.scan.gen, device.Wrap(device.PlatformCallback, ev.Err, "scan failed"))
}

// GetSignalStrength answers with the last RSSI seen for address in the current scan
// session. The value is in structuredData.rssi and, as decimal text, in the payload.
func (b *Bridge) GetSignalStrength(requestID, address string) error {
	if err := b.checkRequestID(requestID, envelope.CmdGetRSSI); err != nil {
		return err
	}
	address = device.NormalizeAddress(address)

	b.opMu.Lock()
	defer b.opMu.Unlock()

	reply := envelope.New(requestID, envelope.CmdGetRSSI)
	d, ok := b.registry.LookupDiscovered(address)
	if !ok {
		return b.fail(reply, device.Newf(device.DeviceNotDiscovered, "device %s was never discovered", address))
	}

	b.emit(reply.
		WithDevice(d.Address, d.Name).
		WithPayload([]byte(strconv.Itoa(d.RSSI))).
		MustWithData(map[string]any{"rssi": d.RSSI}))
	return nil
}

// Discovered returns the devices seen by the current scan session, in discovery order.
func (b *Bridge) Discovered() []device.DiscoveredDevice {
	return b.registry.Discovered()
}
