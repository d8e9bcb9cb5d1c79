package bridge

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/envelope"
	"github.com/srg/blehost/internal/heartrate"
	"github.com/srg/blehost/internal/platform"
	"github.com/srg/blehost/internal/session"
)

var heartRateChar = platform.CharacteristicID{
	Service:        heartrate.ServiceUUID,
	Characteristic: heartrate.MeasurementUUID,
}

// StartHeartRateStream subscribes to the Heart Rate Measurement characteristic and
// turns each notification into a decoded heartRateSample push.
func (b *Bridge) StartHeartRateStream(requestID, address string) error {
	return b.subscribe(requestID, envelope.CmdStartHeartRate, address, heartRateChar.Service, heartRateChar.Characteristic)
}

// StopHeartRateStream ends a stream started by StartHeartRateStream.
func (b *Bridge) StopHeartRateStream(requestID, address string) error {
	return b.unsubscribe(requestID, envelope.CmdStopHeartRate, address, heartRateChar.Service, heartRateChar.Characteristic)
}

// newHeartRateStream returns the disposable of a heart rate subscription. Cancelling
// it switches notifications off, unless the device is already gone.
func (b *Bridge) newHeartRateStream(s *session.Session, requestID string, c platform.CharacteristicID) *heartrate.Stream {
	address := s.Address()
	return heartrate.NewStream(requestID, address, func() {
		if bound, ok := b.registry.Session(address); !ok || bound != s {
			return
		}
		if err := b.platform.SetNotify(address, c, false); err != nil {
			b.logger.WithError(err).WithField("address", address).Warn("Failed to stop heart rate notifications")
		}
	})
}

func (b *Bridge) onHeartRateValue(s *session.Session, sub session.Subscription, ev platform.ValueChanged) {
	env := envelope.New(sub.RequestID, envelope.CmdHeartRateSample).
		WithDevice(s.Address(), s.Name()).
		WithCharacteristic(ev.Char.Service, ev.Char.Characteristic).
		WithPayload(ev.Value)

	m, err := heartrate.Parse(ev.Value)
	if err != nil {
		b.emit(env.MarkErr(device.Wrap(device.PlatformCallback, err, "heart rate stream stopped")))
		s.RemoveSubscription(ev.Char)
		return
	}

	fields := m.Fields()
	if stream, ok := sub.Stream.(*heartrate.Stream); ok {
		fields["sample"] = stream.Count()
	}
	b.emit(env.MustWithData(fields))
	b.recordHeartRate(s.Address(), m)

	b.logger.WithFields(logrus.Fields{
		"address": s.Address(),
		"bpm":     m.BPM,
	}).Trace("Heart rate sample")
}
