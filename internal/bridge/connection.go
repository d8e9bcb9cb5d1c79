package bridge

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/envelope"
	"github.com/srg/blehost/internal/platform"
	"github.com/srg/blehost/internal/session"
)

// Connect opens a link to a device seen by the current scan session. The request is
// answered by a connectToDevice envelope once the platform reports the outcome.
func (b *Bridge) Connect(requestID, address string, hint platform.TransportHint) error {
	if err := b.checkRequestID(requestID, envelope.CmdConnect); err != nil {
		return err
	}
	address = device.NormalizeAddress(address)

	b.opMu.Lock()
	defer b.opMu.Unlock()

	reply := envelope.New(requestID, envelope.CmdConnect).WithDevice(address, b.displayName(address))
	if _, ok := b.registry.Session(address); ok {
		return b.fail(reply, device.Newf(device.AlreadyConnected, "device %s is already connected", address))
	}
	if _, ok := b.registry.LookupDiscovered(address); !ok {
		return b.fail(reply, device.Newf(device.DeviceNotDiscovered, "device %s was never discovered", address))
	}
	if err := b.registry.BeginConnect(address, requestID); err != nil {
		return b.fail(reply, err)
	}
	if err := b.platform.Connect(address, hint); err != nil {
		b.registry.AbortConnect(address)
		return b.fail(reply, device.Wrap(device.OperationRejected, err, "connect to %s", address))
	}

	b.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"address":    address,
		"transport":  hint,
	}).Info("Connecting")
	return nil
}

func (b *Bridge) onConnected(ev platform.Connected) {
	requestID, err := b.registry.ResolveConnect(ev.Address)
	if err != nil {
		b.logger.WithError(err).WithField("address", ev.Address).Warn("Unexpected connect completion")
		return
	}

	name := ev.Name
	if name == "" {
		name = b.displayName(ev.Address)
	}
	s := session.New(ev.Address, name, requestID, ev.Link)
	reply := envelope.New(requestID, envelope.CmdConnect).WithDevice(ev.Address, name)

	if err := b.registry.BindSession(s); err != nil {
		b.emit(reply.MarkErr(err))
		return
	}
	b.emit(reply)

	b.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"address":    ev.Address,
		"name":       name,
	}).Info("Connected")
}

func (b *Bridge) onConnectFailed(ev platform.ConnectFailed) {
	requestID, err := b.registry.ResolveConnect(ev.Address)
	if err != nil {
		b.logger.WithError(err).WithField("address", ev.Address).Warn("Unexpected connect failure")
		return
	}
	b.emit(envelope.New(requestID, envelope.CmdConnect).
		WithDevice(ev.Address, b.displayName(ev.Address)).
		MarkErr(device.Wrap(device.PlatformCallback, ev.Err, "connect to %s failed", ev.Address)))
}

// Disconnect closes the link to address. Every request still pending on the device
// is answered with a Cancelled error before the disconnect succeeds.
func (b *Bridge) Disconnect(requestID, address string) error {
	if err := b.checkRequestID(requestID, envelope.CmdDisconnected); err != nil {
		return err
	}
	address = device.NormalizeAddress(address)

	b.opMu.Lock()
	defer b.opMu.Unlock()

	reply := envelope.New(requestID, envelope.CmdDisconnected).WithDevice(address, b.displayName(address))

	if _, ok := b.registry.Session(address); !ok {
		if connectID, err := b.registry.ResolveConnect(address); err == nil {
			b.emit(envelope.New(connectID, envelope.CmdConnect).
				WithDevice(address, b.displayName(address)).
				MarkErr(device.Newf(device.Cancelled, "connect cancelled by disconnect")))
			if err := b.platform.Disconnect(address); err != nil {
				b.logger.WithError(err).WithField("address", address).Warn("Failed to abort connect")
			}
			b.emit(reply)
			return nil
		}
		_, err := b.lookupSession(address)
		return b.fail(reply, err)
	}

	if err := b.platform.Disconnect(address); err != nil {
		return b.fail(reply, device.Wrap(device.OperationRejected, err, "disconnect from %s", address))
	}

	if s, ok := b.registry.UnbindSession(address); ok {
		b.teardown(s, device.Newf(device.Cancelled, "device %s disconnected", address))
	}
	b.emit(reply)

	b.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"address":    address,
	}).Info("Disconnected")
	return nil
}

// onDisconnected handles a link loss the host did not ask for. Losses of a link that
// is no longer bound, including any that raced a Disconnect, are ignored.
func (b *Bridge) onDisconnected(ev platform.Disconnected) {
	s, ok := b.registry.UnbindLink(ev.Address, ev.Link)
	if !ok {
		b.logger.WithFields(logrus.Fields{
			"address": ev.Address,
			"link":    ev.Link,
		}).Debug("Disconnect of a stale link ignored")
		return
	}

	cause := device.Newf(device.Cancelled, "device %s disconnected", ev.Address)
	if ev.Err != nil {
		cause = device.Wrap(device.Cancelled, ev.Err, "device %s disconnected", ev.Address)
	}
	b.teardown(s, cause)

	env := envelope.New(s.ConnectRequestID(), envelope.CmdDisconnected).WithDevice(s.Address(), s.Name())
	if ev.Err != nil {
		env.MarkErr(device.Wrap(device.PlatformCallback, ev.Err, "link to %s lost", ev.Address))
	}
	b.emit(env)

	b.logger.WithFields(logrus.Fields{
		"address": ev.Address,
		"error":   ev.Err,
	}).Warn("Device disconnected")
}

// teardown drains every pending correlation of s, answering each with cause, and
// cancels its streams. s must already be unbound.
func (b *Bridge) teardown(s *session.Session, cause error) {
	for _, d := range s.ClearAll() {
		env := envelope.New(d.Request.RequestID, d.Request.Command).WithDevice(s.Address(), s.Name())
		if d.Key.Kind != session.OpChangeTransferUnit {
			env.WithCharacteristic(d.Key.Char.Service, d.Key.Char.Characteristic)
		}
		b.emit(env.MarkErr(cause))
	}
}
