package bridge

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/envelope"
	"github.com/srg/blehost/internal/platform"
	"github.com/srg/blehost/internal/session"
)

// gattCall describes one correlated device operation.
type gattCall struct {
	requestID string
	command   string
	address   string
	char      *platform.CharacteristicID
	key       func(address string) session.Key
	issue     func(s *session.Session) error
	// ack, when set, is sent right after the platform accepts the call.
	ack map[string]any
}

// issue runs the shared precondition, registration and rollback sequence of a
// correlated operation. Requires opMu.
func (b *Bridge) issue(c gattCall) error {
	reply := envelope.New(c.requestID, c.command).WithDevice(c.address, b.displayName(c.address))
	if c.char != nil {
		reply.WithCharacteristic(c.char.Service, c.char.Characteristic)
	}

	s, err := b.lookupSession(c.address)
	if err != nil {
		return b.fail(reply, err)
	}

	key := c.key(s.Address())
	if err := s.BeginPending(key, c.requestID, c.command); err != nil {
		return b.fail(reply, err)
	}
	if err := c.issue(s); err != nil {
		s.AbortPending(key)
		return b.fail(reply, device.Wrap(device.OperationRejected, err, "%s", key.Kind))
	}

	if c.ack != nil {
		b.emit(reply.MustWithData(c.ack))
	}

	b.logger.WithFields(logrus.Fields{
		"request_id": c.requestID,
		"key":        key,
	}).Debug("Operation issued")
	return nil
}

// resolve clears the pending entry of key and builds the terminal envelope for it.
// ok is false when nobody was waiting. Requires opMu.
func (b *Bridge) resolve(key session.Key, cause error) (*envelope.Envelope, *session.Session, bool) {
	s, found := b.registry.Session(key.Address)
	if !found {
		b.logger.WithField("key", key).Warn("Completion for a device without a session")
		return nil, nil, false
	}
	req, err := s.ResolvePending(key)
	if err != nil {
		b.logger.WithError(err).Warn("Unexpected completion")
		return nil, nil, false
	}

	env := envelope.New(req.RequestID, req.Command).WithDevice(s.Address(), s.Name())
	if key.Kind != session.OpChangeTransferUnit {
		env.WithCharacteristic(key.Char.Service, key.Char.Characteristic)
	}
	if cause != nil {
		env.MarkErr(device.Wrap(device.PlatformCallback, cause, "%s failed", key.Kind))
	}
	return env, s, true
}

// charID validates and normalizes a service/characteristic pair, answering the
// request when it is malformed.
func (b *Bridge) charID(requestID, command, address, service, characteristic string) (platform.CharacteristicID, error) {
	c, err := platform.NewCharacteristicID(service, characteristic)
	if err != nil {
		return c, b.fail(envelope.New(requestID, command).
			WithDevice(address, b.displayName(address)).
			WithCharacteristic(service, characteristic), err)
	}
	return c, nil
}

// SetTransferUnitSize negotiates the ATT MTU. The request is acknowledged with
// status "accepted" and completed with status "completed" and the agreed size.
func (b *Bridge) SetTransferUnitSize(requestID, address string, size int) error {
	if err := b.checkRequestID(requestID, envelope.CmdRequestMTU); err != nil {
		return err
	}
	address = device.NormalizeAddress(address)

	b.opMu.Lock()
	defer b.opMu.Unlock()

	if size < MinTransferUnit || size > MaxTransferUnit {
		return b.fail(envelope.New(requestID, envelope.CmdRequestMTU).WithDevice(address, b.displayName(address)),
			device.Newf(device.InvalidRequest, "transfer unit %d outside %d..%d", size, MinTransferUnit, MaxTransferUnit))
	}

	return b.issue(gattCall{
		requestID: requestID,
		command:   envelope.CmdRequestMTU,
		address:   address,
		key:       session.TransferUnitKey,
		issue: func(s *session.Session) error {
			return b.platform.RequestMTU(s.Address(), size)
		},
		ack: map[string]any{"status": envelope.StatusAccepted, "mtu": size},
	})
}

func (b *Bridge) onMTUChanged(ev platform.MTUChanged) {
	env, s, ok := b.resolve(session.TransferUnitKey(ev.Address), ev.Err)
	if !ok {
		return
	}
	if ev.Err == nil {
		s.SetMTU(ev.MTU)
		env.MustWithData(map[string]any{"status": envelope.StatusCompleted, "mtu": ev.MTU})
	}
	b.emit(env)
}

// Read fetches a characteristic value. The value arrives as the payload of the
// readFromCharacteristic completion.
func (b *Bridge) Read(requestID, address, service, characteristic string) error {
	if err := b.checkRequestID(requestID, envelope.CmdRead); err != nil {
		return err
	}
	address = device.NormalizeAddress(address)

	b.opMu.Lock()
	defer b.opMu.Unlock()

	c, err := b.charID(requestID, envelope.CmdRead, address, service, characteristic)
	if err != nil {
		return err
	}
	return b.issue(gattCall{
		requestID: requestID,
		command:   envelope.CmdRead,
		address:   address,
		char:      &c,
		key:       func(a string) session.Key { return session.ReadKey(a, c) },
		issue: func(s *session.Session) error {
			return b.platform.Read(s.Address(), c)
		},
	})
}

func (b *Bridge) onReadCompleted(ev platform.ReadCompleted) {
	env, _, ok := b.resolve(session.ReadKey(ev.Address, ev.Char), ev.Err)
	if !ok {
		return
	}
	if ev.Err == nil {
		env.WithPayload(ev.Value)
	}
	b.emit(env)
}

// Write sends data to a characteristic and answers once the platform confirms it.
func (b *Bridge) Write(requestID, address, service, characteristic string, data []byte) error {
	if err := b.checkRequestID(requestID, envelope.CmdWrite); err != nil {
		return err
	}
	address = device.NormalizeAddress(address)

	b.opMu.Lock()
	defer b.opMu.Unlock()

	c, err := b.charID(requestID, envelope.CmdWrite, address, service, characteristic)
	if err != nil {
		return err
	}
	payload := append([]byte(nil), data...)
	return b.issue(gattCall{
		requestID: requestID,
		command:   envelope.CmdWrite,
		address:   address,
		char:      &c,
		key:       func(a string) session.Key { return session.WriteKey(a, c) },
		issue: func(s *session.Session) error {
			return b.platform.Write(s.Address(), c, payload)
		},
	})
}

func (b *Bridge) onWriteCompleted(ev platform.WriteCompleted) {
	env, _, ok := b.resolve(session.WriteKey(ev.Address, ev.Char), ev.Err)
	if !ok {
		return
	}
	b.emit(env)
}

// Subscribe enables notifications on a characteristic. Values then arrive as
// characteristicValueChanged pushes tagged with requestID until Unsubscribe or
// disconnect.
func (b *Bridge) Subscribe(requestID, address, service, characteristic string) error {
	return b.subscribe(requestID, envelope.CmdSubscribe, address, service, characteristic)
}

func (b *Bridge) subscribe(requestID, command, address, service, characteristic string) error {
	if err := b.checkRequestID(requestID, command); err != nil {
		return err
	}
	address = device.NormalizeAddress(address)

	b.opMu.Lock()
	defer b.opMu.Unlock()

	c, err := b.charID(requestID, command, address, service, characteristic)
	if err != nil {
		return err
	}
	return b.issue(gattCall{
		requestID: requestID,
		command:   command,
		address:   address,
		char:      &c,
		key:       func(a string) session.Key { return session.SubscribeKey(a, c) },
		issue: func(s *session.Session) error {
			return b.platform.SetNotify(s.Address(), c, true)
		},
		ack: map[string]any{"status": envelope.StatusAccepted},
	})
}

// Unsubscribe disables notifications on a characteristic.
func (b *Bridge) Unsubscribe(requestID, address, service, characteristic string) error {
	return b.unsubscribe(requestID, envelope.CmdUnsubscribe, address, service, characteristic)
}

func (b *Bridge) unsubscribe(requestID, command, address, service, characteristic string) error {
	if err := b.checkRequestID(requestID, command); err != nil {
		return err
	}
	address = device.NormalizeAddress(address)

	b.opMu.Lock()
	defer b.opMu.Unlock()

	c, err := b.charID(requestID, command, address, service, characteristic)
	if err != nil {
		return err
	}
	if command == envelope.CmdStopHeartRate {
		if sub, ok := b.subscriptionOf(address, c); !ok || sub.Command != envelope.CmdStartHeartRate {
			return b.fail(envelope.New(requestID, command).WithDevice(address, b.displayName(address)),
				device.Newf(device.InvalidRequest, "no heart rate stream on %s", address))
		}
	}
	return b.issue(gattCall{
		requestID: requestID,
		command:   command,
		address:   address,
		char:      &c,
		key:       func(a string) session.Key { return session.UnsubscribeKey(a, c) },
		issue: func(s *session.Session) error {
			return b.platform.SetNotify(s.Address(), c, false)
		},
		ack: map[string]any{"status": envelope.StatusAccepted},
	})
}

func (b *Bridge) subscriptionOf(address string, c platform.CharacteristicID) (session.Subscription, bool) {
	s, ok := b.registry.Session(address)
	if !ok {
		return session.Subscription{}, false
	}
	return s.Subscription(c)
}

func (b *Bridge) onNotifyChanged(ev platform.NotifyChanged) {
	if ev.Enabled {
		b.onSubscribed(ev)
		return
	}

	env, s, ok := b.resolve(session.UnsubscribeKey(ev.Address, ev.Char), ev.Err)
	if !ok {
		return
	}
	if ev.Err == nil {
		if sub, had := s.DetachSubscription(ev.Char); had && sub.Stream != nil {
			if f, isStream := sub.Stream.(interface{ Finish() }); isStream {
				f.Finish()
			}
		}
		env.MustWithData(map[string]any{"status": envelope.StatusCompleted})
	}
	b.emit(env)
}

func (b *Bridge) onSubscribed(ev platform.NotifyChanged) {
	key := session.SubscribeKey(ev.Address, ev.Char)
	s, found := b.registry.Session(ev.Address)
	if !found {
		b.logger.WithField("key", key).Warn("Completion for a device without a session")
		return
	}
	req, err := s.ResolvePending(key)
	if err != nil {
		b.logger.WithError(err).Warn("Unexpected completion")
		return
	}

	env := envelope.New(req.RequestID, req.Command).
		WithDevice(s.Address(), s.Name()).
		WithCharacteristic(ev.Char.Service, ev.Char.Characteristic)
	if ev.Err != nil {
		b.emit(env.MarkErr(device.Wrap(device.PlatformCallback, ev.Err, "%s failed", key.Kind)))
		return
	}

	sub := session.Subscription{RequestID: req.RequestID, Command: req.Command}
	if req.Command == envelope.CmdStartHeartRate {
		sub.Stream = b.newHeartRateStream(s, req.RequestID, ev.Char)
	}
	if err := s.AddSubscription(ev.Char, sub); err != nil {
		b.emit(env.MarkErr(err))
		return
	}
	b.emit(env.MustWithData(map[string]any{"status": envelope.StatusCompleted}))
}

func (b *Bridge) onValueChanged(ev platform.ValueChanged) {
	s, ok := b.registry.Session(ev.Address)
	if !ok {
		b.logger.WithField("address", ev.Address).Debug("Notification from an unbound device dropped")
		return
	}
	sub, ok := s.Subscription(ev.Char)
	if !ok {
		b.logger.WithFields(logrus.Fields{
			"address": ev.Address,
			"char":    ev.Char,
		}).Debug("Notification without a subscription dropped")
		return
	}

	if sub.Command == envelope.CmdStartHeartRate {
		b.onHeartRateValue(s, sub, ev)
		return
	}

	b.emit(envelope.New(sub.RequestID, envelope.CmdValueChanged).
		WithDevice(s.Address(), s.Name()).
		WithCharacteristic(ev.Char.Service, ev.Char.Characteristic).
		WithPayload(ev.Value))
}
