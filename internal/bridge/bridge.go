// Package bridge is the single entry point the host talks to.
//
// Every operation validates its preconditions, registers a pending correlation on the
// device session and issues a non-blocking platform call. A precondition failure or
// a synchronous platform rejection is answered immediately with an error envelope;
// otherwise the answer is produced later, when the matching platform event arrives
// on the loop run by Run. Either way the host gets exactly one terminal envelope per
// request id.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/blehost/internal/csvlog"
	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/envelope"
	"github.com/srg/blehost/internal/groutine"
	"github.com/srg/blehost/internal/platform"
	"github.com/srg/blehost/internal/registry"
	"github.com/srg/blehost/internal/session"
)

// Sender delivers envelopes to the host.
type Sender interface {
	Send(env *envelope.Envelope) error
}

// Transfer unit limits accepted by SetTransferUnitSize.
const (
	MinTransferUnit = 23
	MaxTransferUnit = 517
)

// Options tune a Bridge. Zero fields take the defaults from the tags.
type Options struct {
	ScanDuration time.Duration `default:"10s"`
	CSVBasePath  string        `default:"./data"`
	// LogHeartRate appends decoded heart rate samples to the open CSV file.
	LogHeartRate bool
}

// Bridge is an explicit context object; create one per radio with New.
type Bridge struct {
	platform platform.Platform
	sender   Sender
	logger   *logrus.Logger
	registry *registry.Registry
	opts     Options

	// opMu serializes operations against event handling, so an acknowledgment is
	// always sent before the completion of the same request.
	opMu    sync.Mutex
	scan    *scanState
	scanGen uint64

	logMu  sync.Mutex
	csv    *csvlog.Logger
	trials *csvlog.Trials

	group     groutine.Group
	done      chan struct{}
	closeOnce sync.Once
}

// New wires a bridge to a platform and a host sender.
func New(p platform.Platform, sender Sender, logger *logrus.Logger, opts Options) *Bridge {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)

	return &Bridge{
		platform: p,
		sender:   sender,
		logger:   logger,
		registry: registry.New(logger),
		opts:     opts,
		csv:      csvlog.NewLogger(logger),
		done:     make(chan struct{}),
	}
}

// Registry exposes the device tables, read-only by convention.
func (b *Bridge) Registry() *registry.Registry {
	return b.registry
}

// Start runs the event loop in a background goroutine until ctx ends or Close is called.
func (b *Bridge) Start(ctx context.Context) {
	b.group.Go(ctx, "bridge-events", func(ctx context.Context) {
		if err := b.Run(ctx); err != nil && ctx.Err() == nil {
			b.logger.WithError(err).Error("Bridge event loop stopped")
		}
	})
}

// Run drains platform events until ctx is cancelled, the bridge is closed, or the
// platform closes its event channel.
func (b *Bridge) Run(ctx context.Context) error {
	events := b.platform.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		case ev, ok := <-events:
			if !ok {
				b.logger.Debug("Platform event channel closed")
				return nil
			}
			b.handleEvent(ev)
		}
	}
}

// idlePoll is how often WaitIdle re-checks the bridge.
const idlePoll = 20 * time.Millisecond

// Idle reports whether nothing is left that could still answer the host: no scan, no
// connect in flight, no pending correlation and no live subscription.
func (b *Bridge) Idle() bool {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	if b.scan != nil || b.registry.ConnectingCount() > 0 {
		return false
	}
	for _, s := range b.registry.Sessions() {
		if s.PendingCount() > 0 || s.SubscriptionCount() > 0 {
			return false
		}
	}
	return true
}

// WaitIdle blocks until Idle holds, ctx ends or the bridge is closed.
func (b *Bridge) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()

	for !b.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops the scan, cancels every outstanding request, disconnects every session
// and releases the platform. It is safe to call more than once.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)

		b.opMu.Lock()
		if b.scan != nil {
			b.finishScanLocked(b.scan.gen, device.Newf(device.Cancelled, "bridge closed"))
		}
		for address, requestID := range b.registry.PendingConnects() {
			b.emit(envelope.New(requestID, envelope.CmdConnect).
				WithDevice(address, "").
				MarkErr(device.Newf(device.Cancelled, "bridge closed")))
		}
		for _, s := range b.registry.Sessions() {
			if _, ok := b.registry.UnbindSession(s.Address()); !ok {
				continue
			}
			b.teardown(s, device.Newf(device.Cancelled, "bridge closed"))
			if derr := b.platform.Disconnect(s.Address()); derr != nil {
				b.logger.WithError(derr).WithField("address", s.Address()).Warn("Disconnect on close failed")
			}
		}
		b.opMu.Unlock()

		b.logMu.Lock()
		if cerr := b.csv.Close(); cerr != nil {
			b.logger.WithError(cerr).Warn("Failed to close CSV log")
		}
		b.logMu.Unlock()

		b.group.Wait()
		err = b.platform.Close()
	})
	return err
}

// emit is the only path to the host. It applies the dispatch boundary check.
func (b *Bridge) emit(env *envelope.Envelope) {
	env.PrepareForDispatch()

	entry := b.logger.WithFields(logrus.Fields{
		"request_id": env.RequestID,
		"command":    env.Command,
	})
	if env.HasError {
		entry = entry.WithField("error", env.ErrorText())
	}
	if err := b.sender.Send(env); err != nil {
		entry.WithError(err).Error("Failed to send envelope to host")
		return
	}
	entry.Debug("Envelope sent")
}

// fail marks env with err, sends it and hands err back to the caller.
func (b *Bridge) fail(env *envelope.Envelope, err error) error {
	b.emit(env.MarkErr(err))
	return err
}

// checkRequestID rejects requests that cannot be correlated.
func (b *Bridge) checkRequestID(requestID, command string) error {
	if requestID != "" {
		return nil
	}
	return b.fail(envelope.New(requestID, command), device.Newf(device.InvalidRequest, "request id is empty"))
}

// lookupSession applies the connection preconditions shared by every device operation.
func (b *Bridge) lookupSession(address string) (*session.Session, error) {
	if s, ok := b.registry.Session(address); ok {
		return s, nil
	}
	if _, ok := b.registry.LookupDiscovered(address); !ok {
		return nil, device.Newf(device.DeviceNotDiscovered, "device %s was never discovered", address)
	}
	return nil, device.Newf(device.DeviceNotConnected, "device %s is not connected", address)
}

// displayName picks the best known name of address.
func (b *Bridge) displayName(address string) string {
	if s, ok := b.registry.Session(address); ok && s.Name() != "" {
		return s.Name()
	}
	if d, ok := b.registry.LookupDiscovered(address); ok {
		return d.Name
	}
	return ""
}
