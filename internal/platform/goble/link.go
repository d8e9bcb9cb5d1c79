package goble

import (
	"context"
	"strings"
	"sync"
	"unicode"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/platform"
)

// GAP Device Name, read after discovery because it is more authoritative than the
// advertised local name.
const (
	gapServiceUUID = "1800"
	deviceNameChar = "2a00"
)

// link is one connection and its FIFO worker.
type link struct {
	p       *Platform
	address string
	id      uint64
	jobs    chan func(ctx context.Context)

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	client    ble.Client
	chars     map[platform.CharacteristicID]*ble.Characteristic
	requested bool
	closeOnce sync.Once
}

func newLink(p *Platform, address string, queue int) *link {
	ctx, cancel := context.WithCancel(p.ctx)
	return &link{
		p:       p,
		address: address,
		id:      p.linkSeq.Add(1),
		jobs:    make(chan func(ctx context.Context), queue),
		ctx:     ctx,
		cancel:  cancel,
		chars:   make(map[platform.CharacteristicID]*ble.Characteristic),
	}
}

func (l *link) start() {
	l.p.group.Go(l.ctx, "ble-link-"+l.address, func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-l.jobs:
				job(ctx)
			}
		}
	})
}

func (l *link) stop() {
	l.cancel()
}

// enqueue adds job to the worker queue without blocking.
func (l *link) enqueue(job func(ctx context.Context)) bool {
	if l.ctx.Err() != nil {
		return false
	}
	select {
	case l.jobs <- job:
		return true
	default:
		return false
	}
}

// dial connects, discovers the profile and reports Connected or ConnectFailed.
func (l *link) dial(ctx context.Context, dev ble.Device) {
	log := l.p.logger.WithField("address", l.address)
	log.Info("Connecting to BLE device...")

	dialCtx, cancel := context.WithTimeout(ctx, l.p.opts.ConnectTimeout)
	defer cancel()

	client, err := dev.Dial(dialCtx, ble.NewAddr(l.address))
	if err != nil {
		l.fail(NormalizeError(err))
		return
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cerr := client.CancelConnection(); cerr != nil {
			log.WithError(cerr).Warn("Failed to cancel connection after profile discovery failure")
		}
		l.fail(NormalizeError(err))
		return
	}

	l.mu.Lock()
	if l.requested || ctx.Err() != nil {
		l.mu.Unlock()
		_ = client.CancelConnection()
		return
	}
	l.client = client
	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			id := platform.CharacteristicID{
				Service:        device.NormalizeUUID(svc.UUID.String()),
				Characteristic: device.NormalizeUUID(c.UUID.String()),
			}
			l.chars[id] = c
		}
	}
	chars := len(l.chars)
	l.mu.Unlock()

	name := l.resolveName(client)
	log.WithFields(logrus.Fields{
		"services":        len(profile.Services),
		"characteristics": chars,
		"name":            name,
	}).Info("BLE device connected successfully")

	l.p.group.Go(l.p.ctx, "ble-link-monitor", func(ctx context.Context) {
		select {
		case <-client.Disconnected():
			l.close(false)
		case <-l.ctx.Done():
		}
	})

	l.p.emit(platform.Connected{Address: l.address, Name: name, Link: l.id})
}

// resolveName reads the GAP Device Name, returning client.Name() when unavailable.
func (l *link) resolveName(client ble.Client) string {
	name := strings.TrimSpace(client.Name())

	l.mu.Lock()
	c, ok := l.chars[platform.CharacteristicID{Service: gapServiceUUID, Characteristic: deviceNameChar}]
	l.mu.Unlock()
	if !ok {
		return name
	}

	data, err := client.ReadCharacteristic(c)
	if err != nil || len(data) == 0 {
		return name
	}
	gap := strings.TrimSpace(strings.TrimRight(string(data), "\x00"))
	if gap == "" || !isValidDeviceName(gap) {
		return name
	}
	l.p.logger.WithFields(logrus.Fields{
		"address": l.address,
		"name":    gap,
	}).Debug("Resolved device name from GAP")
	return gap
}

func isValidDeviceName(name string) bool {
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func (l *link) fail(err error) {
	l.p.dropLink(l)
	l.stop()

	l.mu.Lock()
	requested := l.requested
	l.mu.Unlock()
	if requested {
		return
	}
	l.p.emit(platform.ConnectFailed{Address: l.address, Err: err})
}

// characteristic returns the live client and handle of id.
func (l *link) characteristic(id platform.CharacteristicID) (ble.Client, *ble.Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.client == nil {
		return nil, nil, device.Newf(device.DeviceNotConnected, "no link to %s", l.address)
	}
	c, ok := l.chars[id]
	if !ok {
		return nil, nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{id.Service, id.Characteristic}}
	}
	return l.client, c, nil
}

func (l *link) connected() (ble.Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		return nil, device.Newf(device.DeviceNotConnected, "no link to %s", l.address)
	}
	return l.client, nil
}

// close tears the link down once. Only the loss of a link that was up reports
// Disconnected; a requested close is silent.
func (l *link) close(requested bool) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.requested = requested
		client := l.client
		l.client = nil
		l.mu.Unlock()

		l.p.dropLink(l)
		l.stop()

		if client == nil {
			return
		}
		if requested {
			l.p.group.Go(context.Background(), "ble-link-close", func(context.Context) {
				if err := client.CancelConnection(); err != nil {
					l.p.logger.WithError(err).WithField("address", l.address).Warn("BLE device disconnected with errors")
				}
			})
			return
		}
		l.p.logger.WithField("address", l.address).Warn("BLE link lost")
		l.p.emit(platform.Disconnected{
			Address: l.address,
			Link:    l.id,
			Err:     device.Newf(device.DeviceNotConnected, "link to %s lost", l.address),
		})
	})
}
