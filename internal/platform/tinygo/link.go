package tinygo

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/groutine"
	"github.com/srg/blehost/internal/platform"
)

// maxAttributeSize is the largest ATT attribute value.
const maxAttributeSize = 512

var deviceNameID = platform.CharacteristicID{Service: "1800", Characteristic: "2a00"}

type link struct {
	p       *Platform
	address string
	id      uint64
	jobs    chan func(ctx context.Context)

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	per       peripheral
	chars     map[platform.CharacteristicID]characteristic
	requested bool
	closeOnce sync.Once
}

func newLink(p *Platform, address string) *link {
	ctx, cancel := context.WithCancel(p.ctx)
	return &link{
		p:       p,
		address: address,
		id:      p.linkSeq.Add(1),
		jobs:    make(chan func(ctx context.Context), p.opts.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (l *link) start() {
	l.p.group.Go(l.ctx, "tinygo-link-"+l.address, func(ctx context.Context) {
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

type dialResult struct {
	per peripheral
	err error
}

// dial connects and discovers. Adapter.Connect cannot be cancelled, so it runs outside
// the group and a peripheral that arrives after the caller gave up is disconnected.
func (l *link) dial(ctx context.Context) {
	log := l.p.logger.WithField("address", l.address)
	log.Info("Connecting to BLE device...")

	results := make(chan dialResult)
	abandon := make(chan struct{})
	defer close(abandon)

	groutine.Go(context.Background(), "tinygo-dial-"+l.address, func(context.Context) {
		per, err := l.p.radio.Connect(l.address)
		select {
		case results <- dialResult{per: per, err: err}:
		case <-abandon:
			if per != nil {
				_ = per.Disconnect()
			}
		}
	})

	timer := time.NewTimer(l.p.opts.ConnectTimeout)
	defer timer.Stop()

	var res dialResult
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		l.fail(device.Newf(device.PlatformCallback, "connect to %s timed out after %s", l.address, l.p.opts.ConnectTimeout))
		return
	case res = <-results:
	}
	if res.err != nil {
		l.fail(res.err)
		return
	}

	chars, err := res.per.Discover()
	if err != nil {
		if derr := res.per.Disconnect(); derr != nil {
			log.WithError(derr).Warn("Failed to disconnect after service discovery failure")
		}
		l.fail(err)
		return
	}

	l.mu.Lock()
	if l.requested || ctx.Err() != nil {
		l.mu.Unlock()
		_ = res.per.Disconnect()
		return
	}
	l.per = res.per
	l.chars = chars
	l.mu.Unlock()

	name := l.resolveName(chars)
	log.WithFields(logrus.Fields{
		"characteristics": len(chars),
		"name":            name,
	}).Info("BLE device connected successfully")

	l.p.emit(platform.Connected{Address: l.address, Name: name, Link: l.id})
}

// resolveName reads the GAP Device Name. tinygo exposes no other name for a connected device.
func (l *link) resolveName(chars map[platform.CharacteristicID]characteristic) string {
	c, ok := chars[deviceNameID]
	if !ok {
		return ""
	}
	buf := make([]byte, maxAttributeSize)
	n, err := c.Read(buf)
	if err != nil {
		return ""
	}
	name := strings.TrimSpace(strings.TrimRight(string(buf[:n]), "\x00"))
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return ""
		}
	}
	return name
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

func (l *link) characteristic(id platform.CharacteristicID) (characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.per == nil {
		return nil, device.Newf(device.DeviceNotConnected, "no link to %s", l.address)
	}
	c, ok := l.chars[id]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{id.Service, id.Characteristic}}
	}
	return c, nil
}

// close tears the link down once. Only the loss of a link that was up reports
// Disconnected; a requested close is silent.
func (l *link) close(requested bool) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.requested = requested
		per := l.per
		l.per = nil
		l.mu.Unlock()

		l.p.dropLink(l)
		l.stop()

		if per == nil {
			return
		}
		if requested {
			l.p.group.Go(context.Background(), "tinygo-link-close", func(context.Context) {
				if err := per.Disconnect(); err != nil {
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
