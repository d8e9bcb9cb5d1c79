// Package goble runs the bridge on github.com/go-ble/ble: CoreBluetooth on macOS,
// raw HCI sockets on Linux.
//
// Each connection owns a FIFO worker; GATT calls are queued on it and return at once,
// and their results come back as platform events. A full queue rejects the call.
package goble

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/groutine"
	"github.com/srg/blehost/internal/platform"
)

// Options tune the backend.
type Options struct {
	ConnectTimeout time.Duration `default:"30s"`
	EventBuffer    int           `default:"256"`
	QueueSize      int           `default:"32"`
}

// Platform implements platform.Platform over a go-ble device.
type Platform struct {
	logger *logrus.Logger
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	group  groutine.Group

	emitMu sync.RWMutex
	closed bool
	events chan platform.Event

	mu    sync.Mutex
	dev   ble.Device
	scan  *scanRun
	links map[string]*link

	linkSeq atomic.Uint64
}

type scanRun struct {
	cancel context.CancelFunc
}

var _ platform.Platform = (*Platform)(nil)

// New creates the backend. The host device is opened on first use.
func New(logger *logrus.Logger, opts Options) *Platform {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)

	ctx, cancel := context.WithCancel(context.Background())
	return &Platform{
		logger: logger,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan platform.Event, opts.EventBuffer),
		links:  make(map[string]*link),
	}
}

func (p *Platform) Events() <-chan platform.Event {
	return p.events
}

// emit delivers ev, waiting for room unless the backend is closing.
func (p *Platform) emit(ev platform.Event) {
	p.emitMu.RLock()
	defer p.emitMu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	case <-p.ctx.Done():
	}
}

// offer delivers ev only if there is room. Used for advertisements, which repeat.
func (p *Platform) offer(ev platform.Event) bool {
	p.emitMu.RLock()
	defer p.emitMu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.events <- ev:
		return true
	default:
		return false
	}
}

// device returns the host device, creating it on first use. Requires p.mu.
func (p *Platform) device() (ble.Device, error) {
	if p.dev != nil {
		return p.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	p.dev = dev
	return dev, nil
}

func (p *Platform) StartScan(filter platform.ScanFilter) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.scan != nil {
		return device.Newf(device.ScanInProgress, "scan already running")
	}
	dev, err := p.device()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(p.ctx)
	run := &scanRun{cancel: cancel}
	p.scan = run

	p.group.Go(ctx, "ble-scan", func(ctx context.Context) {
		dropped := 0
		err := dev.Scan(ctx, true, func(adv ble.Advertisement) {
			if !p.offer(sightingOf(adv)) {
				dropped++
			}
		})
		stopped := ctx.Err() != nil

		p.mu.Lock()
		if p.scan == run {
			p.scan = nil
		}
		p.mu.Unlock()
		run.cancel()

		if dropped > 0 {
			p.logger.WithField("dropped", dropped).Debug("Advertisements dropped while the event buffer was full")
		}
		if err != nil && !stopped {
			p.emit(platform.ScanFailed{Err: NormalizeError(err)})
		}
	})

	p.logger.WithField("filter", filter).Debug("go-ble scan started")
	return nil
}

func (p *Platform) StopScan() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scan == nil {
		return nil
	}
	p.scan.cancel()
	p.scan = nil
	return nil
}

// sightingOf converts an advertisement; service UUIDs are normalized so SIG base
// 128-bit forms match their 16-bit filters.
func sightingOf(adv ble.Advertisement) platform.Sighting {
	services := make([]string, 0, len(adv.Services()))
	for _, u := range adv.Services() {
		services = append(services, u.String())
	}
	return platform.Sighting{
		Address:  adv.Addr().String(),
		Name:     adv.LocalName(),
		RSSI:     adv.RSSI(),
		Services: device.NormalizeUUIDs(services),
	}
}

func (p *Platform) Connect(address string, hint platform.TransportHint) error {
	address = device.NormalizeAddress(address)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.links[address]; ok {
		return device.Newf(device.AlreadyConnected, "link to %s already open", address)
	}
	dev, err := p.device()
	if err != nil {
		return err
	}
	if hint == platform.TransportBREDR {
		p.logger.WithField("address", address).Warn("BR/EDR transport requested; go-ble only speaks LE")
	}

	l := newLink(p, address, p.opts.QueueSize)
	p.links[address] = l
	l.start()
	if !l.enqueue(func(ctx context.Context) { l.dial(ctx, dev) }) {
		delete(p.links, address)
		l.stop()
		return device.Newf(device.OperationRejected, "connect queue of %s is full", address)
	}
	return nil
}

func (p *Platform) Disconnect(address string) error {
	address = device.NormalizeAddress(address)

	p.mu.Lock()
	l, ok := p.links[address]
	delete(p.links, address)
	p.mu.Unlock()

	if !ok {
		return device.Newf(device.DeviceNotConnected, "no link to %s", address)
	}
	l.close(true)
	return nil
}

// dropLink forgets l if it is still the current link of its address.
func (p *Platform) dropLink(l *link) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.links[l.address]; ok && cur == l {
		delete(p.links, l.address)
	}
}

// submit queues job on the link of address.
func (p *Platform) submit(address string, job func(ctx context.Context, l *link)) error {
	address = device.NormalizeAddress(address)

	p.mu.Lock()
	l, ok := p.links[address]
	p.mu.Unlock()
	if !ok {
		return device.Newf(device.DeviceNotConnected, "no link to %s", address)
	}
	if !l.enqueue(func(ctx context.Context) { job(ctx, l) }) {
		return device.Newf(device.OperationRejected, "operation queue of %s is full", address)
	}
	return nil
}

func (p *Platform) RequestMTU(address string, size int) error {
	return p.submit(address, func(_ context.Context, l *link) {
		client, err := l.connected()
		if err != nil {
			p.emit(platform.MTUChanged{Address: l.address, Err: err})
			return
		}
		mtu, err := client.ExchangeMTU(size)
		p.emit(platform.MTUChanged{Address: l.address, MTU: mtu, Err: NormalizeError(err)})
	})
}

func (p *Platform) Read(address string, char platform.CharacteristicID) error {
	return p.submit(address, func(_ context.Context, l *link) {
		client, c, err := l.characteristic(char)
		if err != nil {
			p.emit(platform.ReadCompleted{Address: l.address, Char: char, Err: err})
			return
		}
		value, err := client.ReadCharacteristic(c)
		p.emit(platform.ReadCompleted{Address: l.address, Char: char, Value: value, Err: NormalizeError(err)})
	})
}

func (p *Platform) Write(address string, char platform.CharacteristicID, data []byte) error {
	payload := append([]byte(nil), data...)
	return p.submit(address, func(_ context.Context, l *link) {
		client, c, err := l.characteristic(char)
		if err == nil {
			noRsp := c.Property&ble.CharWrite == 0 && c.Property&ble.CharWriteNR != 0
			err = NormalizeError(client.WriteCharacteristic(c, payload, noRsp))
		}
		p.emit(platform.WriteCompleted{Address: l.address, Char: char, Err: err})
	})
}

func (p *Platform) SetNotify(address string, char platform.CharacteristicID, enable bool) error {
	return p.submit(address, func(_ context.Context, l *link) {
		client, c, err := l.characteristic(char)
		if err == nil {
			ind := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0
			if enable {
				err = client.Subscribe(c, ind, func(value []byte) {
					p.emit(platform.ValueChanged{
						Address: l.address,
						Char:    char,
						Value:   append([]byte(nil), value...),
					})
				})
			} else {
				err = client.Unsubscribe(c, ind)
			}
			err = NormalizeError(err)
		}
		p.emit(platform.NotifyChanged{Address: l.address, Char: char, Enabled: enable, Err: err})
	})
}

// Close stops scanning, drops every link and ends the event stream.
func (p *Platform) Close() error {
	p.mu.Lock()
	if p.scan != nil {
		p.scan.cancel()
		p.scan = nil
	}
	links := make([]*link, 0, len(p.links))
	for _, l := range p.links {
		links = append(links, l)
	}
	p.links = make(map[string]*link)
	dev := p.dev
	p.mu.Unlock()

	p.cancel()
	for _, l := range links {
		l.close(true)
	}
	p.group.Wait()

	p.emitMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	p.emitMu.Unlock()

	if dev != nil {
		return NormalizeError(dev.Stop())
	}
	return nil
}
