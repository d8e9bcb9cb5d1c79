// Package tinygo runs the bridge on tinygo.org/x/bluetooth: BlueZ over D-Bus on Linux,
// CoreBluetooth on macOS and WinRT on Windows.
//
// Like the goble backend, every connection owns a FIFO worker. tinygo does not expose
// ATT MTU exchange, so RequestMTU is rejected as unsupported. On Linux the library
// only offers writes without response, so Write completes once the value is queued.
package tinygo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

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

// Platform implements platform.Platform over a tinygo adapter.
type Platform struct {
	logger *logrus.Logger
	opts   Options
	radio  radio

	ctx    context.Context
	cancel context.CancelFunc
	group  groutine.Group

	emitMu sync.RWMutex
	closed bool
	events chan platform.Event

	mu      sync.Mutex
	enabled bool
	scan    *scanRun
	links   map[string]*link

	linkSeq atomic.Uint64
}

type scanRun struct {
	stopped bool
}

var _ platform.Platform = (*Platform)(nil)

// New creates a backend on bluetooth.DefaultAdapter. The adapter is enabled on first use.
func New(logger *logrus.Logger, opts Options) *Platform {
	return newPlatform(logger, opts, adapterRadio{adapter: bluetooth.DefaultAdapter})
}

func newPlatform(logger *logrus.Logger, opts Options, r radio) *Platform {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)

	ctx, cancel := context.WithCancel(context.Background())
	return &Platform{
		logger: logger,
		opts:   opts,
		radio:  r,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan platform.Event, opts.EventBuffer),
		links:  make(map[string]*link),
	}
}

func (p *Platform) Events() <-chan platform.Event {
	return p.events
}

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

// enable powers the adapter up once. Requires p.mu.
func (p *Platform) enable() error {
	if p.enabled {
		return nil
	}
	if err := p.radio.Enable(); err != nil {
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	}
	p.radio.OnDisconnect(p.onLinkLost)
	p.enabled = true
	return nil
}

func (p *Platform) StartScan(filter platform.ScanFilter) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.scan != nil {
		return device.Newf(device.ScanInProgress, "scan already running")
	}
	if err := p.enable(); err != nil {
		return err
	}

	run := &scanRun{}
	p.scan = run

	p.group.Go(p.ctx, "tinygo-scan", func(context.Context) {
		dropped := 0
		err := p.radio.Scan(filter.ServiceUUID, func(s platform.Sighting) {
			if !p.offer(s) {
				dropped++
			}
		})

		p.mu.Lock()
		stopped := run.stopped
		if p.scan == run {
			p.scan = nil
		}
		p.mu.Unlock()

		if dropped > 0 {
			p.logger.WithField("dropped", dropped).Debug("Advertisements dropped while the event buffer was full")
		}
		if err != nil && !stopped {
			p.emit(platform.ScanFailed{Err: err})
		}
	})

	p.logger.WithField("filter", filter).Debug("tinygo scan started")
	return nil
}

func (p *Platform) StopScan() error {
	p.mu.Lock()
	run := p.scan
	p.scan = nil
	if run != nil {
		run.stopped = true
	}
	p.mu.Unlock()

	if run == nil {
		return nil
	}
	return p.radio.StopScan()
}

func (p *Platform) Connect(address string, hint platform.TransportHint) error {
	address = device.NormalizeAddress(address)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.links[address]; ok {
		return device.Newf(device.AlreadyConnected, "link to %s already open", address)
	}
	if err := p.enable(); err != nil {
		return err
	}
	if hint == platform.TransportBREDR {
		p.logger.WithField("address", address).Warn("BR/EDR transport requested; tinygo only speaks LE")
	}

	l := newLink(p, address)
	p.links[address] = l
	l.start()
	if !l.enqueue(l.dial) {
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

// onLinkLost is the adapter connect handler for connected=false.
func (p *Platform) onLinkLost(address string) {
	address = device.NormalizeAddress(address)

	p.mu.Lock()
	l, ok := p.links[address]
	p.mu.Unlock()
	if !ok {
		return
	}
	l.close(false)
}

func (p *Platform) dropLink(l *link) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.links[l.address]; ok && cur == l {
		delete(p.links, l.address)
	}
}

func (p *Platform) lookup(address string) (*link, error) {
	address = device.NormalizeAddress(address)

	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.links[address]
	if !ok {
		return nil, device.Newf(device.DeviceNotConnected, "no link to %s", address)
	}
	return l, nil
}

func (p *Platform) submit(address string, job func(ctx context.Context, l *link)) error {
	l, err := p.lookup(address)
	if err != nil {
		return err
	}
	if !l.enqueue(func(ctx context.Context) { job(ctx, l) }) {
		return device.Newf(device.OperationRejected, "operation queue of %s is full", l.address)
	}
	return nil
}

func (p *Platform) RequestMTU(address string, size int) error {
	if _, err := p.lookup(address); err != nil {
		return err
	}
	return fmt.Errorf("%w: MTU exchange to %d is not exposed by tinygo.org/x/bluetooth", device.ErrUnsupported, size)
}

func (p *Platform) Read(address string, char platform.CharacteristicID) error {
	return p.submit(address, func(_ context.Context, l *link) {
		c, err := l.characteristic(char)
		if err != nil {
			p.emit(platform.ReadCompleted{Address: l.address, Char: char, Err: err})
			return
		}
		buf := make([]byte, maxAttributeSize)
		n, err := c.Read(buf)
		if err != nil {
			p.emit(platform.ReadCompleted{Address: l.address, Char: char, Err: err})
			return
		}
		p.emit(platform.ReadCompleted{Address: l.address, Char: char, Value: buf[:n]})
	})
}

func (p *Platform) Write(address string, char platform.CharacteristicID, data []byte) error {
	payload := append([]byte(nil), data...)
	return p.submit(address, func(_ context.Context, l *link) {
		c, err := l.characteristic(char)
		if err == nil {
			_, err = c.Write(payload)
		}
		p.emit(platform.WriteCompleted{Address: l.address, Char: char, Err: err})
	})
}

func (p *Platform) SetNotify(address string, char platform.CharacteristicID, enable bool) error {
	return p.submit(address, func(_ context.Context, l *link) {
		c, err := l.characteristic(char)
		if err == nil {
			if enable {
				err = c.EnableNotifications(func(buf []byte) {
					p.emit(platform.ValueChanged{
						Address: l.address,
						Char:    char,
						Value:   append([]byte(nil), buf...),
					})
				})
			} else {
				err = c.EnableNotifications(nil)
			}
		}
		p.emit(platform.NotifyChanged{Address: l.address, Char: char, Enabled: enable, Err: err})
	})
}

// Close stops scanning, drops every link and ends the event stream.
func (p *Platform) Close() error {
	p.mu.Lock()
	run := p.scan
	p.scan = nil
	if run != nil {
		run.stopped = true
	}
	links := make([]*link, 0, len(p.links))
	for _, l := range p.links {
		links = append(links, l)
	}
	p.links = make(map[string]*link)
	p.mu.Unlock()

	var err error
	if run != nil {
		err = p.radio.StopScan()
	}
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
	return err
}
