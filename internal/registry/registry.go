// Package registry owns the two device tables of the bridge: devices discovered by
// the current scan, and sessions for devices that are connected.
package registry

import (
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/session"
)

// Registry is safe for concurrent use.
type Registry struct {
	logger *logrus.Logger

	discoveredMu sync.RWMutex
	discovered   *orderedmap.OrderedMap[string, device.DiscoveredDevice]

	// bindMu makes bind/unbind/connect transitions atomic with respect to each other;
	// lookups on sessions go straight to the lock-free map.
	bindMu     sync.Mutex
	sessions   *hashmap.Map[string, *session.Session]
	connecting map[string]string

	now func() time.Time
}

// New creates an empty registry.
func New(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		logger:     logger,
		discovered: orderedmap.New[string, device.DiscoveredDevice](),
		sessions:   hashmap.New[string, *session.Session](),
		connecting: make(map[string]string),
		now:        time.Now,
	}
}

// RecordSighting inserts or replaces the entry for address. RSSI is last write wins;
// an empty name on a repeat sighting keeps the name seen before.
func (r *Registry) RecordSighting(address, name string, rssi int) (device.DiscoveredDevice, bool) {
	address = device.NormalizeAddress(address)

	r.discoveredMu.Lock()
	defer r.discoveredMu.Unlock()

	prev, existed := r.discovered.Get(address)
	if name == "" && existed {
		name = prev.Name
	}
	d := device.DiscoveredDevice{Address: address, Name: name, RSSI: rssi, LastSeen: r.now()}
	r.discovered.Set(address, d)

	if !existed {
		r.logger.WithFields(logrus.Fields{
			"address": address,
			"name":    name,
			"rssi":    rssi,
		}).Debug("Discovered new device")
	}
	return d, !existed
}

// LookupDiscovered returns the last sighting of address in the current scan session.
func (r *Registry) LookupDiscovered(address string) (device.DiscoveredDevice, bool) {
	r.discoveredMu.RLock()
	defer r.discoveredMu.RUnlock()
	return r.discovered.Get(device.NormalizeAddress(address))
}

// Discovered returns a snapshot in discovery order.
func (r *Registry) Discovered() []device.DiscoveredDevice {
	r.discoveredMu.RLock()
	defer r.discoveredMu.RUnlock()

	out := make([]device.DiscoveredDevice, 0, r.discovered.Len())
	for pair := r.discovered.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// ResetDiscovered forgets every sighting. Connected sessions are untouched.
func (r *Registry) ResetDiscovered() {
	r.discoveredMu.Lock()
	defer r.discoveredMu.Unlock()
	r.discovered = orderedmap.New[string, device.DiscoveredDevice]()
}

// BindSession registers s as the session of its device. A device has at most one
// session; binding over an existing one fails with AlreadyConnected.
func (r *Registry) BindSession(s *session.Session) error {
	address := device.NormalizeAddress(s.Address())

	r.bindMu.Lock()
	defer r.bindMu.Unlock()

	if !r.sessions.Insert(address, s) {
		return device.Newf(device.AlreadyConnected, "device %s is already connected", address)
	}
	r.logger.WithField("address", address).Debug("Session bound")
	return nil
}

// Session returns the session of address, if connected.
func (r *Registry) Session(address string) (*session.Session, bool) {
	return r.sessions.Get(device.NormalizeAddress(address))
}

// Sessions returns every bound session.
func (r *Registry) Sessions() []*session.Session {
	out := make([]*session.Session, 0, r.sessions.Len())
	r.sessions.Range(func(_ string, s *session.Session) bool {
		out = append(out, s)
		return true
	})
	return out
}

// UnbindSession removes and returns the session of address. Of any number of
// concurrent callers exactly one receives the session.
func (r *Registry) UnbindSession(address string) (*session.Session, bool) {
	address = device.NormalizeAddress(address)

	r.bindMu.Lock()
	defer r.bindMu.Unlock()

	s, ok := r.sessions.Get(address)
	if !ok {
		return nil, false
	}
	r.sessions.Del(address)
	r.logger.WithField("address", address).Debug("Session unbound")
	return s, true
}

// UnbindLink removes the session of address only while it is still bound to link.
func (r *Registry) UnbindLink(address string, link uint64) (*session.Session, bool) {
	address = device.NormalizeAddress(address)

	r.bindMu.Lock()
	defer r.bindMu.Unlock()

	s, ok := r.sessions.Get(address)
	if !ok || s.Link() != link {
		return nil, false
	}
	r.sessions.Del(address)
	r.logger.WithFields(logrus.Fields{"address": address, "link": link}).Debug("Session unbound")
	return s, true
}

// BeginConnect records that a connect request for address is outstanding.
func (r *Registry) BeginConnect(address, requestID string) error {
	address = device.NormalizeAddress(address)

	r.bindMu.Lock()
	defer r.bindMu.Unlock()

	if _, ok := r.sessions.Get(address); ok {
		return device.Newf(device.AlreadyConnected, "device %s is already connected", address)
	}
	if prev, ok := r.connecting[address]; ok {
		return device.Newf(device.OperationInFlight, "connect to %s already pending for request %s", address, prev)
	}
	r.connecting[address] = requestID
	return nil
}

// ResolveConnect clears the outstanding connect of address and returns its request id.
func (r *Registry) ResolveConnect(address string) (string, error) {
	address = device.NormalizeAddress(address)

	r.bindMu.Lock()
	defer r.bindMu.Unlock()

	requestID, ok := r.connecting[address]
	if !ok {
		return "", device.Newf(device.UnknownCorrelation, "no pending connect to %s", address)
	}
	delete(r.connecting, address)
	return requestID, nil
}

// AbortConnect drops an outstanding connect without reporting it.
func (r *Registry) AbortConnect(address string) {
	r.bindMu.Lock()
	defer r.bindMu.Unlock()
	delete(r.connecting, device.NormalizeAddress(address))
}

// Connecting reports whether a connect to address is outstanding.
func (r *Registry) Connecting(address string) bool {
	r.bindMu.Lock()
	defer r.bindMu.Unlock()
	_, ok := r.connecting[device.NormalizeAddress(address)]
	return ok
}

// ConnectingCount is the number of outstanding connects.
func (r *Registry) ConnectingCount() int {
	r.bindMu.Lock()
	defer r.bindMu.Unlock()
	return len(r.connecting)
}

// PendingConnects drains every outstanding connect, keyed by address.
func (r *Registry) PendingConnects() map[string]string {
	r.bindMu.Lock()
	defer r.bindMu.Unlock()
	out := r.connecting
	r.connecting = make(map[string]string)
	return out
}
