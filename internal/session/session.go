// Package session tracks one connected device: its pending operations, keyed so
// asynchronous platform completions can be matched to the request that caused them,
// and the subscriptions and streams attached to the link.
package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/platform"
)

// OpKind is the operation half of a correlation key.
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
	OpSubscribe
	OpUnsubscribe
	OpChangeTransferUnit
)

func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpSubscribe:
		return "subscribe"
	case OpUnsubscribe:
		return "unsubscribe"
	case OpChangeTransferUnit:
		return "change_transfer_unit"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// Key identifies one in-flight operation. Char is zero for OpChangeTransferUnit.
type Key struct {
	Kind    OpKind
	Address string
	Char    platform.CharacteristicID
}

func (k Key) String() string {
	if k.Char == (platform.CharacteristicID{}) {
		return fmt.Sprintf("%s@%s", k.Kind, k.Address)
	}
	return fmt.Sprintf("%s@%s/%s", k.Kind, k.Address, k.Char)
}

// ReadKey and friends build keys for a characteristic operation.
func ReadKey(address string, c platform.CharacteristicID) Key {
	return Key{Kind: OpRead, Address: address, Char: c}
}

func WriteKey(address string, c platform.CharacteristicID) Key {
	return Key{Kind: OpWrite, Address: address, Char: c}
}

func SubscribeKey(address string, c platform.CharacteristicID) Key {
	return Key{Kind: OpSubscribe, Address: address, Char: c}
}

func UnsubscribeKey(address string, c platform.CharacteristicID) Key {
	return Key{Kind: OpUnsubscribe, Address: address, Char: c}
}

func TransferUnitKey(address string) Key {
	return Key{Kind: OpChangeTransferUnit, Address: address}
}

// State of a correlation key.
type State int

const (
	Idle State = iota
	Pending
)

func (s State) String() string {
	if s == Pending {
		return "pending"
	}
	return "idle"
}

// Request is what a pending entry remembers about the call that created it.
type Request struct {
	RequestID string
	Command   string
	Started   time.Time

	seq uint64
}

// Drained is a pending entry removed by ClearAll.
type Drained struct {
	Key     Key
	Request Request
}

// Disposable is anything attached to the session that must be released on teardown.
// Cancel must be safe to call more than once.
type Disposable interface {
	Cancel()
}

// Subscription routes notifications of one characteristic to the request that enabled them.
type Subscription struct {
	RequestID string
	Command   string
	Stream    Disposable
}

// Session is the live state of one connected device. All methods are safe for
// concurrent use; a single mutex covers the pending map and the subscriptions.
type Session struct {
	address          string
	name             string
	connectRequestID string
	link             uint64
	connectedAt      time.Time

	mu            sync.Mutex
	pending       map[Key]Request
	subscriptions map[platform.CharacteristicID]Subscription
	seq           uint64
	mtu           int
	closed        bool
}

// New creates a session for a device that just connected over link.
func New(address, name, connectRequestID string, link uint64) *Session {
	return &Session{
		address:          address,
		name:             name,
		connectRequestID: connectRequestID,
		link:             link,
		connectedAt:      time.Now(),
		pending:          make(map[Key]Request),
		subscriptions:    make(map[platform.CharacteristicID]Subscription),
	}
}

func (s *Session) Address() string          { return s.address }
func (s *Session) Name() string             { return s.name }
func (s *Session) ConnectRequestID() string { return s.connectRequestID }
func (s *Session) Link() uint64             { return s.link }
func (s *Session) ConnectedAt() time.Time   { return s.connectedAt }

// BeginPending moves key to Pending. It fails with OperationInFlight when the key is
// already Pending and with DeviceNotConnected once the session has been torn down.
func (s *Session) BeginPending(key Key, requestID, command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return device.Newf(device.DeviceNotConnected, "device %s is not connected", s.address)
	}
	if prev, ok := s.pending[key]; ok {
		return device.Newf(device.OperationInFlight, "%s already pending for request %s", key, prev.RequestID)
	}
	s.seq++
	s.pending[key] = Request{RequestID: requestID, Command: command, Started: time.Now(), seq: s.seq}
	return nil
}

// AbortPending drops a registration whose platform call was rejected.
func (s *Session) AbortPending(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)
}

// ResolvePending returns key to Idle and hands back the request captured by BeginPending.
// A completion nobody is waiting for yields UnknownCorrelation.
func (s *Session) ResolvePending(key Key) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.pending[key]
	if !ok {
		return Request{}, device.Newf(device.UnknownCorrelation, "no pending %s", key)
	}
	delete(s.pending, key)
	return req, nil
}

// State reports whether key is Idle or Pending.
func (s *Session) State(key Key) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[key]; ok {
		return Pending
	}
	return Idle
}

// PendingCount is the number of keys currently Pending.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// SubscriptionCount is the number of characteristics with live notifications.
func (s *Session) SubscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscriptions)
}

// AddSubscription attaches a subscription to c, replacing and cancelling any previous one.
func (s *Session) AddSubscription(c platform.CharacteristicID, sub Subscription) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return device.Newf(device.DeviceNotConnected, "device %s is not connected", s.address)
	}
	prev, had := s.subscriptions[c]
	s.subscriptions[c] = sub
	s.mu.Unlock()

	if had && prev.Stream != nil && prev.Stream != sub.Stream {
		prev.Stream.Cancel()
	}
	return nil
}

// RemoveSubscription detaches and cancels the subscription on c, if any.
func (s *Session) RemoveSubscription(c platform.CharacteristicID) (Subscription, bool) {
	s.mu.Lock()
	sub, ok := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.mu.Unlock()

	if ok && sub.Stream != nil {
		sub.Stream.Cancel()
	}
	return sub, ok
}

// DetachSubscription removes the subscription on c without cancelling its stream.
// Used once the platform has already confirmed notifications are off.
func (s *Session) DetachSubscription(c platform.CharacteristicID) (Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[c]
	delete(s.subscriptions, c)
	return sub, ok
}

// Subscription looks up the subscription routing notifications of c.
func (s *Session) Subscription(c platform.CharacteristicID) (Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[c]
	return sub, ok
}

// SetMTU records the negotiated transfer unit.
func (s *Session) SetMTU(mtu int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mtu = mtu
}

// MTU returns the negotiated transfer unit, 0 when never negotiated.
func (s *Session) MTU() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mtu
}

// Closed reports whether ClearAll has run.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ClearAll tears the session down: every pending entry is drained and returned in
// registration order, every stream is cancelled, and further BeginPending calls fail.
// Calling it again returns nothing.
func (s *Session) ClearAll() []Drained {
	s.mu.Lock()
	drained := make([]Drained, 0, len(s.pending))
	for k, r := range s.pending {
		drained = append(drained, Drained{Key: k, Request: r})
	}
	subs := make([]Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		subs = append(subs, sub)
	}
	s.pending = make(map[Key]Request)
	s.subscriptions = make(map[platform.CharacteristicID]Subscription)
	s.closed = true
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.Stream != nil {
			sub.Stream.Cancel()
		}
	}

	sort.Slice(drained, func(i, j int) bool {
		return drained[i].Request.seq < drained[j].Request.seq
	})
	return drained
}
