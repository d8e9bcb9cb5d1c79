package device

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies failures reported to the host.
type ErrorKind string

const (
	InvalidRequest      ErrorKind = "invalid_request"
	DeviceNotDiscovered ErrorKind = "device_not_discovered"
	DeviceNotConnected  ErrorKind = "device_not_connected"
	AlreadyConnected    ErrorKind = "already_connected"
	OperationRejected   ErrorKind = "operation_rejected_by_platform"
	OperationInFlight   ErrorKind = "operation_in_flight"
	UnknownCorrelation  ErrorKind = "unknown_correlation"
	PlatformCallback    ErrorKind = "platform_callback_error"
	Cancelled           ErrorKind = "cancelled"
	ScanInProgress      ErrorKind = "scan_in_progress"
)

// Error is a classified bridge error. Two Errors match under errors.Is when
// their kinds are equal, so the Err* sentinels below match by kind.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Msg == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Predefined sentinel errors, one per kind
var (
	ErrInvalidRequest      = &Error{Kind: InvalidRequest}
	ErrDeviceNotDiscovered = &Error{Kind: DeviceNotDiscovered}
	ErrDeviceNotConnected  = &Error{Kind: DeviceNotConnected}
	ErrAlreadyConnected    = &Error{Kind: AlreadyConnected}
	ErrOperationRejected   = &Error{Kind: OperationRejected}
	ErrOperationInFlight   = &Error{Kind: OperationInFlight}
	ErrUnknownCorrelation  = &Error{Kind: UnknownCorrelation}
	ErrPlatformCallback    = &Error{Kind: PlatformCallback}
	ErrCancelled           = &Error{Kind: Cancelled}
	ErrScanInProgress      = &Error{Kind: ScanInProgress}
)

// Platform-level errors
var (
	ErrBluetoothOff = errors.New("bluetooth is turned off")
	ErrUnsupported  = errors.New("unsupported")
	ErrNotFound     = errors.New("not found")
)

// Newf builds an Error of the given kind with a formatted message.
func Newf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind that carries cause verbatim.
func Wrap(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// NotFoundError represents a missing GATT resource
type NotFoundError struct {
	Resource string   // "service" or "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	switch len(e.UUIDs) {
	case 0:
		return fmt.Sprintf("%s not found", e.Resource)
	case 1:
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	default:
		return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
	}
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// DiscoveredDevice is a device seen during the current scan session.
// Values are replaced wholesale on every sighting, never merged field by field
// from concurrent writers.
type DiscoveredDevice struct {
	Address  string
	Name     string
	RSSI     int
	LastSeen time.Time
}

// DisplayName returns the advertised name, falling back to the address.
func (d DiscoveredDevice) DisplayName() string {
	if strings.TrimSpace(d.Name) == "" {
		return d.Address
	}
	return d.Name
}

// NormalizeAddress canonicalizes a device address for map keys.
func NormalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}
