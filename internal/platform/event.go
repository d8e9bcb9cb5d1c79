package platform

// Event is a completion or push delivered by a Platform. The set is closed: only the
// types in this file implement it, so consumers can switch over it exhaustively.
type Event interface {
	isEvent()
	// DeviceAddress is the device the event concerns, "" for adapter-wide events.
	DeviceAddress() string
}

// Sighting reports an advertisement seen during a scan.
type Sighting struct {
	Address  string
	Name     string
	RSSI     int
	Services []string
}

// ScanFailed reports that a running scan aborted.
type ScanFailed struct {
	Err error
}

// Connected reports a successful Connect. Link identifies this connection; every later
// Disconnected for it carries the same value.
type Connected struct {
	Address string
	Name    string
	Link    uint64
}

// ConnectFailed reports a Connect that could not complete.
type ConnectFailed struct {
	Address string
	Err     error
}

// Disconnected reports the loss of an established link. A requested Disconnect is
// complete when the call returns and produces no event.
type Disconnected struct {
	Address string
	Link    uint64
	Err     error
}

// ReadCompleted carries the result of Read.
type ReadCompleted struct {
	Address string
	Char    CharacteristicID
	Value   []byte
	Err     error
}

// WriteCompleted carries the result of Write.
type WriteCompleted struct {
	Address string
	Char    CharacteristicID
	Err     error
}

// NotifyChanged carries the result of SetNotify.
type NotifyChanged struct {
	Address string
	Char    CharacteristicID
	Enabled bool
	Err     error
}

// MTUChanged carries the result of RequestMTU.
type MTUChanged struct {
	Address string
	MTU     int
	Err     error
}

// ValueChanged is an unsolicited notification or indication.
type ValueChanged struct {
	Address string
	Char    CharacteristicID
	Value   []byte
}

func (Sighting) isEvent()       {}
func (ScanFailed) isEvent()     {}
func (Connected) isEvent()      {}
func (ConnectFailed) isEvent()  {}
func (Disconnected) isEvent()   {}
func (ReadCompleted) isEvent()  {}
func (WriteCompleted) isEvent() {}
func (NotifyChanged) isEvent()  {}
func (MTUChanged) isEvent()     {}
func (ValueChanged) isEvent()   {}

func (e Sighting) DeviceAddress() string       { return e.Address }
func (ScanFailed) DeviceAddress() string       { return "" }
func (e Connected) DeviceAddress() string      { return e.Address }
func (e ConnectFailed) DeviceAddress() string  { return e.Address }
func (e Disconnected) DeviceAddress() string   { return e.Address }
func (e ReadCompleted) DeviceAddress() string  { return e.Address }
func (e WriteCompleted) DeviceAddress() string { return e.Address }
func (e NotifyChanged) DeviceAddress() string  { return e.Address }
func (e MTUChanged) DeviceAddress() string     { return e.Address }
func (e ValueChanged) DeviceAddress() string   { return e.Address }
