// Package heartrate decodes notifications of the standard Bluetooth Heart Rate
// service (0x180D) and provides the disposable handle for a running stream.
package heartrate

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

const (
	ServiceUUID     = "180d"
	MeasurementUUID = "2a37"
)

// Flag bits of the Heart Rate Measurement characteristic.
//
//	| 0x10 | 0x8 | 0x4  0x2 | 0x1 |
//	|  rr  | nrg | scs  cnt | fmt |
const (
	flagUint16Format     = 0x01
	flagContactDetected  = 0x02
	flagContactSupported = 0x04
	flagEnergyExpended   = 0x08
	flagRRPresent        = 0x10
)

// Measurement is one decoded heart rate notification.
type Measurement struct {
	BPM              uint16
	RR               []time.Duration
	EnergyExpended   int // kJ, -1 when absent
	HasEnergy        bool
	Contact          bool
	ContactSupported bool
}

// Parse decodes a Heart Rate Measurement value. A missing skin contact is reported in
// the result, not as an error; only truncated or malformed data fails.
func Parse(data []byte) (Measurement, error) {
	if len(data) < 2 {
		return Measurement{}, fmt.Errorf("heart rate measurement too short: %d bytes", len(data))
	}

	flags := data[0]
	m := Measurement{
		EnergyExpended:   -1,
		HasEnergy:        flags&flagEnergyExpended != 0,
		ContactSupported: flags&flagContactSupported != 0,
	}
	m.Contact = m.ContactSupported && flags&flagContactDetected != 0

	offset := 1
	if flags&flagUint16Format != 0 {
		if len(data) < offset+2 {
			return Measurement{}, fmt.Errorf("heart rate measurement truncated in 16-bit value")
		}
		m.BPM = binary.LittleEndian.Uint16(data[offset:])
		offset += 2
	} else {
		m.BPM = uint16(data[offset])
		offset++
	}

	if m.HasEnergy {
		if len(data) < offset+2 {
			return Measurement{}, fmt.Errorf("heart rate measurement truncated in energy expended")
		}
		m.EnergyExpended = int(binary.LittleEndian.Uint16(data[offset:]))
		offset += 2
	}

	if flags&flagRRPresent != 0 {
		rrData := data[offset:]
		if len(rrData)%2 != 0 {
			return Measurement{}, fmt.Errorf("heart rate measurement has odd RR interval length %d", len(rrData))
		}
		m.RR = make([]time.Duration, 0, len(rrData)/2)
		for i := 0; i < len(rrData); i += 2 {
			m.RR = append(m.RR, time.Duration(binary.LittleEndian.Uint16(rrData[i:]))*time.Second/1024)
		}
	}

	return m, nil
}

// Fields renders the measurement for an envelope's structured data.
func (m Measurement) Fields() map[string]any {
	rr := make([]any, len(m.RR))
	for i, d := range m.RR {
		rr[i] = d.Milliseconds()
	}
	fields := map[string]any{
		"bpm":              int(m.BPM),
		"rrMs":             rr,
		"contact":          m.Contact,
		"contactSupported": m.ContactSupported,
	}
	if m.HasEnergy {
		fields["energyExpended"] = m.EnergyExpended
	}
	return fields
}

// Stream is the handle of a running heart rate subscription. Cancel releases it;
// calling Cancel more than once is a no-op.
type Stream struct {
	RequestID string
	Address   string

	once   sync.Once
	stop   func()
	done   chan struct{}
	events uint64
	mu     sync.Mutex
}

// NewStream returns a stream whose Cancel invokes stop exactly once.
func NewStream(requestID, address string, stop func()) *Stream {
	return &Stream{
		RequestID: requestID,
		Address:   address,
		stop:      stop,
		done:      make(chan struct{}),
	}
}

// Cancel disposes the stream.
func (s *Stream) Cancel() {
	s.once.Do(func() {
		close(s.done)
		if s.stop != nil {
			s.stop()
		}
	})
}

// Finish marks the stream ended without invoking stop, for streams whose
// notifications were already switched off. Later Cancel calls are no-ops.
func (s *Stream) Finish() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Done is closed once the stream is cancelled or finished.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Cancelled reports whether Cancel has run.
func (s *Stream) Cancelled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Count records a delivered sample and returns the running total.
func (s *Stream) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events++
	return s.events
}
