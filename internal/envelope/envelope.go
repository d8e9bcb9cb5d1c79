// Package envelope defines the tagged record exchanged with the host application.
//
// Every reply and every unsolicited push is an Envelope. The serialized form always
// carries the same ten fields, with null standing in for anything unset, so the host
// can rely on presence rather than probing for keys.
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	msgEmptyRequestID = "request id is empty"
	msgEmptyCommand   = "command is empty"
)

// Envelope is a single message to the host. The zero value is an invalid envelope.
type Envelope struct {
	RequestID        string
	Command          string
	DeviceAddress    *string
	DeviceName       *string
	ServiceID        *string
	CharacteristicID *string
	Payload          []byte
	StructuredData   *structpb.Struct
	HasError         bool
	ErrorMessage     *string
}

// wire is the fixed JSON shape. Field order here is the byte order of Serialize.
type wire struct {
	RequestID        string          `json:"requestId"`
	Command          string          `json:"command"`
	DeviceAddress    *string         `json:"deviceAddress"`
	DeviceName       *string         `json:"deviceName"`
	ServiceID        *string         `json:"serviceId"`
	CharacteristicID *string         `json:"characteristicId"`
	Payload          *string         `json:"payload"`
	StructuredData   json.RawMessage `json:"structuredData"`
	HasError         bool            `json:"hasError"`
	ErrorMessage     *string         `json:"errorMessage"`
}

var jsonNull = json.RawMessage("null")

// New constructs an envelope. It never fails; use Valid to check the identifiers.
func New(requestID, command string) *Envelope {
	return &Envelope{RequestID: requestID, Command: command}
}

// Valid reports whether both the request id and the command are set.
func (e *Envelope) Valid() bool {
	return e.RequestID != "" && e.Command != ""
}

// MarkError flags the envelope as an error. The last call wins.
func (e *Envelope) MarkError(message string) *Envelope {
	e.HasError = true
	e.ErrorMessage = &message
	return e
}

// MarkErr is MarkError with err.Error() as the message.
func (e *Envelope) MarkErr(err error) *Envelope {
	return e.MarkError(err.Error())
}

// PrepareForDispatch is the boundary check every send path runs before handing the
// envelope to the transport. It runs unconditionally, even over an existing error.
func (e *Envelope) PrepareForDispatch() *Envelope {
	switch {
	case e.RequestID == "":
		e.MarkError(msgEmptyRequestID)
	case e.Command == "":
		e.MarkError(msgEmptyCommand)
	}
	return e
}

// WithDevice sets the device address and, when non-empty, the device name.
func (e *Envelope) WithDevice(address, name string) *Envelope {
	if address != "" {
		e.DeviceAddress = &address
	}
	if name != "" {
		e.DeviceName = &name
	}
	return e
}

// WithCharacteristic sets the service and characteristic identifiers.
func (e *Envelope) WithCharacteristic(service, characteristic string) *Envelope {
	if service != "" {
		e.ServiceID = &service
	}
	if characteristic != "" {
		e.CharacteristicID = &characteristic
	}
	return e
}

// WithPayload attaches an opaque byte payload. A nil slice leaves payload null.
func (e *Envelope) WithPayload(data []byte) *Envelope {
	if data != nil {
		e.Payload = append([]byte{}, data...)
	}
	return e
}

// WithData attaches structured data. Values must be representable by structpb
// (nil, bool, numbers, string, []any, map[string]any).
func (e *Envelope) WithData(data map[string]any) (*Envelope, error) {
	s, err := structpb.NewStruct(data)
	if err != nil {
		return e, fmt.Errorf("structured data: %w", err)
	}
	e.StructuredData = s
	return e, nil
}

// MustWithData is WithData for literals known to be representable.
func (e *Envelope) MustWithData(data map[string]any) *Envelope {
	if _, err := e.WithData(data); err != nil {
		panic(err)
	}
	return e
}

// Serialize encodes the envelope. It is a pure function of the envelope state.
func (e *Envelope) Serialize() ([]byte, error) {
	w := wire{
		RequestID:        e.RequestID,
		Command:          e.Command,
		DeviceAddress:    e.DeviceAddress,
		DeviceName:       e.DeviceName,
		ServiceID:        e.ServiceID,
		CharacteristicID: e.CharacteristicID,
		StructuredData:   jsonNull,
		HasError:         e.HasError,
		ErrorMessage:     e.ErrorMessage,
	}
	if e.Payload != nil {
		encoded := base64.StdEncoding.EncodeToString(e.Payload)
		w.Payload = &encoded
	}
	if e.StructuredData != nil {
		raw, err := protojson.Marshal(e.StructuredData)
		if err != nil {
			return nil, fmt.Errorf("failed to encode structured data: %w", err)
		}
		// protojson output whitespace is deliberately unstable across runs
		var compact bytes.Buffer
		if err := json.Compact(&compact, raw); err != nil {
			return nil, fmt.Errorf("failed to compact structured data: %w", err)
		}
		w.StructuredData = compact.Bytes()
	}

	return json.Marshal(w)
}

// Decode parses a serialized envelope.
func Decode(data []byte) (*Envelope, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	e := &Envelope{
		RequestID:        w.RequestID,
		Command:          w.Command,
		DeviceAddress:    w.DeviceAddress,
		DeviceName:       w.DeviceName,
		ServiceID:        w.ServiceID,
		CharacteristicID: w.CharacteristicID,
		HasError:         w.HasError,
		ErrorMessage:     w.ErrorMessage,
	}
	if w.Payload != nil {
		payload, err := base64.StdEncoding.DecodeString(*w.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode payload: %w", err)
		}
		e.Payload = payload
	}
	if len(w.StructuredData) > 0 && !bytes.Equal(w.StructuredData, jsonNull) {
		s := &structpb.Struct{}
		if err := protojson.Unmarshal(w.StructuredData, s); err != nil {
			return nil, fmt.Errorf("failed to decode structured data: %w", err)
		}
		e.StructuredData = s
	}
	return e, nil
}

// Data returns the structured data as plain Go values, or nil.
func (e *Envelope) Data() map[string]any {
	if e.StructuredData == nil {
		return nil
	}
	return e.StructuredData.AsMap()
}

// ErrorText returns the error message, or "" when the envelope is not an error.
func (e *Envelope) ErrorText() string {
	if e.ErrorMessage == nil {
		return ""
	}
	return *e.ErrorMessage
}
