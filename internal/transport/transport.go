// Package transport carries envelopes to the host and requests from it as
// newline-delimited JSON.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/blehost/internal/envelope"
)

// MaxRequestSize bounds a single request line.
const MaxRequestSize = 1 << 20

// Writer serializes envelopes, one per line. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	w      *bufio.Writer
	logger *logrus.Logger
}

// NewWriter wraps w.
func NewWriter(w io.Writer, logger *logrus.Logger) *Writer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Writer{w: bufio.NewWriter(w), logger: logger}
}

// Send writes env as one JSON line and flushes it.
func (w *Writer) Send(env *envelope.Envelope) error {
	data, err := env.Serialize()
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush envelope: %w", err)
	}

	if w.logger.IsLevelEnabled(logrus.TraceLevel) {
		w.logger.WithField("envelope", string(data)).Trace("Sent envelope")
	}
	return nil
}

// Request is one host call. Only the fields relevant to Command are read.
type Request struct {
	RequestID        string `json:"requestId"`
	Command          string `json:"command"`
	Address          string `json:"address,omitempty"`
	ServiceID        string `json:"serviceId,omitempty"`
	CharacteristicID string `json:"characteristicId,omitempty"`
	// Payload is base64 in JSON.
	Payload        []byte `json:"payload,omitempty"`
	ScanDurationMs int64  `json:"scanDurationMs,omitempty"`
	MTU            int    `json:"mtu,omitempty"`
	Transport      int    `json:"transport,omitempty"`
	AddressFilter  string `json:"addressFilter,omitempty"`
	NameFilter     string `json:"nameFilter,omitempty"`
	ServiceFilter  string `json:"serviceFilter,omitempty"`
	Path           string `json:"path,omitempty"`
	Line           string `json:"line,omitempty"`
	Participant    string `json:"participant,omitempty"`
	Condition      string `json:"condition,omitempty"`
	Block          int    `json:"block,omitempty"`
	Trial          int    `json:"trial,omitempty"`
}

// ParseRequest decodes a single request line.
func ParseRequest(line []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("malformed request: %w", err)
	}
	return req, nil
}

// ReadRequests decodes one request per line from r and calls handle for each, until
// r is exhausted or ctx is cancelled. Blank lines are skipped; a malformed line is
// passed to onError and reading continues.
func ReadRequests(ctx context.Context, r io.Reader, handle func(Request), onError func(line []byte, err error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxRequestSize)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		req, err := ParseRequest(line)
		if err != nil {
			if onError != nil {
				onError(append([]byte{}, line...), err)
			}
			continue
		}
		handle(req)
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read requests: %w", err)
	}
	return nil
}
