package testutils

import (
	"sync"
	"time"

	"github.com/srg/blehost/internal/envelope"
)

// RecordingSender stands in for the host transport and keeps every envelope sent.
type RecordingSender struct {
	mu      sync.Mutex
	sent    []*envelope.Envelope
	changed chan struct{}
	err     error
}

// NewRecordingSender creates an empty recorder.
func NewRecordingSender() *RecordingSender {
	return &RecordingSender{changed: make(chan struct{})}
}

// Send records a copy of env.
func (s *RecordingSender) Send(env *envelope.Envelope) error {
	data, err := env.Serialize()
	if err != nil {
		return err
	}
	cp, err := envelope.Decode(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, cp)
	close(s.changed)
	s.changed = make(chan struct{})
	return nil
}

// FailWith makes every later Send return err without recording.
func (s *RecordingSender) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Envelopes returns everything sent so far.
func (s *RecordingSender) Envelopes() []*envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*envelope.Envelope(nil), s.sent...)
}

// Len is the number of envelopes sent so far.
func (s *RecordingSender) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// Commands lists the command of every envelope in send order.
func (s *RecordingSender) Commands() []string {
	envs := s.Envelopes()
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.Command
	}
	return out
}

// ForRequest returns the envelopes carrying requestID, in send order.
func (s *RecordingSender) ForRequest(requestID string) []*envelope.Envelope {
	var out []*envelope.Envelope
	for _, e := range s.Envelopes() {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out
}

// WithCommand returns the envelopes carrying command, in send order.
func (s *RecordingSender) WithCommand(command string) []*envelope.Envelope {
	var out []*envelope.Envelope
	for _, e := range s.Envelopes() {
		if e.Command == command {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor blocks until at least n envelopes were sent or timeout elapses, and
// returns what was sent. Callers check the length.
func (s *RecordingSender) WaitFor(n int, timeout time.Duration) []*envelope.Envelope {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		if len(s.sent) >= n {
			out := append([]*envelope.Envelope(nil), s.sent...)
			s.mu.Unlock()
			return out
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-deadline.C:
			return s.Envelopes()
		}
	}
}

// Reset forgets everything recorded.
func (s *RecordingSender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}
