// Package testutils holds the shared fixtures of the bridge tests: a logger-carrying
// helper, a mock radio, an envelope recorder and JSON/text asserters.
package testutils

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultWait bounds how long tests wait for asynchronous envelopes.
const DefaultWait = 2 * time.Second

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{T: t, Logger: logger}
}
