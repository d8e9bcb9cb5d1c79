package testutils

import (
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/srg/blehost/internal/platform"
)

// MockPlatform is a scriptable radio. Calls are matched against testify expectations
// (an unexpected call fails the test); completions are injected with Emit.
//
//	mp := testutils.NewMockPlatform()
//	mp.On("Write", addr, char, []byte{1}).Return(nil).Run(func(mock.Arguments) {
//	    mp.Emit(platform.WriteCompleted{Address: addr, Char: char})
//	})
type MockPlatform struct {
	mock.Mock

	events    chan platform.Event
	closeOnce sync.Once
}

var _ platform.Platform = (*MockPlatform)(nil)

// NewMockPlatform creates a mock with a buffered event channel.
func NewMockPlatform() *MockPlatform {
	return &MockPlatform{events: make(chan platform.Event, 256)}
}

// Emit delivers ev to the bridge as if the radio produced it.
func (m *MockPlatform) Emit(ev platform.Event) {
	m.events <- ev
}

func (m *MockPlatform) StartScan(filter platform.ScanFilter) error {
	return m.Called(filter).Error(0)
}

func (m *MockPlatform) StopScan() error {
	return m.Called().Error(0)
}

func (m *MockPlatform) Connect(address string, hint platform.TransportHint) error {
	return m.Called(address, hint).Error(0)
}

func (m *MockPlatform) Disconnect(address string) error {
	return m.Called(address).Error(0)
}

func (m *MockPlatform) RequestMTU(address string, size int) error {
	return m.Called(address, size).Error(0)
}

func (m *MockPlatform) Read(address string, char platform.CharacteristicID) error {
	return m.Called(address, char).Error(0)
}

func (m *MockPlatform) Write(address string, char platform.CharacteristicID, data []byte) error {
	return m.Called(address, char, data).Error(0)
}

func (m *MockPlatform) SetNotify(address string, char platform.CharacteristicID, enable bool) error {
	return m.Called(address, char, enable).Error(0)
}

func (m *MockPlatform) Events() <-chan platform.Event {
	return m.events
}

// Close ends the event stream. It is not an expectation.
func (m *MockPlatform) Close() error {
	m.closeOnce.Do(func() { close(m.events) })
	return nil
}
