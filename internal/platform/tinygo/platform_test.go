package tinygo

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/platform"
	"github.com/srg/blehost/internal/testutils"
)

const peripheralAddr = "AA:BB:CC:DD:EE:FF"

var heartRate = platform.CharacteristicID{Service: "180d", Characteristic: "2a37"}

type fakeChar struct {
	mu      sync.Mutex
	value   []byte
	written [][]byte
	notify  func([]byte)
}

func (c *fakeChar) Read(data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copy(data, c.value), nil
}

func (c *fakeChar) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), p...))
	return len(p), nil
}

func (c *fakeChar) EnableNotifications(callback func(buf []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = callback
	return nil
}

func (c *fakeChar) push(v []byte) {
	c.mu.Lock()
	fn := c.notify
	c.mu.Unlock()
	if fn != nil {
		fn(v)
	}
}

type fakePeripheral struct {
	chars        map[platform.CharacteristicID]characteristic
	discoverErr  error
	disconnected chan struct{}
	once         sync.Once
}

func (p *fakePeripheral) Discover() (map[platform.CharacteristicID]characteristic, error) {
	return p.chars, p.discoverErr
}

func (p *fakePeripheral) Disconnect() error {
	p.once.Do(func() { close(p.disconnected) })
	return nil
}

type fakeRadio struct {
	mu         sync.Mutex
	enableErr  error
	sightings  []platform.Sighting
	scanErr    error
	stop       chan struct{}
	per        *fakePeripheral
	connectErr error
	lost       func(address string)
}

func (r *fakeRadio) Enable() error { return r.enableErr }

func (r *fakeRadio) Scan(_ string, found func(platform.Sighting)) error {
	for _, s := range r.sightings {
		found(s)
	}
	if r.scanErr != nil {
		return r.scanErr
	}
	<-r.stop
	return nil
}

func (r *fakeRadio) StopScan() error {
	close(r.stop)
	return nil
}

func (r *fakeRadio) Connect(string) (peripheral, error) {
	if r.connectErr != nil {
		return nil, r.connectErr
	}
	return r.per, nil
}

func (r *fakeRadio) OnDisconnect(fn func(address string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lost = fn
}

func (r *fakeRadio) dropLink(address string) {
	r.mu.Lock()
	fn := r.lost
	r.mu.Unlock()
	fn(address)
}

type PlatformTestSuite struct {
	suite.Suite
	radio *fakeRadio
	hr    *fakeChar
	p     *Platform
}

func (suite *PlatformTestSuite) SetupTest() {
	suite.hr = &fakeChar{}
	suite.radio = &fakeRadio{
		stop: make(chan struct{}),
		per: &fakePeripheral{
			chars: map[platform.CharacteristicID]characteristic{
				deviceNameID: &fakeChar{value: []byte("Polar H10 A1B2C3D4\x00")},
				heartRate:    suite.hr,
			},
			disconnected: make(chan struct{}),
		},
	}
	suite.p = newPlatform(testutils.NewTestHelper(suite.T()).Logger, Options{ConnectTimeout: time.Second}, suite.radio)
}

func (suite *PlatformTestSuite) TearDownTest() {
	suite.NoError(suite.p.Close())
}

func (suite *PlatformTestSuite) next() platform.Event {
	suite.T().Helper()
	select {
	case ev, ok := <-suite.p.Events():
		suite.Require().True(ok, "event stream closed")
		return ev
	case <-time.After(testutils.DefaultWait):
		suite.FailNow("timed out waiting for a platform event")
		return nil
	}
}

func (suite *PlatformTestSuite) connect() platform.Connected {
	suite.T().Helper()
	suite.Require().NoError(suite.p.Connect(peripheralAddr, platform.TransportAuto))
	ev, ok := suite.next().(platform.Connected)
	suite.Require().True(ok, "first event MUST be Connected")
	suite.Equal("Polar H10 A1B2C3D4", ev.Name)
	return ev
}

func (suite *PlatformTestSuite) quiet() {
	suite.T().Helper()
	select {
	case ev := <-suite.p.Events():
		suite.Failf("unexpected event", "%T %+v", ev, ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func (suite *PlatformTestSuite) TestScan() {
	suite.radio.sightings = []platform.Sighting{{Address: peripheralAddr, Name: "Polar H10", RSSI: -60}}

	suite.Require().NoError(suite.p.StartScan(platform.ScanFilter{ServiceUUID: "180d"}))
	suite.ErrorIs(suite.p.StartScan(platform.ScanFilter{}), device.ErrScanInProgress)

	ev, ok := suite.next().(platform.Sighting)
	suite.Require().True(ok)
	suite.Equal(-60, ev.RSSI)
	suite.Nil(ev.Services, "natively filtered sightings MUST leave Services nil")

	suite.NoError(suite.p.StopScan())
}

func (suite *PlatformTestSuite) TestScanFailure() {
	suite.radio.scanErr = errors.New("already scanning")

	suite.Require().NoError(suite.p.StartScan(platform.ScanFilter{}))

	ev, ok := suite.next().(platform.ScanFailed)
	suite.Require().True(ok)
	suite.EqualError(ev.Err, "already scanning")
}

func (suite *PlatformTestSuite) TestAdapterDisabled() {
	suite.radio.enableErr = errors.New("no adapter")

	suite.ErrorIs(suite.p.StartScan(platform.ScanFilter{}), device.ErrBluetoothOff)
	suite.ErrorIs(suite.p.Connect(peripheralAddr, platform.TransportLE), device.ErrBluetoothOff)
}

func (suite *PlatformTestSuite) TestGATTRoundTrip() {
	// GOAL: Verify read, write and notifications reach the characteristic and come back as events
	//
	// TEST SCENARIO: connect → read → write → enable → push value → disable → disconnect

	suite.hr.value = []byte{0x00, 72}
	suite.connect()

	suite.Require().NoError(suite.p.Read(peripheralAddr, heartRate))
	read, ok := suite.next().(platform.ReadCompleted)
	suite.Require().True(ok)
	suite.NoError(read.Err)
	suite.Equal([]byte{0x00, 72}, read.Value)

	suite.Require().NoError(suite.p.Write(peripheralAddr, heartRate, []byte{0x01}))
	write, ok := suite.next().(platform.WriteCompleted)
	suite.Require().True(ok)
	suite.NoError(write.Err)

	suite.Require().NoError(suite.p.SetNotify(peripheralAddr, heartRate, true))
	enabled, ok := suite.next().(platform.NotifyChanged)
	suite.Require().True(ok)
	suite.True(enabled.Enabled)

	suite.hr.push([]byte{0x00, 75})
	value, ok := suite.next().(platform.ValueChanged)
	suite.Require().True(ok)
	suite.Equal([]byte{0x00, 75}, value.Value)

	suite.Require().NoError(suite.p.SetNotify(peripheralAddr, heartRate, false))
	disabled, ok := suite.next().(platform.NotifyChanged)
	suite.Require().True(ok)
	suite.False(disabled.Enabled)
	suite.Nil(suite.hr.notify, "disable MUST clear the notification callback")

	suite.Require().NoError(suite.p.Disconnect(peripheralAddr))
	select {
	case <-suite.radio.per.disconnected:
	case <-time.After(testutils.DefaultWait):
		suite.FailNow("peripheral MUST be disconnected")
	}
	suite.quiet()
	suite.Equal([][]byte{{0x01}}, suite.hr.written)
}

func (suite *PlatformTestSuite) TestRequestMTUUnsupported() {
	suite.ErrorIs(suite.p.RequestMTU(peripheralAddr, 247), device.ErrDeviceNotConnected)

	suite.connect()
	suite.ErrorIs(suite.p.RequestMTU(peripheralAddr, 247), device.ErrUnsupported)
}

func (suite *PlatformTestSuite) TestLinkLoss() {
	up := suite.connect()

	suite.radio.dropLink("aa:bb:cc:dd:ee:ff")

	ev, ok := suite.next().(platform.Disconnected)
	suite.Require().True(ok)
	suite.Equal(up.Link, ev.Link)
	suite.ErrorIs(ev.Err, device.ErrDeviceNotConnected)
	suite.ErrorIs(suite.p.Write(peripheralAddr, heartRate, []byte{1}), device.ErrDeviceNotConnected)
}

func (suite *PlatformTestSuite) TestConnectFailure() {
	suite.radio.connectErr = errors.New("connection refused")

	suite.Require().NoError(suite.p.Connect(peripheralAddr, platform.TransportAuto))

	ev, ok := suite.next().(platform.ConnectFailed)
	suite.Require().True(ok)
	suite.EqualError(ev.Err, "connection refused")
}

func (suite *PlatformTestSuite) TestDiscoveryFailureDisconnects() {
	suite.radio.per.discoverErr = errors.New("discovery failed")

	suite.Require().NoError(suite.p.Connect(peripheralAddr, platform.TransportAuto))

	_, ok := suite.next().(platform.ConnectFailed)
	suite.Require().True(ok)
	select {
	case <-suite.radio.per.disconnected:
	case <-time.After(testutils.DefaultWait):
		suite.Fail("peripheral MUST be disconnected after discovery failure")
	}
}

func (suite *PlatformTestSuite) TestDuplicateConnect() {
	suite.connect()
	suite.ErrorIs(suite.p.Connect(peripheralAddr, platform.TransportAuto), device.ErrAlreadyConnected)
}

func TestPlatformTestSuite(t *testing.T) {
	suite.Run(t, new(PlatformTestSuite))
}
