package registry

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/session"
	"github.com/srg/blehost/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	return New(testutils.NewTestHelper(t).Logger)
}

func TestRecordSighting_LastWriteWins(t *testing.T) {
	// GOAL: Verify repeat sightings replace RSSI wholesale
	//
	// TEST SCENARIO: Sight A at -40 then -55 → lookup returns -55, first sighting reported as new only once

	r := newTestRegistry(t)

	_, isNew := r.RecordSighting("AA:BB:CC", "Foo", -40)
	assert.True(t, isNew, "first sighting MUST be reported as new")
	_, isNew = r.RecordSighting("AA:BB:CC", "Foo", -55)
	assert.False(t, isNew, "repeat sighting MUST NOT be reported as new")

	d, ok := r.LookupDiscovered("AA:BB:CC")
	require.True(t, ok)
	assert.Equal(t, -55, d.RSSI, "lookup MUST return the last RSSI")
	assert.Equal(t, "Foo", d.Name)
}

func TestRecordSighting_EmptyNameKeepsPrevious(t *testing.T) {
	r := newTestRegistry(t)

	r.RecordSighting("AA:BB:CC", "Polar H10", -40)
	r.RecordSighting("AA:BB:CC", "", -42)

	d, ok := r.LookupDiscovered("aa:bb:cc")
	require.True(t, ok, "lookup MUST be case-insensitive on address")
	assert.Equal(t, "Polar H10", d.Name)
	assert.Equal(t, -42, d.RSSI)
}

func TestDiscovered_PreservesDiscoveryOrder(t *testing.T) {
	r := newTestRegistry(t)

	r.RecordSighting("03", "c", -70)
	r.RecordSighting("01", "a", -50)
	r.RecordSighting("02", "b", -60)
	r.RecordSighting("03", "c", -30)

	var got []string
	for _, d := range r.Discovered() {
		got = append(got, d.Address)
	}
	assert.Equal(t, []string{"03", "01", "02"}, got, "snapshot MUST follow first-sighting order")
}

func TestResetDiscovered(t *testing.T) {
	r := newTestRegistry(t)
	r.RecordSighting("01", "a", -50)
	require.NoError(t, r.BindSession(session.New("01", "a", "c1", 1)))

	r.ResetDiscovered()

	_, ok := r.LookupDiscovered("01")
	assert.False(t, ok, "reset MUST forget sightings")
	_, ok = r.Session("01")
	assert.True(t, ok, "reset MUST NOT touch sessions")
}

func TestBindSession_RejectsSecondSession(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.BindSession(session.New("AA:BB", "", "c1", 1)))
	err := r.BindSession(session.New("aa:bb", "", "c2", 1))

	assert.ErrorIs(t, err, device.ErrAlreadyConnected, "second bind MUST fail with AlreadyConnected")
	s, ok := r.Session("AA:BB")
	require.True(t, ok)
	assert.Equal(t, "c1", s.ConnectRequestID(), "existing session MUST survive the rejected bind")
}

func TestUnbindSession_ExactlyOnce(t *testing.T) {
	// GOAL: Verify concurrent unbinds hand the session to exactly one caller
	//
	// TEST SCENARIO: Bind → 32 goroutines unbind → one receives the session, the rest see absence

	r := newTestRegistry(t)
	require.NoError(t, r.BindSession(session.New("AA:BB", "", "c1", 1)))

	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.UnbindSession("AA:BB"); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load(), "exactly one unbind MUST win")
	assert.Empty(t, r.Sessions())
}

func TestConnectCorrelation(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.BeginConnect("AA:BB", "c1"))
	assert.True(t, r.Connecting("aa:bb"))
	assert.ErrorIs(t, r.BeginConnect("AA:BB", "c2"), device.ErrOperationInFlight)

	id, err := r.ResolveConnect("AA:BB")
	require.NoError(t, err)
	assert.Equal(t, "c1", id)

	_, err = r.ResolveConnect("AA:BB")
	assert.ErrorIs(t, err, device.ErrUnknownCorrelation)

	require.NoError(t, r.BindSession(session.New("AA:BB", "", "c1", 1)))
	assert.ErrorIs(t, r.BeginConnect("AA:BB", "c3"), device.ErrAlreadyConnected)
}

func TestAbortAndDrainConnects(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.BeginConnect("01", "c1"))
	require.NoError(t, r.BeginConnect("02", "c2"))

	r.AbortConnect("01")
	assert.False(t, r.Connecting("01"))

	assert.Equal(t, map[string]string{"02": "c2"}, r.PendingConnects())
	assert.False(t, r.Connecting("02"), "drained connects MUST be gone")
}
