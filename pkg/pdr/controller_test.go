package pdr

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heitortanoue/reckon/pkg/location"
	"github.com/heitortanoue/reckon/pkg/sensor"
)

type loggedQuery struct {
	peerID string
	answer bool
}

type mockLogger struct {
	pdr           []location.Absolute
	collaborative []location.Absolute
	manual        []location.Absolute
	headings      []float64
	corrections   []string
	queries       []loggedQuery
	paths         int
	mutex         sync.Mutex
}

func (m *mockLogger) PDRPosition(pos location.Absolute) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.pdr = append(m.pdr, pos)
}

func (m *mockLogger) CollaborativePosition(pos location.Absolute) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.collaborative = append(m.collaborative, pos)
}

func (m *mockLogger) ManualPositionCorrection(pos location.Absolute) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.manual = append(m.manual, pos)
}

func (m *mockLogger) ManualHeadingCorrection(_ location.Absolute, _ float64, cumulative float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.headings = append(m.headings, cumulative)
}

func (m *mockLogger) CollaborativeCorrection(_, _ location.Absolute, peerID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.corrections = append(m.corrections, peerID)
}

func (m *mockLogger) ConnectionQuery(peerID string, _ float64, shouldConnect bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.queries = append(m.queries, loggedQuery{peerID, shouldConnect})
}

func (m *mockLogger) CompleteCollaborativePath([]location.Absolute) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.paths++
}

type mockView struct {
	positions    []location.Absolute
	fromExchange []bool
	peers        []string
	paths        int
}

func (v *mockView) PositionUpdated(pos location.Absolute, fromExchange bool) {
	v.positions = append(v.positions, pos)
	v.fromExchange = append(v.fromExchange, fromExchange)
}

func (v *mockView) PeerPositionUpdated(_ location.Absolute, name string, _ bool) {
	v.peers = append(v.peers, name)
}

func (v *mockView) CompletePath([]location.Absolute) { v.paths++ }

func newTestController(t *testing.T, values SettingsValues) (*Controller, *mockLogger, *mockView) {
	t.Helper()
	logger := &mockLogger{}
	view := &mockView{}
	c := NewController(NewSettings(values), view, NewMultiLogger(logger), nil)
	return c, logger, view
}

func TestController_SessionAndSteps(t *testing.T) {
	c, logger, view := newTestController(t, DefaultSettings())

	c.HandleStep(north(1))
	assert.Empty(t, logger.pdr, "no session, no steps")

	require.NoError(t, c.StartPDRSession(location.At(0, berlin, 2)))
	c.HandleStep(north(1))
	c.HandleStep(north(2))

	require.Len(t, logger.pdr, 3)
	require.Len(t, view.positions, 3)
	assert.InDelta(t, 2, view.positions[2].NorthingDelta(), 1e-9)

	pos, ok := c.PositionForExchange()
	require.True(t, ok)
	assert.InDelta(t, 2.2, pos.Deviation(), 1e-9)

	c.StopPDRSession()
	c.StopPDRSession()
	_, ok = c.PositionForExchange()
	assert.False(t, ok)
}

func TestController_StartsOnGPSFix(t *testing.T) {
	c, _, _ := newTestController(t, DefaultSettings())

	c.HandleSensorEvent(sensor.GPSFix{Timestamp: 1, Coordinate: berlin, HorizontalAccuracy: -1})
	assert.False(t, c.IsSessionRunning(), "fix without accuracy is ignored")

	c.HandleSensorEvent(sensor.GPSFix{Timestamp: 2, Coordinate: berlin, HorizontalAccuracy: 8})
	require.True(t, c.IsSessionRunning())

	pos, _ := c.PositionForExchange()
	assert.Equal(t, berlin, pos.Origin())
	assert.Equal(t, 8.0, pos.Deviation())
}

func TestController_ConnectionPolicy(t *testing.T) {
	values := DefaultSettings()
	values.DistanceBetweenMeetings = 10
	c, logger, _ := newTestController(t, values)

	assert.False(t, c.ShouldConnectToPeer("bob"), "no session yet")

	require.NoError(t, c.StartPDRSession(location.At(0, berlin, 0)))
	assert.True(t, c.ShouldConnectToPeer("bob"), "never met")

	before, _ := c.PositionForExchange()
	c.ApplyExchangeCorrection("bob", before, before.WithDeviation(0))
	assert.False(t, c.ShouldConnectToPeer("bob"), "just met")
	assert.True(t, c.ShouldConnectToPeer("carol"))

	for i := 1; i <= 10; i++ {
		c.HandleStep(north(float64(i)))
	}
	assert.True(t, c.ShouldConnectToPeer("bob"), "walked far enough")

	values.ExchangeEnabled = false
	require.NoError(t, c.settings.Set(values))
	assert.False(t, c.ShouldConnectToPeer("dave"))

	values.ExchangeEnabled = true
	values.BeaconMode = true
	require.NoError(t, c.settings.Set(values))
	assert.True(t, c.ShouldConnectToPeer("bob"))

	assert.Equal(t, []loggedQuery{
		{"bob", false}, {"bob", true}, {"bob", false}, {"carol", true},
		{"bob", true}, {"dave", false}, {"bob", true},
	}, logger.queries)
}

func TestController_ExchangeCorrection(t *testing.T) {
	c, logger, view := newTestController(t, DefaultSettings())
	require.NoError(t, c.StartPDRSession(location.At(0, berlin, 5)))
	c.HandleStep(north(1))

	before, _ := c.PositionForExchange()
	after := location.NewAbsolute(2, 3, 4, berlin, 1)
	c.ApplyExchangeCorrection("peer-1", before, after)

	cur, _ := c.PositionForExchange()
	assert.Equal(t, after, cur)
	assert.Equal(t, []string{"peer-1"}, logger.corrections)
	require.Len(t, logger.collaborative, 1)
	assert.True(t, view.fromExchange[len(view.fromExchange)-1])

	// steps continue from the corrected position
	c.HandleStep(north(3))
	cur, _ = c.PositionForExchange()
	assert.InDelta(t, 5, cur.NorthingDelta(), 1e-9)
	assert.InDelta(t, 3, cur.EastingDelta(), 1e-9)

	c.DidReceivePeerPosition("peer-1", after, "", false)
	c.DidReceivePeerPosition("peer-2", after, "Ana", true)
	assert.Equal(t, []string{"peer-1", "Ana"}, view.peers)
}

func TestController_ExchangeCorrectionKeepsStepsWalkedMeanwhile(t *testing.T) {
	c, logger, _ := newTestController(t, DefaultSettings())
	require.NoError(t, c.StartPDRSession(location.At(0, berlin, 5)))
	c.HandleStep(north(1))

	sent, _ := c.PositionForExchange()
	for i := 2; i <= 4; i++ {
		c.HandleStep(north(float64(i)))
	}

	// the local claim won: nothing moves
	c.ApplyExchangeCorrection("peer-1", sent, sent)
	cur, _ := c.PositionForExchange()
	assert.InDelta(t, 4, cur.NorthingDelta(), 1e-9)
	assert.InDelta(t, 0, cur.EastingDelta(), 1e-9)
	assert.InDelta(t, 5.4, cur.Deviation(), 1e-9)

	// the peer moved the sent position 2 m east with a better deviation
	c.HandleStep(north(5))
	sent, _ = c.PositionForExchange()
	c.HandleStep(north(6))
	c.HandleStep(north(7))

	peer := location.NewAbsolute(8, sent.EastingDelta()+2, sent.NorthingDelta(), berlin, 1)
	c.ApplyExchangeCorrection("peer-1", sent, peer)

	cur, _ = c.PositionForExchange()
	assert.InDelta(t, 7, cur.NorthingDelta(), 1e-9)
	assert.InDelta(t, 2, cur.EastingDelta(), 1e-9)
	assert.InDelta(t, 1.2, cur.Deviation(), 1e-9, "reconciled deviation plus two steps")
	assert.Equal(t, 8.0, cur.Timestamp())
	assert.Equal(t, []string{"peer-1", "peer-1"}, logger.corrections)
}

func TestController_ManualCorrections(t *testing.T) {
	c, logger, view := newTestController(t, DefaultSettings())

	assert.ErrorIs(t, c.ManualPositionCorrection(location.At(0, berlin, 0)), ErrNoSession)
	assert.ErrorIs(t, c.RotatePathBy(1), ErrNoSession)

	require.NoError(t, c.StartPDRSession(location.At(0, berlin, 0)))
	for i := 1; i <= 4; i++ {
		c.HandleStep(north(float64(i)))
	}

	require.NoError(t, c.RotatePathBy(math.Pi/2))
	require.NoError(t, c.RotatePathBy(math.Pi/4))
	assert.InDeltaSlice(t, []float64{math.Pi / 2, 3 * math.Pi / 4}, logger.headings, 1e-12)
	assert.Equal(t, 2, logger.paths)
	assert.Equal(t, 2, view.paths)

	pin := c.Path().Snapshot()[2].Position()
	idx, part := c.PartOfPathToBeRotated(pin)
	assert.Equal(t, 2, idx)
	assert.Len(t, part, 3)
	require.NoError(t, c.RotatePathAround(idx, -math.Pi/4))

	fix := location.NewAbsolute(5, 100, 100, berlin, 0)
	require.NoError(t, c.ManualPositionCorrection(fix))
	require.Len(t, logger.manual, 1)
	cur, _ := c.PositionForExchange()
	assert.Equal(t, fix, cur)

	assert.Error(t, c.ManualPositionCorrection(location.Absolute{}))
}
