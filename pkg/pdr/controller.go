package pdr

import (
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/heitortanoue/reckon/internal/metrics"
	"github.com/heitortanoue/reckon/pkg/location"
	"github.com/heitortanoue/reckon/pkg/sensor"
)

// ErrNoSession is returned by operations that need a running PDR session
var ErrNoSession = errors.New("pdr: no session running")

// Controller owns the path of the local walker. It integrates steps, applies
// manual and collaborative corrections, decides whether meeting a peer is
// worth an exchange, and reports everything to its view and logger.
type Controller struct {
	settings *Settings
	path     *Path
	view     View
	logger   Logger
	metrics  *metrics.Collector

	sessionRunning bool
	// walked distance at the last exchange with each peer
	lastMeeting map[string]float64
	mutex       sync.RWMutex

	now func() time.Time
}

// NewController wires a controller. view and logger may be nil.
func NewController(settings *Settings, view View, logger Logger, m *metrics.Collector) *Controller {
	if view == nil {
		view = NopView{}
	}
	if logger == nil {
		logger = NewMultiLogger()
	}
	return &Controller{
		settings:    settings,
		path:        NewPath(),
		view:        view,
		logger:      logger,
		metrics:     m,
		lastMeeting: make(map[string]float64),
		now:         time.Now,
	}
}

// Path gives read access to the trajectory
func (c *Controller) Path() *Path { return c.path }

// StartPDRSession starts a new path at the given fix
func (c *Controller) StartPDRSession(start location.Absolute) error {
	if err := c.path.Reset(start); err != nil {
		return err
	}

	c.mutex.Lock()
	c.sessionRunning = true
	c.lastMeeting = make(map[string]float64)
	c.mutex.Unlock()

	log.Printf("[PDR] Session started at %s", start.Position())

	c.metrics.SetPathLength(1)
	c.logger.PDRPosition(start)
	c.view.PositionUpdated(start, false)
	return nil
}

// StopPDRSession stops integrating steps; the path is kept for readers
func (c *Controller) StopPDRSession() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.sessionRunning {
		return
	}
	c.sessionRunning = false
	log.Printf("[PDR] Session stopped after %.1f m", c.path.Walked())
}

// IsSessionRunning reports whether steps are being integrated
func (c *Controller) IsSessionRunning() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.sessionRunning
}

// HandleStep integrates one detected step
func (c *Controller) HandleStep(delta location.Relative) {
	if !c.IsSessionRunning() {
		return
	}

	pos, err := c.path.Append(delta)
	if err != nil {
		log.Printf("[PDR] Dropping step: %v", err)
		return
	}

	c.metrics.SetPathLength(c.path.Len())
	c.logger.PDRPosition(pos)
	c.view.PositionUpdated(pos, false)
}

// Accepts lets the controller listen for GPS fixes
func (c *Controller) Accepts() sensor.Kinds {
	return sensor.KindsOf(sensor.KindGPS)
}

// HandleSensorEvent starts a session on the first usable GPS fix
func (c *Controller) HandleSensorEvent(e sensor.Event) {
	fix, ok := e.(sensor.GPSFix)
	if !ok || c.IsSessionRunning() {
		return
	}
	if fix.HorizontalAccuracy < 0 || !fix.Coordinate.Valid() {
		return
	}
	if err := c.StartPDRSession(fix.Absolute()); err != nil {
		log.Printf("[PDR] Cannot start session from GPS fix: %v", err)
	}
}

// ManualPositionCorrection moves the walker to pos as told by the user
func (c *Controller) ManualPositionCorrection(pos location.Absolute) error {
	if !c.IsSessionRunning() {
		return ErrNoSession
	}
	if err := c.path.Anchor(pos); err != nil {
		return err
	}

	log.Printf("[PDR] Manual correction to %s", pos.Position())

	c.metrics.SetPathLength(c.path.Len())
	c.logger.ManualPositionCorrection(pos)
	c.view.PositionUpdated(pos, false)
	return nil
}

// RotatePathBy rotates the path after the newest anchor
func (c *Controller) RotatePathBy(radians float64) error {
	if !c.IsSessionRunning() {
		return ErrNoSession
	}
	if err := c.path.RotateBy(radians); err != nil {
		return err
	}
	c.afterRotation(c.path.AnchorIndex(), radians)
	return nil
}

// PartOfPathToBeRotated returns the pivot index nearest to pin and the
// part of the path a rotation around it would move (pivot included).
func (c *Controller) PartOfPathToBeRotated(pin location.Coordinate) (int, []location.Absolute) {
	idx, ok := c.path.NearestIndex(pin)
	if !ok {
		return -1, nil
	}
	return idx, c.path.SegmentFrom(idx)
}

// RotatePathAround rotates the part of the path after pivot
func (c *Controller) RotatePathAround(pivot int, radians float64) error {
	if !c.IsSessionRunning() {
		return ErrNoSession
	}
	if err := c.path.RotateFrom(pivot, radians); err != nil {
		return err
	}
	c.afterRotation(pivot, radians)
	return nil
}

func (c *Controller) afterRotation(pivot int, radians float64) {
	around := c.path.SegmentFrom(pivot)
	path := c.path.Snapshot()
	cumulative := c.path.HeadingOffset()

	log.Printf("[PDR] Path rotated by %.3f rad (cumulative %.3f)", radians, cumulative)

	if len(around) > 0 {
		c.logger.ManualHeadingCorrection(around[0], radians, cumulative)
	}
	c.logger.CompleteCollaborativePath(path)
	c.view.CompletePath(path)
	if cur, ok := c.path.Current(); ok {
		c.view.PositionUpdated(cur, false)
	}
}

// ReplacePath swaps in a complete path (e.g. loaded from a recording)
func (c *Controller) ReplacePath(path []location.Absolute) error {
	if err := c.path.Replace(path); err != nil {
		return err
	}
	snapshot := c.path.Snapshot()
	c.metrics.SetPathLength(len(snapshot))
	c.logger.CompleteCollaborativePath(snapshot)
	c.view.CompletePath(snapshot)
	return nil
}

// ShouldConnectToPeer is the local half of the connection policy: exchange
// must be enabled and a session running, and unless this node is a beacon
// the walker must have covered the configured distance since the last
// exchange with that peer.
func (c *Controller) ShouldConnectToPeer(peerID string) bool {
	s := c.settings.Get()
	answer := c.shouldConnect(peerID, s)
	c.logger.ConnectionQuery(peerID, unixSeconds(c.now()), answer)
	return answer
}

func (c *Controller) shouldConnect(peerID string, s SettingsValues) bool {
	if !s.ExchangeEnabled {
		return false
	}
	if s.BeaconMode {
		return true
	}

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if !c.sessionRunning {
		return false
	}
	last, met := c.lastMeeting[peerID]
	if !met {
		return true
	}
	return c.path.Walked()-last >= s.DistanceBetweenMeetings
}

// PositionForExchange returns the current position, if any
func (c *Controller) PositionForExchange() (location.Absolute, bool) {
	if !c.IsSessionRunning() {
		return location.Absolute{}, false
	}
	return c.path.Current()
}

// DidReceivePeerPosition shows where a peer claims to be
func (c *Controller) DidReceivePeerPosition(peerID string, pos location.Absolute, displayName string, isRealName bool) {
	name := displayName
	if name == "" {
		name = peerID
	}
	c.view.PeerPositionUpdated(pos, name, isRealName)
}

// ApplyExchangeCorrection moves the walker by the displacement the exchange
// applied to before, the position sent to the peer. Steps walked since then
// are kept and their deviation is added on top of the reconciled one.
func (c *Controller) ApplyExchangeCorrection(peerID string, before, after location.Absolute) {
	c.mutex.Lock()
	running := c.sessionRunning
	if running {
		c.lastMeeting[peerID] = c.path.Walked()
	}
	c.mutex.Unlock()

	if !running {
		return
	}
	current, ok := c.path.Current()
	if !ok {
		return
	}

	corrected := correctedPosition(current, before, after)
	if err := c.path.Anchor(corrected); err != nil {
		log.Printf("[PDR] Ignoring correction from %s: %v", peerID, err)
		return
	}

	log.Printf("[PDR] Collaborative correction from %s: moved %.2f m, deviation %.2f -> %.2f",
		peerID, current.Distance(corrected), current.Deviation(), corrected.Deviation())

	c.metrics.SetPathLength(c.path.Len())
	c.logger.CollaborativeCorrection(current, corrected, peerID)
	c.logger.CollaborativePosition(corrected)
	c.view.PositionUpdated(corrected, true)
}

func correctedPosition(current, before, after location.Absolute) location.Absolute {
	walkedDeviation := math.Max(0, current.Deviation()-before.Deviation())
	return current.
		Move(before.Offset(after)).
		WithDeviation(after.Deviation() + walkedDeviation).
		WithTimestamp(math.Max(current.Timestamp(), after.Timestamp()))
}

// GetStats returns controller statistics
func (c *Controller) GetStats() map[string]interface{} {
	c.mutex.RLock()
	running := c.sessionRunning
	meetings := len(c.lastMeeting)
	c.mutex.RUnlock()

	stats := map[string]interface{}{
		"session_running": running,
		"path_entries":    c.path.Len(),
		"walked_m":        c.path.Walked(),
		"heading_offset":  c.path.HeadingOffset(),
		"peers_met":       meetings,
	}
	if cur, ok := c.path.Current(); ok {
		stats["position"] = cur.Position()
		stats["deviation"] = cur.Deviation()
	}
	return stats
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
