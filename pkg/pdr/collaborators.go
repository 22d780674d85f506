package pdr

import (
	"sync"

	"github.com/heitortanoue/reckon/pkg/location"
)

// View consumes positions for display.
type View interface {
	PositionUpdated(pos location.Absolute, fromExchange bool)
	PeerPositionUpdated(pos location.Absolute, peerName string, isRealName bool)
	CompletePath(path []location.Absolute)
}

// Logger receives every position event worth keeping.
type Logger interface {
	// raw PDR trace
	PDRPosition(pos location.Absolute)
	// collaborative localisation trace
	CollaborativePosition(pos location.Absolute)
	ManualPositionCorrection(pos location.Absolute)
	// rotation around pos by radians; cumulative is the total rotation so far
	ManualHeadingCorrection(pos location.Absolute, radians, cumulative float64)
	CollaborativeCorrection(before, after location.Absolute, peerID string)
	ConnectionQuery(peerID string, timestamp float64, shouldConnect bool)
	// complete collaborative path after rotation or correction
	CompleteCollaborativePath(path []location.Absolute)
}

// MultiLogger fans events out to several loggers. Loggers can be added while
// events are being delivered.
type MultiLogger struct {
	loggers []Logger
	mutex   sync.RWMutex
}

// NewMultiLogger creates a fan-out over loggers; nil entries are skipped.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, l := range loggers {
		m.Add(l)
	}
	return m
}

// Add registers another logger
func (m *MultiLogger) Add(l Logger) {
	if l == nil {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()

	next := make([]Logger, len(m.loggers), len(m.loggers)+1)
	copy(next, m.loggers)
	m.loggers = append(next, l)
}

func (m *MultiLogger) each(fn func(Logger)) {
	m.mutex.RLock()
	loggers := m.loggers
	m.mutex.RUnlock()

	for _, l := range loggers {
		fn(l)
	}
}

func (m *MultiLogger) PDRPosition(pos location.Absolute) {
	m.each(func(l Logger) { l.PDRPosition(pos) })
}

func (m *MultiLogger) CollaborativePosition(pos location.Absolute) {
	m.each(func(l Logger) { l.CollaborativePosition(pos) })
}

func (m *MultiLogger) ManualPositionCorrection(pos location.Absolute) {
	m.each(func(l Logger) { l.ManualPositionCorrection(pos) })
}

func (m *MultiLogger) ManualHeadingCorrection(pos location.Absolute, radians, cumulative float64) {
	m.each(func(l Logger) { l.ManualHeadingCorrection(pos, radians, cumulative) })
}

func (m *MultiLogger) CollaborativeCorrection(before, after location.Absolute, peerID string) {
	m.each(func(l Logger) { l.CollaborativeCorrection(before, after, peerID) })
}

func (m *MultiLogger) ConnectionQuery(peerID string, timestamp float64, shouldConnect bool) {
	m.each(func(l Logger) { l.ConnectionQuery(peerID, timestamp, shouldConnect) })
}

func (m *MultiLogger) CompleteCollaborativePath(path []location.Absolute) {
	m.each(func(l Logger) { l.CompleteCollaborativePath(path) })
}

// NopView discards everything
type NopView struct{}

func (NopView) PositionUpdated(location.Absolute, bool) {}
func (NopView) PeerPositionUpdated(location.Absolute, string, bool) {}
func (NopView) CompletePath([]location.Absolute) {}
