package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/heitortanoue/reckon/pkg/location"
)

// EventLogger writes one structured line per position event:
// NAME: key=value ... at=<unix ms>
type EventLogger struct {
	nodeID string
	logger *log.Logger
	now    func() time.Time
}

// NewEventLogger logs to stdout with the node id as prefix
func NewEventLogger(nodeID string) *EventLogger {
	return NewEventLoggerTo(os.Stdout, nodeID, log.LstdFlags|log.Lmicroseconds)
}

func NewEventLoggerTo(w io.Writer, nodeID string, flags int) *EventLogger {
	return &EventLogger{
		nodeID: nodeID,
		logger: log.New(w, fmt.Sprintf("[%s] ", nodeID), flags),
		now:    time.Now,
	}
}

func (l *EventLogger) at() int64 {
	return l.now().UnixMilli()
}

func (l *EventLogger) position(event string, pos location.Absolute) {
	p := pos.Position()
	l.logger.Printf("%s: lat=%.7f lon=%.7f dev=%.2f ts=%.3f at=%d",
		event, p.Latitude, p.Longitude, pos.Deviation(), pos.Timestamp(), l.at())
}

func (l *EventLogger) PDRPosition(pos location.Absolute) {
	l.position("PDR_POSITION", pos)
}

func (l *EventLogger) CollaborativePosition(pos location.Absolute) {
	l.position("COLLAB_POSITION", pos)
}

func (l *EventLogger) ManualPositionCorrection(pos location.Absolute) {
	l.position("MANUAL_CORRECTION", pos)
}

func (l *EventLogger) ManualHeadingCorrection(pos location.Absolute, radians, cumulative float64) {
	p := pos.Position()
	l.logger.Printf("HEADING_CORRECTION: lat=%.7f lon=%.7f radians=%.4f cumulative=%.4f at=%d",
		p.Latitude, p.Longitude, radians, cumulative, l.at())
}

// CollaborativeCorrection logs both positions and how far the exchange moved us
func (l *EventLogger) CollaborativeCorrection(before, after location.Absolute, peerID string) {
	b, a := before.Position(), after.Position()
	l.logger.Printf("EXCHANGE_CORRECTION: peer=%s before=%.7f,%.7f after=%.7f,%.7f moved_m=%.2f dev=%.2f->%.2f at=%d",
		peerID, b.Latitude, b.Longitude, a.Latitude, a.Longitude,
		before.Distance(after), before.Deviation(), after.Deviation(), l.at())
}

func (l *EventLogger) ConnectionQuery(peerID string, timestamp float64, shouldConnect bool) {
	l.logger.Printf("CONNECTION_QUERY: peer=%s should_connect=%v ts=%.3f at=%d",
		peerID, shouldConnect, timestamp, l.at())
}

func (l *EventLogger) CompleteCollaborativePath(path []location.Absolute) {
	if len(path) == 0 {
		l.logger.Printf("PATH_SNAPSHOT: points=0 at=%d", l.at())
		return
	}
	first, last := path[0].Position(), path[len(path)-1].Position()
	l.logger.Printf("PATH_SNAPSHOT: points=%d first=%.7f,%.7f last=%.7f,%.7f at=%d",
		len(path), first.Latitude, first.Longitude, last.Latitude, last.Longitude, l.at())
}

func (l *EventLogger) LogError(operation string, err error) {
	l.logger.Printf("ERROR: operation=%s error=%s at=%d", operation, err.Error(), l.at())
}
