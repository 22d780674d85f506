// Package store records sensor samples and position events of a node into a
// local SQLite database. Each recording run is a session with its own id;
// nothing is written while no session is open.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/heitortanoue/reckon/pkg/location"
	"github.com/heitortanoue/reckon/pkg/sensor"
)

// ErrNotRecording is returned when a session is required but none is open
var ErrNotRecording = errors.New("store: not recording")

// Position kinds stored in the positions table
const (
	KindPDR           = "pdr"
	KindCollaborative = "collaborative"
	KindManual        = "manual"
)

const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id        TEXT PRIMARY KEY,
		label             TEXT,
		started_at        DOUBLE,
		ended_at          DOUBLE
	);
	CREATE TABLE IF NOT EXISTS motion_samples (
		session_id        TEXT,
		ts                DOUBLE,
		accel_x           DOUBLE,
		accel_y           DOUBLE,
		accel_z           DOUBLE,
		rotation_x        DOUBLE,
		rotation_y        DOUBLE,
		rotation_z        DOUBLE,
		yaw               DOUBLE
	);
	CREATE TABLE IF NOT EXISTS compass_samples (
		session_id        TEXT,
		ts                DOUBLE,
		magnetic_heading  DOUBLE,
		true_heading      DOUBLE,
		accuracy          DOUBLE
	);
	CREATE TABLE IF NOT EXISTS gps_fixes (
		session_id        TEXT,
		ts                DOUBLE,
		latitude          DOUBLE,
		longitude         DOUBLE,
		altitude          DOUBLE,
		speed             DOUBLE,
		course            DOUBLE,
		horizontal_acc    DOUBLE,
		vertical_acc      DOUBLE
	);
	CREATE TABLE IF NOT EXISTS positions (
		session_id        TEXT,
		kind              TEXT,
		ts                DOUBLE,
		latitude          DOUBLE,
		longitude         DOUBLE,
		origin_latitude   DOUBLE,
		origin_longitude  DOUBLE,
		easting_delta     DOUBLE,
		northing_delta    DOUBLE,
		deviation         DOUBLE
	);
	CREATE TABLE IF NOT EXISTS heading_corrections (
		session_id        TEXT,
		ts                DOUBLE,
		latitude          DOUBLE,
		longitude         DOUBLE,
		radians           DOUBLE,
		cumulative        DOUBLE
	);
	CREATE TABLE IF NOT EXISTS exchange_corrections (
		session_id        TEXT,
		peer_id           TEXT,
		ts                DOUBLE,
		before_latitude   DOUBLE,
		before_longitude  DOUBLE,
		before_deviation  DOUBLE,
		after_latitude    DOUBLE,
		after_longitude   DOUBLE,
		after_deviation   DOUBLE
	);
	CREATE TABLE IF NOT EXISTS connection_queries (
		session_id        TEXT,
		peer_id           TEXT,
		ts                DOUBLE,
		should_connect    INTEGER
	);
	CREATE TABLE IF NOT EXISTS path_snapshots (
		snapshot_id       INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id        TEXT,
		recorded_at       DOUBLE,
		points            INTEGER
	);
	CREATE TABLE IF NOT EXISTS path_points (
		snapshot_id       INTEGER,
		idx               INTEGER,
		ts                DOUBLE,
		origin_latitude   DOUBLE,
		origin_longitude  DOUBLE,
		easting_delta     DOUBLE,
		northing_delta    DOUBLE,
		deviation         DOUBLE,
		FOREIGN KEY(snapshot_id) REFERENCES path_snapshots(snapshot_id)
	);
`

// Session describes one recording run
type Session struct {
	ID        string  `json:"id"`
	Label     string  `json:"label"`
	StartedAt float64 `json:"started_at"`
	EndedAt   float64 `json:"ended_at,omitempty"`
}

// Recorder implements pdr.Logger and sensor.Listener
type Recorder struct {
	db   *sql.DB
	path string

	session string
	mutex   sync.RWMutex

	written atomic.Uint64
	failed  atomic.Uint64

	now func() time.Time
}

// Open opens (or creates) the database at path. ":memory:" keeps everything
// in memory.
func Open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// one connection so an in-memory database is shared and writes serialize
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}

	log.Printf("[STORE] Opened %s", path)
	return &Recorder{db: db, path: path, now: time.Now}, nil
}

func (r *Recorder) Close() error {
	if r.IsRecording() {
		if err := r.StopRecording(); err != nil {
			log.Printf("[STORE] Stop recording on close: %v", err)
		}
	}
	return r.db.Close()
}

func (r *Recorder) timestamp() float64 {
	return float64(r.now().UnixNano()) / 1e9
}

// StartRecording opens a new session and returns its id. An open session is
// closed first.
func (r *Recorder) StartRecording(label string) (string, error) {
	if r.IsRecording() {
		if err := r.StopRecording(); err != nil {
			return "", err
		}
	}

	id := uuid.NewString()
	if _, err := r.db.Exec(`INSERT INTO sessions (session_id, label, started_at) VALUES (?, ?, ?)`,
		id, label, r.timestamp()); err != nil {
		return "", fmt.Errorf("store: start session: %w", err)
	}

	r.mutex.Lock()
	r.session = id
	r.mutex.Unlock()

	log.Printf("[STORE] Recording session %s (%s)", id, label)
	return id, nil
}

// StopRecording closes the open session
func (r *Recorder) StopRecording() error {
	r.mutex.Lock()
	id := r.session
	r.session = ""
	r.mutex.Unlock()

	if id == "" {
		return ErrNotRecording
	}
	if _, err := r.db.Exec(`UPDATE sessions SET ended_at = ? WHERE session_id = ?`, r.timestamp(), id); err != nil {
		return fmt.Errorf("store: stop session: %w", err)
	}

	log.Printf("[STORE] Stopped session %s", id)
	return nil
}

func (r *Recorder) IsRecording() bool {
	return r.Session() != ""
}

// Session returns the open session id, or ""
func (r *Recorder) Session() string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.session
}

// insert runs stmt with the open session id as first argument. Failures are
// logged and counted; recording never stops the caller.
func (r *Recorder) insert(stmt string, args ...interface{}) {
	session := r.Session()
	if session == "" {
		return
	}
	if _, err := r.db.Exec(stmt, append([]interface{}{session}, args...)...); err != nil {
		r.failed.Add(1)
		log.Printf("[STORE] Insert failed: %v", err)
		return
	}
	r.written.Add(1)
}

func (r *Recorder) insertPosition(kind string, pos location.Absolute) {
	p, o := pos.Position(), pos.Origin()
	r.insert(`INSERT INTO positions (session_id, kind, ts, latitude, longitude, origin_latitude, origin_longitude,
		easting_delta, northing_delta, deviation) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		kind, pos.Timestamp(), p.Latitude, p.Longitude, o.Latitude, o.Longitude,
		pos.EastingDelta(), pos.NorthingDelta(), pos.Deviation())
}

func (r *Recorder) PDRPosition(pos location.Absolute) {
	r.insertPosition(KindPDR, pos)
}

func (r *Recorder) CollaborativePosition(pos location.Absolute) {
	r.insertPosition(KindCollaborative, pos)
}

func (r *Recorder) ManualPositionCorrection(pos location.Absolute) {
	r.insertPosition(KindManual, pos)
}

func (r *Recorder) ManualHeadingCorrection(pos location.Absolute, radians, cumulative float64) {
	p := pos.Position()
	r.insert(`INSERT INTO heading_corrections (session_id, ts, latitude, longitude, radians, cumulative)
		VALUES (?, ?, ?, ?, ?, ?)`,
		pos.Timestamp(), p.Latitude, p.Longitude, radians, cumulative)
}

func (r *Recorder) CollaborativeCorrection(before, after location.Absolute, peerID string) {
	b, a := before.Position(), after.Position()
	r.insert(`INSERT INTO exchange_corrections (session_id, peer_id, ts, before_latitude, before_longitude,
		before_deviation, after_latitude, after_longitude, after_deviation) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		peerID, after.Timestamp(), b.Latitude, b.Longitude, before.Deviation(),
		a.Latitude, a.Longitude, after.Deviation())
}

func (r *Recorder) ConnectionQuery(peerID string, timestamp float64, shouldConnect bool) {
	r.insert(`INSERT INTO connection_queries (session_id, peer_id, ts, should_connect) VALUES (?, ?, ?, ?)`,
		peerID, timestamp, shouldConnect)
}

// CompleteCollaborativePath stores a snapshot of the whole path in one
// transaction.
func (r *Recorder) CompleteCollaborativePath(path []location.Absolute) {
	session := r.Session()
	if session == "" {
		return
	}
	if err := r.writeSnapshot(session, path); err != nil {
		r.failed.Add(1)
		log.Printf("[STORE] Path snapshot failed: %v", err)
		return
	}
	r.written.Add(1)
}

func (r *Recorder) writeSnapshot(session string, path []location.Absolute) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT INTO path_snapshots (session_id, recorded_at, points) VALUES (?, ?, ?)`,
		session, r.timestamp(), len(path))
	if err != nil {
		return err
	}
	snapshot, err := res.LastInsertId()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO path_points (snapshot_id, idx, ts, origin_latitude, origin_longitude,
		easting_delta, northing_delta, deviation) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, pos := range path {
		o := pos.Origin()
		if _, err := stmt.Exec(snapshot, i, pos.Timestamp(), o.Latitude, o.Longitude,
			pos.EastingDelta(), pos.NorthingDelta(), pos.Deviation()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Accepts takes every sample kind
func (r *Recorder) Accepts() sensor.Kinds { return sensor.AllKinds }

func (r *Recorder) HandleSensorEvent(e sensor.Event) {
	switch s := e.(type) {
	case sensor.MotionSample:
		r.insert(`INSERT INTO motion_samples (session_id, ts, accel_x, accel_y, accel_z,
			rotation_x, rotation_y, rotation_z, yaw) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.Timestamp, s.Acceleration.X, s.Acceleration.Y, s.Acceleration.Z,
			s.RotationRate.X, s.RotationRate.Y, s.RotationRate.Z, s.Yaw)
	case sensor.CompassSample:
		r.insert(`INSERT INTO compass_samples (session_id, ts, magnetic_heading, true_heading, accuracy)
			VALUES (?, ?, ?, ?, ?)`,
			s.Timestamp, s.MagneticHeading, s.TrueHeading, s.Accuracy)
	case sensor.GPSFix:
		r.insert(`INSERT INTO gps_fixes (session_id, ts, latitude, longitude, altitude, speed, course,
			horizontal_acc, vertical_acc) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.Timestamp, s.Coordinate.Latitude, s.Coordinate.Longitude, s.Altitude, s.Speed, s.Course,
			s.HorizontalAccuracy, s.VerticalAccuracy)
	}
}

// Sessions lists recording runs, oldest first
func (r *Recorder) Sessions() ([]Session, error) {
	rows, err := r.db.Query(`SELECT session_id, COALESCE(label, ''), started_at, COALESCE(ended_at, 0)
		FROM sessions ORDER BY started_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("store: sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.Label, &s.StartedAt, &s.EndedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Positions returns the positions of one kind recorded in a session
func (r *Recorder) Positions(session, kind string) ([]location.Absolute, error) {
	rows, err := r.db.Query(`SELECT ts, origin_latitude, origin_longitude, easting_delta, northing_delta, deviation
		FROM positions WHERE session_id = ? AND kind = ? ORDER BY rowid`, session, kind)
	if err != nil {
		return nil, fmt.Errorf("store: positions: %w", err)
	}
	defer rows.Close()

	var out []location.Absolute
	for rows.Next() {
		var ts, lat, lon, east, north, dev float64
		if err := rows.Scan(&ts, &lat, &lon, &east, &north, &dev); err != nil {
			return nil, err
		}
		out = append(out, location.NewAbsolute(ts, east, north, location.Coordinate{Latitude: lat, Longitude: lon}, dev))
	}
	return out, rows.Err()
}

// LatestPath returns the last path snapshot of a session
func (r *Recorder) LatestPath(session string) ([]location.Absolute, error) {
	var snapshot int64
	err := r.db.QueryRow(`SELECT snapshot_id FROM path_snapshots WHERE session_id = ?
		ORDER BY snapshot_id DESC LIMIT 1`, session).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest path: %w", err)
	}

	rows, err := r.db.Query(`SELECT ts, origin_latitude, origin_longitude, easting_delta, northing_delta, deviation
		FROM path_points WHERE snapshot_id = ? ORDER BY idx`, snapshot)
	if err != nil {
		return nil, fmt.Errorf("store: path points: %w", err)
	}
	defer rows.Close()

	var out []location.Absolute
	for rows.Next() {
		var ts, lat, lon, east, north, dev float64
		if err := rows.Scan(&ts, &lat, &lon, &east, &north, &dev); err != nil {
			return nil, err
		}
		out = append(out, location.NewAbsolute(ts, east, north, location.Coordinate{Latitude: lat, Longitude: lon}, dev))
	}
	return out, rows.Err()
}

// Count returns the number of rows of table recorded in a session
func (r *Recorder) Count(table, session string) (int, error) {
	switch table {
	case "motion_samples", "compass_samples", "gps_fixes", "positions", "heading_corrections",
		"exchange_corrections", "connection_queries", "path_snapshots":
	default:
		return 0, fmt.Errorf("store: unknown table %q", table)
	}

	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM `+table+` WHERE session_id = ?`, session).Scan(&n)
	return n, err
}

func (r *Recorder) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"path":          r.path,
		"recording":     r.IsRecording(),
		"session":       r.Session(),
		"rows_written":  r.written.Load(),
		"writes_failed": r.failed.Load(),
	}
}
