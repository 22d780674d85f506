package pdr

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/heitortanoue/reckon/pkg/location"
)

var (
	// ErrNoOrigin is returned when stepping on a path that was never anchored
	ErrNoOrigin = errors.New("pdr: path has no origin")
	// ErrInvalidPosition is returned for positions without an origin
	ErrInvalidPosition = errors.New("pdr: position has no origin")
)

type pathEntry struct {
	pos location.Absolute
	// delta applied to reach pos, already rotated; zero for anchors
	delta  location.Relative
	anchor bool
}

// Path is the dead reckoning trajectory. It keeps the delta behind every
// position so a heading correction can rebuild the positions after the last
// anchor. One writer appends while any number of readers take snapshots.
type Path struct {
	entries       []pathEntry
	anchorIdx     int
	headingOffset float64
	walked        float64
	mutex         sync.RWMutex
}

// NewPath creates an empty path. It needs an anchor before steps are
// accepted.
func NewPath() *Path {
	return &Path{anchorIdx: -1}
}

// Reset drops the path and starts a new one at start
func (p *Path) Reset(start location.Absolute) error {
	if !start.IsValid() {
		return ErrInvalidPosition
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.entries = []pathEntry{{pos: start, anchor: true}}
	p.anchorIdx = 0
	p.headingOffset = 0
	p.walked = 0
	return nil
}

// Anchor pins the path to a known position (GPS fix, manual or
// collaborative correction). Later rotations pivot around the newest anchor.
func (p *Path) Anchor(pos location.Absolute) error {
	if !pos.IsValid() {
		return ErrInvalidPosition
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.entries = append(p.entries, pathEntry{pos: pos, anchor: true})
	p.anchorIdx = len(p.entries) - 1
	return nil
}

// Append integrates one step. The delta is rotated by the accumulated manual
// heading correction; its deviation is added to the previous one.
func (p *Path) Append(delta location.Relative) (location.Absolute, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.anchorIdx < 0 {
		return location.Absolute{}, ErrNoOrigin
	}

	rotated := delta.Rotate(p.headingOffset)
	last := p.entries[len(p.entries)-1].pos
	pos := last.Move(rotated).WithDeviation(last.Deviation() + delta.Deviation())

	p.entries = append(p.entries, pathEntry{pos: pos, delta: rotated})
	p.walked += delta.Length()
	return pos, nil
}

// RotateBy rotates everything after the newest anchor around it. Steps
// appended later are rotated as well.
func (p *Path) RotateBy(radians float64) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.anchorIdx < 0 {
		return ErrNoOrigin
	}
	p.rotateFromLocked(p.anchorIdx, radians)
	return nil
}

// RotateFrom rotates the part of the path after index pivot around the
// entry at pivot. pivot must not lie before the newest anchor.
func (p *Path) RotateFrom(pivot int, radians float64) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.anchorIdx < 0 {
		return ErrNoOrigin
	}
	if pivot < p.anchorIdx || pivot >= len(p.entries) {
		return fmt.Errorf("pdr: pivot %d outside [%d, %d)", pivot, p.anchorIdx, len(p.entries))
	}
	p.rotateFromLocked(pivot, radians)
	return nil
}

func (p *Path) rotateFromLocked(pivot int, radians float64) {
	for i := pivot + 1; i < len(p.entries); i++ {
		e := &p.entries[i]
		e.delta = e.delta.Rotate(radians)
		e.pos = p.entries[i-1].pos.Move(e.delta).WithDeviation(e.pos.Deviation())
	}
	p.headingOffset = math.Remainder(p.headingOffset+radians, 2*math.Pi)
}

// NearestIndex returns the index of the entry closest to c that may serve
// as a rotation pivot (at or after the newest anchor).
func (p *Path) NearestIndex(c location.Coordinate) (int, bool) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.anchorIdx < 0 {
		return 0, false
	}

	pin := location.At(0, c, 0)
	best, bestDist := -1, math.Inf(1)
	for i := p.anchorIdx; i < len(p.entries); i++ {
		if d := pin.Distance(p.entries[i].pos); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, best >= 0
}

// SegmentFrom copies the entries from index from to the end
func (p *Path) SegmentFrom(from int) []location.Absolute {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if from < 0 {
		from = 0
	}
	if from >= len(p.entries) {
		return nil
	}
	out := make([]location.Absolute, 0, len(p.entries)-from)
	for _, e := range p.entries[from:] {
		out = append(out, e.pos)
	}
	return out
}

// Snapshot returns a copy of every position in order
func (p *Path) Snapshot() []location.Absolute {
	return p.SegmentFrom(0)
}

// Replace swaps in a complete path. The first entry becomes the anchor and
// the deltas are derived from consecutive positions.
func (p *Path) Replace(path []location.Absolute) error {
	if len(path) == 0 {
		return fmt.Errorf("pdr: empty replacement path")
	}
	entries := make([]pathEntry, len(path))
	walked := 0.0
	for i, pos := range path {
		if !pos.IsValid() {
			return fmt.Errorf("entry %d: %w", i, ErrInvalidPosition)
		}
		entries[i].pos = pos
		if i == 0 {
			entries[i].anchor = true
			continue
		}
		entries[i].delta = path[i-1].Offset(pos)
		walked += entries[i].delta.Length()
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.entries = entries
	p.anchorIdx = 0
	p.walked = walked
	return nil
}

// Current returns the newest position
func (p *Path) Current() (location.Absolute, bool) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if len(p.entries) == 0 {
		return location.Absolute{}, false
	}
	return p.entries[len(p.entries)-1].pos, true
}

// Len returns the number of entries
func (p *Path) Len() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return len(p.entries)
}

// Walked is the summed length of all steps, unaffected by anchors
func (p *Path) Walked() float64 {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.walked
}

// HeadingOffset is the accumulated manual rotation in radians, in [-π, π]
func (p *Path) HeadingOffset() float64 {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.headingOffset
}

// AnchorIndex returns the index of the newest anchor, -1 when empty
func (p *Path) AnchorIndex() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.anchorIdx
}
