package dsp

import "math"

// PeakType classifies an extremum found by PeakDet.
type PeakType int

const (
	PeakDown      PeakType = -1
	PeakUndefined PeakType = 0
	PeakUp        PeakType = 1
)

func (t PeakType) String() string {
	switch t {
	case PeakDown:
		return "down"
	case PeakUp:
		return "up"
	default:
		return "undefined"
	}
}

// PeakEntry is one extremum reported by PeakDet.
type PeakEntry struct {
	Index int
	Type  PeakType
}

// PeakDet scans data[left:right] once, alternating between looking for a
// maximum and a minimum. A maximum is reported (as PeakUp, at the position of
// the running max) once the signal has dropped more than threshold below it;
// a minimum is reported symmetrically. Extrema closer than threshold to the
// previous one are never reported. Out of range bounds are clamped.
func PeakDet(data []float64, left, right int, threshold float64) []PeakEntry {
	if left < 0 {
		left = 0
	}
	if right > len(data) {
		right = len(data)
	}

	var peaks []PeakEntry

	mx, mn := math.Inf(-1), math.Inf(1)
	mxPos, mnPos := 0, 0
	lookForMax := true

	for i := left; i < right; i++ {
		v := data[i]
		if v > mx {
			mx, mxPos = v, i
		}
		if v < mn {
			mn, mnPos = v, i
		}

		if lookForMax {
			if v < mx-threshold {
				peaks = append(peaks, PeakEntry{Index: mxPos, Type: PeakUp})
				mn, mnPos = v, i
				lookForMax = false
			}
		} else if v > mn+threshold {
			peaks = append(peaks, PeakEntry{Index: mnPos, Type: PeakDown})
			mx, mxPos = v, i
			lookForMax = true
		}
	}

	return peaks
}
