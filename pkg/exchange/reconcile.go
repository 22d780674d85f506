package exchange

import (
	"fmt"
	"math"

	"github.com/heitortanoue/reckon/pkg/location"
)

// Reconciler merges the local and the remote claim about where the two
// peers are. The result is expressed around the local origin and carries the
// newer of the two timestamps. Implementations must be symmetric so both
// sides of an exchange end up at the same point.
type Reconciler interface {
	Name() string
	Reconcile(local, remote location.Absolute) location.Absolute
}

// PreferLowerDeviation takes the claim with the smaller deviation; equal
// deviations are averaged.
type PreferLowerDeviation struct{}

func (PreferLowerDeviation) Name() string { return "prefer-lower-deviation" }

func (PreferLowerDeviation) Reconcile(local, remote location.Absolute) location.Absolute {
	r := remote.Rebase(local.Origin())
	ts := math.Max(local.Timestamp(), remote.Timestamp())

	switch {
	case r.Deviation() < local.Deviation():
		return r.WithTimestamp(ts)
	case r.Deviation() > local.Deviation():
		return local.WithTimestamp(ts)
	default:
		return location.NewAbsolute(ts,
			(local.EastingDelta()+r.EastingDelta())/2,
			(local.NorthingDelta()+r.NorthingDelta())/2,
			local.Origin(), local.Deviation())
	}
}

// InverseVariance weights each claim by 1/deviation². A zero deviation is
// exact and wins outright.
type InverseVariance struct{}

func (InverseVariance) Name() string { return "inverse-variance" }

func (InverseVariance) Reconcile(local, remote location.Absolute) location.Absolute {
	r := remote.Rebase(local.Origin())
	ts := math.Max(local.Timestamp(), remote.Timestamp())
	dl, dr := local.Deviation(), r.Deviation()

	if dl == 0 || dr == 0 {
		return PreferLowerDeviation{}.Reconcile(local, remote)
	}

	wl, wr := 1/(dl*dl), 1/(dr*dr)
	sum := wl + wr
	return location.NewAbsolute(ts,
		(wl*local.EastingDelta()+wr*r.EastingDelta())/sum,
		(wl*local.NorthingDelta()+wr*r.NorthingDelta())/sum,
		local.Origin(), math.Sqrt(1/sum))
}

// ReconcilerByName maps a config value to a policy
func ReconcilerByName(name string) (Reconciler, error) {
	switch name {
	case "", PreferLowerDeviation{}.Name():
		return PreferLowerDeviation{}, nil
	case InverseVariance{}.Name():
		return InverseVariance{}, nil
	default:
		return nil, fmt.Errorf("exchange: unknown reconciler %q", name)
	}
}
