package matcher

import (
	"math"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/types"
)

// DefaultTolerance is the Euclidean distance at or under which two face encodings
// are considered the same person.
const DefaultTolerance = 0.6

// Distance is the Euclidean distance between two descriptors.
// Descriptors of different (or zero) length are infinitely far apart.
func Distance(a, b types.Descriptor) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Match returns the identity of the first gallery entry, in gallery order, whose
// descriptor is within tolerance of probe. The first acceptable entry wins even
// if a later one is closer.
func Match(g *gallery.Gallery, probe types.Descriptor, tolerance float64) (types.Identity, bool) {
	if g == nil {
		return types.Unknown, false
	}
	for _, e := range g.Entries {
		if Distance(e.Descriptor, probe) <= tolerance {
			return e.Identity, true
		}
	}
	return types.Unknown, false
}

// Closest returns the nearest gallery entry regardless of tolerance. It is a
// diagnostic; attendance is always decided by Match.
func Closest(g *gallery.Gallery, probe types.Descriptor) (gallery.Entry, float64, bool) {
	best, bestDist, found := gallery.Entry{}, math.Inf(1), false
	if g == nil {
		return best, bestDist, false
	}
	for _, e := range g.Entries {
		if d := Distance(e.Descriptor, probe); d < bestDist {
			best, bestDist, found = e, d, true
		}
	}
	return best, bestDist, found
}
