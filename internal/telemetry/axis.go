package telemetry

import (
	"math"

	"github.com/pkg/errors"
)

// Axis is an ordered set of bin centers for one dimension of the VE grid.
// Edges must be strictly increasing; spacing may be non-uniform. An Axis is
// immutable once built.
type Axis struct {
	edges []float64
}

// NewAxis validates and copies the edge values. At least one edge is
// required and edges must be strictly increasing.
func NewAxis(edges []float64) (Axis, error) {
	if len(edges) == 0 {
		return Axis{}, errors.New("axis requires at least one edge")
	}
	for i := 1; i < len(edges); i++ {
		if edges[i] <= edges[i-1] {
			return Axis{}, errors.Errorf("axis edges must be strictly increasing (edge %d: %g <= %g)",
				i, edges[i], edges[i-1])
		}
	}
	out := make([]float64, len(edges))
	copy(out, edges)
	return Axis{edges: out}, nil
}

func (a Axis) Len() int { return len(a.edges) }

// Edges returns a copy of the edge values.
func (a Axis) Edges() []float64 {
	out := make([]float64, len(a.edges))
	copy(out, a.edges)
	return out
}

// NearestIndex returns the index of the edge closest to v. Ties resolve to
// the lower index: the scan runs in increasing-index order and only a
// strictly smaller distance displaces the current best.
func (a Axis) NearestIndex(v float64) int {
	best := 0
	bestDist := math.Abs(a.edges[0] - v)
	for i := 1; i < len(a.edges); i++ {
		d := math.Abs(a.edges[i] - v)
		if d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best
}
