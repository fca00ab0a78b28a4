package telemetry

import "sync"

// Grid accumulates VE estimates per (MAP, RPM) operating cell as a running
// arithmetic mean plus an exact sample count. The mean is cumulative over
// the life of the grid: tuning workflows rely on it converging across many
// drive cycles, so it is never windowed or decayed. The grid survives
// disconnects and is cleared only by an explicit Reset.
type Grid struct {
	mu      sync.Mutex
	mapAxis Axis
	rpmAxis Axis
	means   [][]float64
	counts  [][]int
}

// NewGrid builds an empty grid over the given axes. Rows follow the MAP
// axis, columns the RPM axis.
func NewGrid(mapAxis, rpmAxis Axis) *Grid {
	g := &Grid{mapAxis: mapAxis, rpmAxis: rpmAxis}
	g.means, g.counts = g.emptyMatrices()
	return g
}

func (g *Grid) emptyMatrices() ([][]float64, [][]int) {
	means := make([][]float64, g.mapAxis.Len())
	counts := make([][]int, g.mapAxis.Len())
	for i := range means {
		means[i] = make([]float64, g.rpmAxis.Len())
		counts[i] = make([]int, g.rpmAxis.Len())
	}
	return means, counts
}

// Axes returns the MAP and RPM axes the grid was built over.
func (g *Grid) Axes() (mapAxis, rpmAxis Axis) {
	return g.mapAxis, g.rpmAxis
}

// Observe resolves the cell nearest to the (rpm, map) operating point and
// folds ve into its running mean. The resolved cell indices are returned
// for the caller's display use.
func (g *Grid) Observe(rpm, manifold, ve float64) (mapIdx, rpmIdx int) {
	mapIdx = g.mapAxis.NearestIndex(manifold)
	rpmIdx = g.rpmAxis.NearestIndex(rpm)
	g.Update(mapIdx, rpmIdx, ve)
	return mapIdx, rpmIdx
}

// Update applies the online mean update to one cell:
//
//	mean = (mean*count + v) / (count+1); count++
//
// which keeps the cell's mean equal to the arithmetic mean of every value
// ever assigned to it.
func (g *Grid) Update(mapIdx, rpmIdx int, v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := g.counts[mapIdx][rpmIdx]
	g.means[mapIdx][rpmIdx] = (g.means[mapIdx][rpmIdx]*float64(n) + v) / float64(n+1)
	g.counts[mapIdx][rpmIdx] = n + 1
}

// Snapshot returns copies of the mean and count matrices. Unvisited cells
// read zero in both; the count matrix is what distinguishes them from
// visited cells whose mean happens to be zero.
func (g *Grid) Snapshot() (means [][]float64, counts [][]int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	means = make([][]float64, len(g.means))
	counts = make([][]int, len(g.counts))
	for i := range g.means {
		means[i] = make([]float64, len(g.means[i]))
		copy(means[i], g.means[i])
		counts[i] = make([]int, len(g.counts[i]))
		copy(counts[i], g.counts[i])
	}
	return means, counts
}

// Reset zeroes both matrices. Only invoked on explicit operator request.
func (g *Grid) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.means, g.counts = g.emptyMatrices()
}
