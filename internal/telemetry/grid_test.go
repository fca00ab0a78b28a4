package telemetry

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGrid(t *testing.T) *Grid {
	t.Helper()
	mapAxis, err := NewAxis([]float64{20, 30, 40})
	require.NoError(t, err)
	rpmAxis, err := NewAxis([]float64{1000, 2000, 3000, 4000})
	require.NoError(t, err)
	return NewGrid(mapAxis, rpmAxis)
}

func TestGridOnlineMeanMatchesArithmeticMean(t *testing.T) {
	g := testGrid(t)

	values := []float64{0.8, 0.95, 1.1, 0.7, 0.88, 1.02, 0.91}
	sum := 0.0
	for _, v := range values {
		g.Update(1, 2, v)
		sum += v
	}

	means, counts := g.Snapshot()
	assert.Equal(t, len(values), counts[1][2])
	assert.InDelta(t, sum/float64(len(values)), means[1][2], 1e-12)
}

func TestGridMeanOrderIndependent(t *testing.T) {
	values := []float64{0.5, 1.5, 0.75, 1.25, 0.9, 1.1}
	want := 1.0

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 5; trial++ {
		g := testGrid(t)
		shuffled := append([]float64(nil), values...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		for _, v := range shuffled {
			g.Update(0, 0, v)
		}
		means, _ := g.Snapshot()
		assert.InDelta(t, want, means[0][0], 1e-12)
	}
}

func TestGridObserveResolvesNearestCell(t *testing.T) {
	g := testGrid(t)

	mapIdx, rpmIdx := g.Observe(2100, 33, 0.9)
	assert.Equal(t, 1, mapIdx) // 33 kPa nearest 30
	assert.Equal(t, 1, rpmIdx) // 2100 rpm nearest 2000

	_, counts := g.Snapshot()
	assert.Equal(t, 1, counts[1][1])
}

func TestGridUnvisitedCellsReadZero(t *testing.T) {
	g := testGrid(t)
	g.Update(0, 0, 0.9)

	means, counts := g.Snapshot()
	assert.Zero(t, means[2][3])
	assert.Zero(t, counts[2][3])
	// a visited cell with mean 0 is distinguishable via its count
	g.Update(2, 3, 0)
	means, counts = g.Snapshot()
	assert.Zero(t, means[2][3])
	assert.Equal(t, 1, counts[2][3])
}

func TestGridSnapshotIsCopy(t *testing.T) {
	g := testGrid(t)
	g.Update(0, 0, 1.0)

	means, counts := g.Snapshot()
	means[0][0] = 42
	counts[0][0] = 42

	m2, c2 := g.Snapshot()
	assert.Equal(t, 1.0, m2[0][0])
	assert.Equal(t, 1, c2[0][0])
}

func TestGridReset(t *testing.T) {
	g := testGrid(t)
	g.Update(1, 1, 0.8)
	g.Update(1, 1, 1.0)

	g.Reset()
	means, counts := g.Snapshot()
	for i := range means {
		for j := range means[i] {
			assert.Zero(t, means[i][j])
			assert.Zero(t, counts[i][j])
		}
	}

	// updates after reset behave as if the cell was never visited
	g.Update(1, 1, 0.6)
	means, counts = g.Snapshot()
	assert.Equal(t, 0.6, means[1][1])
	assert.Equal(t, 1, counts[1][1])
}
