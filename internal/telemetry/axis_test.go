package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAxisRejectsEmpty(t *testing.T) {
	_, err := NewAxis(nil)
	assert.Error(t, err)
}

func TestNewAxisRejectsNonIncreasing(t *testing.T) {
	_, err := NewAxis([]float64{10, 20, 20, 30})
	assert.Error(t, err)
	_, err = NewAxis([]float64{10, 5})
	assert.Error(t, err)
}

func TestNewAxisCopiesEdges(t *testing.T) {
	edges := []float64{10, 20, 30}
	a, err := NewAxis(edges)
	require.NoError(t, err)
	edges[0] = 99
	assert.Equal(t, []float64{10, 20, 30}, a.Edges())
}

func TestNearestIndex(t *testing.T) {
	a, err := NewAxis([]float64{10, 20, 30})
	require.NoError(t, err)

	tests := []struct {
		value float64
		want  int
	}{
		{value: 10, want: 0},
		{value: 12, want: 0},
		{value: 15, want: 0}, // equidistant: lower index wins
		{value: 16, want: 1},
		{value: 25, want: 1}, // equidistant: lower index wins
		{value: 29, want: 2},
		{value: -100, want: 0},
		{value: 1000, want: 2},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, a.NearestIndex(tc.value), "value %g", tc.value)
	}
}

func TestNearestIndexSingleEdge(t *testing.T) {
	a, err := NewAxis([]float64{50})
	require.NoError(t, err)
	assert.Equal(t, 0, a.NearestIndex(-1))
	assert.Equal(t, 0, a.NearestIndex(5000))
}

func TestNearestIndexNonUniform(t *testing.T) {
	a, err := NewAxis([]float64{500, 900, 1000, 4000})
	require.NoError(t, err)
	assert.Equal(t, 1, a.NearestIndex(850))
	assert.Equal(t, 1, a.NearestIndex(950)) // equidistant from 900 and 1000, lower index wins
	assert.Equal(t, 3, a.NearestIndex(2600))
}
