package telemetry

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferUnseenChannel(t *testing.T) {
	b := NewSampleBuffer(10)
	assert.Empty(t, b.History("RPM"))
	assert.True(t, b.Latest("RPM").IsAbsent())
}

func TestBufferEviction(t *testing.T) {
	const capacity = 5
	const extra = 3
	b := NewSampleBuffer(capacity)

	for i := 0; i < capacity+extra; i++ {
		b.Record("RPM", Num(float64(i)))
	}

	h := b.History("RPM")
	assert.Len(t, h, capacity)
	// the oldest `extra` values are gone, the rest preserved in order
	for i, v := range h {
		f, ok := v.Float()
		assert.True(t, ok)
		assert.Equal(t, float64(extra+i), f)
	}
}

func TestBufferMixedKinds(t *testing.T) {
	b := NewSampleBuffer(10)
	b.Record("FUEL_STATUS", Cat("Closed loop"))
	b.Record("FUEL_STATUS", Num(2))

	h := b.History("FUEL_STATUS")
	assert.Len(t, h, 2)
	label, ok := h[0].Label()
	assert.True(t, ok)
	assert.Equal(t, "Closed loop", label)
	f, ok := h[1].Float()
	assert.True(t, ok)
	assert.Equal(t, 2.0, f)
}

func TestBufferHistoryIsCopy(t *testing.T) {
	b := NewSampleBuffer(10)
	b.Record("RPM", Num(1000))
	h := b.History("RPM")
	h[0] = Num(9999)

	f, _ := b.History("RPM")[0].Float()
	assert.Equal(t, 1000.0, f)
}

func TestBufferClear(t *testing.T) {
	b := NewSampleBuffer(10)
	for i := 0; i < 3; i++ {
		b.Record(fmt.Sprintf("CH%d", i), Num(float64(i)))
	}
	assert.Len(t, b.Channels(), 3)

	b.Clear()
	assert.Empty(t, b.Channels())
	assert.Empty(t, b.History("CH0"))
}

func TestBufferDefaultCapacity(t *testing.T) {
	b := NewSampleBuffer(0)
	for i := 0; i < DefaultHistorySize+1; i++ {
		b.Record("RPM", Num(float64(i)))
	}
	assert.Len(t, b.History("RPM"), DefaultHistorySize)
}
