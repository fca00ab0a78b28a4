package telemetry

import (
	"sort"
	"sync"
)

// DefaultHistorySize is the per-channel rolling history cap.
const DefaultHistorySize = 100

// SampleBuffer keeps a bounded rolling history per named sensor channel,
// most-recent-last. Once a channel reaches capacity the oldest entry is
// evicted. A channel is created on its first Record and all channels are
// dropped together on Clear (session teardown).
//
// The buffer is written by the poll goroutine and read by HTTP handlers,
// so all access goes through the internal lock and reads return copies.
type SampleBuffer struct {
	mu       sync.Mutex
	capacity int
	channels map[string][]Value
}

// NewSampleBuffer creates a buffer with the given per-channel capacity.
// Non-positive capacities fall back to DefaultHistorySize.
func NewSampleBuffer(capacity int) *SampleBuffer {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &SampleBuffer{
		capacity: capacity,
		channels: make(map[string][]Value),
	}
}

// Record appends a value to the channel's history, evicting the oldest
// entry if the channel is at capacity. Any value kind is accepted.
func (b *SampleBuffer) Record(channel string, v Value) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.channels[channel]
	if len(h) >= b.capacity {
		h = h[1:]
	}
	b.channels[channel] = append(h, v)
}

// History returns a copy of the channel's history, oldest first. Unseen
// channels yield an empty slice.
func (b *SampleBuffer) History(channel string) []Value {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.channels[channel]
	out := make([]Value, len(h))
	copy(out, h)
	return out
}

// Latest returns the most recent value for the channel, or an absent Value
// if the channel has no history.
func (b *SampleBuffer) Latest(channel string) Value {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.channels[channel]
	if len(h) == 0 {
		return None()
	}
	return h[len(h)-1]
}

// Channels returns the known channel names, sorted.
func (b *SampleBuffer) Channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.channels))
	for name := range b.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear drops every channel and its history.
func (b *SampleBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = make(map[string][]Value)
}
