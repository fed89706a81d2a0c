package render

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/tphakala/audiobridge/internal/audiocore/scheduler"
)

type input struct {
	id     uint64
	source scheduler.Source
	gain   float32
}

// Mixer sums its inputs and clamps the result to [-1, 1]. Inputs may be
// added and removed from any goroutine while the worker renders.
type Mixer struct {
	mu     sync.Mutex
	nextID uint64
	inputs atomic.Pointer[[]input]

	scratch []float32
}

// NewMixer creates an empty mixer.
func NewMixer() *Mixer {
	m := &Mixer{}
	m.inputs.Store(&[]input{})
	return m
}

// Add appends source with the given gain and returns its handle.
func (m *Mixer) Add(source scheduler.Source, gain float32) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	next := append(slices.Clone(*m.inputs.Load()), input{id: m.nextID, source: source, gain: gain})
	m.inputs.Store(&next)
	return m.nextID
}

// Remove drops the input with handle id and reports whether it existed.
func (m *Mixer) Remove(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := *m.inputs.Load()
	next := slices.DeleteFunc(slices.Clone(cur), func(in input) bool { return in.id == id })
	m.inputs.Store(&next)
	return len(next) != len(cur)
}

// Len returns the number of inputs.
func (m *Mixer) Len() int {
	return len(*m.inputs.Load())
}

// SetSampleRate forwards the rate to inputs that depend on it.
func (m *Mixer) SetSampleRate(rate uint32) {
	for _, in := range *m.inputs.Load() {
		if rs, ok := in.source.(RateSetter); ok {
			rs.SetSampleRate(rate)
		}
	}
}

// Render implements scheduler.Source. Inputs that render fewer frames
// contribute silence for the rest.
func (m *Mixer) Render(dst []float32, frames, channels int) int {
	n := frames * channels
	clear(dst[:n])

	inputs := *m.inputs.Load()
	if len(inputs) == 0 {
		return frames
	}
	if cap(m.scratch) < n {
		m.scratch = make([]float32, n)
	}
	scratch := m.scratch[:n]

	for _, in := range inputs {
		got := in.source.Render(scratch, frames, channels)
		for i := range got * channels {
			dst[i] += scratch[i] * in.gain
		}
	}
	for i := range dst[:n] {
		dst[i] = min(max(dst[i], -1), 1)
	}
	return frames
}

var (
	_ scheduler.Source = (*Mixer)(nil)
	_ RateSetter       = (*Mixer)(nil)
)
