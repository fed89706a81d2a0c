// Package render provides render sources for the audio worker: generated
// signals, a mixer, decoded files and a recording tap.
package render

import (
	"math"
	"sync/atomic"

	"github.com/tphakala/audiobridge/internal/audiocore/scheduler"
)

// RateSetter is implemented by sources whose output depends on the active
// sample rate. The engine calls it with every granted format.
type RateSetter interface {
	SetSampleRate(rate uint32)
}

// Silence renders zeros.
type Silence struct{}

// Render implements scheduler.Source.
func (Silence) Render(dst []float32, frames, _ int) int {
	clear(dst)
	return frames
}

// Tone renders a sine wave on every channel.
type Tone struct {
	frequency float64
	amplitude float32
	rate      atomic.Uint32
	phase     float64
}

// NewTone creates a sine source. Amplitude is clamped to [0, 1].
func NewTone(frequency float64, amplitude float32, sampleRate uint32) *Tone {
	t := &Tone{
		frequency: frequency,
		amplitude: min(max(amplitude, 0), 1),
	}
	t.rate.Store(sampleRate)
	return t
}

// SetSampleRate implements RateSetter.
func (t *Tone) SetSampleRate(rate uint32) { t.rate.Store(rate) }

// Render implements scheduler.Source.
func (t *Tone) Render(dst []float32, frames, channels int) int {
	rate := t.rate.Load()
	if rate == 0 || channels <= 0 {
		clear(dst)
		return frames
	}

	step := 2 * math.Pi * t.frequency / float64(rate)
	for f := range frames {
		v := t.amplitude * float32(math.Sin(t.phase))
		for c := range channels {
			dst[f*channels+c] = v
		}
		t.phase += step
		if t.phase >= 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
	return frames
}

var (
	_ scheduler.Source = Silence{}
	_ scheduler.Source = (*Tone)(nil)
	_ RateSetter       = (*Tone)(nil)
)
