// Package driver negotiates output formats with audio backends and runs the
// per-period hardware routine that feeds them.
package driver

import (
	"fmt"
	"time"

	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/errors"
)

// Format is the sample format of a stream.
type Format uint8

const (
	FormatUnknown Format = iota
	// FormatF32 is interleaved native float32, the only supported format.
	FormatF32
)

func (f Format) String() string {
	if f == FormatF32 {
		return "f32"
	}
	return "unknown"
}

// Callback fills dst with frames interleaved frames. It runs on the
// hardware thread and must not allocate, lock or block.
type Callback func(dst []float32, frames int)

// Spec describes a stream. The Spec passed to Open is the request; the one
// Open returns is what the device granted and is what callers must use.
type Spec struct {
	SampleRate      uint32
	Channels        uint16
	Format          Format
	FramesPerPeriod uint32

	Callback Callback

	// OnChange is called off the hardware thread when the backend changes
	// the active format, for example a server sample rate switch.
	OnChange func(active Spec)
}

// Validate checks that s can describe a stream.
func (s Spec) Validate() error {
	var problem string
	switch {
	case s.SampleRate == 0:
		problem = "sample_rate"
	case s.Channels == 0:
		problem = "channels"
	case s.Format != FormatF32:
		problem = "format"
	case s.FramesPerPeriod == 0:
		problem = "frames_per_period"
	case s.Callback == nil:
		problem = "callback"
	}
	if problem == "" {
		return nil
	}
	return errors.New(audiocore.ErrInvalidSpec).
		Component("audiocore.driver").
		Context("field", problem).
		Context("spec", s.String()).
		Build()
}

// PeriodDuration is the wall time of one period.
func (s Spec) PeriodDuration() time.Duration {
	if s.SampleRate == 0 {
		return 0
	}
	return time.Duration(s.FramesPerPeriod) * time.Second / time.Duration(s.SampleRate)
}

// SameFormat reports whether rate, channels, format and period match.
func (s Spec) SameFormat(o Spec) bool {
	return s.SampleRate == o.SampleRate &&
		s.Channels == o.Channels &&
		s.Format == o.Format &&
		s.FramesPerPeriod == o.FramesPerPeriod
}

func (s Spec) String() string {
	return fmt.Sprintf("%dHz/%dch/%s/%d", s.SampleRate, s.Channels, s.Format, s.FramesPerPeriod)
}

// DefaultSpec returns the stream defaults with the given callback.
func DefaultSpec(cb Callback) Spec {
	return Spec{
		SampleRate:      audiocore.DefaultSampleRate,
		Channels:        audiocore.DefaultChannels,
		Format:          FormatF32,
		FramesPerPeriod: audiocore.DefaultFramesPerPeriod,
		Callback:        cb,
	}
}
