package driver

import (
	"context"
	"slices"

	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/audiocore/midi"
)

// DeviceInfo is an output device offered by a backend. ID is the
// backend-native id; Registry prefixes it with the backend name.
type DeviceInfo struct {
	ID        string
	Name      string
	IsDefault bool
}

// Backend is one audio API. Backends are registered at runtime in a
// Registry owned by the device manager.
type Backend interface {
	Name() string
	Devices(ctx context.Context) ([]DeviceInfo, error)
	NewDriver(deviceID string) (Driver, error)
}

// Driver owns one output device.
type Driver interface {
	Backend() string
	DeviceID() string

	// Open starts the stream and returns the granted Spec. Opening an open
	// driver returns the active Spec.
	Open(spec Spec) (Spec, error)
	// Close stops the stream and returns once no more callbacks run.
	Close() error
	IsOpen() bool
	ActiveSpec() Spec

	// PushMidiEvent queues ev for the next period; false when full.
	PushMidiEvent(ev midi.Event) bool
	// SetMidiPort sets where the period routine writes MIDI bytes.
	SetMidiPort(port midi.Port)

	// OutputDeviceBufferSize returns the frames per period in use or
	// configured for the next open.
	OutputDeviceBufferSize() uint32
	// SetOutputDeviceBufferSize records n for the next Open.
	SetOutputDeviceBufferSize(n uint32) error
	AvailableBufferSizes() []uint32

	Stats() Stats
}

// PowerOfTwoBufferSizes returns the powers of two from
// audiocore.MinimumBufferSize up to maxSize (capped at
// audiocore.MaximumBufferSize) in ascending order.
func PowerOfTwoBufferSizes(maxSize uint32) []uint32 {
	if maxSize == 0 || maxSize > audiocore.MaximumBufferSize {
		maxSize = audiocore.MaximumBufferSize
	}

	var sizes []uint32
	for n := uint32(audiocore.MaximumBufferSize); n >= audiocore.MinimumBufferSize; n /= 2 {
		if n <= maxSize {
			sizes = append(sizes, n)
		}
	}
	slices.Sort(sizes)
	return sizes
}
