package audiocore

import "time"

// NoneDeviceID is the sentinel id meaning "no output device".
const NoneDeviceID = "none"

// NoneDeviceName is the display name of NoneDeviceID.
const NoneDeviceName = "No device"

// Buffer size limits for the powers-of-two list offered to users
const (
	MinimumBufferSize = 16
	MaximumBufferSize = 4096
)

// Stream defaults
const (
	DefaultSampleRate      = 48000
	DefaultChannels        = 2
	DefaultFramesPerPeriod = 512
)

// MIDI delivery defaults
const (
	// DefaultMidiQueueCapacity bounds queued events between control and callback
	DefaultMidiQueueCapacity = 1024

	// DefaultMidiEventsPerPeriod is the per-period port capacity
	DefaultMidiEventsPerPeriod = 256
)

// Worker interval bounds
const (
	MinWorkerInterval         = time.Millisecond
	MaxRealtimeWorkerInterval = 10 * time.Millisecond
	MaxIdleWorkerInterval     = 100 * time.Millisecond
)

// Default render reserves in frames
const (
	DefaultMinReserveIdle     = 4096
	DefaultMinReserveRealtime = 1024
)
