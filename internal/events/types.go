// Package events distributes device and pipeline notifications to
// subscribers and asynchronous consumers without blocking publishers.
package events

import (
	"time"
)

// Kind identifies a notification type.
type Kind string

const (
	// KindAvailableDevicesChanged fires when an enumeration differs from the previous one.
	KindAvailableDevicesChanged Kind = "available_devices_changed"
	// KindOutputDeviceChanged fires after a successful device switch.
	KindOutputDeviceChanged Kind = "output_device_changed"
	// KindBufferSizeChanged fires once per buffer size reconfiguration.
	KindBufferSizeChanged Kind = "buffer_size_changed"
	// KindDeviceDisconnected fires when the current device vanished.
	KindDeviceDisconnected Kind = "device_disconnected"
	// KindSpecChanged fires when the backend changes the active format.
	KindSpecChanged Kind = "spec_changed"
	// KindMidiPortChanged fires when the MIDI output port connects or disconnects.
	KindMidiPortChanged Kind = "midi_port_changed"
	// KindError carries an error built by the errors package.
	KindError Kind = "error"
)

// Event is a single notification.
type Event struct {
	Kind       Kind           `json:"kind"`
	Source     string         `json:"source"`
	DeviceID   string         `json:"device_id,omitempty"`
	PreviousID string         `json:"previous_id,omitempty"`
	BufferSize uint32         `json:"buffer_size,omitempty"`
	SampleRate uint32         `json:"sample_rate,omitempty"`
	Devices    []string       `json:"devices,omitempty"`
	Message    string         `json:"message,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ErrorEvent is the subset of *errors.EnhancedError the bus needs.
type ErrorEvent interface {
	GetComponent() string
	GetCategory() string
	GetContext() map[string]any
	GetTimestamp() time.Time
	GetMessage() string
}

// EventConsumer processes events on the bus worker goroutines.
type EventConsumer interface {
	// Name returns the consumer name for identification
	Name() string

	// ProcessEvent processes a single event
	ProcessEvent(event Event) error
}

// Stats contains runtime statistics for monitoring
type Stats struct {
	EventsReceived  uint64
	EventsProcessed uint64
	EventsDropped   uint64
	ConsumerErrors  uint64
	SubscriberDrops uint64
}
