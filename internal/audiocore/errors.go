package audiocore

import (
	"github.com/tphakala/audiobridge/internal/errors"
)

// Component identifier for audiocore errors
const ComponentAudioCore = "audiocore"

var (
	// ErrUnknownDevice is returned when a device id is not in the current enumeration
	ErrUnknownDevice = errors.New(errors.NewStd("unknown output device")).
		Component(ComponentAudioCore).
		Category(errors.CategoryNotFound).
		Context("resource", "output_device").
		Build()

	// ErrUnknownBackend is returned when no registered backend has the requested name
	ErrUnknownBackend = errors.New(errors.NewStd("unknown audio backend")).
		Component(ComponentAudioCore).
		Category(errors.CategoryNotFound).
		Context("resource", "audio_backend").
		Build()

	// ErrUnsupportedOpcode is returned for MIDI events the output cannot serialize
	ErrUnsupportedOpcode = errors.New(errors.NewStd("unsupported midi opcode")).
		Component(ComponentAudioCore).
		Category(errors.CategoryValidation).
		Context("resource", "midi_event").
		Build()

	// ErrInvalidEvent is returned for MIDI events with out-of-range fields
	ErrInvalidEvent = errors.New(errors.NewStd("invalid midi event")).
		Component(ComponentAudioCore).
		Category(errors.CategoryValidation).
		Context("resource", "midi_event").
		Build()

	// ErrInvalidSpec is returned when a requested Spec cannot describe a stream
	ErrInvalidSpec = errors.New(errors.NewStd("invalid audio spec")).
		Component(ComponentAudioCore).
		Category(errors.CategoryValidation).
		Context("resource", "audio_spec").
		Build()

	// ErrDriverOpen is returned for operations that require a closed driver
	ErrDriverOpen = errors.New(errors.NewStd("driver is open")).
		Component(ComponentAudioCore).
		Category(errors.CategoryState).
		Context("resource", "audio_driver").
		Build()

	// ErrDriverNotOpen is returned for operations that require an open driver
	ErrDriverNotOpen = errors.New(errors.NewStd("driver is not open")).
		Component(ComponentAudioCore).
		Category(errors.CategoryState).
		Context("resource", "audio_driver").
		Build()

	// ErrNoDevice is returned when opening while the "none" device is selected
	ErrNoDevice = errors.New(errors.NewStd("no output device selected")).
		Component(ComponentAudioCore).
		Category(errors.CategoryState).
		Context("resource", "output_device").
		Build()

	// ErrMidiNotConnected is returned when sending without a connected MIDI port
	ErrMidiNotConnected = errors.New(errors.NewStd("midi output not connected")).
		Component(ComponentAudioCore).
		Category(errors.CategoryState).
		Context("resource", "midi_port").
		Build()

	// ErrMidiPortNotFound is returned when connecting to an unknown MIDI port
	ErrMidiPortNotFound = errors.New(errors.NewStd("midi port not found")).
		Component(ComponentAudioCore).
		Category(errors.CategoryNotFound).
		Context("resource", "midi_port").
		Build()

	// ErrQueueFull is returned by control-path helpers when the MIDI queue rejects an event
	ErrQueueFull = errors.New(errors.NewStd("midi queue full")).
		Component(ComponentAudioCore).
		Category(errors.CategoryLimit).
		Context("resource", "midi_queue").
		Build()

	// ErrInvalidBufferSize is returned for buffer sizes the device does not offer
	ErrInvalidBufferSize = errors.New(errors.NewStd("invalid buffer size")).
		Component(ComponentAudioCore).
		Category(errors.CategoryValidation).
		Context("resource", "buffer_size").
		Build()
)
