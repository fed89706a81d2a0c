// Package bridge builds the audio, MIDI and control components from
// settings and runs them together.
package bridge

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/audiocore/device"
	"github.com/tphakala/audiobridge/internal/audiocore/driver"
	"github.com/tphakala/audiobridge/internal/audiocore/engine"
	"github.com/tphakala/audiobridge/internal/audiocore/midi"
	"github.com/tphakala/audiobridge/internal/audiocore/scheduler"
	"github.com/tphakala/audiobridge/internal/conf"
	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/events"
	"github.com/tphakala/audiobridge/internal/logging"
	"github.com/tphakala/audiobridge/internal/observability"
)

const busShutdownTimeout = 2 * time.Second

// Bridge owns the components shared by every command.
type Bridge struct {
	Settings *conf.Settings
	Bus      *events.Bus
	Metrics  *observability.Metrics
	Devices  *device.Manager

	logger *slog.Logger
}

// Option configures a Bridge.
type Option func(*options)

type options struct {
	registry *driver.Registry
}

// WithRegistry uses registry instead of building one from
// audio.backend.
func WithRegistry(registry *driver.Registry) Option {
	return func(o *options) { o.registry = registry }
}

// New creates the metrics registry, event bus, backend registry and device
// manager. Backends that fail to initialise are logged and skipped; an
// empty registry is an error.
func New(settings *conf.Settings, opts ...Option) (*Bridge, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.ServiceOrDefault("bridge")

	m, err := observability.NewMetrics()
	if err != nil {
		return nil, err
	}

	registry := o.registry
	if registry == nil {
		registry = driver.NewRegistry()
		if err := driver.RegisterBackends(registry, settings.Audio.Backends(), DriverOptions(settings)); err != nil {
			logger.Warn("some audio backends are unavailable", "error", err)
		}
	}
	if len(registry.Names()) == 0 {
		return nil, errors.Newf("no audio backend available").
			Component("bridge").
			Category(errors.CategoryConfiguration).
			Context("backend", settings.Audio.Backend).
			Build()
	}

	bus := events.New(events.DefaultConfig())
	manager := device.NewManager(registry, bus, DeviceConfig(settings), device.WithMetrics(m.Audio))
	errors.SetEventPublisher(bus)

	logger.Info("audio backends registered", "backends", registry.Names())
	return &Bridge{
		Settings: settings,
		Bus:      bus,
		Metrics:  m,
		Devices:  manager,
		logger:   logger,
	}, nil
}

// DriverOptions maps audio settings to driver options.
func DriverOptions(s *conf.Settings) driver.Options {
	opts := driver.DefaultOptions()
	if s.Audio.MidiQueueCapacity > 0 {
		opts.MidiQueueCapacity = s.Audio.MidiQueueCapacity
	}
	if s.Audio.MidiEventsPerPeriod > 0 {
		opts.MidiEventsPerPeriod = s.Audio.MidiEventsPerPeriod
	}
	return opts
}

// DeviceConfig maps listener and enumeration settings to a manager config.
func DeviceConfig(s *conf.Settings) device.Config {
	cfg := device.DefaultConfig()
	cfg.CacheTTL = s.Audio.Enumeration.CacheTTL
	if s.Audio.Listener.Interval > 0 {
		cfg.ListenerInterval = s.Audio.Listener.Interval
	}
	cfg.WatchPaths = s.Audio.Listener.WatchPaths
	return cfg
}

// ParseRenderMode maps "realtime" to ModeRealtime and anything else to
// ModeIdle.
func ParseRenderMode(mode string) scheduler.RenderMode {
	if mode == scheduler.ModeRealtime.String() {
		return scheduler.ModeRealtime
	}
	return scheduler.ModeIdle
}

// EngineConfig maps audio settings to an engine config.
func EngineConfig(s *conf.Settings) engine.Config {
	cfg := engine.DefaultConfig()
	a := s.Audio
	if a.SampleRate > 0 {
		cfg.SampleRate = uint32(a.SampleRate)
	}
	if a.Channels > 0 {
		cfg.Channels = uint16(a.Channels)
	}
	if a.BufferSize > 0 {
		cfg.FramesPerPeriod = uint32(a.BufferSize)
	}
	if a.RingBufferFrames > 0 {
		cfg.RingFrames = a.RingBufferFrames
	}
	if a.Render.MinReserveIdle > 0 {
		cfg.Constraints.MinSamplesToReserveWhenIdle = uint32(a.Render.MinReserveIdle)
	}
	if a.Render.MinReserveRealtime > 0 {
		cfg.Constraints.MinSamplesToReserveInRealtime = uint32(a.Render.MinReserveRealtime)
	}
	cfg.Mode = ParseRenderMode(a.Render.Mode)
	cfg.RealtimePriority = a.Render.RealtimePriority
	cfg.SoftwareFallback = a.SoftwareFallback
	cfg.DriverOptions = DriverOptions(s)
	return cfg
}

// SelectConfiguredDevice selects audio.device. When it is empty the
// backend default is used, then the first listed device. "none" leaves
// the output closed.
func (b *Bridge) SelectConfiguredDevice(ctx context.Context) error {
	id := b.Settings.Audio.Device
	if id == "" {
		id = b.defaultDevice(ctx)
	}
	if err := b.Devices.SelectOutputDevice(ctx, id); err != nil {
		return err
	}
	if size := b.Settings.Audio.BufferSize; size > 0 && id != audiocore.NoneDeviceID {
		if slices.Contains(b.Devices.AvailableBufferSizes(), uint32(size)) {
			return b.Devices.SetOutputDeviceBufferSize(ctx, uint32(size))
		}
		b.logger.Warn("configured buffer size not offered by device", "buffer_size", size, "device_id", id)
	}
	return nil
}

func (b *Bridge) defaultDevice(ctx context.Context) string {
	records := b.Devices.AvailableOutputDevices(ctx)
	for _, r := range records {
		if r.IsDefault {
			return r.ID
		}
	}
	for _, r := range records {
		if r.ID != audiocore.NoneDeviceID {
			return r.ID
		}
	}
	return audiocore.NoneDeviceID
}

// NewEngine creates an engine playing source on the selected device.
func (b *Bridge) NewEngine(source scheduler.Source) *engine.Engine {
	return engine.New(b.Devices, source, EngineConfig(b.Settings), engine.WithMetrics(b.Metrics.Audio))
}

// NewOutPort creates a MIDI output manager over the serial and system
// MIDI providers, delivering events through sink.
func (b *Bridge) NewOutPort(sink midi.EventSink) *midi.OutPort {
	baud := b.Settings.MIDI.BaudRate
	if baud <= 0 {
		baud = midi.DINBaudRate
	}
	return midi.NewOutPort(sink, b.Bus, midi.NewSerialProvider(baud), midi.NewDriverProvider())
}

// Close releases the device and stops the event bus.
func (b *Bridge) Close() error {
	errors.SetEventPublisher(nil)
	return errors.Join(b.Devices.Close(), b.Bus.Shutdown(busShutdownTimeout))
}
