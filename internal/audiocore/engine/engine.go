// Package engine connects a render source to the output device: it opens
// the device through the device manager, sizes the ring buffer for the
// granted format and runs the render worker and a metrics monitor.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/audiocore/device"
	"github.com/tphakala/audiobridge/internal/audiocore/driver"
	"github.com/tphakala/audiobridge/internal/audiocore/midi"
	"github.com/tphakala/audiobridge/internal/audiocore/ringbuf"
	"github.com/tphakala/audiobridge/internal/audiocore/scheduler"
	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/events"
	"github.com/tphakala/audiobridge/internal/logging"
	"github.com/tphakala/audiobridge/internal/observability/metrics"
)

// Config describes the stream the engine asks for.
type Config struct {
	SampleRate      uint32
	Channels        uint16
	FramesPerPeriod uint32

	// RingFrames is the minimum ring capacity; it is raised to twice the
	// largest reserve.
	RingFrames int

	Constraints      scheduler.RenderConstraints
	Mode             scheduler.RenderMode
	RealtimePriority bool

	// SoftwareFallback clocks the source in software when the device
	// cannot be opened.
	SoftwareFallback bool

	MonitorInterval time.Duration
	DriverOptions   driver.Options
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		SampleRate:       audiocore.DefaultSampleRate,
		Channels:         audiocore.DefaultChannels,
		FramesPerPeriod:  audiocore.DefaultFramesPerPeriod,
		RingFrames:       8192,
		Constraints:      scheduler.DefaultConstraints(),
		Mode:             scheduler.ModeIdle,
		SoftwareFallback: true,
		MonitorInterval:  time.Second,
		DriverOptions:    driver.DefaultOptions(),
	}
}

// rateSetter is implemented by sources that depend on the sample rate.
type rateSetter interface {
	SetSampleRate(rate uint32)
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records engine metrics.
func WithMetrics(m *metrics.AudioMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine plays one render source on the manager's current device.
type Engine struct {
	id      string
	manager *device.Manager
	source  scheduler.Source
	cfg     Config
	metrics *metrics.AudioMetrics
	logger  *slog.Logger

	ring     atomic.Pointer[ringbuf.Buffer]
	remap    []float32
	midiPort atomic.Pointer[portBox]

	lifecycle sync.Mutex

	mu       sync.Mutex
	running  bool
	worker   *scheduler.Worker
	software driver.Driver
	active   driver.Spec
	cancel   context.CancelFunc
	unwatch  func()
	wg       sync.WaitGroup

	overflowLog *rate.Limiter
	underrunLog *rate.Limiter
}

// New creates an engine rendering source to manager's current device.
func New(manager *device.Manager, source scheduler.Source, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		id:          uuid.NewString(),
		manager:     manager,
		source:      source,
		cfg:         cfg,
		logger:      logging.ServiceOrDefault("audiocore.engine"),
		overflowLog: rate.NewLimiter(rate.Every(10*time.Second), 1),
		underrunLog: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("engine_id", e.id)
	return e
}

// ID returns the engine instance id.
func (e *Engine) ID() string { return e.id }

func (e *Engine) requestedSpec() driver.Spec {
	return driver.Spec{
		SampleRate:      e.cfg.SampleRate,
		Channels:        e.cfg.Channels,
		Format:          driver.FormatF32,
		FramesPerPeriod: e.cfg.FramesPerPeriod,
		Callback:        e.callback,
		OnChange:        e.onChange,
	}
}

// Start opens the output, allocates the ring for the granted format and
// starts the worker and the monitor.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.Running() {
		return errors.New(audiocore.ErrDriverOpen).
			Component("audiocore.engine").
			Context("engine_id", e.id).
			Build()
	}

	// The manager may call onChange from Open, so e.mu is not held here.
	requested := e.requestedSpec()
	var software driver.Driver
	granted, err := e.manager.Open(ctx, requested)
	if err != nil {
		e.logger.Warn("audio output open failed", "error", err, "device_id", e.manager.Current())
		if !e.cfg.SoftwareFallback {
			return err
		}
		software, granted, err = e.openSoftware(requested)
		if err != nil {
			return err
		}
	}

	ring, err := ringbuf.New(e.ringFrames(granted), int(granted.Channels))
	if err != nil {
		_ = e.closeOutput(software)
		return err
	}
	e.remap = make([]float32, audiocore.MaximumBufferSize*ring.Channels())
	e.ring.Store(ring)
	e.notifyRate(granted.SampleRate)

	worker := scheduler.New(ring, e.source, e.cfg.Constraints, granted,
		scheduler.WithMode(e.cfg.Mode),
		scheduler.WithRealtimePriority(e.cfg.RealtimePriority))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := worker.Run(runCtx, nil); err != nil {
		cancel()
		e.ring.Store(nil)
		_ = e.closeOutput(software)
		return err
	}

	e.mu.Lock()
	e.active = granted
	e.software = software
	e.worker = worker
	e.cancel = cancel
	e.unwatch = e.manager.Observe(e.deviceSelected)
	e.running = true
	e.mu.Unlock()

	if e.cfg.MonitorInterval > 0 {
		e.wg.Add(1)
		go e.monitor(runCtx)
	}

	e.logger.Info("audio engine started",
		"sample_rate", granted.SampleRate,
		"channels", granted.Channels,
		"frames_per_period", granted.FramesPerPeriod,
		"ring_frames", ring.Capacity(),
		"worker_interval", worker.Interval(),
		"software_timing", software != nil)
	return nil
}

// openSoftware opens a null driver clocked at the requested spec.
func (e *Engine) openSoftware(requested driver.Spec) (driver.Driver, driver.Spec, error) {
	d, err := driver.NewNullBackend(e.cfg.DriverOptions).NewDriver("default")
	if err != nil {
		return nil, driver.Spec{}, err
	}
	if port := e.midiPort.Load(); port != nil {
		d.SetMidiPort(port.port)
	}
	granted, err := d.Open(requested)
	if err != nil {
		return nil, driver.Spec{}, err
	}
	e.logger.Info("using software timing", "spec", granted.String())
	return d, granted, nil
}

func (e *Engine) ringFrames(spec driver.Spec) int {
	c := e.cfg.Constraints
	reserve := max(c.MinSamplesToReserveWhenIdle, c.MinSamplesToReserveInRealtime, spec.FramesPerPeriod)
	return max(e.cfg.RingFrames, 2*int(reserve))
}

// Stop stops the worker and monitor and closes the output.
func (e *Engine) Stop() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel := e.cancel
	worker := e.worker
	software := e.software
	unwatch := e.unwatch
	e.mu.Unlock()

	unwatch()
	cancel()
	worker.Stop()
	e.wg.Wait()

	err := e.closeOutput(software)
	e.ring.Store(nil)

	e.mu.Lock()
	e.worker = nil
	e.software = nil
	e.unwatch = nil
	e.mu.Unlock()

	e.logger.Info("audio engine stopped")
	return err
}

// deviceSelected moves a software-clocked engine onto a newly selected
// device. It runs on the goroutine that selected the device.
func (e *Engine) deviceSelected(ev events.Event) {
	if ev.Kind != events.KindOutputDeviceChanged || ev.DeviceID == audiocore.NoneDeviceID {
		return
	}
	if err := e.leaveSoftware(context.Background()); err != nil {
		e.logger.Warn("selected device could not be opened, keeping software timing",
			"device_id", ev.DeviceID,
			"error", err)
	}
}

// leaveSoftware hands the render callback from the software clock to the
// manager's current device. The software driver is closed first so the ring
// never has two consumers; it is reopened when the device fails to open.
func (e *Engine) leaveSoftware(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	software := e.software
	running := e.running
	active := e.active
	e.mu.Unlock()
	if !running || software == nil {
		return nil
	}

	if err := software.Close(); err != nil {
		e.logger.Warn("closing software timing failed", "error", err)
	}
	requested := e.requestedSpec()
	granted, err := e.manager.Open(ctx, requested)
	if err != nil {
		if _, reopenErr := software.Open(requested); reopenErr != nil {
			return errors.Join(err, reopenErr)
		}
		return err
	}

	e.mu.Lock()
	e.software = nil
	e.mu.Unlock()

	if !active.SameFormat(granted) {
		e.onChange(granted)
	}
	e.logger.Info("left software timing", "device_id", e.manager.Current(), "spec", granted.String())
	return nil
}

func (e *Engine) closeOutput(software driver.Driver) error {
	if software != nil {
		return software.Close()
	}
	return e.manager.Close()
}

// callback runs on the hardware thread. It pops the ring and remaps
// channels when a reopened device granted a different channel count.
func (e *Engine) callback(dst []float32, frames int) {
	ring := e.ring.Load()
	if ring == nil || frames <= 0 {
		clear(dst)
		return
	}

	ch := len(dst) / frames
	rc := ring.Channels()
	if ch == rc {
		ring.Pop(dst, frames)
		return
	}

	chunk := len(e.remap) / rc
	for done := 0; done < frames; {
		n := min(frames-done, chunk)
		src := e.remap[:n*rc]
		ring.Pop(src, n)
		out := dst[done*ch : (done+n)*ch]
		for f := range n {
			for c := range ch {
				out[f*ch+c] = src[f*rc+min(c, rc-1)]
			}
		}
		done += n
	}
}

// onChange follows format changes of the output device.
func (e *Engine) onChange(active driver.Spec) {
	e.mu.Lock()
	e.active = active
	worker := e.worker
	e.mu.Unlock()

	if worker != nil {
		worker.UpdateSpec(active)
	}
	e.notifyRate(active.SampleRate)
	if e.metrics != nil {
		e.metrics.SetActiveFormat(e.manager.ID(), active.SampleRate, active.FramesPerPeriod)
	}
	e.logger.Info("output format changed",
		"sample_rate", active.SampleRate,
		"channels", active.Channels,
		"frames_per_period", active.FramesPerPeriod)
}

func (e *Engine) notifyRate(rate uint32) {
	if rs, ok := e.source.(rateSetter); ok {
		rs.SetSampleRate(rate)
	}
}

// SetMode switches the worker between idle and realtime reserves.
func (e *Engine) SetMode(mode scheduler.RenderMode) {
	e.mu.Lock()
	e.cfg.Mode = mode
	worker := e.worker
	e.mu.Unlock()
	if worker != nil {
		worker.SetMode(mode)
	}
}

// ActiveSpec returns the granted format.
func (e *Engine) ActiveSpec() driver.Spec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// SoftwareTiming reports whether the engine runs on the software clock.
func (e *Engine) SoftwareTiming() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.software != nil
}

// Running reports whether the engine is started.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) driver() driver.Driver {
	e.mu.Lock()
	sw := e.software
	e.mu.Unlock()
	if sw != nil {
		return sw
	}
	return e.manager.Driver()
}

// PushMidiEvent queues ev on the driver currently consuming the ring.
func (e *Engine) PushMidiEvent(ev midi.Event) bool {
	d := e.driver()
	if d == nil {
		return false
	}
	return d.PushMidiEvent(ev)
}

type portBox struct{ port midi.Port }

// SetMidiPort routes MIDI output of the device and the software clock.
func (e *Engine) SetMidiPort(port midi.Port) {
	e.midiPort.Store(&portBox{port: port})
	e.manager.SetMidiPort(port)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.software != nil {
		e.software.SetMidiPort(port)
	}
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Ring           ringbuf.Stats
	Worker         scheduler.Stats
	Driver         driver.Stats
	SoftwareTiming bool
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	var s Stats
	if ring := e.ring.Load(); ring != nil {
		s.Ring = ring.Snapshot()
	}
	e.mu.Lock()
	if e.worker != nil {
		s.Worker = e.worker.Stats()
	}
	s.SoftwareTiming = e.software != nil
	e.mu.Unlock()
	if d := e.driver(); d != nil {
		s.Driver = d.Stats()
	}
	return s
}

// ResetRing discards buffered audio. It fails while the engine runs since
// the ring may only be reset without a producer or consumer.
func (e *Engine) ResetRing() error {
	if e.Running() {
		return errors.New(audiocore.ErrDriverOpen).
			Component("audiocore.engine").
			Context("operation", "reset_ring").
			Build()
	}
	if ring := e.ring.Load(); ring != nil {
		ring.Reset()
	}
	return nil
}
