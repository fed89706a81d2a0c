package driver

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/audiocore/midi"
	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/logging"
)

// Options tune drivers created by a backend.
type Options struct {
	// MidiQueueCapacity bounds events queued between control code and
	// the period routine.
	MidiQueueCapacity int
	// MidiEventsPerPeriod is how many events one period may write.
	MidiEventsPerPeriod int
	// MaxBufferSize caps AvailableBufferSizes.
	MaxBufferSize uint32
}

// DefaultOptions returns the driver defaults.
func DefaultOptions() Options {
	return Options{
		MidiQueueCapacity:   audiocore.DefaultMidiQueueCapacity,
		MidiEventsPerPeriod: audiocore.DefaultMidiEventsPerPeriod,
		MaxBufferSize:       audiocore.MaximumBufferSize,
	}
}

// startFunc negotiates spec with the native API, builds the period routine
// for the granted spec through bind and starts the stream. It returns the
// granted spec and a function that stops the stream and returns only once
// no callback runs anymore.
type startFunc func(spec Spec, bind func(granted Spec) *period) (Spec, func() error, error)

// handle closes a native stream exactly once.
type handle struct {
	once  sync.Once
	close func() error
	err   error
}

func newHandle(closeFn func() error) *handle {
	return &handle{close: closeFn}
}

func (h *handle) Close() error {
	h.once.Do(func() {
		if h.close != nil {
			h.err = h.close()
		}
	})
	return h.err
}

// base implements the parts of Driver every backend shares.
type base struct {
	backend  string
	deviceID string
	opts     Options
	start    startFunc
	logger   *slog.Logger

	queue *midi.Queue
	port  atomic.Pointer[portBox]

	mu          sync.Mutex
	open        bool
	active      Spec
	bufferSize  uint32
	cur         *period
	stream      *handle
	closedStats Stats
}

func newBase(backend, deviceID string, opts Options, start startFunc) (*base, error) {
	if opts.MidiQueueCapacity <= 0 {
		opts.MidiQueueCapacity = audiocore.DefaultMidiQueueCapacity
	}
	queue, err := midi.NewQueue(opts.MidiQueueCapacity)
	if err != nil {
		return nil, err
	}
	return &base{
		backend:  backend,
		deviceID: deviceID,
		opts:     opts,
		start:    start,
		logger:   logging.ServiceOrDefault("audiocore.driver").With("backend", backend, "device", deviceID),
		queue:    queue,
	}, nil
}

func (b *base) Backend() string  { return b.backend }
func (b *base) DeviceID() string { return b.deviceID }

func (b *base) Open(spec Spec) (Spec, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open {
		return b.active, nil
	}
	if b.bufferSize != 0 {
		spec.FramesPerPeriod = b.bufferSize
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}

	var p *period
	bind := func(granted Spec) *period {
		granted.Callback = spec.Callback
		p = newPeriod(granted, b.queue, &b.port, b.opts.MidiEventsPerPeriod)
		return p
	}
	granted, stop, err := b.start(spec, bind)
	if err != nil {
		return Spec{}, errors.New(err).
			Component("audiocore.driver").
			Category(errors.CategoryAudioDevice).
			DeviceContext(b.deviceID, b.backend).
			Context("requested", spec.String()).
			Build()
	}

	if p == nil {
		_ = stop()
		return Spec{}, errors.Newf("backend %s started without a period routine", b.backend).
			Component("audiocore.driver").
			Category(errors.CategoryState).
			Build()
	}

	granted.Format = FormatF32
	granted.Callback = spec.Callback
	granted.OnChange = spec.OnChange

	b.cur = p
	b.stream = newHandle(stop)
	b.active = granted
	b.open = true

	if !granted.SameFormat(spec) {
		b.logger.Info("device granted a different format",
			"requested", spec.String(),
			"granted", granted.String())
	} else {
		b.logger.Debug("device opened", "spec", granted.String())
	}
	return granted, nil
}

func (b *base) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return nil
	}
	err := b.stream.Close()
	b.closedStats = b.closedStats.add(b.cur.stats())
	b.cur = nil
	b.stream = nil
	b.open = false
	if err != nil {
		return errors.New(err).
			Component("audiocore.driver").
			Category(errors.CategoryAudioDevice).
			DeviceContext(b.deviceID, b.backend).
			Build()
	}
	b.logger.Debug("device closed")
	return nil
}

func (b *base) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *base) ActiveSpec() Spec {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return Spec{}
	}
	return b.active
}

func (b *base) PushMidiEvent(ev midi.Event) bool {
	return b.queue.Push(ev)
}

func (b *base) SetMidiPort(port midi.Port) {
	if port == nil {
		b.port.Store(nil)
		return
	}
	b.port.Store(&portBox{port: port})
}

func (b *base) OutputDeviceBufferSize() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return b.active.FramesPerPeriod
	}
	return b.bufferSize
}

func (b *base) SetOutputDeviceBufferSize(n uint32) error {
	if n < audiocore.MinimumBufferSize || n > audiocore.MaximumBufferSize {
		return errors.New(audiocore.ErrInvalidBufferSize).
			Component("audiocore.driver").
			DeviceContext(b.deviceID, b.backend).
			Context("buffer_size", n).
			Build()
	}
	b.mu.Lock()
	b.bufferSize = n
	b.mu.Unlock()
	return nil
}

func (b *base) AvailableBufferSizes() []uint32 {
	return PowerOfTwoBufferSizes(b.opts.MaxBufferSize)
}

func (b *base) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.closedStats
	if b.cur != nil {
		s = s.add(b.cur.stats())
	}
	return s
}

// changeSampleRate records a rate switch made by the backend and reports
// it through the active OnChange.
func (b *base) changeSampleRate(rate uint32) {
	b.mu.Lock()
	if !b.open || rate == 0 || rate == b.active.SampleRate {
		b.mu.Unlock()
		return
	}
	b.active.SampleRate = rate
	active := b.active
	b.mu.Unlock()

	b.logger.Info("device sample rate changed", "sample_rate", rate)
	if active.OnChange != nil {
		active.OnChange(active)
	}
}
