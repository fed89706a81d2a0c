// Package scheduler runs the render worker that keeps the output ring
// buffer filled ahead of the hardware callback.
package scheduler

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/audiocore/driver"
	"github.com/tphakala/audiobridge/internal/audiocore/ringbuf"
	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/logging"
)

// RenderMode selects which reserve the worker keeps.
type RenderMode int

const (
	// ModeIdle keeps a large reserve while nothing latency sensitive plays.
	ModeIdle RenderMode = iota
	// ModeRealtime keeps a small reserve for live input.
	ModeRealtime
)

func (m RenderMode) String() string {
	if m == ModeRealtime {
		return "realtime"
	}
	return "idle"
}

// RenderConstraints are the minimum frames the worker keeps buffered.
type RenderConstraints struct {
	MinSamplesToReserveWhenIdle   uint32
	MinSamplesToReserveInRealtime uint32
}

// DefaultConstraints returns the default reserves.
func DefaultConstraints() RenderConstraints {
	return RenderConstraints{
		MinSamplesToReserveWhenIdle:   audiocore.DefaultMinReserveIdle,
		MinSamplesToReserveInRealtime: audiocore.DefaultMinReserveRealtime,
	}
}

// Reserve returns the frames to keep buffered in mode for spec.
func (c RenderConstraints) Reserve(spec driver.Spec, mode RenderMode) uint32 {
	reserve := c.MinSamplesToReserveWhenIdle
	if mode == ModeRealtime {
		reserve = c.MinSamplesToReserveInRealtime
	}
	return max(reserve, spec.FramesPerPeriod)
}

// Interval is how often the worker wakes: a quarter of the reserve's
// duration, clamped per mode.
func Interval(spec driver.Spec, c RenderConstraints, mode RenderMode) time.Duration {
	upper := audiocore.MaxIdleWorkerInterval
	if mode == ModeRealtime {
		upper = audiocore.MaxRealtimeWorkerInterval
	}
	if spec.SampleRate == 0 {
		return audiocore.MinWorkerInterval
	}

	reserve := c.Reserve(spec, mode)
	iv := time.Duration(reserve) * time.Second / time.Duration(spec.SampleRate) / 4
	return min(max(iv, audiocore.MinWorkerInterval), upper)
}

// Source produces interleaved frames for the worker. Render writes up to
// frames frames into dst and returns how many it produced.
type Source interface {
	Render(dst []float32, frames, channels int) int
}

// SourceFunc adapts a function to Source.
type SourceFunc func(dst []float32, frames, channels int) int

func (f SourceFunc) Render(dst []float32, frames, channels int) int {
	return f(dst, frames, channels)
}

// Option configures a Worker.
type Option func(*Worker)

// WithRealtimePriority raises the worker thread priority when allowed.
func WithRealtimePriority(enabled bool) Option {
	return func(w *Worker) { w.raisePriority = enabled }
}

// WithMode sets the initial render mode.
func WithMode(mode RenderMode) Option {
	return func(w *Worker) { w.mode = mode }
}

// WithLogger replaces the worker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// Worker is the sole producer of a ring buffer.
type Worker struct {
	ring        *ringbuf.Buffer
	source      Source
	constraints RenderConstraints
	logger      *slog.Logger

	raisePriority bool

	mu   sync.Mutex
	spec driver.Spec
	mode RenderMode

	interval atomic.Int64
	running  atomic.Bool
	wake     chan struct{}
	stop     chan struct{}
	wg       sync.WaitGroup

	scratch       []float32
	lastUnderruns uint64
	underrunLog   *rate.Limiter

	rendered atomic.Uint64
	skipped  atomic.Uint64
	halvings atomic.Uint64
}

// New creates a worker filling ring from source at the pace spec needs.
func New(ring *ringbuf.Buffer, source Source, constraints RenderConstraints, spec driver.Spec, opts ...Option) *Worker {
	w := &Worker{
		ring:        ring,
		source:      source,
		constraints: constraints,
		spec:        spec,
		logger:      logging.ServiceOrDefault("audiocore.scheduler"),
		wake:        make(chan struct{}, 1),
		underrunLog: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	frames := max(constraints.MinSamplesToReserveWhenIdle, constraints.MinSamplesToReserveInRealtime, audiocore.MaximumBufferSize)
	w.scratch = make([]float32, int(frames)*ring.Channels())
	w.interval.Store(int64(Interval(spec, constraints, w.mode)))
	return w
}

// Interval returns the current wake interval.
func (w *Worker) Interval() time.Duration {
	return time.Duration(w.interval.Load())
}

// Mode returns the current render mode.
func (w *Worker) Mode() RenderMode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// UpdateSpec recomputes the interval for a new active spec.
func (w *Worker) UpdateSpec(spec driver.Spec) {
	w.mu.Lock()
	w.spec = spec
	iv := Interval(spec, w.constraints, w.mode)
	w.mu.Unlock()
	w.setInterval(iv)
}

// SetMode switches render mode and recomputes the interval.
func (w *Worker) SetMode(mode RenderMode) {
	w.mu.Lock()
	w.mode = mode
	iv := Interval(w.spec, w.constraints, mode)
	w.mu.Unlock()
	w.setInterval(iv)
}

func (w *Worker) setInterval(iv time.Duration) {
	w.interval.Store(int64(iv))
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run starts the worker goroutine, runs setup on it and returns setup's
// error. The loop runs until ctx is done or Stop is called.
func (w *Worker) Run(ctx context.Context, setup func() error) error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.Newf("render worker already running").
			Component("audiocore.scheduler").
			Category(errors.CategoryState).
			Build()
	}
	w.stop = make(chan struct{})
	w.lastUnderruns = w.ring.Underruns()

	started := make(chan error, 1)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		if w.raisePriority {
			if err := raiseThreadPriority(); err != nil {
				w.logger.Debug("could not raise worker priority", "error", err)
			}
		}
		if setup != nil {
			if err := setup(); err != nil {
				started <- err
				return
			}
		}
		started <- nil
		w.loop(ctx)
	}()

	if err := <-started; err != nil {
		w.wg.Wait()
		w.running.Store(false)
		return errors.New(err).
			Component("audiocore.scheduler").
			Category(errors.CategoryWorker).
			Context("operation", "setup").
			Build()
	}

	w.logger.Debug("render worker started", "interval", w.Interval(), "mode", w.Mode().String())
	return nil
}

// Stop clears the run flag and waits for the loop to exit.
func (w *Worker) Stop() {
	if w.running.CompareAndSwap(true, false) {
		close(w.stop)
	}
	w.wg.Wait()
	w.logger.Debug("render worker stopped", "rendered_frames", w.rendered.Load())
}

// Running reports whether the loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

func (w *Worker) loop(ctx context.Context) {
	timer := time.NewTimer(w.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.running.Store(false)
			return
		case <-w.stop:
			return
		case <-w.wake:
			timer.Reset(w.Interval())
		case <-timer.C:
			w.tick()
			timer.Reset(w.Interval())
		}
	}
}

// tick renders as much as the ring can take.
func (w *Worker) tick() {
	if u := w.ring.Underruns(); u > w.lastUnderruns {
		w.lastUnderruns = u
		w.halveInterval()
	}

	avail := w.ring.AvailableToWrite()
	if avail == 0 {
		w.skipped.Add(1)
		return
	}

	ch := w.ring.Channels()
	frames := min(avail, len(w.scratch)/ch)
	n := w.source.Render(w.scratch[:frames*ch], frames, ch)
	if n <= 0 {
		return
	}
	pushed := w.ring.Push(w.scratch[:n*ch], n)
	w.rendered.Add(uint64(pushed))
}

func (w *Worker) halveInterval() {
	cur := w.Interval()
	next := max(cur/2, audiocore.MinWorkerInterval)
	w.interval.Store(int64(next))
	w.halvings.Add(1)
	if w.underrunLog.Allow() {
		w.logger.Warn("ring buffer underrun, shortening worker interval",
			"previous", cur,
			"interval", next,
			"underruns", w.lastUnderruns)
	}
}

// Stats are the worker counters.
type Stats struct {
	RenderedFrames uint64
	SkippedTicks   uint64
	Halvings       uint64
	Interval       time.Duration
}

// Stats returns the worker counters.
func (w *Worker) Stats() Stats {
	return Stats{
		RenderedFrames: w.rendered.Load(),
		SkippedTicks:   w.skipped.Load(),
		Halvings:       w.halvings.Load(),
		Interval:       w.Interval(),
	}
}
