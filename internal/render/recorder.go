package render

import (
	"encoding/binary"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/smallnest/ringbuffer"

	"github.com/tphakala/audiobridge/internal/audiocore/scheduler"
	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/logging"
)

// RecorderConfig describes the WAV file a Recorder writes.
type RecorderConfig struct {
	Path       string
	SampleRate uint32
	Channels   int
	BitDepth   int
	// Buffer is how much audio the tap holds before dropping.
	Buffer time.Duration
}

// Recorder passes a source through unchanged and writes what it renders
// to a WAV file. The render side only copies bytes into a ring buffer; a
// writer goroutine encodes them.
type Recorder struct {
	source scheduler.Source
	cfg    RecorderConfig
	logger *slog.Logger

	ring    *ringbuffer.RingBuffer
	bytes   []byte
	notify  chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool

	file    *os.File
	enc     *wav.Encoder
	encoded bool // writer goroutine until Close

	recorded atomic.Uint64
	dropped  atomic.Uint64
	writeErr atomic.Pointer[error]
}

// NewRecorder creates the output file and starts the writer.
func NewRecorder(source scheduler.Source, cfg RecorderConfig) (*Recorder, error) {
	if cfg.BitDepth == 0 {
		cfg.BitDepth = 16
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 2 * time.Second
	}
	if _, err := sampleDivisor(cfg.BitDepth); err != nil {
		return nil, err
	}
	if cfg.Channels <= 0 || cfg.SampleRate == 0 {
		return nil, errors.Newf("recorder needs a sample rate and channel count").
			Component("render").
			Category(errors.CategoryValidation).
			Context("sample_rate", cfg.SampleRate).
			Context("channels", cfg.Channels).
			Build()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, errors.New(err).
			Component("render").
			Category(errors.CategoryFileIO).
			FileContext(cfg.Path).
			Build()
	}
	file, err := os.Create(cfg.Path)
	if err != nil {
		return nil, errors.New(err).
			Component("render").
			Category(errors.CategoryFileIO).
			FileContext(cfg.Path).
			Build()
	}

	size := int(cfg.Buffer.Seconds()*float64(cfg.SampleRate)) * cfg.Channels * 4
	r := &Recorder{
		source: source,
		cfg:    cfg,
		logger: logging.ServiceOrDefault("render").With("path", cfg.Path),
		ring:   ringbuffer.New(size),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		file:   file,
		enc:    wav.NewEncoder(file, int(cfg.SampleRate), cfg.BitDepth, cfg.Channels, 1),
	}

	r.wg.Add(1)
	go r.writer()

	r.logger.Info("recording started",
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"bit_depth", cfg.BitDepth)
	return r, nil
}

// SetSampleRate forwards to the wrapped source. The file keeps the rate it
// was created with.
func (r *Recorder) SetSampleRate(rate uint32) {
	if rs, ok := r.source.(RateSetter); ok {
		rs.SetSampleRate(rate)
	}
	if rate != r.cfg.SampleRate {
		r.logger.Warn("active sample rate differs from recording", "sample_rate", rate, "recording_rate", r.cfg.SampleRate)
	}
}

// Render implements scheduler.Source.
func (r *Recorder) Render(dst []float32, frames, channels int) int {
	n := r.source.Render(dst, frames, channels)
	if n <= 0 {
		return n
	}
	if channels != r.cfg.Channels {
		r.dropped.Add(uint64(n))
		return n
	}

	size := n * channels * 4
	if cap(r.bytes) < size {
		r.bytes = make([]byte, size)
	}
	buf := r.bytes[:size]
	for i, v := range dst[:n*channels] {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}

	if r.ring.Free() < size {
		r.dropped.Add(uint64(n))
	} else if _, err := r.ring.Write(buf); err != nil {
		r.dropped.Add(uint64(n))
	} else {
		r.recorded.Add(uint64(n))
	}

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return n
}

func (r *Recorder) writer() {
	defer r.wg.Done()

	chunk := make([]byte, 4096*r.cfg.Channels*4)
	ints := &audio.IntBuffer{
		Format:         &audio.Format{SampleRate: int(r.cfg.SampleRate), NumChannels: r.cfg.Channels},
		SourceBitDepth: r.cfg.BitDepth,
	}
	scale := float32(math.Pow(2, float64(r.cfg.BitDepth-1)) - 1)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			r.drain(chunk, ints, scale)
			return
		case <-r.notify:
		case <-ticker.C:
		}
		r.drain(chunk, ints, scale)
	}
}

// drain encodes everything buffered.
func (r *Recorder) drain(chunk []byte, ints *audio.IntBuffer, scale float32) {
	frameBytes := r.cfg.Channels * 4
	for r.ring.Length() >= frameBytes {
		want := min(len(chunk), r.ring.Length()/frameBytes*frameBytes)
		n, err := r.ring.Read(chunk[:want])
		if n == 0 || err != nil {
			return
		}

		samples := n / 4
		if cap(ints.Data) < samples {
			ints.Data = make([]int, samples)
		}
		ints.Data = ints.Data[:samples]
		for i := range samples {
			v := math.Float32frombits(binary.LittleEndian.Uint32(chunk[i*4:]))
			ints.Data[i] = int(min(max(v, -1), 1) * scale)
		}
		r.encoded = true
		if err := r.enc.Write(ints); err != nil && r.writeErr.Load() == nil {
			r.writeErr.Store(&err)
			r.logger.Error("writing recording failed", "error", err)
		}
	}
}

// Recorded returns frames accepted for writing.
func (r *Recorder) Recorded() uint64 { return r.recorded.Load() }

// Dropped returns frames lost because the writer fell behind.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Close stops the writer, finalizes the WAV header and closes the file.
// The worker must no longer render through the recorder.
func (r *Recorder) Close() error {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	close(r.stop)
	r.wg.Wait()

	var errs []error
	if !r.encoded {
		// An empty recording still needs its headers.
		empty := &audio.IntBuffer{Format: &audio.Format{SampleRate: int(r.cfg.SampleRate), NumChannels: r.cfg.Channels}}
		if err := r.enc.Write(empty); err != nil {
			errs = append(errs, err)
		}
	}
	if p := r.writeErr.Load(); p != nil {
		errs = append(errs, *p)
	}
	if err := r.enc.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.file.Close(); err != nil {
		errs = append(errs, err)
	}

	r.logger.Info("recording stopped", "frames", r.recorded.Load(), "dropped_frames", r.dropped.Load())
	if err := errors.Join(errs...); err != nil {
		return errors.New(err).
			Component("render").
			Category(errors.CategoryFileIO).
			FileContext(r.cfg.Path).
			Build()
	}
	return nil
}

var (
	_ scheduler.Source = (*Recorder)(nil)
	_ RateSetter       = (*Recorder)(nil)
)
