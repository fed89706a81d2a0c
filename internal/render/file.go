package render

import (
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/tphakala/audiobridge/internal/audiocore/scheduler"
	"github.com/tphakala/audiobridge/internal/logging"
)

// File plays a decoded audio file, resampled to the active rate and the
// worker's channel count.
type File struct {
	path   string
	loop   bool
	logger *slog.Logger

	rate atomic.Uint32
	done atomic.Bool
	err  atomic.Pointer[error]

	// Worker goroutine only.
	stream    Stream
	resampler *Resampler
}

// NewFile opens path for playback at sampleRate. With loop set the file
// restarts at its end; otherwise the source renders nothing afterwards.
func NewFile(path string, sampleRate uint32, loop bool) (*File, error) {
	stream, err := OpenFile(path)
	if err != nil {
		return nil, err
	}
	f := &File{
		path:   path,
		loop:   loop,
		stream: stream,
		logger: logging.ServiceOrDefault("render"),
	}
	f.rate.Store(sampleRate)
	f.logger.Info("audio file opened",
		"path", path,
		"sample_rate", stream.SampleRate(),
		"channels", stream.Channels())
	return f, nil
}

// SetSampleRate implements RateSetter.
func (f *File) SetSampleRate(rate uint32) { f.rate.Store(rate) }

// Done reports whether a non-looping file reached its end or failed.
func (f *File) Done() bool { return f.done.Load() }

// Err returns the decode error that stopped playback, if any.
func (f *File) Err() error {
	if p := f.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Render implements scheduler.Source.
func (f *File) Render(dst []float32, frames, channels int) int {
	if f.done.Load() || channels <= 0 {
		return 0
	}

	rate := int(f.rate.Load())
	if f.resampler == nil || f.resampler.Channels() != channels || f.resampler.SampleRate() != rate {
		f.resampler = NewResampler(f.stream, rate, channels)
	}

	want := frames * channels
	got := 0
	restartedAt := -1
	for got < want {
		n, err := f.resampler.Read(dst[got:want])
		got += n
		if err == nil {
			if n == 0 {
				break
			}
			continue
		}
		if err != io.EOF {
			f.fail(err)
			break
		}
		if !f.loop || restartedAt == got {
			// End of a non-looping file, or a looping file with no audio.
			f.finish()
			break
		}
		if restartedAt >= 0 || !f.restart() {
			break
		}
		restartedAt = got
	}
	return got / channels
}

func (f *File) restart() bool {
	_ = f.stream.Close()
	stream, err := OpenFile(f.path)
	if err != nil {
		f.fail(err)
		return false
	}
	f.stream = stream
	f.resampler = NewResampler(stream, f.resampler.SampleRate(), f.resampler.Channels())
	return true
}

func (f *File) fail(err error) {
	f.err.Store(&err)
	f.logger.Error("audio file playback failed", "path", f.path, "error", err)
	f.finish()
}

func (f *File) finish() {
	if f.done.CompareAndSwap(false, true) {
		_ = f.stream.Close()
		f.logger.Info("audio file finished", "path", f.path)
	}
}

// Close releases the decoder. Call only when the worker no longer renders.
func (f *File) Close() error {
	if f.done.CompareAndSwap(false, true) {
		return f.stream.Close()
	}
	return nil
}

var (
	_ scheduler.Source = (*File)(nil)
	_ RateSetter       = (*File)(nil)
)
