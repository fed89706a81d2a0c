package render

import (
	"io"
)

// Resampler converts a Stream to another sample rate and channel count
// using linear interpolation. Channels are duplicated when upmixing from
// mono, averaged when downmixing to mono and otherwise mapped by index.
type Resampler struct {
	src     Stream
	inCh    int
	outCh   int
	outRate int
	step    float64

	pos     float64
	prev    []float32
	next    []float32
	primed  bool
	drained bool
	done    bool

	in    []float32
	inPos int
	inLen int
	mixed []float32
}

// NewResampler wraps src to produce rate Hz with channels channels.
func NewResampler(src Stream, rate, channels int) *Resampler {
	inCh := max(src.Channels(), 1)
	return &Resampler{
		src:     src,
		inCh:    inCh,
		outCh:   max(channels, 1),
		outRate: rate,
		step:    float64(src.SampleRate()) / float64(max(rate, 1)),
		prev:    make([]float32, inCh),
		next:    make([]float32, inCh),
		in:      make([]float32, 1024*inCh),
		mixed:   make([]float32, inCh),
	}
}

func (r *Resampler) SampleRate() int { return r.outRate }
func (r *Resampler) Channels() int   { return r.outCh }
func (r *Resampler) Close() error    { return r.src.Close() }

// fetch copies the next source frame into dst.
func (r *Resampler) fetch(dst []float32) (bool, error) {
	if r.inPos >= r.inLen {
		n, err := r.src.Read(r.in)
		r.inPos, r.inLen = 0, n-n%r.inCh
		if r.inLen == 0 {
			if err == nil || err == io.EOF {
				return false, nil
			}
			return false, err
		}
	}
	copy(dst, r.in[r.inPos:r.inPos+r.inCh])
	r.inPos += r.inCh
	return true, nil
}

// advance moves one source frame forward. After the last frame it holds
// that frame once more so the tail is emitted.
func (r *Resampler) advance() error {
	if r.drained {
		r.done = true
		return nil
	}
	r.prev, r.next = r.next, r.prev
	ok, err := r.fetch(r.next)
	if err != nil {
		return err
	}
	if !ok {
		copy(r.next, r.prev)
		r.drained = true
	}
	return nil
}

func (r *Resampler) prime() error {
	r.primed = true
	ok, err := r.fetch(r.prev)
	if err != nil {
		return err
	}
	if !ok {
		r.done = true
		return nil
	}
	ok, err = r.fetch(r.next)
	if err != nil {
		return err
	}
	if !ok {
		copy(r.next, r.prev)
		r.drained = true
	}
	return nil
}

// Read implements Stream.
func (r *Resampler) Read(dst []float32) (int, error) {
	if !r.primed {
		if err := r.prime(); err != nil {
			return 0, err
		}
	}

	frames := len(dst) / r.outCh
	written := 0
	for written < frames {
		for r.pos >= 1 && !r.done {
			r.pos--
			if err := r.advance(); err != nil {
				return written * r.outCh, err
			}
		}
		if r.done {
			break
		}

		t := float32(r.pos)
		for c := range r.inCh {
			r.mixed[c] = r.prev[c] + (r.next[c]-r.prev[c])*t
		}
		mixChannels(dst[written*r.outCh:(written+1)*r.outCh], r.mixed)
		written++
		r.pos += r.step
	}

	if written == 0 && r.done {
		return 0, io.EOF
	}
	return written * r.outCh, nil
}

// mixChannels maps one input frame onto one output frame.
func mixChannels(out, in []float32) {
	switch {
	case len(out) == len(in):
		copy(out, in)
	case len(out) == 1:
		var sum float32
		for _, v := range in {
			sum += v
		}
		out[0] = sum / float32(len(in))
	case len(in) == 1:
		for c := range out {
			out[c] = in[0]
		}
	default:
		for c := range out {
			out[c] = in[min(c, len(in)-1)]
		}
	}
}
