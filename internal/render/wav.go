package render

import (
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/tphakala/audiobridge/internal/errors"
)

type wavStream struct {
	f        *os.File
	dec      *wav.Decoder
	rate     int
	channels int
	divisor  float32
	buf      *audio.IntBuffer
}

func decodeWAV(f *os.File) (Stream, error) {
	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return nil, errors.Newf("input is not a valid WAV audio file").
			Component("render").
			Category(errors.CategoryFileParsing).
			Build()
	}

	divisor, err := sampleDivisor(int(dec.BitDepth))
	if err != nil {
		return nil, err
	}
	if dec.NumChans == 0 {
		return nil, errors.Newf("WAV file declares no channels").
			Component("render").
			Category(errors.CategoryFileParsing).
			Build()
	}

	channels := int(dec.NumChans)
	return &wavStream{
		f:        f,
		dec:      dec,
		rate:     int(dec.SampleRate),
		channels: channels,
		divisor:  divisor,
		buf: &audio.IntBuffer{
			Data:   make([]int, 4096*channels),
			Format: &audio.Format{SampleRate: int(dec.SampleRate), NumChannels: channels},
		},
	}, nil
}

func (s *wavStream) SampleRate() int { return s.rate }
func (s *wavStream) Channels() int   { return s.channels }
func (s *wavStream) Close() error    { return s.f.Close() }

func (s *wavStream) Read(dst []float32) (int, error) {
	want := len(dst) / s.channels * s.channels
	if want == 0 {
		return 0, nil
	}
	if len(s.buf.Data) < want {
		s.buf.Data = make([]int, want)
	}
	data := s.buf.Data
	s.buf.Data = data[:want]
	n, err := s.dec.PCMBuffer(s.buf)
	s.buf.Data = data
	if err != nil {
		return 0, err
	}
	n -= n % s.channels
	if n == 0 {
		return 0, io.EOF
	}

	for i, v := range data[:n] {
		dst[i] = float32(v) / s.divisor
	}
	return n, nil
}
