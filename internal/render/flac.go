package render

import (
	"encoding/binary"
	"os"

	"github.com/tphakala/flac"
)

type flacStream struct {
	f       *os.File
	dec     *flac.Decoder
	divisor float32
	width   int    // bytes per sample
	pending []byte // decoded bytes not yet returned
}

func decodeFLAC(f *os.File) (Stream, error) {
	dec, err := flac.NewDecoder(f)
	if err != nil {
		return nil, err
	}
	divisor, err := sampleDivisor(dec.BitsPerSample)
	if err != nil {
		return nil, err
	}
	return &flacStream{f: f, dec: dec, divisor: divisor, width: dec.BitsPerSample / 8}, nil
}

func (s *flacStream) SampleRate() int { return s.dec.SampleRate }
func (s *flacStream) Channels() int   { return s.dec.NChannels }
func (s *flacStream) Close() error    { return s.f.Close() }

func (s *flacStream) Read(dst []float32) (int, error) {
	frameBytes := s.width * s.dec.NChannels
	want := len(dst) / s.dec.NChannels

	for len(s.pending) < frameBytes {
		frame, err := s.dec.Next()
		if err != nil {
			return 0, err
		}
		s.pending = append(s.pending, frame...)
	}

	frames := min(want, len(s.pending)/frameBytes)
	n := frames * s.dec.NChannels
	for i := range n {
		dst[i] = float32(s.sample(s.pending[i*s.width:])) / s.divisor
	}
	s.pending = s.pending[frames*frameBytes:]
	return n, nil
}

// sample decodes one little-endian signed sample.
func (s *flacStream) sample(b []byte) int32 {
	switch s.width {
	case 2:
		return int32(int16(binary.LittleEndian.Uint16(b)))
	case 3:
		v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
		return v << 8 >> 8
	default:
		return int32(binary.LittleEndian.Uint32(b))
	}
}
