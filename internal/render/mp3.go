package render

import (
	"encoding/binary"
	"io"
	"os"

	gomp3 "github.com/hajimehoshi/go-mp3"
)

// go-mp3 always produces 16-bit little-endian stereo.
const mp3Channels = 2

type mp3Stream struct {
	f   *os.File
	dec *gomp3.Decoder
	buf []byte
}

func decodeMP3(f *os.File) (Stream, error) {
	dec, err := gomp3.NewDecoder(f)
	if err != nil {
		return nil, err
	}
	return &mp3Stream{f: f, dec: dec, buf: make([]byte, 8192)}, nil
}

func (s *mp3Stream) SampleRate() int { return s.dec.SampleRate() }
func (s *mp3Stream) Channels() int   { return mp3Channels }
func (s *mp3Stream) Close() error    { return s.f.Close() }

func (s *mp3Stream) Read(dst []float32) (int, error) {
	samples := len(dst) / mp3Channels * mp3Channels
	if samples == 0 {
		return 0, nil
	}
	if need := samples * 2; cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	buf := s.buf[:samples*2]

	// Whole frames only: 4 bytes per stereo frame.
	n, err := io.ReadAtLeast(s.dec, buf, 4)
	n -= n % 4
	for i := range n / 2 {
		dst[i] = float32(int16(binary.LittleEndian.Uint16(buf[2*i:]))) / 32768.0
	}
	if n == 0 {
		if err == nil || err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return 0, err
	}
	return n / 2, nil
}
