package render

import (
	"io"
	"os"

	"github.com/jfreymuth/oggvorbis"
)

type vorbisStream struct {
	f   *os.File
	dec *oggvorbis.Reader
}

func decodeVorbis(f *os.File) (Stream, error) {
	dec, err := oggvorbis.NewReader(f)
	if err != nil {
		return nil, err
	}
	return &vorbisStream{f: f, dec: dec}, nil
}

func (s *vorbisStream) SampleRate() int { return s.dec.SampleRate() }
func (s *vorbisStream) Channels() int   { return s.dec.Channels() }
func (s *vorbisStream) Close() error    { return s.f.Close() }

// Read returns whole frames; oggvorbis trims dst to a channel multiple.
func (s *vorbisStream) Read(dst []float32) (int, error) {
	n, err := s.dec.Read(dst)
	if n > 0 {
		if err == io.EOF {
			err = nil
		}
		return n, err
	}
	if err == nil {
		err = io.EOF
	}
	return 0, err
}
