package render

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/tphakala/audiobridge/internal/errors"
)

// Stream is a decoded audio stream of interleaved float32 samples in
// [-1, 1].
type Stream interface {
	SampleRate() int
	Channels() int
	// Read fills dst with whole frames and returns the number of samples
	// written. It returns io.EOF once the stream is exhausted.
	Read(dst []float32) (int, error)
	Close() error
}

// decodeFunc opens a stream over f. The stream owns f afterwards.
type decodeFunc func(f *os.File) (Stream, error)

var decoders = map[string]decodeFunc{
	".wav":  decodeWAV,
	".mp3":  decodeMP3,
	".ogg":  decodeVorbis,
	".oga":  decodeVorbis,
	".flac": decodeFLAC,
}

// ErrUnsupportedFormat is returned for files without a known decoder.
var ErrUnsupportedFormat = errors.New(errors.NewStd("unsupported audio file format")).
	Component("render").
	Category(errors.CategoryValidation).
	Build()

// SupportedExtensions lists the file extensions OpenFile accepts.
func SupportedExtensions() []string {
	return []string{".flac", ".mp3", ".oga", ".ogg", ".wav"}
}

// OpenFile opens path with the decoder matching its extension.
func OpenFile(path string) (Stream, error) {
	ext := strings.ToLower(filepath.Ext(path))
	decode, ok := decoders[ext]
	if !ok {
		return nil, errors.New(ErrUnsupportedFormat).
			Component("render").
			Context("extension", ext).
			FileContext(path).
			Build()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.New(err).
			Component("render").
			Category(errors.CategoryFileIO).
			FileContext(path).
			Build()
	}

	s, err := decode(f)
	if err != nil {
		_ = f.Close()
		return nil, errors.New(err).
			Component("render").
			Category(errors.CategoryFileParsing).
			Context("extension", ext).
			FileContext(path).
			Build()
	}
	return s, nil
}

// sampleDivisor returns the scale of signed integer PCM of the given depth.
func sampleDivisor(bitDepth int) (float32, error) {
	switch bitDepth {
	case 16:
		return 32768.0, nil
	case 24:
		return 8388608.0, nil
	case 32:
		return 2147483648.0, nil
	default:
		return 0, errors.Newf("unsupported bit depth: %d", bitDepth).
			Component("render").
			Category(errors.CategoryValidation).
			Context("bit_depth", bitDepth).
			Build()
	}
}
