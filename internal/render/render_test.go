package render

import (
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/audiobridge/internal/audiocore/scheduler"
	"github.com/tphakala/audiobridge/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func constant(v float32) scheduler.Source {
	return scheduler.SourceFunc(func(dst []float32, frames, _ int) int {
		for i := range dst {
			dst[i] = v
		}
		return frames
	})
}

// sliceStream serves fixed samples.
type sliceStream struct {
	rate, channels int
	data           []float32
}

func (s *sliceStream) SampleRate() int { return s.rate }
func (s *sliceStream) Channels() int   { return s.channels }
func (s *sliceStream) Close() error    { return nil }
func (s *sliceStream) Read(dst []float32) (int, error) {
	if len(s.data) == 0 {
		return 0, io.EOF
	}
	n := copy(dst[:len(dst)/s.channels*s.channels], s.data)
	s.data = s.data[n:]
	return n, nil
}

func readAll(t *testing.T, s Stream) []float32 {
	t.Helper()
	var out []float32
	buf := make([]float32, 256*s.Channels())
	for {
		n, err := s.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
	}
}

// writeWAV writes 16-bit PCM samples and returns the path.
func writeWAV(t *testing.T, rate, channels int, samples []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Data:   samples,
		Format: &audio.Format{SampleRate: rate, NumChannels: channels},
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
	return path
}

func TestToneRendersSineOnEveryChannel(t *testing.T) {
	t.Parallel()

	tone := NewTone(12000, 0.5, 48000)
	dst := make([]float32, 8)
	assert.Equal(t, 4, tone.Render(dst, 4, 2))

	want := []float32{0, 0, 0.5, 0.5, 0, 0, -0.5, -0.5}
	assert.InDeltaSlice(t, want, dst, 1e-6)

	tone.SetSampleRate(24000)
	assert.Equal(t, 2, tone.Render(dst[:2], 2, 1))
	assert.InDelta(t, 0, dst[0], 1e-6)
}

func TestSilenceClears(t *testing.T) {
	t.Parallel()

	dst := []float32{1, 2, 3, 4}
	assert.Equal(t, 2, Silence{}.Render(dst, 2, 2))
	assert.Equal(t, []float32{0, 0, 0, 0}, dst)
}

func TestMixerSumsAndClamps(t *testing.T) {
	t.Parallel()

	m := NewMixer()
	dst := make([]float32, 4)
	dst[0] = 9
	assert.Equal(t, 2, m.Render(dst, 2, 2))
	assert.Equal(t, []float32{0, 0, 0, 0}, dst)

	a := m.Add(constant(0.6), 1)
	m.Add(constant(0.6), 0.5)
	require.Equal(t, 2, m.Len())

	m.Render(dst, 2, 2)
	assert.InDeltaSlice(t, []float32{0.9, 0.9, 0.9, 0.9}, dst, 1e-6)

	m.Add(constant(1), 1)
	m.Render(dst, 2, 2)
	assert.Equal(t, []float32{1, 1, 1, 1}, dst)

	assert.True(t, m.Remove(a))
	assert.False(t, m.Remove(a))
	assert.Equal(t, 2, m.Len())

	tone := NewTone(12000, 1, 8000)
	m.Add(tone, 1)
	m.SetSampleRate(48000)
	assert.Equal(t, uint32(48000), tone.rate.Load())
}

func TestResamplerIdentity(t *testing.T) {
	t.Parallel()

	src := &sliceStream{rate: 48000, channels: 2, data: []float32{1, 2, 3, 4, 5, 6}}
	r := NewResampler(src, 48000, 2)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, readAll(t, r))
}

func TestResamplerUpsamplesLinearly(t *testing.T) {
	t.Parallel()

	src := &sliceStream{rate: 24000, channels: 1, data: []float32{0, 1}}
	r := NewResampler(src, 48000, 1)
	assert.InDeltaSlice(t, []float32{0, 0.5, 1, 1}, readAll(t, r), 1e-6)
}

func TestResamplerDownsamples(t *testing.T) {
	t.Parallel()

	src := &sliceStream{rate: 96000, channels: 1, data: []float32{0, 1, 2, 3, 4, 5}}
	r := NewResampler(src, 48000, 1)
	assert.InDeltaSlice(t, []float32{0, 2, 4}, readAll(t, r), 1e-6)
}

func TestResamplerMixesChannels(t *testing.T) {
	t.Parallel()

	up := NewResampler(&sliceStream{rate: 8000, channels: 1, data: []float32{0.25, 0.5}}, 8000, 2)
	assert.Equal(t, []float32{0.25, 0.25, 0.5, 0.5}, readAll(t, up))

	down := NewResampler(&sliceStream{rate: 8000, channels: 2, data: []float32{1, 0, 0.5, 0.5}}, 8000, 1)
	assert.Equal(t, []float32{0.5, 0.5}, readAll(t, down))

	empty := NewResampler(&sliceStream{rate: 8000, channels: 1}, 8000, 1)
	n, err := empty.Read(make([]float32, 4))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestOpenFileDecodesWAV(t *testing.T) {
	t.Parallel()

	path := writeWAV(t, 8000, 2, []int{0, 16384, -16384, 32767, 8192, -8192})
	s, err := OpenFile(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.Equal(t, 8000, s.SampleRate())
	assert.Equal(t, 2, s.Channels())
	got := readAll(t, s)
	want := []float32{0, 0.5, -0.5, 32767.0 / 32768.0, 0.25, -0.25}
	assert.InDeltaSlice(t, want, got, 1e-6)
}

func TestOpenFileRejectsUnknownAndBrokenFiles(t *testing.T) {
	t.Parallel()

	_, err := OpenFile("song.xyz")
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = OpenFile(filepath.Join(t.TempDir(), "missing.wav"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))

	for _, name := range []string{"bad.wav", "bad.mp3", "bad.ogg", "bad.flac"} {
		path := filepath.Join(t.TempDir(), name)
		require.NoError(t, os.WriteFile(path, []byte("definitely not audio"), 0o600))
		_, err := OpenFile(path)
		require.Error(t, err, name)
		assert.True(t, errors.IsCategory(err, errors.CategoryFileParsing), name)
	}

	assert.Contains(t, SupportedExtensions(), ".flac")
}

func TestFilePlaysToEnd(t *testing.T) {
	t.Parallel()

	path := writeWAV(t, 8000, 1, []int{16384, 16384, 16384})
	f, err := NewFile(path, 8000, false)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	dst := make([]float32, 10)
	assert.Equal(t, 3, f.Render(dst, 5, 2))
	assert.InDeltaSlice(t, []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}, dst[:6], 1e-6)
	assert.True(t, f.Done())
	require.NoError(t, f.Err())
	assert.Zero(t, f.Render(dst, 5, 2))
}

func TestFileLoops(t *testing.T) {
	t.Parallel()

	path := writeWAV(t, 8000, 1, []int{16384, -16384})
	f, err := NewFile(path, 8000, true)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	dst := make([]float32, 4)
	got := f.Render(dst, 4, 1)
	assert.Equal(t, 4, got)
	assert.InDeltaSlice(t, []float32{0.5, -0.5, 0.5, -0.5}, dst, 1e-6)
	assert.False(t, f.Done())
}

func TestRecorderWritesWAV(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out", "rec.wav")
	r, err := NewRecorder(constant(0.5), RecorderConfig{Path: path, SampleRate: 8000, Channels: 2})
	require.NoError(t, err)

	dst := make([]float32, 200)
	for range 5 {
		require.Equal(t, 100, r.Render(dst, 100, 2))
	}
	assert.Equal(t, 100, r.Render(make([]float32, 100), 100, 1), "channel mismatch still renders")
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.Equal(t, uint64(500), r.Recorded())
	assert.Equal(t, uint64(100), r.Dropped())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, 2, buf.Format.NumChannels)
	require.Len(t, buf.Data, 1000)
	assert.InDelta(t, math.Round(0.5*32767), buf.Data[0], 1)
}

func TestRecorderEmptyFileIsValid(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty.wav")
	r, err := NewRecorder(Silence{}, RecorderConfig{Path: path, SampleRate: 8000, Channels: 1, BitDepth: 24})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	assert.True(t, dec.IsValidFile())
	assert.Equal(t, uint16(24), dec.BitDepth)

	_, err = NewRecorder(Silence{}, RecorderConfig{Path: path, SampleRate: 8000, Channels: 1, BitDepth: 12})
	require.Error(t, err)
}
