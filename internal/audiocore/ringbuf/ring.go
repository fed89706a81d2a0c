// Package ringbuf implements the lock-free audio ring buffer between the
// render worker and the driver callback.
package ringbuf

import (
	"sync/atomic"

	"github.com/tphakala/audiobridge/internal/errors"
)

// Buffer is a single-producer single-consumer ring of interleaved float32
// frames.
//
// writeIndex and readIndex count frames and only ever grow; the slot of a
// frame is index & mask. The producer publishes frames by storing
// writeIndex after copying them, the consumer frees slots by storing
// readIndex after copying out. Go atomics are sequentially consistent,
// which gives the required acquire/release ordering.
//
// Thread assignment:
//   - Push, AvailableToWrite: producer (render worker) only
//   - Pop, AvailableToRead: consumer (driver callback) only
//   - Reset: only while no producer or consumer runs
type Buffer struct {
	// Separate cache lines to prevent false sharing between producer and consumer.
	writeIndex atomic.Uint64
	_pad1      [56]byte
	readIndex  atomic.Uint64
	_pad2      [56]byte

	underruns     atomic.Uint64
	missingFrames atomic.Uint64

	samples  []float32
	mask     uint64
	frames   uint64
	channels int
}

// New allocates a ring holding at least capacityFrames frames of the given
// channel count. Capacity is rounded up to a power of two.
func New(capacityFrames, channels int) (*Buffer, error) {
	if capacityFrames <= 0 || channels <= 0 {
		return nil, errors.New(errors.NewStd("ring buffer capacity and channels must be positive")).
			Component("audiocore.ringbuf").
			Category(errors.CategoryValidation).
			Context("capacity_frames", capacityFrames).
			Context("channels", channels).
			Build()
	}

	size := 1
	for size < capacityFrames {
		size <<= 1
	}

	return &Buffer{
		samples:  make([]float32, size*channels),
		mask:     uint64(size - 1),
		frames:   uint64(size),
		channels: channels,
	}, nil
}

// Capacity returns the capacity in frames.
func (b *Buffer) Capacity() int {
	return int(b.frames)
}

// Channels returns the number of interleaved channels per frame.
func (b *Buffer) Channels() int {
	return b.channels
}

// AvailableToRead returns the number of frames the consumer may pop.
func (b *Buffer) AvailableToRead() int {
	return int(b.writeIndex.Load() - b.readIndex.Load())
}

// AvailableToWrite returns the number of frames the producer may push.
func (b *Buffer) AvailableToWrite() int {
	return int(b.frames - (b.writeIndex.Load() - b.readIndex.Load()))
}

// Push copies up to frames frames from samples and returns how many were
// written. It never blocks and never overwrites unread frames.
func (b *Buffer) Push(samples []float32, frames int) int {
	if frames <= 0 {
		return 0
	}
	if limit := len(samples) / b.channels; frames > limit {
		frames = limit
	}

	w := b.writeIndex.Load()
	r := b.readIndex.Load()

	free := b.frames - (w - r)
	n := uint64(frames)
	if n > free {
		n = free
	}
	if n == 0 {
		return 0
	}

	b.copyIn(w&b.mask, samples[:int(n)*b.channels])
	b.writeIndex.Store(w + n)
	return int(n)
}

// Pop copies up to frames frames into dst and returns how many were read.
// When fewer frames are available the remainder of dst up to frames is
// zero-filled and an underrun is recorded.
func (b *Buffer) Pop(dst []float32, frames int) int {
	if frames <= 0 {
		return 0
	}
	if limit := len(dst) / b.channels; frames > limit {
		frames = limit
	}

	r := b.readIndex.Load()
	w := b.writeIndex.Load()

	n := uint64(frames)
	if avail := w - r; n > avail {
		n = avail
	}

	if n > 0 {
		b.copyOut(r&b.mask, dst[:int(n)*b.channels])
		b.readIndex.Store(r + n)
	}

	if missing := uint64(frames) - n; missing > 0 {
		clear(dst[int(n)*b.channels : frames*b.channels])
		b.underruns.Add(1)
		b.missingFrames.Add(missing)
	}

	return int(n)
}

// copyIn writes interleaved samples starting at frame slot pos, in one or
// two segments depending on wrap-around.
func (b *Buffer) copyIn(pos uint64, src []float32) {
	start := int(pos) * b.channels
	first := copy(b.samples[start:], src)
	if first < len(src) {
		copy(b.samples, src[first:])
	}
}

func (b *Buffer) copyOut(pos uint64, dst []float32) {
	start := int(pos) * b.channels
	first := copy(dst, b.samples[start:])
	if first < len(dst) {
		copy(dst[first:], b.samples)
	}
}

// Underruns returns the number of short pops.
func (b *Buffer) Underruns() uint64 {
	return b.underruns.Load()
}

// MissingFrames returns the total number of zero-filled frames.
func (b *Buffer) MissingFrames() uint64 {
	return b.missingFrames.Load()
}

// Reset discards all buffered frames. The caller guarantees that neither
// the worker nor the driver callback is running.
func (b *Buffer) Reset() {
	b.readIndex.Store(0)
	b.writeIndex.Store(0)
	clear(b.samples)
}

// Stats is a snapshot of ring counters.
type Stats struct {
	Capacity      int
	Readable      int
	Underruns     uint64
	MissingFrames uint64
}

// Snapshot returns the current counters. Safe from any goroutine.
func (b *Buffer) Snapshot() Stats {
	return Stats{
		Capacity:      b.Capacity(),
		Readable:      b.AvailableToRead(),
		Underruns:     b.Underruns(),
		MissingFrames: b.MissingFrames(),
	}
}
