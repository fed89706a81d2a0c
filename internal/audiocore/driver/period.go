package driver

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/audiocore/midi"
)

// Stats are the counters of a driver's period routine.
type Stats struct {
	Periods         uint64
	Frames          uint64
	MidiSent        uint64
	MidiOverflow    uint64
	MidiUnsupported uint64
	MidiSendErrors  uint64
}

type portBox struct{ port midi.Port }

// period is the state used from the hardware thread. Everything it needs
// is allocated before the stream starts; the render methods only touch
// preallocated memory and atomics.
type period struct {
	callback  Callback
	channels  int
	maxFrames int
	scratch   []float32

	queue         *midi.Queue
	port          *atomic.Pointer[portBox]
	midiPerPeriod int
	msg           [3]byte

	periods         atomic.Uint64
	frames          atomic.Uint64
	midiSent        atomic.Uint64
	midiOverflow    atomic.Uint64
	midiUnsupported atomic.Uint64
	midiSendErrors  atomic.Uint64
}

func newPeriod(spec Spec, queue *midi.Queue, port *atomic.Pointer[portBox], midiPerPeriod int) *period {
	if midiPerPeriod <= 0 {
		midiPerPeriod = audiocore.DefaultMidiEventsPerPeriod
	}
	maxFrames := int(spec.FramesPerPeriod)
	return &period{
		callback:      spec.Callback,
		channels:      int(spec.Channels),
		maxFrames:     maxFrames,
		scratch:       make([]float32, maxFrames*int(spec.Channels)),
		queue:         queue,
		port:          port,
		midiPerPeriod: midiPerPeriod,
	}
}

// renderInterleaved fills out with frames interleaved frames.
func (p *period) renderInterleaved(out []float32, frames int) {
	ch := p.channels
	for done := 0; done < frames; {
		n := min(frames-done, p.maxFrames)
		buf := p.scratch[:n*ch]
		p.callback(buf, n)
		copy(out[done*ch:(done+n)*ch], buf)
		done += n
	}
	p.finish(frames)
}

// renderBytes fills out with frames interleaved little-endian float32 frames.
func (p *period) renderBytes(out []byte, frames int) {
	ch := p.channels
	for done := 0; done < frames; {
		n := min(frames-done, p.maxFrames)
		buf := p.scratch[:n*ch]
		p.callback(buf, n)
		base := done * ch * 4
		for i, s := range buf {
			binary.LittleEndian.PutUint32(out[base+i*4:], math.Float32bits(s))
		}
		done += n
	}
	p.finish(frames)
}

// renderPlanar de-interleaves frames into one slice per channel.
func (p *period) renderPlanar(out [][]float32, frames int) {
	ch := p.channels
	for done := 0; done < frames; {
		n := min(frames-done, p.maxFrames)
		buf := p.scratch[:n*ch]
		p.callback(buf, n)
		for c := range out {
			src := c
			if src >= ch {
				src = ch - 1
			}
			dst := out[c][done : done+n]
			for f := range dst {
				dst[f] = buf[f*ch+src]
			}
		}
		done += n
	}
	p.finish(frames)
}

func (p *period) finish(frames int) {
	p.periods.Add(1)
	p.frames.Add(uint64(frames))
	p.drainMidi()
}

// drainMidi writes up to midiPerPeriod queued events to the port and drops
// the rest so stale events never pile up behind a slow consumer. Only the
// events queued when the period ends are taken; later pushes wait for the
// next period.
func (p *period) drainMidi() {
	var box *portBox
	if p.port != nil {
		box = p.port.Load()
	}

	written := 0
	for range p.queue.Len() {
		ev, ok := p.queue.Pop()
		if !ok {
			return
		}
		if !ev.Opcode.Supported() {
			p.midiUnsupported.Add(1)
			continue
		}
		if written >= p.midiPerPeriod {
			// buffer overflow, event lost
			p.midiOverflow.Add(1)
			continue
		}
		written++
		if box == nil {
			continue
		}
		n := ev.Encode(&p.msg)
		if err := box.port.Send(p.msg[:n]); err != nil {
			p.midiSendErrors.Add(1)
			continue
		}
		p.midiSent.Add(1)
	}
}

func (p *period) stats() Stats {
	return Stats{
		Periods:         p.periods.Load(),
		Frames:          p.frames.Load(),
		MidiSent:        p.midiSent.Load(),
		MidiOverflow:    p.midiOverflow.Load(),
		MidiUnsupported: p.midiUnsupported.Load(),
		MidiSendErrors:  p.midiSendErrors.Load(),
	}
}

// add accumulates counters of a previous stream.
func (s Stats) add(o Stats) Stats {
	return Stats{
		Periods:         s.Periods + o.Periods,
		Frames:          s.Frames + o.Frames,
		MidiSent:        s.MidiSent + o.MidiSent,
		MidiOverflow:    s.MidiOverflow + o.MidiOverflow,
		MidiUnsupported: s.MidiUnsupported + o.MidiUnsupported,
		MidiSendErrors:  s.MidiSendErrors + o.MidiSendErrors,
	}
}
