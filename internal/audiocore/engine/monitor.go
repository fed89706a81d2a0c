package engine

import (
	"context"
	"time"
)

// counters holds the previous sample of monotonic counters.
type counters struct {
	underruns, missing       uint64
	rendered, skipped        uint64
	midiSent, midiOverflow   uint64
	midiUnsupported, sendErr uint64
}

// delta returns cur-prev, or cur when the counter restarted with a new driver.
func delta(cur, prev uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}

// monitor samples the lock-free counters and feeds metrics and warnings.
func (e *Engine) monitor(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	var prev counters
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prev = e.sample(prev)
		}
	}
}

func (e *Engine) sample(prev counters) counters {
	s := e.Stats()
	cur := counters{
		underruns:       s.Ring.Underruns,
		missing:         s.Ring.MissingFrames,
		rendered:        s.Worker.RenderedFrames,
		skipped:         s.Worker.SkippedTicks,
		midiSent:        s.Driver.MidiSent,
		midiOverflow:    s.Driver.MidiOverflow,
		midiUnsupported: s.Driver.MidiUnsupported,
		sendErr:         s.Driver.MidiSendErrors,
	}

	underruns := delta(cur.underruns, prev.underruns)
	overflow := delta(cur.midiOverflow, prev.midiOverflow)

	if underruns > 0 && e.underrunLog.Allow() {
		e.logger.Warn("ring buffer underrun",
			"underruns", underruns,
			"missing_frames", delta(cur.missing, prev.missing),
			"worker_interval", s.Worker.Interval)
	}
	if overflow > 0 && e.overflowLog.Allow() {
		e.logger.Warn("buffer overflow, event lost", "events", overflow)
	}

	if m := e.metrics; m != nil {
		m.AddUnderruns(e.id, underruns, delta(cur.missing, prev.missing))
		if s.Ring.Capacity > 0 {
			m.SetRingFill(e.id, float64(s.Ring.Readable)/float64(s.Ring.Capacity))
		}
		m.AddRenderedFrames(e.id, delta(cur.rendered, prev.rendered))
		m.AddSkippedTicks(e.id, delta(cur.skipped, prev.skipped))
		m.SetWorkerInterval(e.id, s.Worker.Interval.Seconds())
		m.AddMidiSent(e.id, delta(cur.midiSent, prev.midiSent))
		m.AddMidiDropped(e.id, "overflow", overflow)
		m.AddMidiDropped(e.id, "unsupported", delta(cur.midiUnsupported, prev.midiUnsupported))
		m.AddMidiDropped(e.id, "send_error", delta(cur.sendErr, prev.sendErr))
	}
	return cur
}
