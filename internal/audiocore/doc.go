// Package audiocore is the real-time audio delivery pipeline.
//
// A non-real-time render worker fills a lock-free ring buffer which the
// platform audio callback drains once per hardware period. MIDI events
// travel beside the audio through a bounded queue drained by the same
// callback.
//
// # Layout
//
//   - ringbuf: single-producer single-consumer float32 ring buffer
//   - midi: events, the bounded event queue and MIDI output ports
//   - driver: Spec negotiation, backends and the hardware period routine
//   - scheduler: the render worker and its wake-up interval
//   - device: output device selection, buffer size and hot-plug handling
//   - engine: wiring of the above for a running process
//
// # Threads
//
// Three roles touch the pipeline. The control goroutine selects devices,
// changes buffer sizes and pushes MIDI events. The worker goroutine is the
// only ring buffer producer. The driver callback is the only ring buffer
// and MIDI queue consumer and must not allocate, lock or block.
//
// Errors use the enhanced error system in internal/errors; the sentinels
// below are matched with errors.Is.
package audiocore
