package midi

import (
	"sync"
	"sync/atomic"

	"github.com/tphakala/audiobridge/internal/errors"
)

// Queue is a bounded FIFO of events between control code and the driver
// callback. Push never blocks and fails when the queue is full; Pop is
// lock-free and never allocates.
//
// Pushes from several control goroutines are serialized by a producer-side
// mutex. The consumer side must stay single-threaded.
type Queue struct {
	head atomic.Uint64 // next slot to pop
	_pad [56]byte
	tail atomic.Uint64 // next slot to push

	pushMu  sync.Mutex
	slots   []Event
	cap     uint64
	dropped atomic.Uint64
}

// NewQueue creates a queue holding exactly capacity events.
func NewQueue(capacity int) (*Queue, error) {
	if capacity <= 0 {
		return nil, errors.New(errors.NewStd("midi queue capacity must be positive")).
			Component("audiocore.midi").
			Category(errors.CategoryValidation).
			Context("capacity", capacity).
			Build()
	}
	return &Queue{
		slots: make([]Event, capacity),
		cap:   uint64(capacity),
	}, nil
}

// Push appends ev. It returns false, leaving the queue unchanged, when full.
func (q *Queue) Push(ev Event) bool {
	q.pushMu.Lock()
	defer q.pushMu.Unlock()

	t := q.tail.Load()
	if t-q.head.Load() == q.cap {
		q.dropped.Add(1)
		return false
	}

	q.slots[t%q.cap] = ev
	q.tail.Store(t + 1)
	return true
}

// Pop removes the oldest event. Consumer only.
func (q *Queue) Pop() (Event, bool) {
	h := q.head.Load()
	if h == q.tail.Load() {
		return Event{}, false
	}

	ev := q.slots[h%q.cap]
	q.head.Store(h + 1)
	return ev, true
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return int(q.cap)
}

// Dropped returns how many pushes failed because the queue was full.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Clear discards queued events. Only call while the consumer is stopped.
func (q *Queue) Clear() {
	q.pushMu.Lock()
	defer q.pushMu.Unlock()
	q.head.Store(q.tail.Load())
}
