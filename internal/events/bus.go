package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/audiobridge/internal/logging"
)

// Config holds event bus configuration
type Config struct {
	BufferSize int
	Workers    int
}

// DefaultConfig returns the default event bus configuration
func DefaultConfig() Config {
	return Config{
		BufferSize: 1024,
		Workers:    2,
	}
}

// Bus delivers events to subscribers synchronously and to consumers
// asynchronously. Neither path blocks the publisher.
type Bus struct {
	eventChan chan Event
	workers   int

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	mu          sync.Mutex
	consumers   []EventConsumer
	subscribers map[uint64]chan Event
	nextSubID   uint64

	stats  Stats
	logger *slog.Logger
}

// New creates an event bus. Workers start with the first consumer.
func New(cfg Config) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		eventChan:   make(chan Event, cfg.BufferSize),
		workers:     cfg.Workers,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[uint64]chan Event),
		logger:      logging.ServiceOrDefault("events"),
	}
}

// Subscription is a channel of events and its cancel function.
type Subscription struct {
	C      <-chan Event
	cancel func()
}

// Cancel stops delivery and closes C.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Subscribe returns a subscription with the given channel buffer.
// Events are dropped for a subscriber whose buffer is full.
func (b *Bus) Subscribe(buffer int) *Subscription {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return &Subscription{
		C: ch,
		cancel: func() {
			once.Do(func() {
				b.mu.Lock()
				delete(b.subscribers, id)
				b.mu.Unlock()
				close(ch)
			})
		},
	}
}

// RegisterConsumer adds a new event consumer
func (b *Bus) RegisterConsumer(consumer EventConsumer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.consumers {
		if existing.Name() == consumer.Name() {
			return fmt.Errorf("consumer %s already registered", consumer.Name())
		}
	}

	b.consumers = append(b.consumers, consumer)
	b.logger.Info("registered event consumer", "consumer", consumer.Name())

	if len(b.consumers) == 1 {
		b.start()
	}

	return nil
}

// Publish stamps and delivers an event. It never blocks.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			atomic.AddUint64(&b.stats.SubscriberDrops, 1)
		}
	}
	hasConsumers := len(b.consumers) > 0
	b.mu.Unlock()

	if !hasConsumers || !b.running.Load() {
		return
	}

	select {
	case b.eventChan <- event:
		atomic.AddUint64(&b.stats.EventsReceived, 1)
	default:
		atomic.AddUint64(&b.stats.EventsDropped, 1)
		b.logger.Debug("event dropped due to full buffer", "kind", event.Kind)
	}
}

// TryPublish accepts an Event or an ErrorEvent so the bus can be installed
// as the errors package publisher.
func (b *Bus) TryPublish(event any) bool {
	switch e := event.(type) {
	case Event:
		b.Publish(e)
		return true
	case ErrorEvent:
		b.Publish(Event{
			Kind:      KindError,
			Source:    e.GetComponent(),
			Message:   e.GetMessage(),
			Context:   e.GetContext(),
			Timestamp: e.GetTimestamp(),
		})
		return true
	default:
		return false
	}
}

// start begins the worker goroutines, called with b.mu held
func (b *Bus) start() {
	if b.running.Swap(true) {
		return
	}

	for i := range b.workers {
		b.wg.Add(1)
		go b.worker(i)
	}
}

func (b *Bus) worker(id int) {
	defer b.wg.Done()

	logger := b.logger.With("worker_id", id)
	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-b.eventChan:
			b.processEvent(event, logger)
		}
	}
}

// processEvent sends the event to all registered consumers
func (b *Bus) processEvent(event Event, logger *slog.Logger) {
	b.mu.Lock()
	consumers := make([]EventConsumer, len(b.consumers))
	copy(consumers, b.consumers)
	b.mu.Unlock()

	for _, consumer := range consumers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					atomic.AddUint64(&b.stats.ConsumerErrors, 1)
					logger.Error("consumer panicked",
						"consumer", consumer.Name(),
						"panic", r,
						"kind", event.Kind)
				}
			}()

			if err := consumer.ProcessEvent(event); err != nil {
				atomic.AddUint64(&b.stats.ConsumerErrors, 1)
				logger.Error("consumer error",
					"consumer", consumer.Name(),
					"error", err,
					"kind", event.Kind)
				return
			}
			atomic.AddUint64(&b.stats.EventsProcessed, 1)
		}()
	}
}

// Shutdown stops the workers, waiting at most timeout.
func (b *Bus) Shutdown(timeout time.Duration) error {
	b.running.Store(false)
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		b.logger.Warn("event bus shutdown timeout exceeded")
		return fmt.Errorf("event bus shutdown timeout exceeded")
	}
}

// GetStats returns current event bus statistics
func (b *Bus) GetStats() Stats {
	return Stats{
		EventsReceived:  atomic.LoadUint64(&b.stats.EventsReceived),
		EventsProcessed: atomic.LoadUint64(&b.stats.EventsProcessed),
		EventsDropped:   atomic.LoadUint64(&b.stats.EventsDropped),
		ConsumerErrors:  atomic.LoadUint64(&b.stats.ConsumerErrors),
		SubscriberDrops: atomic.LoadUint64(&b.stats.SubscriberDrops),
	}
}
