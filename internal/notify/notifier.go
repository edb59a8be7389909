// Package notify fans reconciliation events out to downstream sinks
// through a bounded worker pool. Publishing never blocks the caller: a
// full queue drops the event with a warning rather than stalling a
// reconcile tick.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Default configuration
const (
	DefaultWorkerCount    = 2
	DefaultQueueSize      = 64
	DefaultDeliverTimeout = 10 * time.Second
)

// Sink delivers events to one downstream destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event Event) error
}

// work represents a unit of work for the worker pool
type work struct {
	event Event
	sink  Sink
}

// Notifier dispatches events to all sinks asynchronously.
type Notifier struct {
	sinks   []Sink
	timeout time.Duration

	// Worker pool. The work queue is never closed; workers exit on the
	// closing signal, so a Publish racing a Close can only drop, not panic.
	workQueue chan work
	wg        sync.WaitGroup

	// Shutdown signaling - closing this channel signals publishers to stop
	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a notifier with default pool settings.
func New(sinks ...Sink) *Notifier {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize, DefaultDeliverTimeout, sinks...)
}

// NewWithConfig creates a notifier with custom worker count, queue size
// and per-delivery timeout.
func NewWithConfig(workerCount, queueSize int, timeout time.Duration, sinks ...Sink) *Notifier {
	if timeout <= 0 {
		timeout = DefaultDeliverTimeout
	}
	n := &Notifier{
		sinks:     sinks,
		timeout:   timeout,
		workQueue: make(chan work, queueSize),
		closing:   make(chan struct{}),
	}

	for i := 0; i < workerCount; i++ {
		n.wg.Add(1)
		go n.worker(i)
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Notifier worker pool started")
	return n
}

// worker delivers queued events until shutdown, then drains what is
// already queued before exiting.
func (n *Notifier) worker(id int) {
	defer n.wg.Done()

	for {
		select {
		case w := <-n.workQueue:
			n.deliver(id, w)
		case <-n.closing:
			for {
				select {
				case w := <-n.workQueue:
					n.deliver(id, w)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) deliver(id int, w work) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("sink", w.sink.Name()).
				Int("worker", id).
				Msg("Notification sink panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	if err := w.sink.Deliver(ctx, w.event); err != nil {
		log.Warn().
			Err(err).
			Str("sink", w.sink.Name()).
			Str("event_type", string(w.event.Type)).
			Str("group", w.event.Group).
			Msg("Notification delivery failed")
	}
}

// Publish queues an event for every sink.
// Non-blocking: if the work queue is full or the notifier is closing,
// events are dropped. Delivery is best-effort by contract.
func (n *Notifier) Publish(event Event) {
	for _, sink := range n.sinks {
		select {
		case <-n.closing:
			log.Warn().Str("event_type", string(event.Type)).Msg("Notifier closing, dropping event")
			return
		case n.workQueue <- work{event: event, sink: sink}:
			// Successfully queued
		default:
			// Queue full - drop event with warning
			log.Warn().
				Str("event_type", string(event.Type)).
				Str("sink", sink.Name()).
				Msg("Notifier queue full, dropping event")
		}
	}
}

// Close shuts down the worker pool gracefully.
// Signals publishers and workers to stop, then waits for the drain.
func (n *Notifier) Close(ctx context.Context) {
	n.closeOnce.Do(func() {
		close(n.closing)
	})

	// Wait for workers to finish with timeout
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Notifier workers stopped gracefully")
	case <-ctx.Done():
		log.Warn().Msg("Notifier shutdown timed out, some events may be lost")
	}
}
