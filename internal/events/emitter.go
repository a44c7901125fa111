package events

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Sink receives events from an Emitter, one at a time.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, event Event) error

// Publish implements Sink.
func (f SinkFunc) Publish(ctx context.Context, event Event) error { return f(ctx, event) }

// Emitter buffers events and forwards them to its sinks from a single goroutine,
// so a slow sink never blocks a run.
type Emitter struct {
	events       chan Event
	sinks        []Sink
	droppedCount atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

var _ Publisher = (*Emitter)(nil)

// NewEmitter creates an Emitter with the given buffer size and starts delivery.
func NewEmitter(bufferSize int, sinks ...Sink) *Emitter {
	if bufferSize < 1 {
		bufferSize = 1
	}
	e := &Emitter{
		events: make(chan Event, bufferSize),
		sinks:  sinks,
		done:   make(chan struct{}),
	}
	go e.deliver()
	return e
}

// Emit queues an event. If the buffer is full, it tries with a timeout before
// dropping the event.
func (e *Emitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	defer func() {
		// Emit after Close is a dropped event, not a crash.
		if recover() != nil {
			e.droppedCount.Add(1)
		}
	}()

	// Try immediate send first
	select {
	case e.events <- event:
		return
	default:
	}

	select {
	case e.events <- event:
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 { // Log every 10th drop to avoid spam
			log.Printf("[events] WARNING: event buffer full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *Emitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

func (e *Emitter) deliver() {
	defer close(e.done)
	for event := range e.events {
		for _, s := range e.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Publish(ctx, event); err != nil {
				log.Printf("[events] sink failed for %s on run %s: %v", event.Type, event.RunID, err)
			}
			cancel()
		}
	}
}

// Close stops accepting events and waits until queued ones are delivered.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() { close(e.events) })
	<-e.done
}
