package importer

import (
	"context"
	"sync"

	"github.com/lodeworks/lodestone/internal/storage"
)

const (
	// EventJobUpdated signals a persisted status or progress change.
	EventJobUpdated = "job-updated"
	// EventJobCompleted signals a job reaching done with a result document.
	EventJobCompleted = "job-completed"
	// EventJobFailed signals a job reaching failed or canceled.
	EventJobFailed = "job-failed"
	// EventJobDeleted signals a terminal job row being removed.
	EventJobDeleted = "job-deleted"
)

// JobEvent describes one observable change to an import job.
type JobEvent struct {
	EventType  string
	JobID      string
	Status     storage.JobStatus
	Progress   *int64
	DocumentID string
	ErrorCode  string
}

// EventDispatcher fans job events out to subscribers. Slow subscribers drop
// events rather than blocking the scheduler.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan JobEvent
}

func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[int64]*eventSubscriber),
		bufferSize:  32,
	}
}

func (d *EventDispatcher) Subscribe(ctx context.Context) (<-chan JobEvent, func()) {
	subscriber := &eventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan JobEvent, d.bufferSize),
	}
	d.mu.Lock()
	d.subscribers[subscriber.id] = subscriber
	d.mu.Unlock()
	cleanup := func() {
		d.mu.Lock()
		delete(d.subscribers, subscriber.id)
		d.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *EventDispatcher) Publish(event JobEvent) {
	if event.JobID == "" || event.EventType == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*eventSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *EventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}
