package events

import (
	"context"
	"fmt"
	"time"

	"github.com/noah-isme/vehicle-insurance-auth/pkg/jobs"
)

const asyncPublishTimeout = 5 * time.Second

// AsyncPublisher hands events to a background queue so broker latency stays
// off the request path. Publish only fails when the queue rejects the event.
type AsyncPublisher struct {
	inner Publisher
	queue *jobs.Queue
}

// NewAsyncPublisher starts queue and forwards events to inner through it.
func NewAsyncPublisher(inner Publisher, queue *jobs.Queue) *AsyncPublisher {
	queue.Start(context.Background())
	return &AsyncPublisher{inner: inner, queue: queue}
}

// Publish implements Publisher.
func (p *AsyncPublisher) Publish(_ context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	err := p.queue.Submit(jobs.Task{
		Name: event.Type,
		Run: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, asyncPublishTimeout)
			defer cancel()
			return p.inner.Publish(ctx, event)
		},
	})
	if err != nil {
		return fmt.Errorf("events: enqueue %s: %w", event.Type, err)
	}
	return nil
}

// Close drains queued events before closing the inner publisher.
func (p *AsyncPublisher) Close() error {
	p.queue.Stop()
	return p.inner.Close()
}
