// Package events provides the typed publishing surface the services
// use: envelope construction, exchange publishing, and direct task
// enqueue, with metrics on every publish.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/subweaver/subweaver/pkg/bus"
	"github.com/subweaver/subweaver/pkg/metrics"
	"github.com/subweaver/subweaver/pkg/models"
)

// Publisher publishes envelopes on behalf of one named service.
type Publisher struct {
	bus    *bus.Bus
	source string
}

// NewPublisher creates a publisher whose events carry source as the
// originating service name.
func NewPublisher(b *bus.Bus, source string) *Publisher {
	return &Publisher{bus: b, source: source}
}

// Source returns the service name this publisher stamps on events.
func (p *Publisher) Source() string {
	return p.source
}

// Publish routes an event through the topic exchange. The routing key
// equals the event type.
func (p *Publisher) Publish(ctx context.Context, eventType, jobID string, payload map[string]any) error {
	evt := models.NewEvent(eventType, jobID, p.source, payload)
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", eventType, err)
	}
	if err := p.bus.Publish(ctx, eventType, body); err != nil {
		return err
	}
	metrics.EventsPublishedTotal.WithLabelValues(eventType).Inc()
	return nil
}

// PublishFailure publishes job.failed with the standard failure
// payload.
func (p *Publisher) PublishFailure(ctx context.Context, jobID string, errType models.ErrorType, message string) error {
	return p.Publish(ctx, models.EventJobFailed, jobID, models.FailurePayload(errType, message))
}

// PublishTask appends a task message directly onto a work queue,
// bypassing the exchange. Only direct-to-queue publishes create work;
// the corresponding *.requested events are observability signals.
func (p *Publisher) PublishTask(ctx context.Context, queue string, task any) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshaling task for %s: %w", queue, err)
	}
	if err := p.bus.PublishDirect(ctx, queue, body); err != nil {
		return err
	}
	metrics.EventsPublishedTotal.WithLabelValues(queue).Inc()
	return nil
}
