// Package consumer implements the status projector: a passive service
// bound to the full event stream that appends every event to the
// per-job log and derives the job's status from it. No other component
// owns status transitions (the workers' *_IN_PROGRESS updates and the
// translator's final DONE go through the same guarded store).
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/subweaver/subweaver/pkg/bus"
	"github.com/subweaver/subweaver/pkg/jobstore"
	"github.com/subweaver/subweaver/pkg/metrics"
	"github.com/subweaver/subweaver/pkg/models"
)

// QueueName is the projector's durable queue on the exchange.
const QueueName = "subtitle.consumer"

// BindPatterns is the full event stream the projector shadows.
var BindPatterns = []string{"subtitle.#", "job.#", "media.#"}

// Projector applies events to the job store.
type Projector struct {
	store *jobstore.Store
}

// New creates a Projector.
func New(store *jobstore.Store) *Projector {
	return &Projector{store: store}
}

// Bind declares the projector queue and its wildcard bindings.
func (p *Projector) Bind(ctx context.Context, b *bus.Bus) error {
	return b.Bind(ctx, QueueName, BindPatterns...)
}

// Handle processes one delivery: append to the event log, then apply
// the deterministic status projection. Malformed envelopes are logged
// and acknowledged; redelivering garbage cannot make it parse.
func (p *Projector) Handle(ctx context.Context, d bus.Delivery) error {
	var evt models.Event
	if err := json.Unmarshal(d.Body, &evt); err != nil {
		slog.Error("Dropping malformed event", "queue", d.Queue, "entry_id", d.ID, "error", err)
		return nil
	}
	if evt.JobID == "" {
		slog.Warn("Dropping event without job id", "event_type", evt.EventType)
		return nil
	}
	metrics.EventsConsumedTotal.WithLabelValues(d.Queue, evt.EventType).Inc()

	if err := p.store.AppendEvent(ctx, evt.JobID, models.JobEvent{
		EventType: evt.EventType,
		Payload:   evt.Payload,
		Source:    evt.Source,
		Timestamp: evt.Timestamp,
	}); err != nil {
		return err // store unreachable: leave unacked, the loop backs off
	}

	return p.project(ctx, &evt)
}

// project maps an event type onto a status write. Events with no row
// in the projection table are audit-only.
func (p *Projector) project(ctx context.Context, evt *models.Event) error {
	var status models.JobStatus
	var upd jobstore.StatusUpdate

	switch evt.EventType {
	case models.EventSubtitleDownloadRequested:
		status = models.StatusDownloadQueued
	case models.EventSubtitleTranslateRequest:
		status = models.StatusTranslateQueued
	case models.EventSubtitleReady, models.EventSubtitleTranslated:
		status = models.StatusDone
		upd.ResultURL = payloadString(evt.Payload, "result_url")
	case models.EventSubtitleMissing:
		status = models.StatusSubtitleMissing
	case models.EventJobFailed:
		status = models.StatusFailed
		upd.ErrorMessage = payloadString(evt.Payload, "error")
	default:
		// subtitle.requested, media.file.detected, translation.completed:
		// audit only.
		return nil
	}

	applied, err := p.store.UpdateStatus(ctx, evt.JobID, status, upd)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			slog.Warn("Event for unknown job, log appended without projection",
				"job_id", evt.JobID, "event_type", evt.EventType)
			return nil
		}
		return err
	}
	if applied && status.Terminal() {
		metrics.JobsTerminalTotal.WithLabelValues(string(status)).Inc()
	}
	return nil
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}
