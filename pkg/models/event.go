package models

import "time"

// Event routing keys carried over the subtitle.events exchange.
// The routing key of every published message equals its event type.
const (
	EventSubtitleRequested         = "subtitle.requested"
	EventSubtitleDownloadRequested = "subtitle.download.requested"
	EventSubtitleReady             = "subtitle.ready"
	EventSubtitleMissing           = "subtitle.missing"
	EventSubtitleTranslateRequest  = "subtitle.translate.requested"
	EventSubtitleTranslated        = "subtitle.translated"
	EventTranslationCompleted      = "translation.completed"
	EventMediaFileDetected         = "media.file.detected"
	EventJobFailed                 = "job.failed"
)

// Event is the JSON envelope every bus message carries.
type Event struct {
	EventType     string         `json:"event_type"`
	JobID         string         `json:"job_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        string         `json:"source"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// NewEvent builds an envelope with a UTC timestamp.
func NewEvent(eventType, jobID, source string, payload map[string]any) *Event {
	return &Event{
		EventType: eventType,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Payload:   payload,
	}
}
