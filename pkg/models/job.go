package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a subtitle job.
type JobStatus string

// Job lifecycle states.
const (
	StatusPending             JobStatus = "PENDING"
	StatusDownloadQueued      JobStatus = "DOWNLOAD_QUEUED"
	StatusDownloadInProgress  JobStatus = "DOWNLOAD_IN_PROGRESS"
	StatusTranslateQueued     JobStatus = "TRANSLATE_QUEUED"
	StatusTranslateInProgress JobStatus = "TRANSLATE_IN_PROGRESS"
	StatusDone                JobStatus = "DONE"
	StatusSubtitleMissing     JobStatus = "SUBTITLE_MISSING"
	StatusFailed              JobStatus = "FAILED"
)

// transitions holds the permitted successor states for each state.
// Any transition not listed here is ignored by the job store (handlers
// are idempotent; a repeated or stale event must not move the job).
var transitions = map[JobStatus][]JobStatus{
	StatusPending:             {StatusDownloadQueued, StatusTranslateQueued, StatusFailed},
	StatusDownloadQueued:      {StatusDownloadInProgress, StatusFailed},
	StatusDownloadInProgress:  {StatusDone, StatusTranslateQueued, StatusSubtitleMissing, StatusFailed},
	StatusTranslateQueued:     {StatusTranslateInProgress, StatusFailed},
	StatusTranslateInProgress: {StatusDone, StatusFailed},
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusDownloadQueued, StatusDownloadInProgress,
		StatusTranslateQueued, StatusTranslateInProgress,
		StatusDone, StatusSubtitleMissing, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal state.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusSubtitleMissing:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is permitted by
// the state machine. A transition to the current state is allowed
// (idempotent re-application of the same event).
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s == next {
		return true
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Progress maps a status to a 0–100 progress value for status queries.
func (s JobStatus) Progress() int {
	switch s {
	case StatusPending:
		return 0
	case StatusDownloadQueued, StatusDownloadInProgress:
		return 25
	case StatusTranslateQueued, StatusTranslateInProgress:
		return 75
	case StatusDone:
		return 100
	default:
		return 0
	}
}

// Job is the unit of work: one subtitle acquisition for one video in
// one desired language. The job store is authoritative for Status.
type Job struct {
	ID             string    `json:"id"`
	VideoURL       string    `json:"video_url"`
	VideoTitle     string    `json:"video_title"`
	Language       string    `json:"language"`
	TargetLanguage string    `json:"target_language,omitempty"`
	Status         JobStatus `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	ResultURL      string    `json:"result_url,omitempty"`
}

// NewJob creates a PENDING job with a fresh random identifier and UTC
// timestamps.
func NewJob(videoURL, videoTitle, language, targetLanguage string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:             uuid.New().String(),
		VideoURL:       videoURL,
		VideoTitle:     videoTitle,
		Language:       language,
		TargetLanguage: targetLanguage,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// JobEvent is one immutable entry in a job's event log.
type JobEvent struct {
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
}
