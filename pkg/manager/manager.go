// Package manager is the pipeline's front door: it creates job records
// for HTTP requesters, consumes subtitle.requested events, and
// dispatches work onto the direct-routed task queues. It never writes
// a non-terminal status; the projector owns those.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/subweaver/subweaver/pkg/bus"
	"github.com/subweaver/subweaver/pkg/dedup"
	"github.com/subweaver/subweaver/pkg/events"
	"github.com/subweaver/subweaver/pkg/jobstore"
	"github.com/subweaver/subweaver/pkg/metrics"
	"github.com/subweaver/subweaver/pkg/models"
)

// QueueName is the manager's durable queue on the exchange.
const QueueName = "subtitle.manager"

// Service coordinates job creation and task dispatch.
type Service struct {
	store     *jobstore.Store
	dedup     *dedup.Service
	publisher *events.Publisher
}

// New creates a manager Service.
func New(store *jobstore.Store, d *dedup.Service, p *events.Publisher) *Service {
	return &Service{store: store, dedup: d, publisher: p}
}

// Bind declares the manager queue and binds it to subtitle.requested.
func (s *Service) Bind(ctx context.Context, b *bus.Bus) error {
	return b.Bind(ctx, QueueName, models.EventSubtitleRequested)
}

// requestPayload is the expected payload of a subtitle.requested event.
type requestPayload struct {
	VideoURL         string   `json:"video_url"`
	VideoTitle       string   `json:"video_title"`
	Language         string   `json:"language"`
	TargetLanguage   string   `json:"target_language"`
	CatalogueID      string   `json:"catalogue_id"`
	PreferredSources []string `json:"preferred_sources"`
}

// HandleRequested processes one subtitle.requested event: validate,
// dedup, dispatch the download task.
func (s *Service) HandleRequested(ctx context.Context, d bus.Delivery) error {
	var evt models.Event
	if err := json.Unmarshal(d.Body, &evt); err != nil {
		slog.Error("Dropping malformed subtitle.requested event", "entry_id", d.ID, "error", err)
		return nil
	}
	log := slog.With("job_id", evt.JobID)

	var req requestPayload
	if err := remarshal(evt.Payload, &req); err != nil {
		log.Warn("Undecodable request payload", "error", err)
		return s.publisher.PublishFailure(ctx, evt.JobID, models.ErrJSONParseError, err.Error())
	}

	if err := validateRequest(&req); err != nil {
		log.Warn("Rejecting invalid subtitle request", "error", err)
		return s.publisher.PublishFailure(ctx, evt.JobID, models.ErrInvalidRequest, err.Error())
	}

	// Second dedup check. The scanner registered the token before
	// publishing; the same id means this is that job, a different id
	// means another job beat this one within the window.
	res := s.dedup.CheckAndRegister(ctx, req.VideoURL, req.Language, evt.JobID)
	if res.IsDuplicate && res.ExistingJobID != evt.JobID {
		metrics.DedupHitsTotal.Inc()
		log.Info("Skipping duplicate subtitle request",
			"video_url", req.VideoURL, "existing_job_id", res.ExistingJobID)
		return nil
	}

	return s.dispatchDownload(ctx, evt.JobID, &req)
}

// dispatchDownload enqueues the download task and emits the
// observability event. Only the direct-to-queue publish creates work.
func (s *Service) dispatchDownload(ctx context.Context, jobID string, req *requestPayload) error {
	task := models.DownloadTask{
		JobID:            jobID,
		VideoURL:         req.VideoURL,
		VideoTitle:       req.VideoTitle,
		CatalogueID:      req.CatalogueID,
		Language:         req.Language,
		PreferredSources: req.PreferredSources,
	}
	if err := s.publisher.PublishTask(ctx, models.QueueDownload, task); err != nil {
		slog.Error("Download task enqueue failed", "job_id", jobID, "error", err)
		return s.publisher.PublishFailure(ctx, jobID, models.ErrQueuePublishFailed, err.Error())
	}
	return s.publisher.Publish(ctx, models.EventSubtitleDownloadRequested, jobID, map[string]any{
		"video_url":   req.VideoURL,
		"video_title": req.VideoTitle,
		"language":    req.Language,
	})
}

// CreateDownloadJob persists a PENDING job for an HTTP download
// request and publishes subtitle.requested for it. The dedup token is
// registered before the event so the bus handler sees the same id.
func (s *Service) CreateDownloadJob(ctx context.Context, videoURL, videoTitle, language, targetLanguage string, catalogueID string, preferredSources []string) (*models.Job, bool, error) {
	job := models.NewJob(videoURL, videoTitle, language, targetLanguage)

	res := s.dedup.CheckAndRegister(ctx, videoURL, language, job.ID)
	if res.IsDuplicate {
		existing, err := s.store.Get(ctx, res.ExistingJobID)
		if err == nil {
			metrics.DedupHitsTotal.Inc()
			return existing, true, nil
		}
		// Token survived its job record; reclaim it for the new job.
		slog.Warn("Dedup token without live job, reclaiming",
			"existing_job_id", res.ExistingJobID, "error", err)
		s.dedup.Release(ctx, videoURL, language)
		s.dedup.CheckAndRegister(ctx, videoURL, language, job.ID)
	}

	if err := s.store.Save(ctx, job); err != nil {
		return nil, false, err
	}
	if err := s.publisher.Publish(ctx, models.EventSubtitleRequested, job.ID, map[string]any{
		"video_url":         videoURL,
		"video_title":       videoTitle,
		"language":          language,
		"target_language":   targetLanguage,
		"catalogue_id":      catalogueID,
		"preferred_sources": preferredSources,
	}); err != nil {
		return nil, false, err
	}
	return job, false, nil
}

// CreateTranslationJob persists a PENDING job for a direct translation
// request and enqueues the translation task. video_url stays empty on
// these jobs; downstream code tolerates that.
func (s *Service) CreateTranslationJob(ctx context.Context, subtitlePath, sourceLang, targetLang, videoTitle string) (*models.Job, error) {
	job := models.NewJob("", videoTitle, sourceLang, targetLang)
	if err := s.store.Save(ctx, job); err != nil {
		return nil, err
	}

	task := models.TranslationTask{
		JobID:          job.ID,
		SubtitlePath:   subtitlePath,
		SourceLanguage: sourceLang,
		TargetLanguage: targetLang,
	}
	if err := s.publisher.PublishTask(ctx, models.QueueTranslation, task); err != nil {
		pubErr := s.publisher.PublishFailure(ctx, job.ID, models.ErrQueuePublishFailed, err.Error())
		if pubErr != nil {
			slog.Error("Failure event publish failed", "job_id", job.ID, "error", pubErr)
		}
		return nil, err
	}
	if err := s.publisher.Publish(ctx, models.EventSubtitleTranslateRequest, job.ID, map[string]any{
		"subtitle_path":   subtitlePath,
		"source_language": sourceLang,
		"target_language": targetLang,
	}); err != nil {
		return nil, err
	}
	return job, nil
}

func validateRequest(req *requestPayload) error {
	if strings.TrimSpace(req.VideoURL) == "" {
		return fmt.Errorf("video_url is required")
	}
	if strings.TrimSpace(req.VideoTitle) == "" {
		return fmt.Errorf("video_title is required")
	}
	if !isTwoLowercase(req.Language) {
		return fmt.Errorf("language must be a two-letter ISO 639-1 code, got %q", req.Language)
	}
	if req.TargetLanguage != "" {
		if !isTwoLowercase(req.TargetLanguage) {
			return fmt.Errorf("target_language must be a two-letter ISO 639-1 code, got %q", req.TargetLanguage)
		}
		if req.TargetLanguage == req.Language {
			return fmt.Errorf("target_language equals language")
		}
	}
	return nil
}

func isTwoLowercase(code string) bool {
	if len(code) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		if code[i] < 'a' || code[i] > 'z' {
			return false
		}
	}
	return true
}

// remarshal decodes a generic payload map into a typed struct.
func remarshal(payload map[string]any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
