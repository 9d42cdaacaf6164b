// Package downloader consumes download tasks and runs the
// download-or-fallback decision tree: fingerprint the video, search
// the catalogue in the desired language, fall back to another
// language plus translation, or declare the subtitle missing.
package downloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/subweaver/subweaver/pkg/bus"
	"github.com/subweaver/subweaver/pkg/catalogue"
	"github.com/subweaver/subweaver/pkg/config"
	"github.com/subweaver/subweaver/pkg/events"
	"github.com/subweaver/subweaver/pkg/fingerprint"
	"github.com/subweaver/subweaver/pkg/jobstore"
	"github.com/subweaver/subweaver/pkg/language"
	"github.com/subweaver/subweaver/pkg/metrics"
	"github.com/subweaver/subweaver/pkg/models"
)

// Worker processes one download task at a time.
type Worker struct {
	store     *jobstore.Store
	catalogue catalogue.Client
	publisher *events.Publisher
	cfg       config.DownloaderConfig
}

// New creates a download Worker.
func New(store *jobstore.Store, c catalogue.Client, p *events.Publisher, cfg config.DownloaderConfig) *Worker {
	return &Worker{store: store, catalogue: c, publisher: p, cfg: cfg}
}

// Handle processes one message from the subtitle.download queue.
// Failures are reported as job.failed events and the message is
// acknowledged; only infrastructure errors (event publish failing)
// leave it pending.
func (w *Worker) Handle(ctx context.Context, d bus.Delivery) error {
	var task models.DownloadTask
	if err := json.Unmarshal(d.Body, &task); err != nil {
		slog.Error("Dropping undecodable download task", "entry_id", d.ID, "error", err)
		return nil
	}
	if task.JobID == "" {
		slog.Error("Dropping download task without job id", "entry_id", d.ID)
		return nil
	}
	log := slog.With("job_id", task.JobID, "video_url", task.VideoURL)

	// The workers write their own in-progress marker; everything else
	// is projected by the consumer. The task can be consumed before
	// the consumer projects subtitle.download.requested, so step
	// through the queued state first: each write then has a permitted
	// predecessor, and the late projection is a no-op.
	for _, status := range []models.JobStatus{models.StatusDownloadQueued, models.StatusDownloadInProgress} {
		if _, err := w.store.UpdateStatus(ctx, task.JobID, status, jobstore.StatusUpdate{}); err != nil {
			if !errors.Is(err, jobstore.ErrNotFound) {
				return err
			}
			log.Warn("Download task for unknown job, processing anyway")
			break
		}
	}

	if err := w.process(ctx, log, &task); err != nil {
		return err
	}
	return nil
}

// process runs the decision tree for one task.
func (w *Worker) process(ctx context.Context, log *slog.Logger, task *models.DownloadTask) error {
	videoPath := localPath(task.VideoURL)

	hash, size, err := w.fingerprintOf(log, videoPath)
	if err != nil {
		return w.publisher.PublishFailure(ctx, task.JobID, models.ErrProcessingError, err.Error())
	}

	results, err := w.search(ctx, task, hash, size, task.Language)
	if err != nil {
		return w.searchFailed(ctx, log, task, videoPath, err)
	}

	if len(results) > 0 {
		return w.deliver(ctx, log, task, videoPath, results[0])
	}

	if !w.cfg.TranslationEnabled {
		log.Info("No subtitle in desired language, translation disabled")
		return w.publisher.Publish(ctx, models.EventSubtitleMissing, task.JobID, map[string]any{
			"video_url": task.VideoURL,
			"language":  task.Language,
		})
	}

	return w.fallback(ctx, log, task, videoPath, hash, size)
}

// deliver downloads a desired-language hit next to the video and emits
// subtitle.ready.
func (w *Worker) deliver(ctx context.Context, log *slog.Logger, task *models.DownloadTask, videoPath string, result catalogue.Result) error {
	if videoPath == "" {
		log.Warn("Catalogue hit but video is not a local file")
		return w.publisher.PublishFailure(ctx, task.JobID, models.ErrInvalidVideoPath,
			fmt.Sprintf("cannot derive subtitle path from %q", task.VideoURL))
	}

	dest := subtitlePath(videoPath, task.Language)
	if err := w.catalogue.Download(ctx, result.ID, dest); err != nil {
		return w.downloadFailed(ctx, task, err)
	}
	metrics.SubtitleDownloadsTotal.Inc()
	log.Info("Subtitle downloaded", "path", dest, "catalogue_id", result.ID)

	return w.publisher.Publish(ctx, models.EventSubtitleReady, task.JobID, map[string]any{
		"subtitle_path": dest,
		"language":      task.Language,
		"result_url":    "file://" + dest,
	})
}

// fallback searches other languages and hands the result to the
// translator.
func (w *Worker) fallback(ctx context.Context, log *slog.Logger, task *models.DownloadTask, videoPath, hash string, size int64) error {
	results, err := w.search(ctx, task, hash, size, w.cfg.FallbackLanguage)
	if err != nil {
		return w.searchFailed(ctx, log, task, videoPath, err)
	}
	if len(results) == 0 {
		// Last resort: any language at all.
		results, err = w.search(ctx, task, hash, size, "")
		if err != nil {
			return w.searchFailed(ctx, log, task, videoPath, err)
		}
	}
	if len(results) == 0 {
		log.Info("No subtitle found in any language")
		return w.publisher.Publish(ctx, models.EventSubtitleMissing, task.JobID, map[string]any{
			"video_url": task.VideoURL,
			"language":  task.Language,
		})
	}

	result := results[0]
	if videoPath == "" {
		log.Warn("Fallback hit but video is not a local file")
		return w.publisher.PublishFailure(ctx, task.JobID, models.ErrInvalidVideoPath,
			fmt.Sprintf("cannot derive subtitle path from %q", task.VideoURL))
	}

	// The filename carries the language the catalogue actually served,
	// normalised to two letters.
	sourceLang := language.Normalize(result.Language)
	dest := subtitlePath(videoPath, sourceLang)
	if err := w.catalogue.Download(ctx, result.ID, dest); err != nil {
		return w.downloadFailed(ctx, task, err)
	}
	metrics.SubtitleDownloadsTotal.Inc()

	if _, err := os.Stat(dest); err != nil {
		log.Error("Downloaded subtitle missing on disk", "path", dest)
		return w.publisher.PublishFailure(ctx, task.JobID, models.ErrFileNotFound,
			fmt.Sprintf("downloaded subtitle not found at %s", dest))
	}

	log.Info("Fallback subtitle downloaded, enqueueing translation",
		"path", dest, "source_language", sourceLang, "target_language", task.Language)
	return w.enqueueTranslation(ctx, task.JobID, dest, sourceLang, task.Language, false)
}

// enqueueTranslation publishes the translation task and the
// observability event. The event never creates work; consumers that
// react to it with a second task would double-translate.
func (w *Worker) enqueueTranslation(ctx context.Context, jobID, subtitlePath, sourceLang, targetLang string, degraded bool) error {
	task := models.TranslationTask{
		JobID:          jobID,
		SubtitlePath:   subtitlePath,
		SourceLanguage: sourceLang,
		TargetLanguage: targetLang,
	}
	if err := w.publisher.PublishTask(ctx, models.QueueTranslation, task); err != nil {
		return w.publisher.PublishFailure(ctx, jobID, models.ErrQueuePublishFailed, err.Error())
	}
	payload := map[string]any{
		"subtitle_path":   subtitlePath,
		"source_language": sourceLang,
		"target_language": targetLang,
	}
	if degraded {
		// The subtitle file may not exist; the translator surfaces that
		// as file_not_found.
		payload["degraded"] = true
	}
	return w.publisher.Publish(ctx, models.EventSubtitleTranslateRequest, jobID, payload)
}

// searchFailed applies the failure taxonomy to a catalogue search
// error.
func (w *Worker) searchFailed(ctx context.Context, log *slog.Logger, task *models.DownloadTask, videoPath string, err error) error {
	switch {
	case errors.Is(err, catalogue.ErrRateLimited):
		log.Warn("Catalogue rate limited", "error", err)
		return w.publisher.PublishFailure(ctx, task.JobID, models.ErrRateLimit, err.Error())

	case errors.Is(err, catalogue.ErrMalformedResponse):
		log.Error("Catalogue response did not decode", "error", err)
		return w.publisher.PublishFailure(ctx, task.JobID, models.ErrJSONParseError, err.Error())

	case errors.Is(err, catalogue.ErrAuthentication), catalogue.IsAPIError(err):
		// Degraded path: the catalogue is broken, not empty. Hand the
		// job to the translator against the path a fallback download
		// would have produced.
		if !w.cfg.TranslationEnabled || videoPath == "" {
			errType := models.ErrAPIError
			if errors.Is(err, catalogue.ErrAuthentication) {
				errType = models.ErrAuthenticationError
			}
			return w.publisher.PublishFailure(ctx, task.JobID, errType, err.Error())
		}
		log.Warn("Catalogue unavailable, attempting degraded translation fallback", "error", err)
		dest := subtitlePath(videoPath, w.cfg.FallbackLanguage)
		return w.enqueueTranslation(ctx, task.JobID, dest, w.cfg.FallbackLanguage, task.Language, true)

	default:
		log.Error("Catalogue search failed", "error", err)
		return w.publisher.PublishFailure(ctx, task.JobID, models.ErrProcessingError, err.Error())
	}
}

// downloadFailed maps a catalogue download error onto the taxonomy.
func (w *Worker) downloadFailed(ctx context.Context, task *models.DownloadTask, err error) error {
	errType := models.ErrProcessingError
	switch {
	case errors.Is(err, catalogue.ErrRateLimited):
		errType = models.ErrRateLimit
	case errors.Is(err, catalogue.ErrAuthentication):
		errType = models.ErrAuthenticationError
	case catalogue.IsAPIError(err):
		errType = models.ErrAPIError
	}
	return w.publisher.PublishFailure(ctx, task.JobID, errType, err.Error())
}

// fingerprintOf computes the content fingerprint when the video is a
// local file of qualifying size. A missing or too-small file is not an
// error; metadata search still applies.
func (w *Worker) fingerprintOf(log *slog.Logger, videoPath string) (string, int64, error) {
	if videoPath == "" {
		return "", 0, nil
	}
	hash, size, err := fingerprint.Compute(videoPath)
	if err != nil {
		if errors.Is(err, fingerprint.ErrFileTooSmall) || errors.Is(err, os.ErrNotExist) {
			log.Debug("Skipping fingerprint", "path", videoPath, "reason", err)
			return "", 0, nil
		}
		return "", 0, fmt.Errorf("fingerprinting %s: %w", videoPath, err)
	}
	return hash, size, nil
}

// search tries the fingerprint first, then metadata. lang "" means any
// language.
func (w *Worker) search(ctx context.Context, task *models.DownloadTask, hash string, size int64, lang string) ([]catalogue.Result, error) {
	if hash != "" {
		results, err := w.catalogue.SearchByFingerprint(ctx, hash, size, lang)
		if err != nil {
			metrics.CatalogueSearchesTotal.WithLabelValues("fingerprint", "error").Inc()
			return nil, err
		}
		metrics.CatalogueSearchesTotal.WithLabelValues("fingerprint", outcome(results)).Inc()
		if len(results) > 0 {
			return results, nil
		}
	}

	if task.CatalogueID == "" && task.VideoTitle == "" {
		return nil, nil
	}
	results, err := w.catalogue.SearchByQuery(ctx, catalogue.Query{
		CatalogueID: task.CatalogueID,
		Title:       task.VideoTitle,
		Language:    lang,
	})
	if err != nil {
		metrics.CatalogueSearchesTotal.WithLabelValues("query", "error").Inc()
		return nil, err
	}
	metrics.CatalogueSearchesTotal.WithLabelValues("query", outcome(results)).Inc()
	return results, nil
}

func outcome(results []catalogue.Result) string {
	if len(results) > 0 {
		return "hit"
	}
	return "miss"
}

// localPath resolves a video URL to a filesystem path, or "" when the
// video is not local.
func localPath(videoURL string) string {
	if strings.HasPrefix(videoURL, "file://") {
		return strings.TrimPrefix(videoURL, "file://")
	}
	if filepath.IsAbs(videoURL) {
		return videoURL
	}
	return ""
}

// subtitlePath derives <video_dir>/<video_stem>.<lang>.srt.
func subtitlePath(videoPath, lang string) string {
	stem := strings.TrimSuffix(videoPath, filepath.Ext(videoPath))
	return stem + "." + lang + ".srt"
}
