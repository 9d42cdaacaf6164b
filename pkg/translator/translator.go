// Package translator consumes translation tasks and runs the chunked,
// resumable translation engine: parse the source SRT, translate in
// chunks through the LLM, checkpoint after every chunk, and write the
// target-language SRT next to the source.
package translator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/subweaver/subweaver/pkg/bus"
	"github.com/subweaver/subweaver/pkg/checkpoint"
	"github.com/subweaver/subweaver/pkg/config"
	"github.com/subweaver/subweaver/pkg/events"
	"github.com/subweaver/subweaver/pkg/jobstore"
	"github.com/subweaver/subweaver/pkg/language"
	"github.com/subweaver/subweaver/pkg/llm"
	"github.com/subweaver/subweaver/pkg/metrics"
	"github.com/subweaver/subweaver/pkg/models"
	"github.com/subweaver/subweaver/pkg/srt"
)

// Worker processes one translation task at a time.
type Worker struct {
	store       *jobstore.Store
	translator  llm.Translator
	checkpoints *checkpoint.Store
	publisher   *events.Publisher
	cfg         config.TranslatorConfig
}

// New creates a translation Worker.
func New(store *jobstore.Store, t llm.Translator, cp *checkpoint.Store, p *events.Publisher, cfg config.TranslatorConfig) *Worker {
	return &Worker{store: store, translator: t, checkpoints: cp, publisher: p, cfg: cfg}
}

// taskError pairs a failure with its classification for the job.failed
// payload.
type taskError struct {
	errType models.ErrorType
	err     error
}

func (e *taskError) Error() string { return e.err.Error() }

func classified(errType models.ErrorType, err error) *taskError {
	return &taskError{errType: errType, err: err}
}

// Handle processes one message from the subtitle.translation queue.
func (w *Worker) Handle(ctx context.Context, d bus.Delivery) error {
	var task models.TranslationTask
	if err := json.Unmarshal(d.Body, &task); err != nil {
		slog.Error("Dropping undecodable translation task", "entry_id", d.ID, "error", err)
		return nil
	}
	if task.JobID == "" {
		slog.Error("Dropping translation task without job id", "entry_id", d.ID)
		return nil
	}
	task.SourceLanguage = language.Normalize(task.SourceLanguage)
	task.TargetLanguage = language.Normalize(task.TargetLanguage)
	log := slog.With("job_id", task.JobID,
		"source_language", task.SourceLanguage, "target_language", task.TargetLanguage)

	// Step through the queued state first: the task can be consumed
	// before the consumer projects subtitle.translate.requested, and
	// TRANSLATE_IN_PROGRESS is only reachable from TRANSLATE_QUEUED.
	for _, status := range []models.JobStatus{models.StatusTranslateQueued, models.StatusTranslateInProgress} {
		if _, err := w.store.UpdateStatus(ctx, task.JobID, status, jobstore.StatusUpdate{}); err != nil {
			if !errors.Is(err, jobstore.ErrNotFound) {
				return err
			}
			log.Warn("Translation task for unknown job, processing anyway")
			break
		}
	}

	start := time.Now()
	outPath, err := w.translate(ctx, log, &task)
	if err != nil {
		var te *taskError
		if !errors.As(err, &te) {
			te = &taskError{errType: models.ErrTranslationError, err: err}
		}
		log.Error("Translation failed", "error_type", te.errType, "error", te.err)
		// Checkpoint stays on disk for the next attempt.
		return w.publisher.PublishFailure(ctx, task.JobID, te.errType, te.err.Error())
	}
	metrics.TranslationDuration.Observe(time.Since(start).Seconds())

	if err := w.checkpoints.Delete(task.JobID, task.TargetLanguage); err != nil {
		log.Warn("Checkpoint delete failed", "error", err)
	}

	resultURL := fmt.Sprintf("%s/%s/%s",
		strings.TrimSuffix(w.cfg.ResultBase, "/"), task.JobID, task.TargetLanguage)
	if err := w.publisher.Publish(ctx, models.EventSubtitleTranslated, task.JobID, map[string]any{
		"subtitle_path":   outPath,
		"target_language": task.TargetLanguage,
		"result_url":      resultURL,
	}); err != nil {
		return err
	}
	return w.publisher.Publish(ctx, models.EventTranslationCompleted, task.JobID, map[string]any{
		"subtitle_path": outPath,
		"duration_ms":   time.Since(start).Milliseconds(),
	})
}

// translate runs the chunk loop and returns the output path.
func (w *Worker) translate(ctx context.Context, log *slog.Logger, task *models.TranslationTask) (string, error) {
	segments, err := srt.ParseFile(task.SubtitlePath)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return "", classified(models.ErrFileNotFound, fmt.Errorf("source subtitle %s: %w", task.SubtitlePath, err))
		case errors.Is(err, srt.ErrNoSegments):
			return "", classified(models.ErrInvalidRequest, err)
		default:
			return "", classified(models.ErrTranslationError, err)
		}
	}

	chunks := chunkSegments(segments, w.cfg.ChunkSize)
	cp := w.resumePoint(log, task, len(chunks))

	for i, chunk := range chunks {
		if cp.Completed(i) {
			continue
		}
		translated, err := w.translateChunk(ctx, chunk, task.SourceLanguage, task.TargetLanguage)
		if err != nil {
			metrics.TranslationChunksTotal.WithLabelValues("failure").Inc()
			return "", fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
		metrics.TranslationChunksTotal.WithLabelValues("success").Inc()

		cp.Segments = append(cp.Segments, translated...)
		cp.MarkCompleted(i)
		if err := w.checkpoints.Save(cp); err != nil {
			log.Warn("Checkpoint save failed", "chunk", i, "error", err)
		}
		log.Debug("Chunk translated", "chunk", i+1, "total", len(chunks))
	}

	outPath := TargetPath(task.SubtitlePath, task.TargetLanguage)
	if err := srt.WriteFile(outPath, cp.Segments); err != nil {
		return "", classified(models.ErrTranslationError, fmt.Errorf("writing %s: %w", outPath, err))
	}
	log.Info("Translation complete", "path", outPath, "segments", len(cp.Segments))
	return outPath, nil
}

// resumePoint loads a matching checkpoint or starts a fresh one.
func (w *Worker) resumePoint(log *slog.Logger, task *models.TranslationTask, totalChunks int) *checkpoint.Checkpoint {
	cp, err := w.checkpoints.Load(task.JobID, task.TargetLanguage)
	if err == nil && cp.Matches(task.SubtitlePath, task.SourceLanguage, task.TargetLanguage) {
		log.Info("Resuming from checkpoint",
			"completed_chunks", len(cp.CompletedChunks), "total_chunks", cp.TotalChunks)
		return cp
	}
	if err == nil {
		log.Warn("Checkpoint metadata mismatch, starting over",
			"checkpoint_source", cp.SourcePath)
	} else if !errors.Is(err, checkpoint.ErrNotFound) {
		log.Warn("Checkpoint load failed, starting over", "error", err)
	}
	return &checkpoint.Checkpoint{
		JobID:          task.JobID,
		SourcePath:     task.SubtitlePath,
		SourceLanguage: task.SourceLanguage,
		TargetLanguage: task.TargetLanguage,
		TotalChunks:    totalChunks,
	}
}

// translateChunk sends one chunk through the LLM and merges the
// translations back onto the original segments, preserving index and
// timing.
func (w *Worker) translateChunk(ctx context.Context, chunk []srt.Segment, sourceLang, targetLang string) ([]srt.Segment, error) {
	texts := make([]string, len(chunk))
	for i, seg := range chunk {
		texts[i] = seg.Text
	}

	callCtx := ctx
	if w.cfg.ChunkTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, w.cfg.ChunkTimeout)
		defer cancel()
	}
	translated, err := w.translator.Translate(callCtx, texts, sourceLang, targetLang)
	if err != nil {
		if errors.Is(err, llm.ErrIncomplete) || errors.Is(err, llm.ErrNoItems) {
			return nil, classified(models.ErrJSONParseError, err)
		}
		return nil, classified(models.ErrTranslationError, err)
	}

	out := make([]srt.Segment, len(chunk))
	for i, seg := range chunk {
		out[i] = srt.Segment{
			Index: seg.Index,
			Start: seg.Start,
			End:   seg.End,
			Text:  strings.TrimSpace(translated[i]),
		}
	}
	return out, nil
}

// chunkSegments splits segments into chunks of at most size.
func chunkSegments(segments []srt.Segment, size int) [][]srt.Segment {
	if size <= 0 {
		size = 50
	}
	var chunks [][]srt.Segment
	for start := 0; start < len(segments); start += size {
		end := start + size
		if end > len(segments) {
			end = len(segments)
		}
		chunks = append(chunks, segments[start:end])
	}
	return chunks
}

// TargetPath derives the output filename: a recognised 2-letter code
// between two dots is replaced by the target code, otherwise the
// target code is inserted before the extension.
func TargetPath(sourcePath, targetLang string) string {
	ext := filepath.Ext(sourcePath)
	base := strings.TrimSuffix(sourcePath, ext)
	if dot := strings.LastIndex(base, "."); dot >= 0 {
		code := base[dot+1:]
		if language.IsTwoLetter(code) {
			return base[:dot] + "." + targetLang + ext
		}
	}
	return base + "." + targetLang + ext
}
