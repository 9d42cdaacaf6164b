// Package scanner watches media directories and turns new video files
// into subtitle requests. Detection has three paths: filesystem
// events, a periodic library sync, and a manual /scan trigger. Files
// are only reported once their size has been stable long enough to
// survive a copy in progress.
package scanner

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/subweaver/subweaver/pkg/config"
	"github.com/subweaver/subweaver/pkg/dedup"
	"github.com/subweaver/subweaver/pkg/events"
	"github.com/subweaver/subweaver/pkg/jobstore"
	"github.com/subweaver/subweaver/pkg/metrics"
	"github.com/subweaver/subweaver/pkg/models"
)

const pollInterval = 500 * time.Millisecond

// Service is the media scanner.
type Service struct {
	cfg       config.ScannerConfig
	store     *jobstore.Store
	dedup     *dedup.Service
	publisher *events.Publisher
	watcher   *fsnotify.Watcher

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	waiters map[string]chan struct{} // per-path stability waiter cancel
}

// New creates the scanner. The fsnotify watcher is created here but
// directories are only added on Start.
func New(cfg config.ScannerConfig, store *jobstore.Store, d *dedup.Service, p *events.Publisher) (*Service, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:       cfg,
		store:     store,
		dedup:     d,
		publisher: p,
		watcher:   w,
		stopCh:    make(chan struct{}),
		waiters:   make(map[string]chan struct{}),
	}, nil
}

// Start wires the watchers and launches the event and sync loops.
func (s *Service) Start(ctx context.Context) error {
	for _, dir := range s.cfg.MediaDirs {
		if err := s.watchTree(dir); err != nil {
			slog.Warn("Media directory not watchable", "dir", dir, "error", err)
		}
	}

	s.wg.Add(2)
	go s.eventLoop(ctx)
	go s.syncLoop(ctx)
	return nil
}

// Stop terminates the loops and waits for in-flight waiters.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	_ = s.watcher.Close()
	s.wg.Wait()
}

// watchTree registers dir and all its subdirectories. fsnotify does
// not recurse on its own.
func (s *Service) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return s.watcher.Add(path)
		}
		return nil
	})
}

func (s *Service) eventLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case evt, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleFsEvent(ctx, evt)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Filesystem watcher error", "error", err)
		}
	}
}

func (s *Service) handleFsEvent(ctx context.Context, evt fsnotify.Event) {
	if !evt.Op.Has(fsnotify.Create) && !evt.Op.Has(fsnotify.Write) {
		return
	}

	if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
		if evt.Op.Has(fsnotify.Create) {
			if err := s.watchTree(evt.Name); err != nil {
				slog.Warn("New directory not watchable", "dir", evt.Name, "error", err)
			}
		}
		return
	}

	if !s.isVideo(evt.Name) {
		return
	}
	s.awaitStable(ctx, evt.Name)
}

// awaitStable starts (or restarts) the stability waiter for a path. A
// fresh event on the same path cancels the earlier waiter so the
// stability clock starts over.
func (s *Service) awaitStable(ctx context.Context, path string) {
	s.mu.Lock()
	if cancel, ok := s.waiters[path]; ok {
		close(cancel)
	}
	cancel := make(chan struct{})
	s.waiters[path] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			if s.waiters[path] == cancel {
				delete(s.waiters, path)
			}
			s.mu.Unlock()
		}()

		if !s.waitForStableSize(path, cancel) {
			return
		}
		s.reportVideo(ctx, path)
	}()
}

// waitForStableSize polls the file size until it has been identical
// for the configured window, or gives up after twice the window.
func (s *Service) waitForStableSize(path string, cancel <-chan struct{}) bool {
	needed := int(s.cfg.DebounceWindow / pollInterval)
	if needed < 1 {
		needed = 1
	}
	deadline := time.After(2 * s.cfg.DebounceWindow)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastSize int64 = -1
	stable := 0
	for {
		select {
		case <-s.stopCh:
			return false
		case <-cancel:
			return false
		case <-deadline:
			slog.Warn("File size never settled, reporting anyway", "path", path)
			return true
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				slog.Debug("File vanished during stability wait", "path", path)
				return false
			}
			if info.Size() == lastSize {
				stable++
				if stable >= needed {
					return true
				}
			} else {
				stable = 0
				lastSize = info.Size()
			}
		}
	}
}

// reportVideo runs dedup, creates the job, and publishes the events.
func (s *Service) reportVideo(ctx context.Context, path string) {
	lang := s.cfg.Language
	job := models.NewJob(path, videoTitle(path), lang, s.cfg.TargetLanguage)

	res := s.dedup.CheckAndRegister(ctx, path, lang, job.ID)
	if res.IsDuplicate {
		metrics.DedupHitsTotal.Inc()
		slog.Info("Skipping already-requested video",
			"path", path, "existing_job_id", res.ExistingJobID)
		return
	}

	if err := s.store.Save(ctx, job); err != nil {
		slog.Error("Job save failed", "path", path, "error", err)
		s.dedup.Release(ctx, path, lang)
		return
	}

	if err := s.publisher.Publish(ctx, models.EventMediaFileDetected, job.ID, map[string]any{
		"path": path,
	}); err != nil {
		slog.Warn("Audit event publish failed", "job_id", job.ID, "error", err)
	}
	if err := s.publisher.Publish(ctx, models.EventSubtitleRequested, job.ID, map[string]any{
		"video_url":       path,
		"video_title":     job.VideoTitle,
		"language":        lang,
		"target_language": s.cfg.TargetLanguage,
	}); err != nil {
		slog.Error("Subtitle request publish failed", "job_id", job.ID, "error", err)
		return
	}
	slog.Info("Subtitle requested", "job_id", job.ID, "path", path)
}

// syncLoop periodically walks the library for videos the event path
// missed.
func (s *Service) syncLoop(ctx context.Context) {
	defer s.wg.Done()
	if s.cfg.SyncInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sync(ctx)
		}
	}
}

// Sync walks the media directories once and requests subtitles for
// every video missing a <stem>.<lang>.srt. Also used by POST /scan.
func (s *Service) Sync(ctx context.Context) int {
	found := 0
	for _, dir := range s.cfg.MediaDirs {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !s.isVideo(path) {
				return nil
			}
			if s.hasSubtitle(path) {
				return nil
			}
			found++
			s.reportVideo(ctx, path)
			return nil
		})
		if err != nil {
			slog.Warn("Library sync walk failed", "dir", dir, "error", err)
		}
	}
	slog.Info("Library sync finished", "videos_without_subtitles", found)
	return found
}

func (s *Service) hasSubtitle(videoPath string) bool {
	stem := strings.TrimSuffix(videoPath, filepath.Ext(videoPath))
	_, err := os.Stat(stem + "." + s.cfg.Language + ".srt")
	return err == nil
}

func (s *Service) isVideo(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, want := range s.cfg.VideoExtensions {
		if ext == want {
			return true
		}
	}
	return false
}

// videoTitle derives a human title from the filename.
func videoTitle(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.NewReplacer(".", " ", "_", " ").Replace(stem)
}
