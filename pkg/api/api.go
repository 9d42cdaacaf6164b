// Package api is the manager's HTTP surface: job submission, status
// and event-log queries, the Jellyfin webhook adapter, queue
// introspection, and health probes.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/subweaver/subweaver/pkg/bus"
	"github.com/subweaver/subweaver/pkg/config"
	"github.com/subweaver/subweaver/pkg/jobstore"
	"github.com/subweaver/subweaver/pkg/language"
	"github.com/subweaver/subweaver/pkg/manager"
	"github.com/subweaver/subweaver/pkg/models"
)

const maxTitleLength = 500

// Server holds the handler dependencies.
type Server struct {
	cfg        config.HTTPConfig
	store      *jobstore.Store
	bus        *bus.Bus
	manager    *manager.Service
	subscriber *bus.Subscriber // the manager's subtitle.requested loop
	client     *http.Client
}

// NewServer creates the HTTP server façade.
func NewServer(cfg config.HTTPConfig, store *jobstore.Store, b *bus.Bus, m *manager.Service, sub *bus.Subscriber) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		bus:        b,
		manager:    m,
		subscriber: sub,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/health/consumer", s.handleConsumerHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/subtitles", s.handleListJobs)
	r.GET("/subtitles/:job_id", s.handleGetJob)
	r.GET("/subtitles/:job_id/events", s.handleJobEvents)
	r.GET("/subtitles/status/:job_id", s.handleJobStatus)
	r.POST("/subtitles/download", s.handleDownloadRequest)
	r.POST("/subtitles/translate", s.handleTranslateRequest)

	r.POST("/webhooks/jellyfin", s.handleJellyfinWebhook)
	r.POST("/scan", s.handleScan)
	r.GET("/queue/status", s.handleQueueStatus)

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	deps := gin.H{}
	healthy := true

	if err := s.store.Ping(ctx); err != nil {
		deps["job_store"] = err.Error()
		healthy = false
	} else {
		deps["job_store"] = "ok"
	}
	if err := s.bus.Ping(ctx); err != nil {
		deps["event_bus"] = err.Error()
		healthy = false
	} else {
		deps["event_bus"] = "ok"
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	c.JSON(status, gin.H{"status": state, "dependencies": deps})
}

func (s *Server) handleConsumerHealth(c *gin.Context) {
	connected := s.subscriber.Connected()
	state := "healthy"
	code := http.StatusOK
	if !connected {
		state = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":      state,
		"connected":   connected,
		"queue_name":  s.subscriber.Queue(),
		"routing_key": models.EventSubtitleRequested,
	})
}

func (s *Server) handleListJobs(c *gin.Context) {
	jobs, err := s.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.store.Get(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleJobStatus(c *gin.Context) {
	job, err := s.store.Get(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":       job.ID,
		"status":   job.Status,
		"progress": job.Status.Progress(),
		"message":  job.ErrorMessage,
	})
}

func (s *Server) handleJobEvents(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("job_id")
	if _, err := s.store.Get(ctx, jobID); err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	evts, err := s.store.Events(ctx, jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":      jobID,
		"event_count": len(evts),
		"events":      evts,
	})
}

type downloadRequest struct {
	VideoURL         string   `json:"video_url"`
	VideoTitle       string   `json:"video_title"`
	Language         string   `json:"language"`
	TargetLanguage   string   `json:"target_language"`
	CatalogueID      string   `json:"catalogue_id"`
	PreferredSources []string `json:"preferred_sources"`
}

func (s *Server) handleDownloadRequest(c *gin.Context) {
	var req downloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if err := validateDownload(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	job, duplicate, err := s.manager.CreateDownloadJob(c.Request.Context(),
		req.VideoURL, req.VideoTitle, req.Language, req.TargetLanguage,
		req.CatalogueID, req.PreferredSources)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if duplicate {
		c.JSON(http.StatusOK, job)
		return
	}
	c.JSON(http.StatusCreated, job)
}

type translateRequest struct {
	SubtitlePath   string `json:"subtitle_path"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
	VideoTitle     string `json:"video_title"`
}

func (s *Server) handleTranslateRequest(c *gin.Context) {
	var req translateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if err := validateTranslate(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	job, err := s.manager.CreateTranslationJob(c.Request.Context(),
		req.SubtitlePath, req.SourceLanguage, req.TargetLanguage, req.VideoTitle)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

type jellyfinWebhook struct {
	Event       string `json:"event"`
	ItemType    string `json:"item_type"`
	ItemName    string `json:"item_name"`
	ItemPath    string `json:"item_path"`
	ItemID      string `json:"item_id"`
	LibraryName string `json:"library_name"`
	VideoURL    string `json:"video_url"`
}

func (s *Server) handleJellyfinWebhook(c *gin.Context) {
	var hook jellyfinWebhook
	if err := c.ShouldBindJSON(&hook); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
		return
	}

	if !isVideoItem(hook.ItemType) || !isLibraryChange(hook.Event) {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	videoURL := hook.VideoURL
	if videoURL == "" {
		videoURL = hook.ItemPath
	}
	if videoURL == "" || hook.ItemName == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"status": "error", "error": "item has no path"})
		return
	}

	job, duplicate, err := s.manager.CreateDownloadJob(c.Request.Context(),
		videoURL, hook.ItemName, defaultLanguage(s.cfg), "", hook.ItemID, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}
	if duplicate {
		c.JSON(http.StatusOK, gin.H{"status": "duplicate", "job_id": job.ID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "received", "job_id": job.ID})
}

// handleScan forwards the trigger to the scanner service.
func (s *Server) handleScan(c *gin.Context) {
	if s.cfg.ScannerURL == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scanner not configured"})
		return
	}
	req, err := http.NewRequestWithContext(c.Request.Context(),
		http.MethodPost, strings.TrimSuffix(s.cfg.ScannerURL, "/")+"/scan", nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("scanner unreachable: %v", err)})
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("scanner returned %d", resp.StatusCode)})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "scan forwarded"})
}

func (s *Server) handleQueueStatus(c *gin.Context) {
	ctx := c.Request.Context()

	downloadLen, err := s.bus.QueueLength(ctx, models.QueueDownload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	translationLen, err := s.bus.QueueLength(ctx, models.QueueTranslation)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	workers := gin.H{}
	for _, queue := range []string{models.QueueDownload, models.QueueTranslation} {
		pending, err := s.bus.PendingCount(ctx, queue)
		if err != nil {
			pending = 0
		}
		workers[queue] = pending
	}

	c.JSON(http.StatusOK, gin.H{
		"download_queue_size":    downloadLen,
		"translation_queue_size": translationLen,
		"active_workers":         workers,
	})
}

func validateDownload(req *downloadRequest) error {
	if err := validateVideoURL(req.VideoURL); err != nil {
		return err
	}
	if err := validateTitle(req.VideoTitle); err != nil {
		return err
	}
	if !isLanguageCode(req.Language) {
		return fmt.Errorf("language must be two lowercase letters, got %q", req.Language)
	}
	if req.TargetLanguage != "" {
		if !isLanguageCode(req.TargetLanguage) {
			return fmt.Errorf("target_language must be two lowercase letters, got %q", req.TargetLanguage)
		}
		if req.TargetLanguage == req.Language {
			return fmt.Errorf("target_language equals language")
		}
	}
	return nil
}

func validateTranslate(req *translateRequest) error {
	if strings.TrimSpace(req.SubtitlePath) == "" {
		return fmt.Errorf("subtitle_path is required")
	}
	if !isLanguageCode(req.SourceLanguage) {
		return fmt.Errorf("source_language must be two lowercase letters, got %q", req.SourceLanguage)
	}
	if !isLanguageCode(req.TargetLanguage) {
		return fmt.Errorf("target_language must be two lowercase letters, got %q", req.TargetLanguage)
	}
	if req.SourceLanguage == req.TargetLanguage {
		return fmt.Errorf("target_language equals source_language")
	}
	if req.VideoTitle != "" && len(req.VideoTitle) > maxTitleLength {
		return fmt.Errorf("video_title exceeds %d characters", maxTitleLength)
	}
	return nil
}

func validateVideoURL(url string) error {
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("video_url is required")
	}
	for _, prefix := range []string{"http://", "https://", "file://"} {
		if strings.HasPrefix(url, prefix) {
			return nil
		}
	}
	return fmt.Errorf("video_url must start with http://, https:// or file://")
}

func validateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("video_title is required")
	}
	if len(title) > maxTitleLength {
		return fmt.Errorf("video_title exceeds %d characters", maxTitleLength)
	}
	return nil
}

func isLanguageCode(code string) bool {
	return language.IsTwoLetter(code) && strings.ToLower(code) == code
}

func isVideoItem(itemType string) bool {
	switch strings.ToLower(itemType) {
	case "movie", "episode", "video":
		return true
	}
	return false
}

func isLibraryChange(event string) bool {
	e := strings.ToLower(event)
	return strings.Contains(e, "added") || strings.Contains(e, "updated")
}

func defaultLanguage(cfg config.HTTPConfig) string {
	if cfg.DefaultLanguage != "" {
		return cfg.DefaultLanguage
	}
	return "en"
}
