package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subweaver/subweaver/pkg/bus"
	"github.com/subweaver/subweaver/pkg/config"
	"github.com/subweaver/subweaver/pkg/dedup"
	"github.com/subweaver/subweaver/pkg/events"
	"github.com/subweaver/subweaver/pkg/jobstore"
	"github.com/subweaver/subweaver/pkg/manager"
	"github.com/subweaver/subweaver/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router *gin.Engine
	store  *jobstore.Store
	bus    *bus.Bus
	mini   *miniredis.Miniredis
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	busCfg := config.BusConfig{
		Exchange:          "test.events",
		BlockTimeout:      50 * time.Millisecond,
		VisibilityTimeout: time.Minute,
		BackoffInitial:    10 * time.Millisecond,
		BackoffMax:        50 * time.Millisecond,
		HealthInterval:    time.Minute,
		BindingsRefresh:   time.Minute,
		HandlerTimeout:    5 * time.Second,
	}
	eventBus := bus.New(client, busCfg)
	store := jobstore.New(client, config.StoreConfig{DoneTTL: time.Hour, FailedTTL: time.Hour})
	dedupSvc := dedup.New(client, config.DedupConfig{Window: 30 * time.Minute})
	publisher := events.NewPublisher(eventBus, "manager")
	svc := manager.New(store, dedupSvc, publisher)

	sub := bus.NewSubscriber(eventBus, manager.QueueName, "test-pod", func(ctx context.Context, d bus.Delivery) error {
		return nil
	})
	sub.Start(context.Background())
	t.Cleanup(sub.Stop)

	srv := NewServer(config.HTTPConfig{Port: "0", DefaultLanguage: "en"}, store, eventBus, svc, sub)
	return &testEnv{router: srv.Router(), store: store, bus: eventBus, mini: m}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	env := setup(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	deps := body["dependencies"].(map[string]any)
	assert.Equal(t, "ok", deps["job_store"])
	assert.Equal(t, "ok", deps["event_bus"])
}

func TestHealthUnhealthyWhenRedisDown(t *testing.T) {
	env := setup(t)
	env.mini.Close()

	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", decode(t, w)["status"])
}

func TestConsumerHealth(t *testing.T) {
	env := setup(t)

	require.Eventually(t, func() bool {
		w := env.do(t, http.MethodGet, "/health/consumer", nil)
		return w.Code == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	body := decode(t, env.do(t, http.MethodGet, "/health/consumer", nil))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["connected"])
	assert.Equal(t, manager.QueueName, body["queue_name"])
	assert.Equal(t, models.EventSubtitleRequested, body["routing_key"])
}

func TestGetJobNotFound(t *testing.T) {
	env := setup(t)

	w := env.do(t, http.MethodGet, "/subtitles/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetJob(t *testing.T) {
	env := setup(t)
	job := models.NewJob("file:///m/a.mp4", "A", "en", "")
	require.NoError(t, env.store.Save(context.Background(), job))

	w := env.do(t, http.MethodGet, "/subtitles/"+job.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, job.ID, body["id"])
	assert.Equal(t, string(models.StatusPending), body["status"])
}

func TestCreateDownloadJob(t *testing.T) {
	env := setup(t)

	w := env.do(t, http.MethodPost, "/subtitles/download", map[string]any{
		"video_url":   "file:///media/a.mp4",
		"video_title": "A",
		"language":    "en",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	body := decode(t, w)
	assert.NotEmpty(t, body["id"])
	assert.Equal(t, string(models.StatusPending), body["status"])
}

func TestCreateDownloadJobDuplicate(t *testing.T) {
	env := setup(t)
	req := map[string]any{
		"video_url":   "file:///media/a.mp4",
		"video_title": "A",
		"language":    "en",
	}

	first := env.do(t, http.MethodPost, "/subtitles/download", req)
	require.Equal(t, http.StatusCreated, first.Code)

	second := env.do(t, http.MethodPost, "/subtitles/download", req)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, decode(t, first)["id"], decode(t, second)["id"])
}

func TestCreateDownloadJobValidation(t *testing.T) {
	env := setup(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing url", map[string]any{"video_title": "A", "language": "en"}},
		{"bad url scheme", map[string]any{"video_url": "ftp://x/a.mp4", "video_title": "A", "language": "en"}},
		{"missing title", map[string]any{"video_url": "file:///m/a.mp4", "language": "en"}},
		{"bad language", map[string]any{"video_url": "file:///m/a.mp4", "video_title": "A", "language": "eng"}},
		{"uppercase language", map[string]any{"video_url": "file:///m/a.mp4", "video_title": "A", "language": "EN"}},
		{"target equals language", map[string]any{"video_url": "file:///m/a.mp4", "video_title": "A", "language": "en", "target_language": "en"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/subtitles/download", tt.body)
			assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		})
	}
}

func TestCreateTranslationJob(t *testing.T) {
	env := setup(t)

	w := env.do(t, http.MethodPost, "/subtitles/translate", map[string]any{
		"subtitle_path":   "/m/a.en.srt",
		"source_language": "en",
		"target_language": "he",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.NotEmpty(t, body["id"])

	n, err := env.bus.QueueLength(context.Background(), models.QueueTranslation)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCreateTranslationJobValidation(t *testing.T) {
	env := setup(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing path", map[string]any{"source_language": "en", "target_language": "he"}},
		{"bad source", map[string]any{"subtitle_path": "/m/a.srt", "source_language": "eng", "target_language": "he"}},
		{"same languages", map[string]any{"subtitle_path": "/m/a.srt", "source_language": "en", "target_language": "en"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/subtitles/translate", tt.body)
			assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		})
	}
}

func TestJellyfinWebhook(t *testing.T) {
	env := setup(t)
	hook := map[string]any{
		"event":     "library.new.added",
		"item_type": "Movie",
		"item_name": "A",
		"item_path": "/media/a.mp4",
	}

	first := env.do(t, http.MethodPost, "/webhooks/jellyfin", hook)
	require.Equal(t, http.StatusOK, first.Code)
	firstBody := decode(t, first)
	assert.Equal(t, "received", firstBody["status"])
	assert.NotEmpty(t, firstBody["job_id"])

	second := env.do(t, http.MethodPost, "/webhooks/jellyfin", hook)
	require.Equal(t, http.StatusOK, second.Code)
	secondBody := decode(t, second)
	assert.Equal(t, "duplicate", secondBody["status"])
	assert.Equal(t, firstBody["job_id"], secondBody["job_id"])

	jobs, err := env.store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestJellyfinWebhookIgnored(t *testing.T) {
	env := setup(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"audio item", map[string]any{"event": "library.new.added", "item_type": "Audio", "item_name": "A", "item_path": "/m/a.mp3"}},
		{"playback event", map[string]any{"event": "playback.start", "item_type": "Movie", "item_name": "A", "item_path": "/m/a.mp4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/webhooks/jellyfin", tt.body)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "ignored", decode(t, w)["status"])
		})
	}

	jobs, err := env.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestJellyfinWebhookNoPath(t *testing.T) {
	env := setup(t)

	w := env.do(t, http.MethodPost, "/webhooks/jellyfin", map[string]any{
		"event":     "library.new.added",
		"item_type": "Movie",
		"item_name": "A",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestJobStatus(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	job := models.NewJob("file:///m/a.mp4", "A", "en", "")
	require.NoError(t, env.store.Save(ctx, job))
	_, err := env.store.UpdateStatus(ctx, job.ID, models.StatusDownloadQueued, jobstore.StatusUpdate{})
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/subtitles/status/"+job.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, job.ID, body["id"])
	assert.Equal(t, string(models.StatusDownloadQueued), body["status"])
	assert.Equal(t, float64(25), body["progress"])
}

func TestJobEvents(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	job := models.NewJob("file:///m/a.mp4", "A", "en", "")
	require.NoError(t, env.store.Save(ctx, job))
	require.NoError(t, env.store.AppendEvent(ctx, job.ID, models.JobEvent{
		EventType: models.EventSubtitleRequested,
		Source:    "manager",
		Timestamp: time.Now().UTC(),
	}))

	w := env.do(t, http.MethodGet, "/subtitles/"+job.ID+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, job.ID, body["job_id"])
	assert.Equal(t, float64(1), body["event_count"])
}

func TestJobEventsNotFound(t *testing.T) {
	env := setup(t)

	w := env.do(t, http.MethodGet, "/subtitles/nope/events", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueueStatus(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	publisher := events.NewPublisher(env.bus, "test")
	require.NoError(t, publisher.PublishTask(ctx, models.QueueDownload, models.DownloadTask{JobID: "j1"}))
	require.NoError(t, publisher.PublishTask(ctx, models.QueueDownload, models.DownloadTask{JobID: "j2"}))
	require.NoError(t, publisher.PublishTask(ctx, models.QueueTranslation, models.TranslationTask{JobID: "j3"}))

	w := env.do(t, http.MethodGet, "/queue/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["download_queue_size"])
	assert.Equal(t, float64(1), body["translation_queue_size"])
	assert.Contains(t, body, "active_workers")
}

func TestScanUnconfigured(t *testing.T) {
	env := setup(t)

	w := env.do(t, http.MethodPost, "/scan", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestScanForwarded(t *testing.T) {
	scanner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/scan" {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer scanner.Close()

	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	eventBus := bus.New(client, config.BusConfig{Exchange: "test.events", BlockTimeout: 50 * time.Millisecond, HandlerTimeout: time.Second})
	store := jobstore.New(client, config.StoreConfig{DoneTTL: time.Hour, FailedTTL: time.Hour})
	dedupSvc := dedup.New(client, config.DedupConfig{Window: time.Minute})
	svc := manager.New(store, dedupSvc, events.NewPublisher(eventBus, "manager"))
	sub := bus.NewSubscriber(eventBus, manager.QueueName, "test-pod", func(ctx context.Context, d bus.Delivery) error { return nil })

	srv := NewServer(config.HTTPConfig{ScannerURL: scanner.URL}, store, eventBus, svc, sub)
	router := srv.Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/scan", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
}
