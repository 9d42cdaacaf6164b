package manager

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subweaver/subweaver/pkg/bus"
	"github.com/subweaver/subweaver/pkg/config"
	"github.com/subweaver/subweaver/pkg/dedup"
	"github.com/subweaver/subweaver/pkg/events"
	"github.com/subweaver/subweaver/pkg/jobstore"
	"github.com/subweaver/subweaver/pkg/models"
)

type eventSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *eventSink) handle(ctx context.Context, d bus.Delivery) error {
	var evt models.Event
	if err := json.Unmarshal(d.Body, &evt); err != nil {
		return err
	}
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
	return nil
}

func (s *eventSink) byType(eventType string) *models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].EventType == eventType {
			return &s.events[i]
		}
	}
	return nil
}

type testEnv struct {
	svc   *Service
	store *jobstore.Store
	dedup *dedup.Service
	bus   *bus.Bus
	sink  *eventSink
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
	require.NoError(t, eventBus.Bind(context.Background(), "probe", "#"))

	sink := &eventSink{}
	sub := bus.NewSubscriber(eventBus, "probe", "probe-pod", sink.handle)
	sub.Start(context.Background())
	t.Cleanup(sub.Stop)

	store := jobstore.New(client, config.StoreConfig{DoneTTL: time.Hour, FailedTTL: time.Hour})
	dedupSvc := dedup.New(client, config.DedupConfig{Window: 30 * time.Minute})
	publisher := events.NewPublisher(eventBus, "manager")
	svc := New(store, dedupSvc, publisher)

	return &testEnv{svc: svc, store: store, dedup: dedupSvc, bus: eventBus, sink: sink}
}

func requestedDelivery(t *testing.T, jobID string, payload map[string]any) bus.Delivery {
	t.Helper()
	body, err := json.Marshal(models.NewEvent(models.EventSubtitleRequested, jobID, "scanner", payload))
	require.NoError(t, err)
	return bus.Delivery{ID: "1-0", Queue: QueueName, RoutingKey: models.EventSubtitleRequested, Body: body}
}

func TestHandleRequestedDispatchesDownload(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	job := models.NewJob("/m/a.mp4", "A", "en", "")
	require.NoError(t, env.store.Save(ctx, job))

	require.NoError(t, env.svc.HandleRequested(ctx, requestedDelivery(t, job.ID, map[string]any{
		"video_url":   "/m/a.mp4",
		"video_title": "A",
		"language":    "en",
	})))

	n, err := env.bus.QueueLength(ctx, models.QueueDownload)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.Eventually(t, func() bool {
		return env.sink.byType(models.EventSubtitleDownloadRequested) != nil
	}, 3*time.Second, 20*time.Millisecond)
}

func TestHandleRequestedValidationFailure(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	job := models.NewJob("", "A", "en", "")
	require.NoError(t, env.store.Save(ctx, job))

	require.NoError(t, env.svc.HandleRequested(ctx, requestedDelivery(t, job.ID, map[string]any{
		"video_url":   "",
		"video_title": "A",
		"language":    "en",
	})))

	require.Eventually(t, func() bool {
		return env.sink.byType(models.EventJobFailed) != nil
	}, 3*time.Second, 20*time.Millisecond)

	failed := env.sink.byType(models.EventJobFailed)
	assert.Equal(t, string(models.ErrInvalidRequest), failed.Payload["error_type"])

	// No task was created.
	n, err := env.bus.QueueLength(ctx, models.QueueDownload)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestHandleRequestedTargetEqualsLanguage(t *testing.T) {
	env := setup(t)

	require.NoError(t, env.svc.HandleRequested(context.Background(), requestedDelivery(t, "job-1", map[string]any{
		"video_url":       "/m/a.mp4",
		"video_title":     "A",
		"language":        "en",
		"target_language": "en",
	})))

	require.Eventually(t, func() bool {
		return env.sink.byType(models.EventJobFailed) != nil
	}, 3*time.Second, 20*time.Millisecond)
}

func TestHandleRequestedSameJobProceedsThroughDedup(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	job := models.NewJob("/m/a.mp4", "A", "en", "")
	require.NoError(t, env.store.Save(ctx, job))

	// The scanner registered the token for this very job before
	// publishing; the manager must not treat it as a duplicate.
	res := env.dedup.CheckAndRegister(ctx, "/m/a.mp4", "en", job.ID)
	require.False(t, res.IsDuplicate)

	require.NoError(t, env.svc.HandleRequested(ctx, requestedDelivery(t, job.ID, map[string]any{
		"video_url":   "/m/a.mp4",
		"video_title": "A",
		"language":    "en",
	})))

	n, err := env.bus.QueueLength(ctx, models.QueueDownload)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestHandleRequestedOtherJobSkipped(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	original := models.NewJob("/m/a.mp4", "A", "en", "")
	require.NoError(t, env.store.Save(ctx, original))
	res := env.dedup.CheckAndRegister(ctx, "/m/a.mp4", "en", original.ID)
	require.False(t, res.IsDuplicate)

	other := models.NewJob("/m/a.mp4", "A", "en", "")
	require.NoError(t, env.svc.HandleRequested(ctx, requestedDelivery(t, other.ID, map[string]any{
		"video_url":   "/m/a.mp4",
		"video_title": "A",
		"language":    "en",
	})))

	n, err := env.bus.QueueLength(ctx, models.QueueDownload)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCreateDownloadJob(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	job, duplicate, err := env.svc.CreateDownloadJob(ctx, "file:///m/a.mp4", "A", "en", "he", "", nil)
	require.NoError(t, err)
	assert.False(t, duplicate)
	assert.Equal(t, models.StatusPending, job.Status)

	stored, err := env.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "file:///m/a.mp4", stored.VideoURL)

	require.Eventually(t, func() bool {
		return env.sink.byType(models.EventSubtitleRequested) != nil
	}, 3*time.Second, 20*time.Millisecond)
}

func TestCreateDownloadJobDuplicate(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	first, duplicate, err := env.svc.CreateDownloadJob(ctx, "file:///m/a.mp4", "A", "en", "", "", nil)
	require.NoError(t, err)
	require.False(t, duplicate)

	second, duplicate, err := env.svc.CreateDownloadJob(ctx, "file:///m/a.mp4", "A", "en", "", "", nil)
	require.NoError(t, err)
	assert.True(t, duplicate)
	assert.Equal(t, first.ID, second.ID)

	jobs, err := env.store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestCreateTranslationJob(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	job, err := env.svc.CreateTranslationJob(ctx, "/m/a.en.srt", "en", "he", "A")
	require.NoError(t, err)
	assert.Empty(t, job.VideoURL)
	assert.Equal(t, "he", job.TargetLanguage)

	n, err := env.bus.QueueLength(ctx, models.QueueTranslation)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.Eventually(t, func() bool {
		return env.sink.byType(models.EventSubtitleTranslateRequest) != nil
	}, 3*time.Second, 20*time.Millisecond)
}

func TestValidateRequest(t *testing.T) {
	valid := requestPayload{VideoURL: "/m/a.mp4", VideoTitle: "A", Language: "en"}
	assert.NoError(t, validateRequest(&valid))

	tests := []struct {
		name string
		req  requestPayload
	}{
		{"empty url", requestPayload{VideoTitle: "A", Language: "en"}},
		{"empty title", requestPayload{VideoURL: "/m/a.mp4", Language: "en"}},
		{"bad language", requestPayload{VideoURL: "/m/a.mp4", VideoTitle: "A", Language: "eng"}},
		{"uppercase language", requestPayload{VideoURL: "/m/a.mp4", VideoTitle: "A", Language: "EN"}},
		{"target equals language", requestPayload{VideoURL: "/m/a.mp4", VideoTitle: "A", Language: "en", TargetLanguage: "en"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, validateRequest(&tt.req))
		})
	}
}
