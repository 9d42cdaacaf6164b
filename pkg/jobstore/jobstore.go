// Package jobstore persists job records and per-job event logs in
// Redis. The store is authoritative for job status: transitions are
// validated against the lifecycle state machine inside an optimistic
// transaction, so concurrent projectors cannot regress a job.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/subweaver/subweaver/pkg/config"
	"github.com/subweaver/subweaver/pkg/models"
)

// ErrNotFound is returned when no job record exists for an id.
var ErrNotFound = errors.New("jobstore: job not found")

const indexKey = "jobs:index"

// Store is a Redis-backed job record store.
type Store struct {
	client redis.UniversalClient
	cfg    config.StoreConfig
}

// New creates a Store on an existing Redis client.
func New(client redis.UniversalClient, cfg config.StoreConfig) *Store {
	return &Store{client: client, cfg: cfg}
}

func jobKey(id string) string    { return "job:" + id }
func eventsKey(id string) string { return "job:" + id + ":events" }

// Save writes a full job record and registers it in the listing index.
// Used for job creation; status updates go through UpdateStatus.
func (s *Store) Save(ctx context.Context, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job %s: %w", job.ID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), data, s.ttlFor(job.Status))
	pipe.SAdd(ctx, indexKey, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving job %s: %w", job.ID, err)
	}
	return nil
}

// Get loads a single job record.
func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	data, err := s.client.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		// Lazily drop expired jobs from the listing index.
		_ = s.client.SRem(context.WithoutCancel(ctx), indexKey, id).Err()
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	return &job, nil
}

// List returns all live job records. Jobs whose record expired are
// skipped and pruned from the index.
func (s *Store) List(ctx context.Context) ([]*models.Job, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing job index: %w", err)
	}
	jobs := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// StatusUpdate carries the optional fields a transition may set.
type StatusUpdate struct {
	ErrorMessage string
	ResultURL    string
}

// UpdateStatus applies a state-machine-guarded status transition. An
// impermissible transition is ignored, not an error: at-least-once
// delivery means stale and duplicate events are expected. Returns true
// when the record changed.
func (s *Store) UpdateStatus(ctx context.Context, id string, status models.JobStatus, upd StatusUpdate) (bool, error) {
	applied := false
	key := jobKey(id)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("decoding job %s: %w", id, err)
		}

		if !job.Status.CanTransition(status) {
			slog.Debug("Ignoring impermissible status transition",
				"job_id", id, "from", job.Status, "to", status)
			return nil
		}
		if job.Status == status && upd.ErrorMessage == "" && upd.ResultURL == "" {
			return nil // idempotent re-application, nothing to write
		}

		job.Status = status
		job.UpdatedAt = time.Now().UTC()
		if upd.ErrorMessage != "" {
			job.ErrorMessage = upd.ErrorMessage
		}
		if upd.ResultURL != "" {
			job.ResultURL = upd.ResultURL
		}

		updated, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("marshaling job %s: %w", id, err)
		}

		ttl := s.ttlFor(status)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, ttl)
			if ttl > 0 {
				pipe.Expire(ctx, eventsKey(id), ttl)
			}
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}

	// Optimistic retry: another writer racing on the same job aborts the
	// transaction; re-read and re-validate.
	for attempt := 0; attempt < 5; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("updating job %s status: %w", id, err)
		}
		return applied, nil
	}
	return false, fmt.Errorf("updating job %s status: transaction retries exhausted", id)
}

// ttlFor returns the retention for a record in the given status.
// Active jobs never expire; DONE and failure-class terminals get the
// configured bounded TTLs.
func (s *Store) ttlFor(status models.JobStatus) time.Duration {
	switch status {
	case models.StatusDone:
		return s.cfg.DoneTTL
	case models.StatusFailed, models.StatusSubtitleMissing:
		return s.cfg.FailedTTL
	default:
		return 0
	}
}

// AppendEvent appends an immutable record to a job's event log. The
// log is LIFO-read: LPUSH means a plain range returns newest first.
func (s *Store) AppendEvent(ctx context.Context, jobID string, evt models.JobEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshaling job event: %w", err)
	}
	if err := s.client.LPush(ctx, eventsKey(jobID), data).Err(); err != nil {
		return fmt.Errorf("appending event for job %s: %w", jobID, err)
	}
	return nil
}

// Events returns a job's event log, newest first. A job with no events
// yields an empty slice.
func (s *Store) Events(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	raw, err := s.client.LRange(ctx, eventsKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading events for job %s: %w", jobID, err)
	}
	events := make([]models.JobEvent, 0, len(raw))
	for _, item := range raw {
		var evt models.JobEvent
		if err := json.Unmarshal([]byte(item), &evt); err != nil {
			return nil, fmt.Errorf("decoding event for job %s: %w", jobID, err)
		}
		events = append(events, evt)
	}
	return events, nil
}

// Ping verifies store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
