// Package dedup implements the distributed duplicate-suppression
// protocol: a TTL-bounded token per (video URL, language) pair mapping
// to the job already processing it. Check-and-register is one atomic
// Redis script, so two services racing on the same pair cannot both
// become the original.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/subweaver/subweaver/pkg/config"
)

// checkAndRegister returns the existing token value when one is set,
// otherwise registers the candidate with the TTL and returns "". The
// GET and SET happen in one script invocation.
var checkAndRegister = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
	return existing
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return ''
`)

// Result is the outcome of a check-and-register call.
type Result struct {
	IsDuplicate   bool
	ExistingJobID string // set when IsDuplicate
}

// Service is the shared duplicate-suppression service.
type Service struct {
	client redis.UniversalClient
	window time.Duration
}

// New creates the dedup service with the configured suppression window.
func New(client redis.UniversalClient, cfg config.DedupConfig) *Service {
	return &Service{client: client, window: cfg.Window}
}

// Key derives the token key for a (video URL, language) pair.
func Key(videoURL, lang string) string {
	sum := sha256.Sum256([]byte(videoURL))
	return "dedup:" + hex.EncodeToString(sum[:]) + ":" + lang
}

// CheckAndRegister atomically checks for an in-flight job on the same
// (url, language) pair, registering candidateJobID when there is none.
//
// Degradations are deliberate: if Redis is unreachable the caller is
// told "not a duplicate", since stalling the pipeline is worse than the
// occasional double download. A malformed stored value is overwritten
// with the candidate and the caller proceeds as original.
func (s *Service) CheckAndRegister(ctx context.Context, videoURL, lang, candidateJobID string) Result {
	key := Key(videoURL, lang)
	existing, err := checkAndRegister.Run(ctx, s.client,
		[]string{key}, candidateJobID, s.window.Milliseconds()).Text()
	if err != nil {
		slog.Warn("Dedup store unavailable, proceeding as original",
			"video_url", videoURL, "language", lang, "error", err)
		return Result{IsDuplicate: false}
	}
	if existing == "" {
		return Result{IsDuplicate: false}
	}

	if _, parseErr := uuid.Parse(existing); parseErr != nil {
		slog.Warn("Dedup token held malformed job id, overwriting",
			"key", key, "value", existing)
		if setErr := s.client.Set(ctx, key, candidateJobID, s.window).Err(); setErr != nil {
			slog.Warn("Dedup token overwrite failed", "key", key, "error", setErr)
		}
		return Result{IsDuplicate: false}
	}

	return Result{IsDuplicate: true, ExistingJobID: existing}
}

// Release drops the token for a pair, allowing an immediate retry.
// Best-effort; tokens expire on their own.
func (s *Service) Release(ctx context.Context, videoURL, lang string) {
	if err := s.client.Del(ctx, Key(videoURL, lang)).Err(); err != nil {
		slog.Warn("Dedup token release failed", "video_url", videoURL, "language", lang, "error", err)
	}
}
