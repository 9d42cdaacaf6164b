// Package checkpoint persists partial translation progress so a
// translator that dies mid-job resumes instead of retranslating. One
// file per (job, target language), rewritten in full after every
// completed chunk, deleted on overall success, retained on failure.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/subweaver/subweaver/pkg/srt"
)

// ErrNotFound is returned when no checkpoint exists for a job+language.
var ErrNotFound = errors.New("checkpoint: not found")

// Checkpoint is the durable record of a translation in progress.
type Checkpoint struct {
	JobID           string        `json:"job_id"`
	SourcePath      string        `json:"source_path"`
	SourceLanguage  string        `json:"source_language"`
	TargetLanguage  string        `json:"target_language"`
	TotalChunks     int           `json:"total_chunks"`
	CompletedChunks []int         `json:"completed_chunks"`
	Segments        []srt.Segment `json:"segments"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Matches reports whether the checkpoint was written for the same
// source file and language pair. A mismatch means the task changed
// under the job id and the checkpoint must be ignored.
func (c *Checkpoint) Matches(sourcePath, sourceLang, targetLang string) bool {
	return c.SourcePath == sourcePath &&
		c.SourceLanguage == sourceLang &&
		c.TargetLanguage == targetLang
}

// Completed reports whether chunk index i is already done.
func (c *Checkpoint) Completed(i int) bool {
	for _, done := range c.CompletedChunks {
		if done == i {
			return true
		}
	}
	return false
}

// MarkCompleted records chunk index i and keeps the list sorted.
func (c *Checkpoint) MarkCompleted(i int) {
	if c.Completed(i) {
		return
	}
	c.CompletedChunks = append(c.CompletedChunks, i)
	sort.Ints(c.CompletedChunks)
}

// Store reads and writes checkpoint files under one directory.
type Store struct {
	dir string
}

// NewStore creates a checkpoint store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(jobID, targetLang string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.%s.checkpoint.json", jobID, targetLang))
}

// Load reads the checkpoint for a job+language pair.
func (s *Store) Load(jobID, targetLang string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(jobID, targetLang))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decoding checkpoint: %w", err)
	}
	return &cp, nil
}

// Save rewrites the checkpoint file in full. CreatedAt is preserved
// across rewrites; UpdatedAt is refreshed. The write goes through a
// temp file and rename so a crash mid-write never leaves a torn
// checkpoint.
func (s *Store) Save(cp *Checkpoint) error {
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}

	target := s.path(cp.JobID, cp.TargetLanguage)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("committing checkpoint: %w", err)
	}
	return nil
}

// Delete removes the checkpoint after a successful translation.
// Deleting a missing checkpoint is not an error.
func (s *Store) Delete(jobID, targetLang string) error {
	err := os.Remove(s.path(jobID, targetLang))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting checkpoint: %w", err)
	}
	return nil
}
