// Package srt reads and writes SubRip subtitle files. Timing strings
// are carried verbatim so a parse/format round trip preserves every
// timestamp byte-exactly.
package srt

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoSegments is returned when a file parses to zero usable blocks.
var ErrNoSegments = errors.New("srt: no segments")

// timingRe matches the SRT timing line "HH:MM:SS,mmm --> HH:MM:SS,mmm".
var timingRe = regexp.MustCompile(`^(\d{2}:\d{2}:\d{2},\d{3})\s-->\s(\d{2}:\d{2}:\d{2},\d{3})$`)

// Segment is one subtitle cue: an index, a start/end timing pair, and
// one or more text lines. Immutable once parsed; ordered by Index.
type Segment struct {
	Index int    `json:"index"`
	Start string `json:"start"`
	End   string `json:"end"`
	Text  string `json:"text"`
}

// Parse decodes SRT content into segments. A block with a malformed
// timing line is skipped with a warning; the surviving blocks are
// returned. An input yielding no segments returns ErrNoSegments.
func Parse(content string) ([]Segment, error) {
	// Normalise line endings; SRT files from the catalogue frequently
	// carry CRLF.
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.TrimPrefix(content, "\uFEFF")

	var segments []Segment
	for _, block := range strings.Split(content, "\n\n") {
		block = strings.Trim(block, "\n")
		if block == "" {
			continue
		}
		seg, err := parseBlock(block)
		if err != nil {
			slog.Warn("Skipping malformed SRT block", "error", err)
			continue
		}
		segments = append(segments, seg)
	}
	if len(segments) == 0 {
		return nil, ErrNoSegments
	}
	return segments, nil
}

func parseBlock(block string) (Segment, error) {
	lines := strings.Split(block, "\n")
	if len(lines) < 3 {
		return Segment{}, fmt.Errorf("block has %d lines, want at least 3", len(lines))
	}
	index, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return Segment{}, fmt.Errorf("invalid index line %q: %w", lines[0], err)
	}
	m := timingRe.FindStringSubmatch(strings.TrimSpace(lines[1]))
	if m == nil {
		return Segment{}, fmt.Errorf("invalid timing line %q", lines[1])
	}
	text := strings.Join(lines[2:], "\n")
	if strings.TrimSpace(text) == "" {
		return Segment{}, fmt.Errorf("block %d has no text", index)
	}
	return Segment{Index: index, Start: m[1], End: m[2], Text: text}, nil
}

// ParseFile reads and parses an SRT file from disk.
func ParseFile(path string) ([]Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading subtitle file: %w", err)
	}
	return Parse(string(data))
}

// Format encodes segments back to SRT. Text lines keep internal
// newlines; only surrounding whitespace is normalised.
func Format(segments []Segment) string {
	var b strings.Builder
	for i, seg := range segments {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(strconv.Itoa(seg.Index))
		b.WriteString("\n")
		b.WriteString(seg.Start)
		b.WriteString(" --> ")
		b.WriteString(seg.End)
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(seg.Text))
		b.WriteString("\n")
	}
	return b.String()
}

// WriteFile formats segments and writes them to path, creating parent
// directories as needed. The file is written to a temp name and
// renamed into place; a reader never sees a half-written subtitle.
func WriteFile(path string, segments []Segment) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating subtitle directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(Format(segments)), 0o644); err != nil {
		return fmt.Errorf("writing subtitle file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("committing subtitle file: %w", err)
	}
	return nil
}
