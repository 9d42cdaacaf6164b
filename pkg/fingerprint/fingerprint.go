// Package fingerprint computes the 64-bit content hash used to match
// video files against the subtitle catalogue: file size plus the sum
// of the first and last 64 KiB read as little-endian 8-byte words,
// modulo 2^64.
package fingerprint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// chunkSize is the number of bytes hashed from each end of the file.
const chunkSize = 64 * 1024

// MinFileSize is the smallest file the hash is defined for. The hash
// reads a full chunk from each end, so anything smaller is rejected.
const MinFileSize = 2 * chunkSize

// ErrFileTooSmall is returned for files under MinFileSize.
var ErrFileTooSmall = errors.New("fingerprint: file too small")

// Compute returns the content hash of the file at path as 16 lowercase
// hex digits, along with the file size.
func Compute(path string) (hash string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("opening video file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("stat video file: %w", err)
	}
	size = info.Size()
	if size < MinFileSize {
		return "", size, ErrFileTooSmall
	}

	sum := uint64(size)

	head := make([]byte, chunkSize)
	if _, err := io.ReadFull(f, head); err != nil {
		return "", size, fmt.Errorf("reading head chunk: %w", err)
	}
	sum += sumWords(head)

	tail := make([]byte, chunkSize)
	if _, err := f.ReadAt(tail, size-chunkSize); err != nil {
		return "", size, fmt.Errorf("reading tail chunk: %w", err)
	}
	sum += sumWords(tail)

	return fmt.Sprintf("%016x", sum), size, nil
}

// sumWords adds up the buffer as little-endian uint64 words. Overflow
// wraps, which is the modulo-2^64 arithmetic the hash is defined with.
func sumWords(buf []byte) uint64 {
	var sum uint64
	for i := 0; i+8 <= len(buf); i += 8 {
		sum += binary.LittleEndian.Uint64(buf[i : i+8])
	}
	return sum
}
