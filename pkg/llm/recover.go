package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoItems is returned when nothing recoverable was found in a
// response.
var ErrNoItems = errors.New("llm: no translation items in response")

// Item is one numbered translation in a model response.
type Item struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

// RecoverItems extracts translation items from a model response that
// may be imperfect JSON. Models wrap output in prose or code fences,
// emit doubled closing braces, or get cut off mid-array; rather than
// rejecting the whole response, this scans for complete top-level
// object boundaries and keeps the longest valid prefix of objects.
func RecoverItems(raw string) ([]Item, error) {
	start := strings.IndexByte(raw, '[')
	if start < 0 {
		// Some models return a single bare object for one-item chunks.
		start = strings.IndexByte(raw, '{')
		if start < 0 {
			return nil, ErrNoItems
		}
		start-- // compensate for the +1 below
	}

	var items []Item
	pos := start + 1
	for {
		objStart := nextObjectStart(raw, pos)
		if objStart < 0 {
			break
		}
		objEnd := scanObject(raw, objStart)
		if objEnd < 0 {
			break // truncated mid-object; keep what we have
		}
		var item Item
		if err := json.Unmarshal([]byte(raw[objStart:objEnd+1]), &item); err != nil {
			break // malformed object terminates the valid prefix
		}
		items = append(items, item)
		pos = objEnd + 1
	}

	if len(items) == 0 {
		return nil, ErrNoItems
	}
	return items, nil
}

// nextObjectStart finds the next '{' skipping separators. Any other
// non-separator byte (prose, a stray ']', a doubled '}') ends the scan.
func nextObjectStart(raw string, pos int) int {
	for ; pos < len(raw); pos++ {
		switch raw[pos] {
		case '{':
			return pos
		case ' ', '\t', '\n', '\r', ',':
			// separator, keep scanning
		default:
			return -1
		}
	}
	return -1
}

// scanObject returns the index of the brace closing the object opened
// at start, honouring strings and escapes, or -1 if the object never
// closes (truncated response).
func scanObject(raw string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
