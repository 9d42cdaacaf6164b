// Package llm translates batches of subtitle texts through a language
// model over HTTP. The translator engine only depends on the
// Translator interface; the HTTP client is one concrete transport.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/subweaver/subweaver/pkg/config"
)

// ErrIncomplete is returned when fewer translations than inputs were
// recovered from a response. The whole chunk fails; partial merges
// would desynchronise segment numbering.
var ErrIncomplete = errors.New("llm: incomplete translation")

// Translator is the narrow contract the translation engine consumes:
// one call per chunk, texts in, same-length texts out, order preserved.
type Translator interface {
	Translate(ctx context.Context, texts []string, sourceLang, targetLang string) ([]string, error)
}

// HTTPClient implements Translator against a chat-completions style
// JSON endpoint.
type HTTPClient struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	http        *http.Client
}

// NewHTTPClient creates the LLM client. The client owns its own
// connection pool and per-call timeout.
func NewHTTPClient(cfg config.LLMConfig) *HTTPClient {
	return &HTTPClient{
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		http:        &http.Client{Timeout: cfg.Timeout},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Translate implements Translator. It numbers each text, asks for the
// same numbering back as a JSON array, and recovers the response with
// the tolerant parser. A response covering fewer ids than the input
// fails the chunk with ErrIncomplete.
func (c *HTTPClient) Translate(ctx context.Context, texts []string, sourceLang, targetLang string) ([]string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a professional subtitle translator. Respond with JSON only."},
			{Role: "user", Content: buildPrompt(texts, sourceLang, targetLang)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling llm: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("llm returned status %d: %s", resp.StatusCode, msg)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("decoding chat response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("llm returned no choices")
	}

	items, err := RecoverItems(chat.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	return MapItems(items, len(texts))
}

// MapItems places recovered items into a result slice by id (1-based).
// Every input position must be covered by a non-blank translation or
// the chunk fails: a blank cue would later be dropped as a malformed
// SRT block.
func MapItems(items []Item, want int) ([]string, error) {
	out := make([]string, want)
	seen := make([]bool, want)
	covered := 0
	for _, item := range items {
		idx := item.ID - 1
		if idx < 0 || idx >= want {
			continue
		}
		if strings.TrimSpace(item.Text) == "" {
			continue
		}
		if !seen[idx] {
			seen[idx] = true
			covered++
		}
		out[idx] = item.Text
	}
	if covered < want {
		return nil, fmt.Errorf("%w: got %d of %d items", ErrIncomplete, covered, want)
	}
	return out, nil
}

// buildPrompt numbers the texts and asks for identical numbering back
// as a JSON array of {"id", "text"} objects.
func buildPrompt(texts []string, sourceLang, targetLang string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Translate the following %d subtitle lines from %s to %s. ", len(texts), sourceLang, targetLang)
	b.WriteString("Keep the meaning and tone. Reply with a JSON array of objects, ")
	b.WriteString(`one per line, of the form [{"id":1,"text":"..."}, ...], `)
	b.WriteString("using exactly the same ids as the input. Do not merge, split or reorder lines.\n\n")
	for i, text := range texts {
		fmt.Fprintf(&b, "%d. %s\n", i+1, text)
	}
	return b.String()
}
