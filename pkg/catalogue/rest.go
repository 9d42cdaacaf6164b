package catalogue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/subweaver/subweaver/pkg/config"
)

// RESTClient implements Client over the catalogue's HTTP API.
type RESTClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewRESTClient creates a catalogue client. The client owns its own
// connection pool and timeout.
func NewRESTClient(cfg config.CatalogueConfig) *RESTClient {
	return &RESTClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// SearchByFingerprint implements Client.
func (c *RESTClient) SearchByFingerprint(ctx context.Context, hash string, size int64, language string) ([]Result, error) {
	params := url.Values{}
	params.Set("moviehash", hash)
	params.Set("moviebytesize", strconv.FormatInt(size, 10))
	if language != "" {
		params.Set("languages", language)
	}
	return c.search(ctx, params)
}

// SearchByQuery implements Client.
func (c *RESTClient) SearchByQuery(ctx context.Context, q Query) ([]Result, error) {
	params := url.Values{}
	if q.CatalogueID != "" {
		params.Set("id", q.CatalogueID)
	}
	if q.Title != "" {
		params.Set("query", q.Title)
	}
	if q.Language != "" {
		params.Set("languages", q.Language)
	}
	return c.search(ctx, params)
}

func (c *RESTClient) search(ctx context.Context, params url.Values) ([]Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/subtitles?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &APIError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var body struct {
		Data []Result `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decoding search response: %v", ErrMalformedResponse, err)
	}
	return body.Data, nil
}

// Download implements Client.
func (c *RESTClient) Download(ctx context.Context, id, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/subtitles/"+url.PathEscape(id)+"/download", nil)
	if err != nil {
		return fmt.Errorf("building download request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("creating subtitle directory: %w", err)
	}
	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("creating subtitle file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("writing subtitle file: %w", err)
	}
	return nil
}

func (c *RESTClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
}

// classifyStatus maps HTTP status codes onto the error taxonomy the
// downloader branches on.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrAuthentication
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Message: string(msg)}
	}
	return nil
}
