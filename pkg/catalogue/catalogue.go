// Package catalogue talks to the external subtitle catalogue: search
// by content fingerprint or by metadata, and download of a chosen
// subtitle file. The concrete transport is REST; the downloader only
// depends on the Client interface.
package catalogue

import "context"

// Result is one subtitle the catalogue can serve. Language is the
// catalogue's 3-letter code; callers normalise it on use.
type Result struct {
	ID       string `json:"id"`
	Language string `json:"language"`
	FileName string `json:"file_name"`
	Release  string `json:"release,omitempty"`
}

// Query is a metadata search. Empty fields are unconstrained; an empty
// Language searches all languages.
type Query struct {
	CatalogueID string
	Title       string
	Language    string
}

// Client is the narrow catalogue contract the downloader consumes.
type Client interface {
	// SearchByFingerprint looks up subtitles by the 64-bit content hash
	// and file size. Language "" searches all languages.
	SearchByFingerprint(ctx context.Context, hash string, size int64, language string) ([]Result, error)

	// SearchByQuery looks up subtitles by metadata.
	SearchByQuery(ctx context.Context, q Query) ([]Result, error)

	// Download fetches a subtitle by id to destPath, creating parent
	// directories.
	Download(ctx context.Context, id, destPath string) error
}
