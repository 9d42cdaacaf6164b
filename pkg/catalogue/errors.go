package catalogue

import (
	"errors"
	"fmt"
)

// Sentinel errors for the classes the downloader branches on.
var (
	// ErrRateLimited means the catalogue rejected the call for quota
	// reasons. Fails the job (not retried by the downloader).
	ErrRateLimited = errors.New("catalogue: rate limited")

	// ErrAuthentication means the credentials were rejected.
	ErrAuthentication = errors.New("catalogue: authentication failed")

	// ErrMalformedResponse means the catalogue answered 2xx but the
	// body did not decode.
	ErrMalformedResponse = errors.New("catalogue: malformed response")
)

// APIError is a non-auth, non-quota catalogue failure (5xx, transport
// fault).
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("catalogue: api error (status %d): %s", e.StatusCode, e.Message)
}

// IsAPIError reports whether err is an APIError.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
