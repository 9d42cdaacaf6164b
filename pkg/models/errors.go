package models

// ErrorType classifies a job failure. It is surfaced in the payload of
// job.failed events under the "error_type" key.
type ErrorType string

// Failure taxonomy.
const (
	ErrInvalidRequest      ErrorType = "invalid_request"
	ErrInvalidVideoPath    ErrorType = "invalid_video_path"
	ErrFileNotFound        ErrorType = "file_not_found"
	ErrRateLimit           ErrorType = "rate_limit"
	ErrAPIError            ErrorType = "api_error"
	ErrAuthenticationError ErrorType = "authentication_error"
	ErrQueuePublishFailed  ErrorType = "queue_publish_failed"
	ErrJSONParseError      ErrorType = "json_parse_error"
	ErrTranslationError    ErrorType = "translation_error"
	ErrProcessingError     ErrorType = "processing_error"
)

// FailurePayload builds the standard job.failed event payload.
func FailurePayload(errType ErrorType, message string) map[string]any {
	return map[string]any{
		"error_type": string(errType),
		"error":      message,
	}
}
