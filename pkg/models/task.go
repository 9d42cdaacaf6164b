package models

// Task queue names. These are direct-routed: producers publish straight
// to the queue stream instead of going through the topic exchange.
const (
	QueueDownload    = "subtitle.download"
	QueueTranslation = "subtitle.translation"
)

// DownloadTask is the body of a message on the subtitle.download queue.
type DownloadTask struct {
	JobID            string   `json:"job_id"`
	VideoURL         string   `json:"video_url"`
	VideoTitle       string   `json:"video_title"`
	CatalogueID      string   `json:"catalogue_id,omitempty"`
	Language         string   `json:"language"`
	PreferredSources []string `json:"preferred_sources,omitempty"`
}

// TranslationTask is the body of a message on the subtitle.translation
// queue.
type TranslationTask struct {
	JobID          string `json:"job_id"`
	SubtitlePath   string `json:"subtitle_path"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
}
