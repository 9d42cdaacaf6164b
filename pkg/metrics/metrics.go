// Package metrics defines the Prometheus collectors shared by the
// pipeline services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subweaver",
		Name:      "events_published_total",
		Help:      "Total events published to the exchange by routing key.",
	}, []string{"routing_key"})

	EventsConsumedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subweaver",
		Name:      "events_consumed_total",
		Help:      "Total events consumed by queue and routing key.",
	}, []string{"queue", "routing_key"})

	JobsTerminalTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subweaver",
		Name:      "jobs_terminal_total",
		Help:      "Total jobs reaching a terminal status.",
	}, []string{"status"})

	DedupHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "subweaver",
		Name:      "dedup_hits_total",
		Help:      "Total requests suppressed as duplicates.",
	})

	CatalogueSearchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subweaver",
		Name:      "catalogue_searches_total",
		Help:      "Total catalogue searches by kind and outcome.",
	}, []string{"kind", "outcome"})

	SubtitleDownloadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "subweaver",
		Name:      "subtitle_downloads_total",
		Help:      "Total subtitle files downloaded from the catalogue.",
	})

	TranslationChunksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subweaver",
		Name:      "translation_chunks_total",
		Help:      "Total translation chunks processed by outcome.",
	}, []string{"outcome"})

	TranslationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "subweaver",
		Name:      "translation_duration_seconds",
		Help:      "End-to-end duration of translation jobs in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})
)

// Register adds all pipeline collectors to a registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsPublishedTotal,
		EventsConsumedTotal,
		JobsTerminalTotal,
		DedupHitsTotal,
		CatalogueSearchesTotal,
		SubtitleDownloadsTotal,
		TranslationChunksTotal,
		TranslationDuration,
	)
}
