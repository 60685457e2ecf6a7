// Package metrics holds the Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	webhookResponses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ride_ingest",
		Subsystem: "webhook",
		Name:      "responses_total",
		Help:      "Webhook responses by HTTP status.",
	}, []string{"status"})

	eventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ride_ingest",
		Subsystem: "processor",
		Name:      "events_processed_total",
		Help:      "Ingest events processed by terminal outcome.",
	}, []string{"outcome"})

	trackChunks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ride_ingest",
		Subsystem: "writer",
		Name:      "track_chunks_total",
		Help:      "Track point chunk inserts by result.",
	}, []string{"result"})

	importItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ride_ingest",
		Subsystem: "importer",
		Name:      "items_total",
		Help:      "Bulk import items by outcome.",
	}, []string{"outcome"})

	importPages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_ingest",
		Subsystem: "importer",
		Name:      "pages_fetched_total",
		Help:      "Provider pages requested by the bulk importer.",
	})

	rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_ingest",
		Subsystem: "webhook",
		Name:      "rate_limited_total",
		Help:      "Webhook requests rejected by the sliding-window limiter.",
	})
)

func init() {
	prometheus.MustRegister(webhookResponses, eventsProcessed, trackChunks, importItems, importPages, rateLimited)
}

func RecordWebhookResponse(status int) {
	webhookResponses.WithLabelValues(strconv.Itoa(status)).Inc()
}

func RecordEventProcessed(outcome string) {
	eventsProcessed.WithLabelValues(outcome).Inc()
}

// RecordTrackChunk counts one chunk insert; ok=false for a skipped chunk.
func RecordTrackChunk(ok bool) {
	if ok {
		trackChunks.WithLabelValues("written").Inc()
		return
	}
	trackChunks.WithLabelValues("failed").Inc()
}

func RecordImportItem(outcome string) {
	importItems.WithLabelValues(outcome).Inc()
}

func RecordImportPage() {
	importPages.Inc()
}

func RecordRateLimited() {
	rateLimited.Inc()
}
