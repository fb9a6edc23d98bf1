// Package metrics exposes Prometheus instruments for the scraping pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueDepth tracks prompts waiting for the single worker.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_queue_depth",
		Help: "Number of prompts waiting in the request queue.",
	})

	// RequestsTotal counts processed prompts by outcome (ok | error).
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_requests_total",
		Help: "Processed prompt requests by outcome.",
	}, []string{"outcome"})

	// AskDuration observes end-to-end interaction protocol latency.
	AskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatrelay_ask_duration_seconds",
		Help:    "Duration of a full input-submit-await-extract cycle.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	// ReinitsTotal counts browser reinitializations after disconnects.
	ReinitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_browser_reinits_total",
		Help: "Browser reinitialization attempts triggered by disconnects.",
	})
)

// Handler serves the default registry for GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
