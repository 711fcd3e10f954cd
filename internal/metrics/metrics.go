// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ArticlesTotal counts fetch outcomes per server.
	ArticlesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usenetd_articles_total",
			Help: "Article fetches by server and outcome",
		},
		[]string{"server", "outcome"},
	)

	// BytesTotal counts raw article bytes received per server.
	BytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usenetd_article_bytes_total",
			Help: "Raw article bytes received by server",
		},
		[]string{"server"},
	)

	// Connections tracks open NNTP connections per server.
	Connections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "usenetd_connections",
			Help: "Open NNTP connections by server",
		},
		[]string{"server"},
	)

	// DecodeErrors counts yEnc failures by code.
	DecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usenetd_decode_errors_total",
			Help: "Article decode failures by error code",
		},
		[]string{"code"},
	)

	// Jobs reports live jobs by state.
	Jobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "usenetd_jobs",
			Help: "Queued jobs by state",
		},
		[]string{"state"},
	)

	// StageDuration observes post-processing stage run time.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "usenetd_stage_duration_seconds",
			Help:    "Post-processing stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		},
		[]string{"stage", "result"},
	)

	// DecodeQueue is the number of fetched bodies waiting for a decoder.
	DecodeQueue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "usenetd_decode_queue",
		Help: "Fetched article bodies awaiting decode",
	})
)
