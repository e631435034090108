package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "karaoke"

var (
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Extraction runs by source kind and outcome",
		},
		[]string{"kind", "outcome"}, // completed, failed, cancelled
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of one source pipeline",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34m
		},
		[]string{"kind"},
	)

	CompletionCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_calls_total",
			Help:      "Completion service calls",
		},
		[]string{"mode", "status"}, // mode: text, image
	)

	CompletionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "Duration of completion calls in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"mode"},
	)

	DiscoveredURLs = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "discovered_urls",
			Help:      "Leaf URLs returned per discovery",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	ImageResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_resolutions_total",
			Help:      "Image resolutions by outcome",
		},
		[]string{"outcome"}, // fullsize, fallback, passthrough, failed
	)

	DedupCollapsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_collapsed_total",
			Help:      "Candidates dropped as duplicates",
		},
		[]string{"entity"},
	)

	GeoBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geo_batches_total",
			Help:      "Geo completion batches by outcome",
		},
		[]string{"status"},
	)

	CredentialRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_requests_total",
			Help:      "Interactive credential requests by outcome",
		},
		[]string{"outcome"}, // supplied, timeout, rejected
	)

	CancelHandles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancel_handles_total",
			Help:      "Handles processed by cancel-all",
		},
		[]string{"result"}, // terminated, failed, forced
	)

	RecordUpserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_upserts_total",
			Help:      "Parsed schedule upserts",
		},
		[]string{"op"}, // created, merged
	)
)
