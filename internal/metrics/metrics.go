// Package metrics exposes the Prometheus collectors of the voiceover service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voiceover"

// Retry reasons.
const (
	ReasonRateLimited = "rate_limited"
	ReasonNetwork     = "network"
)

var (
	// SynthesisRequestsTotal counts synthesis calls by model and outcome.
	SynthesisRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "synthesis",
			Name:      "requests_total",
			Help:      "Total number of chunk synthesis requests",
		},
		[]string{"model", "status"},
	)

	SynthesisDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "synthesis",
			Name:      "duration_seconds",
			Help:      "Chunk synthesis duration in seconds, retries included",
			Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	// TransportRetriesTotal counts retried HTTP attempts by reason.
	TransportRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "retries_total",
			Help:      "Total number of retried HTTP attempts",
		},
		[]string{"reason"},
	)

	ChunksSynthesizedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sequencer",
			Name:      "chunks_total",
			Help:      "Total number of chunks synthesized",
		},
	)

	// JobsFinishedTotal counts jobs reaching a terminal state.
	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs reaching a terminal state",
		},
		[]string{"status"},
	)

	JobsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "jobs_queued",
			Help:      "Current number of queued jobs",
		},
	)

	ArtifactBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "assembler",
			Name:      "artifact_bytes",
			Help:      "Size of combined artifacts in bytes",
			Buckets:   prometheus.ExponentialBuckets(16*1024, 4, 8),
		},
	)
)
