package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	generationsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localchat_generations_total",
		Help: "Generations by terminal state",
	}, []string{"state"})

	deltasMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "localchat_generation_deltas_total",
		Help: "Content deltas relayed to clients",
	})

	skippedFramesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "localchat_stream_skipped_frames_total",
		Help: "Malformed upstream stream frames that were skipped",
	})

	activeMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "localchat_active_generations",
		Help: "Generations currently streaming",
	})

	durationMetric = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "localchat_generation_duration_seconds",
		Help:    "Wall time from registration to close",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"state"})
)
