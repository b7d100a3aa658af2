package downloader

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	enqueued  prometheus.Counter
	completed *prometheus.CounterVec
	bytes     prometheus.Counter
	inFlight  prometheus.Gauge
	duration  prometheus.Histogram
}

// newMetrics registers the downloader collectors on reg. A nil reg creates
// unregistered collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		enqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wpmigrate",
			Subsystem: "downloader",
			Name:      "enqueued_total",
			Help:      "Download tasks accepted by the queue.",
		}),
		completed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wpmigrate",
			Subsystem: "downloader",
			Name:      "completed_total",
			Help:      "Download tasks finished, by result.",
		}, []string{"result"}),
		bytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wpmigrate",
			Subsystem: "downloader",
			Name:      "bytes_total",
			Help:      "Bytes written to finished downloads.",
		}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wpmigrate",
			Subsystem: "downloader",
			Name:      "in_flight",
			Help:      "Downloads currently running.",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wpmigrate",
			Subsystem: "downloader",
			Name:      "duration_seconds",
			Help:      "Time spent per download.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
