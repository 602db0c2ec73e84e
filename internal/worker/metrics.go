package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks event processing for the side-effect worker.
type Metrics struct {
	Processed      *prometheus.CounterVec
	Failed         *prometheus.CounterVec
	DLQMessages    prometheus.Counter
	ProcessingTime *prometheus.HistogramVec
}

// NewMetrics registers the worker's metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Processed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "commerce_worker_events_processed_total",
			Help: "Events processed successfully, by topic.",
		}, []string{"topic"}),
		Failed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "commerce_worker_events_failed_total",
			Help: "Events that exhausted retries, by topic.",
		}, []string{"topic"}),
		DLQMessages: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "commerce_worker_dlq_messages_total",
			Help: "Messages forwarded to the dead letter topic.",
		}),
		ProcessingTime: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "commerce_worker_event_processing_seconds",
			Help:    "Time spent handling one event, by topic.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),
	}
}
