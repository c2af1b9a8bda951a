package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderflow_events_total",
			Help: "Processed events by outcome",
		},
		[]string{"outcome"}, // new|duplicate|dead_letter
	)

	RetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orderflow_retries_total",
			Help: "Transient-failure retries across all partitions",
		},
	)

	IngestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderflow_ingest_total",
			Help: "Gateway ingest requests by result",
		},
		[]string{"result"}, // accepted|duplicate|invalid|publish_error
	)

	ProcessSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orderflow_process_seconds",
			Help:    "Transaction handler latency per event",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		EventsTotal,
		RetriesTotal,
		IngestTotal,
		ProcessSeconds,
	)
}
