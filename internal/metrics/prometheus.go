package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesProcessedTotal counts processing attempts by outcome
	// (analyzed, retryable, dead_lettered, skipped).
	MessagesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_messages_processed_total",
			Help: "Total number of message processing attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// MessagesClassifiedTotal counts assigned priorities.
	MessagesClassifiedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_messages_classified_total",
			Help: "Total number of messages classified, by priority.",
		},
		[]string{"priority"},
	)

	// ProcessDurationSeconds is a histogram for the duration of one attempt.
	ProcessDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "triage_process_duration_seconds",
			Help:    "Duration of message processing attempts in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ScanCyclesTotal counts producer scan cycles by result.
	ScanCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_scan_cycles_total",
			Help: "Total number of producer scan cycles.",
		},
		[]string{"result"},
	)

	// JobsDispatchedTotal counts jobs handed to the queue.
	JobsDispatchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_jobs_dispatched_total",
			Help: "Total number of jobs dispatched to the queue.",
		},
	)

	// ClaimsTotal counts claim attempts by result (acquired, contended).
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_claims_total",
			Help: "Total number of claim attempts by result.",
		},
		[]string{"result"},
	)

	// ScanDurationSeconds is a histogram for the duration of scan cycles.
	ScanDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "triage_scan_duration_seconds",
			Help:    "Duration of producer scan cycles in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// JobRedeliveriesTotal counts queue jobs scheduled for another attempt.
	JobRedeliveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_job_redeliveries_total",
			Help: "Total number of queue jobs scheduled for another attempt.",
		},
	)

	// JobsFailedTotal counts queue jobs that exhausted their attempts.
	JobsFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_jobs_failed_total",
			Help: "Total number of queue jobs moved to the failed list.",
		},
	)

	// ActiveWorkersGauge tracks workers currently running a job.
	ActiveWorkersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "triage_active_workers",
			Help: "Number of workers currently processing a job.",
		},
	)

	// APIRequestDurationSeconds is a histogram for the duration of API requests.
	APIRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "triage_api_request_duration_seconds",
			Help:    "Duration of API requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "code"},
	)
)
