package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_submitted_total",
		Help: "Total number of generation jobs submitted",
	}, []string{"kind"})

	JobsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of generation jobs completed successfully",
	}, []string{"kind"})

	JobsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of failed generation jobs",
	}, []string{"kind", "reason"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_duration_seconds",
		Help:    "Wall time from submission to terminal state",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"kind"})

	PollAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_poll_attempts",
		Help:    "Number of status polls per job before reaching a terminal state",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 30},
	})

	CreditsDebitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credits_debited_total",
		Help: "Total credits debited from user balances",
	}, []string{"action"})

	CreditsRefundedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credits_refunded_total",
		Help: "Total credits refunded after failed jobs",
	})

	DebitsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "debits_rejected_total",
		Help: "Total debit attempts rejected for insufficient balance",
	})

	StalledJobsReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stalled_jobs_reaped_total",
		Help: "Total stalled jobs picked up by the reaper",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
