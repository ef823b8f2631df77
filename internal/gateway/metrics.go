package gateway

import "github.com/prometheus/client_golang/prometheus"

// Submission outcomes.
const (
	outcomeSubmitted   = "submitted"
	outcomeDuplicate   = "duplicate"
	outcomeClientError = "client_error"
	outcomeFailed      = "failed"
)

var (
	jobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compose_jobs_submitted_total",
			Help: "Total number of job submissions by outcome.",
		},
		[]string{"outcome"},
	)

	jobStatusQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compose_job_status_queries_total",
			Help: "Total number of job status queries by reported status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(jobsSubmittedTotal)
	prometheus.MustRegister(jobStatusQueriesTotal)
}
