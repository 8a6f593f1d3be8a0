package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "autoblocks"
)

var (
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	ingestionRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "ingestion_requests_total",
		Help:      "Count of requests received from the test SDK",
	}, []string{
		"endpoint",
		"status",
	})

	apiPostsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "api_posts_total",
		Help:      "Count of posts forwarded to the Autoblocks API",
	}, []string{
		"path",
		"result",
	})

	apiRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "api_retries_total",
		Help:      "Count of retried posts to the Autoblocks API",
	}, []string{
		"path",
	})

	apiPostDuration = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: MetricsNamespace,
		Name:      "api_post_duration_seconds",
		Help:      "Duration of posts to the Autoblocks API",
	}, []string{
		"path",
	})

	runsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "runs_started_total",
		Help:      "Count of test runs started",
	}, []string{
		"test_external_id",
	})

	runsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "runs_ended_total",
		Help:      "Count of test runs ended",
	}, []string{
		"test_external_id",
		"forced",
	})

	evaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "evaluations_total",
		Help:      "Count of evaluations recorded, by verdict",
	}, []string{
		"evaluator_external_id",
		"passed",
	})
)

func RecordError(err string) {
	errorsTotal.WithLabelValues(err).Inc()
}

func RecordIngestionRequest(endpoint string, status string) {
	ingestionRequestsTotal.WithLabelValues(endpoint, status).Inc()
}

func RecordAPIPost(path string, result string, duration time.Duration) {
	apiPostsTotal.WithLabelValues(path, result).Inc()
	apiPostDuration.WithLabelValues(path).Observe(duration.Seconds())
}

func RecordAPIRetry(path string) {
	apiRetriesTotal.WithLabelValues(path).Inc()
}

func RecordRunStarted(testExternalID string) {
	runsStartedTotal.WithLabelValues(testExternalID).Inc()
}

func RecordRunEnded(testExternalID string, forced bool) {
	runsEndedTotal.WithLabelValues(testExternalID, boolLabel(forced)).Inc()
}

func RecordEvaluation(evaluatorExternalID string, passed string) {
	evaluationsTotal.WithLabelValues(evaluatorExternalID, passed).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
