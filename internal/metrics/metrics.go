package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentfactory"

var (
	GateBlockedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gate_blocked_requests_total",
		Help:      "Requests rejected because the client address is blacklisted",
	})

	GateBlacklistAdditions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gate_blacklist_additions_total",
		Help:      "Blacklist additions triggered by response analysis, by reason",
	}, []string{"reason"})

	GateThreatScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "gate_threat_score",
		Help:      "Threat scores of analysed failing requests",
		Buckets:   prometheus.LinearBuckets(0, 1, 10),
	})

	QueueJobOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_job_outcomes_total",
		Help:      "Job executions by outcome",
	}, []string{"outcome"})

	QueueJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "queue_job_duration_seconds",
		Help:      "Time spent executing a job attempt",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	QueueWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_waiting_jobs",
		Help:      "Jobs waiting for a processing slot",
	})

	QueueProcessing = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_processing_jobs",
		Help:      "Jobs currently executing",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
