// Package metrics exposes Prometheus collectors for adapter stages, retries
// and product results. Collectors live on a private registry so tests and
// embedding programs do not clash with the default one.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds every scanorch collector.
	Registry = prometheus.NewRegistry()

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scanorch_adapter_stage_duration_seconds",
			Help:    "Duration of adapter workflow stages",
			Buckets: []float64{0.05, 0.25, 1, 5, 30, 120, 600, 3600},
		},
		[]string{"adapter", "stage", "outcome"},
	)

	stageSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanorch_adapter_stage_skipped_total",
			Help: "Adapter stages skipped because their milestone was already recorded",
		},
		[]string{"adapter", "stage"},
	)

	retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanorch_resilience_retries_total",
			Help: "Retries proposed by resilience consultants",
		},
		[]string{"executor", "class"},
	)

	reauth = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanorch_adapter_reauthentications_total",
			Help: "Calls replayed after the product rejected an expired token",
		},
		[]string{"adapter"},
	)

	productResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanorch_product_results_total",
			Help: "Product results stored, by outcome",
		},
		[]string{"product", "outcome"},
	)

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanorch_jobs_finished_total",
			Help: "Jobs finished, by final status",
		},
		[]string{"status"},
	)

	jobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scanorch_jobs_running",
		Help: "Jobs currently processed by this instance",
	})
)

func init() {
	Registry.MustRegister(
		stageDuration, stageSkipped, retries, reauth, productResults, jobsFinished, jobsRunning,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveStage records how long an adapter stage took.
func ObserveStage(adapterName, stage string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	stageDuration.WithLabelValues(adapterName, stage, outcome).Observe(d.Seconds())
}

// StageSkipped counts a stage skipped on resume.
func StageSkipped(adapterName, stage string) {
	stageSkipped.WithLabelValues(adapterName, stage).Inc()
}

// Retry counts one retry of class for executor.
func Retry(executor, class string) {
	retries.WithLabelValues(executor, class).Inc()
}

// Reauthenticated counts one login forced by an expired token.
func Reauthenticated(adapterName string) {
	reauth.WithLabelValues(adapterName).Inc()
}

// ProductResult counts one stored product result.
func ProductResult(product, outcome string) {
	productResults.WithLabelValues(product, outcome).Inc()
}

// JobStarted and JobFinished track jobs in flight.
func JobStarted() { jobsRunning.Inc() }

func JobFinished(status string) {
	jobsRunning.Dec()
	jobsFinished.WithLabelValues(status).Inc()
}

// JobInterrupted tracks a job left running for the resumer.
func JobInterrupted() { jobsRunning.Dec() }
