package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type prometheusObserver struct{}

var (
	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsqueue_command_transitions_total",
		Help: "Committed command status transitions.",
	}, []string{"type", "from", "to"})
	claimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opsqueue_claim_conflicts_total",
		Help: "Claims lost to a concurrent worker.",
	})
	reporterDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsqueue_reporter_dropped_total",
		Help: "Progress and log reports dropped because the buffer was full.",
	}, []string{"type"})
	executionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opsqueue_execution_duration_seconds",
		Help:    "Time spent executing one command attempt.",
		Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900},
	}, []string{"type", "outcome"})
	bulkItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsqueue_bulk_items_total",
		Help: "Batch orchestrator item outcomes.",
	}, []string{"rule", "outcome"})
	httpDuration = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name: "opsqueue_http_duration_seconds",
		Help: "Duration of HTTP requests.",
	}, []string{"path", "method", "status"})
)

func NewPrometheusObserver() LedgerObserver {
	return prometheusObserver{}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveHTTP(path, method, status string, d time.Duration) {
	httpDuration.WithLabelValues(path, method, status).Observe(d.Seconds())
}

func (prometheusObserver) RecordTransition(commandType, from, to string) {
	transitions.WithLabelValues(commandType, from, to).Inc()
}

func (prometheusObserver) RecordClaimConflict() {
	claimConflicts.Inc()
}

func (prometheusObserver) RecordReporterDrop(commandType string) {
	reporterDrops.WithLabelValues(commandType).Inc()
}

func (prometheusObserver) ObserveExecution(commandType, outcome string, d time.Duration) {
	executionDuration.WithLabelValues(commandType, outcome).Observe(d.Seconds())
}

func (prometheusObserver) RecordBulk(rule, outcome string, n int) {
	if n <= 0 {
		return
	}
	bulkItems.WithLabelValues(rule, outcome).Add(float64(n))
}
