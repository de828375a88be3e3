// Package metrics exposes the controller's internal counters as Prometheus
// gauges/counters, served over an optional /metrics HTTP endpoint. The
// controller never blocks on export — every setter here is a simple
// non-blocking gauge/counter update.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "datallog_queue_depth",
		Help: "Number of work items currently pending in the LIFO queue.",
	})

	WorkersSpawned = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "datallog_workers_spawned",
		Help: "Total number of workers spawned so far in this execution.",
	})

	WorkersIdle = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "datallog_workers_idle",
		Help: "Number of workers currently marked idle.",
	})

	ResultsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "datallog_results_total",
		Help: "Number of terminal results published so far.",
	})

	ErrorsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "datallog_errors_total",
		Help: "Number of worker errors recorded so far.",
	})
)

func init() {
	prometheus.MustRegister(QueueDepth, WorkersSpawned, WorkersIdle, ResultsTotal, ErrorsTotal)
}

// SetQueueDepth records the current pending-queue length.
func SetQueueDepth(n int) { QueueDepth.Set(float64(n)) }

// SetWorkersSpawned records the current spawned-worker count.
func SetWorkersSpawned(n int) { WorkersSpawned.Set(float64(n)) }

// SetWorkersIdle records the current idle-worker count.
func SetWorkersIdle(n int) { WorkersIdle.Set(float64(n)) }

// SetResultsTotal records the current results-list length.
func SetResultsTotal(n int) { ResultsTotal.Set(float64(n)) }

// SetErrorsTotal records the current errors-list length.
func SetErrorsTotal(n int) { ErrorsTotal.Set(float64(n)) }

// Serve starts a blocking HTTP server exposing /metrics on addr. Intended
// to be run in its own goroutine; callers pick the addr, and it's off by
// default unless a flag enables it.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
