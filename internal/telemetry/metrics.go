package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the analyzer's Prometheus collectors. It satisfies
// scanning.Recorder.
type Metrics struct {
	RemoteCallsTotal  *prometheus.CounterVec
	RemoteCallSeconds *prometheus.HistogramVec
	AnalysesTotal     *prometheus.CounterVec
	UploadsSweptTotal prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewRegistry returns a registry with the Go and process collectors attached
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewMetrics registers the analyzer metrics on reg
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RemoteCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "receipt_analyzer_remote_calls_total",
				Help: "Inference calls by backend, pipeline stage and status",
			},
			[]string{"backend", "stage", "status"},
		),
		RemoteCallSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "receipt_analyzer_remote_call_seconds",
				Help:    "Inference call latency",
				Buckets: []float64{0.5, 1, 2, 5, 10, 15, 30, 60, 120},
			},
			[]string{"backend", "stage"},
		),
		AnalysesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "receipt_analyzer_analyses_total",
				Help: "Pipeline invocations by outcome",
			},
			[]string{"backend", "outcome"},
		),
		UploadsSweptTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "receipt_analyzer_uploads_swept_total",
				Help: "Expired uploads removed from storage",
			},
		),
		gatherer: reg,
	}
}

// ObserveCall records one remote call
func (m *Metrics) ObserveCall(backend, stage string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.RemoteCallsTotal.WithLabelValues(backend, stage, status).Inc()
	m.RemoteCallSeconds.WithLabelValues(backend, stage).Observe(d.Seconds())
}

// ObserveOutcome records the result tag of one pipeline invocation
func (m *Metrics) ObserveOutcome(backend, outcome string) {
	m.AnalysesTotal.WithLabelValues(backend, outcome).Inc()
}

// ObserveSwept records uploads removed by the retention sweeper
func (m *Metrics) ObserveSwept(n int) {
	m.UploadsSweptTotal.Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
