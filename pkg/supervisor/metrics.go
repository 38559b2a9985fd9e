package supervisor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/stats"
)

// Invocation outcomes.
const (
	outcomeSuccess  = "success"
	outcomeTimeout  = "timeout"
	outcomeCrash    = "crash"
	outcomeError    = "error"
	outcomeCanceled = "canceled"
)

// Metrics reports invocations and worker lifecycle events to prometheus.
type Metrics struct {
	registry     *prometheus.Registry
	invocations  *prometheus.CounterVec
	firstByte    *prometheus.HistogramVec
	inFlight     *prometheus.GaugeVec
	workerEvents *prometheus.CounterVec
}

// NewMetrics registers the collectors. workers reports the number of live
// workers at scrape time.
func NewMetrics(workers func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperfaas_emulator_invocations_total",
			Help: "Invocations proxied to workers, by outcome",
		}, []string{"function", "outcome"}),
		firstByte: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hyperfaas_emulator_invocation_first_byte_seconds",
			Help:    "Time from dispatch to the first byte of the worker response",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"function"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hyperfaas_emulator_in_flight_requests",
			Help: "Requests currently being served, per function",
		}, []string{"function"}),
		workerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperfaas_emulator_worker_events_total",
			Help: "Worker lifecycle events",
		}, []string{"event", "status"}),
	}
	m.registry.MustRegister(
		m.invocations,
		m.firstByte,
		m.inFlight,
		m.workerEvents,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hyperfaas_emulator_workers",
			Help: "Live workers",
		}, func() float64 { return float64(workers()) }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) HandleRequestIn(function string) {
	m.inFlight.WithLabelValues(function).Inc()
}

func (m *Metrics) HandleRequestOut(function string) {
	m.inFlight.WithLabelValues(function).Dec()
}

func (m *Metrics) Invocation(function, outcome string) {
	m.invocations.WithLabelValues(function, outcome).Inc()
}

func (m *Metrics) FirstByte(function string, elapsed time.Duration) {
	m.firstByte.WithLabelValues(function).Observe(elapsed.Seconds())
}

func (m *Metrics) WorkerEvent(su stats.StatusUpdate) {
	m.workerEvents.WithLabelValues(su.Event.String(), su.Status.String()).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
