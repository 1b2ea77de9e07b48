package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/unixpickle/dist-sum/collcomm"
	"github.com/unixpickle/dist-sum/distsum"
)

// PrometheusCollector records collective calls, aborts
// and orchestrator phases as Prometheus metrics.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	opsTotal      *prometheus.CounterVec
	opDuration    *prometheus.HistogramVec
	elementsTotal *prometheus.CounterVec
	abortsTotal   *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
}

var (
	_ collcomm.Metrics = (*PrometheusCollector)(nil)
	_ distsum.Metrics  = (*PrometheusCollector)(nil)
)

// NewPrometheus creates a Prometheus-backed collector.
//
// Parameters:
//   - reg: Prometheus registerer (uses prometheus.DefaultRegisterer if nil)
//   - namespace: metrics namespace (defaults to "distsum" if empty)
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "distsum"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "collective",
			Name:      "ops_total",
			Help:      "Total collective calls by operation and result (ok, error).",
		}, []string{"op", "result"})
		p.opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "collective",
			Name:      "duration_seconds",
			Help:      "Time spent blocked in collective calls by operation.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10), // 100us .. ~26s
		}, []string{"op"})
		p.elementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "collective",
			Name:      "elements_total",
			Help:      "Total elements moved into or out of this process by operation.",
		}, []string{"op"})
		p.abortsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      "aborts_total",
			Help:      "Group aborts observed, by the rank that started them.",
		}, []string{"origin"})
		p.phaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "job",
			Name:      "phase_duration_seconds",
			Help:      "Duration of orchestrator phases.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"phase"})

		p.reg.MustRegister(p.opsTotal)
		p.reg.MustRegister(p.opDuration)
		p.reg.MustRegister(p.elementsTotal)
		p.reg.MustRegister(p.abortsTotal)
		p.reg.MustRegister(p.phaseDuration)
	})
}

// ObserveCollective records one collective call.
func (p *PrometheusCollector) ObserveCollective(op string, elements int, d time.Duration, err error) {
	p.ensureRegistered()
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.opsTotal.WithLabelValues(op, result).Inc()
	p.opDuration.WithLabelValues(op).Observe(d.Seconds())
	p.elementsTotal.WithLabelValues(op).Add(float64(elements))
}

// RecordAbort counts a group abort started by origin.
func (p *PrometheusCollector) RecordAbort(origin int) {
	p.ensureRegistered()
	p.abortsTotal.WithLabelValues(strconv.Itoa(origin)).Inc()
}

// ObservePhase records how long an orchestrator phase took.
func (p *PrometheusCollector) ObservePhase(phase string, d time.Duration) {
	p.ensureRegistered()
	p.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}
