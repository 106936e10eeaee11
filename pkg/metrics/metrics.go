// Package metrics exports mandate registry events to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trustagent/mandates/pkg/mandate"
)

const namespace = "ap2"

// Collector counts registry events. It satisfies protocol.Observer.
type Collector struct {
	gatherer prometheus.Gatherer

	created       *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	sweepAffected *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec
	lastSweep     *prometheus.GaugeVec
}

// New registers the mandate metrics with a fresh registry that also carries
// the Go runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWith(reg, reg)
}

// NewWith registers the mandate metrics with reg and serves from g.
func NewWith(reg prometheus.Registerer, g prometheus.Gatherer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		gatherer: g,
		created: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mandates_created_total",
			Help:      "Total number of mandates created.",
		}, []string{"kind"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mandate_transitions_total",
			Help:      "Total number of lifecycle transitions applied.",
		}, []string{"kind", "event", "from", "to"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mandate_transitions_rejected_total",
			Help:      "Total number of lifecycle transitions refused.",
		}, []string{"kind", "event", "reason"}),
		sweepAffected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_affected_total",
			Help:      "Total number of mandates changed by lifecycle sweeps.",
		}, []string{"sweep"}),
		sweepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of lifecycle sweeps.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sweep"}),
		lastSweep: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweep_last_run_timestamp_seconds",
			Help:      "Unix time the sweep last completed.",
		}, []string{"sweep"}),
	}
}

func (c *Collector) MandateCreated(kind mandate.Kind) {
	c.created.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) Transitioned(kind mandate.Kind, ev mandate.Event, from, to mandate.Status) {
	c.transitions.WithLabelValues(string(kind), string(ev), string(from), string(to)).Inc()
}

func (c *Collector) TransitionRejected(kind mandate.Kind, ev mandate.Event, reason string) {
	c.rejections.WithLabelValues(string(kind), string(ev), reason).Inc()
}

func (c *Collector) SweepCompleted(sweep string, affected int, elapsed time.Duration) {
	c.sweepAffected.WithLabelValues(sweep).Add(float64(affected))
	c.sweepDuration.WithLabelValues(sweep).Observe(elapsed.Seconds())
	c.lastSweep.WithLabelValues(sweep).SetToCurrentTime()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
