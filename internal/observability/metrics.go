// Package observability exposes pipeline metrics and the local ops HTTP
// listener (/metrics, /healthz, optional pprof).
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "sigcast"

// Metrics holds the pipeline collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	reg *prometheus.Registry

	fetchTotal    *prometheus.CounterVec
	generateTotal *prometheus.CounterVec
	deliveryItems *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	busy          *prometheus.GaugeVec
	info          *prometheus.GaugeVec
}

// NewMetrics registers collectors on a fresh registry, together with the Go
// runtime and process collectors.
func NewMetrics(version string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Signal fetch attempts by result.",
		}, []string{"result"}),
		generateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generate_total",
			Help:      "Generation calls by result.",
		}, []string{"result"}),
		deliveryItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_items_total",
			Help:      "Delivered items by terminal status.",
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
		busy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "busy",
			Help:      "1 while the named operation is running.",
		}, []string{"flag"}),
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information.",
		}, []string{"version"}),
	}
	reg.MustRegister(
		m.fetchTotal, m.generateTotal, m.deliveryItems, m.stageDuration, m.busy, m.info,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.info.WithLabelValues(version).Set(1)
	for _, f := range []string{"loading", "generating", "posting"} {
		m.busy.WithLabelValues(f).Set(0)
	}
	return m
}

// Registry is what the ops server exposes.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) FetchDone(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.fetchTotal.WithLabelValues(result(err)).Inc()
	m.stageDuration.WithLabelValues("fetch").Observe(d.Seconds())
}

func (m *Metrics) GenerateDone(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.generateTotal.WithLabelValues(result(err)).Inc()
	m.stageDuration.WithLabelValues("generate").Observe(d.Seconds())
}

// DeliveryDone records one finished run: per-item statuses and total time.
func (m *Metrics) DeliveryDone(d time.Duration, statuses []string) {
	if m == nil {
		return
	}
	for _, s := range statuses {
		m.deliveryItems.WithLabelValues(s).Inc()
	}
	m.stageDuration.WithLabelValues("deliver").Observe(d.Seconds())
}

func (m *Metrics) SetBusy(flag string, on bool) {
	if m == nil {
		return
	}
	v := 0.0
	if on {
		v = 1
	}
	m.busy.WithLabelValues(flag).Set(v)
}
