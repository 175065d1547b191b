// Package metrics exposes engine counters and gauges to Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "roomwatch"

var connectionStates = []string{"unknown", "probing", "connected", "degraded", "failed"}

var feedStates = []string{"idle", "connecting", "open", "closed", "cancelled"}

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	probes          *prometheus.CounterVec
	probeDuration   *prometheus.HistogramVec
	connectionState *prometheus.GaugeVec
	feedState       *prometheus.GaugeVec
	feedMessages    *prometheus.CounterVec
	alerts          *prometheus.CounterVec
	historyRequests *prometheus.CounterVec
	ledgerWrites    *prometheus.CounterVec
	readings        *prometheus.GaugeVec
	devices         *prometheus.GaugeVec
}

// New registers all collectors plus the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "probes_total",
			Help: "Liveness probes by location and resulting state.",
		}, []string{"location", "state"}),
		probeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "probe_duration_seconds",
			Help:    "Liveness probe latency.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"location"}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connection_state",
			Help: "1 for the current connection state of a location.",
		}, []string{"location", "state"}),
		feedState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "feed_state",
			Help: "1 for the current state of a location's feed subscription.",
		}, []string{"location", "state"}),
		feedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_messages_total",
			Help: "Feed messages received, by decode result.",
		}, []string{"location", "result"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_total",
			Help: "Threshold alerts raised.",
		}, []string{"location", "metric"}),
		historyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "history_requests_total",
			Help: "Historical range requests by cache outcome.",
		}, []string{"range", "outcome"}),
		ledgerWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "usage_ledger_writes_total",
			Help: "Usage ledger persistence attempts.",
		}, []string{"result"}),
		readings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sensor_reading",
			Help: "Latest live sensor reading.",
		}, []string{"location", "metric"}),
		devices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "device_on",
			Help: "1 while a device is reported on.",
		}, []string{"device"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.probes, m.probeDuration, m.connectionState, m.feedState, m.feedMessages,
		m.alerts, m.historyRequests, m.ledgerWrites, m.readings, m.devices,
	)
	return m
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveProbe(location, state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(location, state).Inc()
	m.probeDuration.WithLabelValues(location).Observe(elapsed.Seconds())
	m.SetConnectionState(location, state)
}

func (m *Metrics) SetConnectionState(location, state string) {
	if m == nil {
		return
	}
	setOneHot(m.connectionState, location, state, connectionStates)
}

func (m *Metrics) SetFeedState(location, state string) {
	if m == nil {
		return
	}
	setOneHot(m.feedState, location, state, feedStates)
}

func (m *Metrics) FeedMessage(location string, decoded bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !decoded {
		result = "undecodable"
	}
	m.feedMessages.WithLabelValues(location, result).Inc()
}

func (m *Metrics) AlertRaised(location, metric string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(location, metric).Inc()
}

func (m *Metrics) HistoryRequest(rng, outcome string) {
	if m == nil {
		return
	}
	m.historyRequests.WithLabelValues(rng, outcome).Inc()
}

func (m *Metrics) LedgerWrite(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.ledgerWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) SetReading(location, metric string, value float64) {
	if m == nil {
		return
	}
	m.readings.WithLabelValues(location, metric).Set(value)
}

func (m *Metrics) SetDevice(device string, on bool) {
	if m == nil {
		return
	}
	v := 0.0
	if on {
		v = 1
	}
	m.devices.WithLabelValues(device).Set(v)
}

func setOneHot(g *prometheus.GaugeVec, location, current string, states []string) {
	for _, st := range states {
		v := 0.0
		if st == current {
			v = 1
		}
		g.WithLabelValues(location, st).Set(v)
	}
}
