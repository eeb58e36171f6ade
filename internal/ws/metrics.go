package ws

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the gateway. A nil *Metrics is valid and records nothing.
type Metrics struct {
	activeConns  prometheus.Gauge
	connsTotal   prometheus.Counter
	rejected     *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	frameLatency *prometheus.HistogramVec
	frameErrors  *prometheus.CounterVec
	pushes       *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "murmur_connections_active",
			Help: "Current number of bound gateway connections.",
		}),
		connsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "murmur_connections_total",
			Help: "Total number of authenticated connections since start.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "murmur_connections_closed_total",
			Help: "Connections closed by the server, by reason.",
		}, []string{"reason"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "murmur_frames_dropped_total",
			Help: "Inbound frames dropped before dispatch, by reason.",
		}, []string{"reason"}),
		frameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "murmur_frame_latency_seconds",
			Help:    "Latency for handling inbound frames.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}, []string{"op"}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "murmur_frame_errors_total",
			Help: "Inbound frames whose handler returned an error.",
		}, []string{"op"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "murmur_pushes_total",
			Help: "Outbound frames by outcome.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.activeConns,
		m.connsTotal,
		m.rejected,
		m.dropped,
		m.frameLatency,
		m.frameErrors,
		m.pushes,
	)
	return m
}

func (m *Metrics) incConn() {
	if m == nil {
		return
	}
	m.activeConns.Inc()
	m.connsTotal.Inc()
}

func (m *Metrics) decConn() {
	if m == nil {
		return
	}
	m.activeConns.Dec()
}

func (m *Metrics) recordClose(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordDrop(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordPush(result string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(result).Inc()
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil || op == "" {
		return
	}
	m.frameLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.frameErrors.WithLabelValues(op).Inc()
	}
}
