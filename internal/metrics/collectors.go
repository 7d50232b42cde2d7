package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors Prometheus 指标
type Collectors struct {
	latency       *prometheus.HistogramVec
	transmissions *prometheus.CounterVec
	warnings      *prometheus.CounterVec
	pending       prometheus.Gauge
}

// NewCollectors 创建并注册到 reg
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "telemetry",
			Name:      "stage_latency_seconds",
			Help:      "Per-stage latency of telemetry batch transmission.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),
		transmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Name:      "transmissions_total",
			Help:      "Telemetry batch transmissions by result and latency quality.",
		}, []string{"result", "quality"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Name:      "metrics_integrity_warnings_total",
			Help:      "Negative stage latencies observed (clock or ordering anomalies).",
		}, []string{"stage"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "telemetry",
			Name:      "pending_batches",
			Help:      "Batches waiting in the offline queue.",
		}),
	}
	reg.MustRegister(c.latency, c.transmissions, c.warnings, c.pending)
	return c
}

// Observe 记录一次发送的指标
func (c *Collectors) Observe(r *Report) {
	for stage, v := range r.Latencies {
		if v < 0 {
			continue
		}
		c.latency.WithLabelValues(string(stage)).Observe(v.Seconds())
	}
	result := "failure"
	if r.Record != nil && r.Record.Success {
		result = "success"
	}
	c.transmissions.WithLabelValues(result, string(r.Quality)).Inc()
	for _, w := range r.Warnings {
		c.warnings.WithLabelValues(string(w.Stage)).Inc()
	}
}

// SetPending 更新离线队列长度
func (c *Collectors) SetPending(n int) {
	c.pending.Set(float64(n))
}
