package admission

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 聚合准入闸门的观测指标。方法对 nil 接收者安全。
type Metrics struct {
	waitingDepth  prometheus.Gauge
	acquiredTotal prometheus.Counter
}

// NewMetrics 构造 Metrics，reg 为空则注册到默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		waitingDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "admission",
			Name:      "waiting_depth",
			Help:      "Number of flows queued behind the admission guard.",
		}),
		acquiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "admission",
			Name:      "acquired_total",
			Help:      "Total critical-section entries through the admission guard.",
		}),
	}
	reg.MustRegister(m.waitingDepth, m.acquiredTotal)
	return m
}

func (m *Metrics) setWaiting(depth int64) {
	if m == nil {
		return
	}
	m.waitingDepth.Set(float64(depth))
}

func (m *Metrics) incAcquired() {
	if m == nil {
		return
	}
	m.acquiredTotal.Inc()
}
