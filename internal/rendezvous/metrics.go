package rendezvous

import "github.com/prometheus/client_golang/prometheus"

// Metrics 记录 rendezvous 关键指标。
type Metrics struct {
	waitersActive   prometheus.Gauge
	resolvedTotal   *prometheus.CounterVec
	timeoutTotal    prometheus.Counter
	inboundRejected prometheus.Counter
	awaitSeconds    prometheus.Histogram
}

// NewMetrics 构造 Metrics，reg 为空则注册到默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		waitersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rendezvous_waiters_active",
			Help: "Number of correlation waiters currently registered",
		}),
		resolvedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rendezvous_resolved_total",
			Help: "Number of waiters resolved, by outcome status",
		}, []string{"status"}),
		timeoutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rendezvous_timeout_total",
			Help: "Number of waiters that expired without resolution",
		}),
		inboundRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rendezvous_inbound_rejected_total",
			Help: "Number of inbound sign requests rejected before a waiter was created",
		}),
		awaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rendezvous_await_seconds",
			Help:    "Time callers spent waiting for a resolution",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 180, 300},
		}),
	}
	reg.MustRegister(m.waitersActive, m.resolvedTotal, m.timeoutTotal, m.inboundRejected, m.awaitSeconds)
	return m
}

func (m *Metrics) incWaiters() {
	if m == nil {
		return
	}
	m.waitersActive.Inc()
}

func (m *Metrics) decWaiters() {
	if m == nil {
		return
	}
	m.waitersActive.Dec()
}

func (m *Metrics) incResolved(status string) {
	if m == nil {
		return
	}
	m.resolvedTotal.WithLabelValues(labelOrUnknown(status)).Inc()
}

func (m *Metrics) incTimeout() {
	if m == nil {
		return
	}
	m.timeoutTotal.Inc()
}

func (m *Metrics) incRejected() {
	if m == nil {
		return
	}
	m.inboundRejected.Inc()
}

func (m *Metrics) observeAwait(seconds float64) {
	if m == nil {
		return
	}
	m.awaitSeconds.Observe(seconds)
}

func labelOrUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
