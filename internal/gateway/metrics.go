package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

type Metrics struct {
	// Latency: сколько времени заняла обработка (включая транспорт)
	RequestDuration *prometheus.HistogramVec

	// Traffic: общее кол-во запросов по возможностям
	TotalRequests *prometheus.CounterVec

	// Security: отказы шлюза по причинам (denied, rate_limit, validation, ...)
	DeniedTotal *prometheus.CounterVec

	// Saturation: состояние предохранителей (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Очередь: глубина по статусам
	QueueDepth *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge

	// Лимитер: размер таблицы identity
	RateLimitEntries prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - без регистратора используем локальный,
	// который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wagate_request_duration_seconds",
			Help:    "Histogram of capability invocation latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"capability", "status"}),

		TotalRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "wagate_requests_total",
			Help: "Total number of capability invocations.",
		}, []string{"capability", "adapter"}),

		DeniedTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "wagate_denied_total",
			Help: "Total number of gateway refusals by reason.",
		}, []string{"reason"}), // reason: denied, blocked, rate_limit, validation, circuit_open

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "wagate_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"dependency"}),

		QueueDepth: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "wagate_queue_jobs",
			Help: "Current number of jobs by status.",
		}, []string{"status"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "wagate_audit_buffer_utilization",
			Help: "Current number of records in the audit buffer.",
		}),

		RateLimitEntries: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "wagate_ratelimit_entries",
			Help: "Current number of tracked rate-limit identities.",
		}),
	}
}

// ObserveBreakerState конвертирует состояние gobreaker в гейдж.
// Подключается как StateHook реестра предохранителей.
func (m *Metrics) ObserveBreakerState(name string, state gobreaker.State) {
	var v float64
	switch state {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}
