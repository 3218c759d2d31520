package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/xela07ax/authz-sidecar/internal/policy"
)

// Результаты решения (метка result)
const (
	ResultAllow     = "allow"
	ResultDeny      = "deny"
	ResultTimeout   = "timeout"
	ResultCancelled = "cancelled"
	ResultDryRun    = "dry_run"
)

type Metrics struct {
	reg prometheus.Registerer

	// Latency: полное время решения, включая проверку токена
	DecisionDuration *prometheus.HistogramVec

	// Traffic: решения по пакетам и итогу
	DecisionsTotal *prometheus.CounterVec

	// Errors: отвергнутые токены по видам (expired, signature_invalid, ...)
	TokenErrors *prometheus.CounterVec

	// Audit: потери и сбросы журнала решений
	DecisionLogDropped *prometheus.CounterVec
	DecisionLogFlushes *prometheus.CounterVec

	// Policy: активная ревизия (info-метрика) и перезагрузки
	PolicyRevision *prometheus.GaugeVec
	PolicyReloads  *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		reg: reg,

		DecisionDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authz_decision_duration_seconds",
			Help:    "Histogram of authorization decision latencies.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		}, []string{"package"}),

		DecisionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Total number of authorization decisions.",
		}, []string{"package", "result"}),

		TokenErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "authz_token_errors_total",
			Help: "Total number of rejected bearer tokens by kind.",
		}, []string{"kind"}),

		DecisionLogDropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "authz_decision_log_dropped_total",
			Help: "Decision records lost before reaching the sink.",
		}, []string{"reason"}),

		DecisionLogFlushes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "authz_decision_log_flushes_total",
			Help: "Decision log batch writes by status.",
		}, []string{"status"}),

		PolicyRevision: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "authz_policy_revision_info",
			Help: "Active policy revision (value is always 1).",
		}, []string{"revision"}),

		PolicyReloads: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "authz_policy_reloads_total",
			Help: "Policy reload attempts by result.",
		}, []string{"result"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "authz_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"target"}),
	}
}

// ObserveRevision подписывается на публикации стора: старая ревизия уходит из info-метрики.
func (m *Metrics) ObserveRevision(rev *policy.Revision) {
	m.PolicyRevision.Reset()
	m.PolicyRevision.WithLabelValues(rev.ID).Set(1)
}

// ObserveReload считает исход перезагрузки политики.
func (m *Metrics) ObserveReload(err error) {
	if err != nil {
		m.PolicyReloads.WithLabelValues("failure").Inc()
		return
	}
	m.PolicyReloads.WithLabelValues("success").Inc()
}

// OnDecisionLogDrop и OnDecisionLogFlush: хуки для audit.Options.
func (m *Metrics) OnDecisionLogDrop(reason string) {
	m.DecisionLogDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) OnDecisionLogFlush(_ int, err error) {
	if err != nil {
		m.DecisionLogFlushes.WithLabelValues("error").Inc()
		return
	}
	m.DecisionLogFlushes.WithLabelValues("ok").Inc()
}

// OnBreakerStateChange: хук для connectors.ReliabilitySettings.
func (m *Metrics) OnBreakerStateChange(name string, to gobreaker.State) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
}

// RegisterBufferGauge публикует заполненность буфера журнала (backpressure).
func (m *Metrics) RegisterBufferGauge(pending func() int) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "authz_decision_log_buffer_utilization",
		Help: "Current number of decision records waiting in the buffer.",
	}, func() float64 { return float64(pending()) })
}
