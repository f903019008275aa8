// Package metrics публикует метрики погашений в формате Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "promo_engine"

// Исходы погашения для метки outcome.
const (
	OutcomeRedeemed = "redeemed"
	OutcomeRejected = "rejected"
	OutcomeReplayed = "replayed"
	OutcomeError    = "error"
)

// Metrics содержит коллекторы сервиса. Нулевой указатель допустим, методы становятся no-op.
type Metrics struct {
	registry    *prometheus.Registry
	redemptions *prometheus.CounterVec
	duration    prometheus.Histogram
	retries     prometheus.Counter
	discount    prometheus.Counter
	events      *prometheus.CounterVec
}

// New регистрирует коллекторы в собственном реестре.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemptions_total",
			Help:      "Redemption attempts by outcome and reject reason.",
		}, []string{"outcome", "reason"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "redemption_duration_seconds",
			Help:      "Time spent committing a redemption, retries included.",
			Buckets:   prometheus.DefBuckets,
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemption_retries_total",
			Help:      "Redemption commits retried after a transaction conflict.",
		}),
		discount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discount_granted_minor_units_total",
			Help:      "Sum of discounts granted, in minor currency units.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Domain events handed to Kafka by type and result.",
		}, []string{"type", "result"}),
	}

	reg.MustRegister(
		m.redemptions, m.duration, m.retries, m.discount, m.events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRedemption учитывает исход попытки погашения.
func (m *Metrics) ObserveRedemption(outcome, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(outcome, reason).Inc()
	m.duration.Observe(elapsed.Seconds())
}

// IncRetry учитывает повтор фиксации.
func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// AddDiscount прибавляет выданную скидку.
func (m *Metrics) AddDiscount(amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.discount.Add(float64(amount))
}

// ObserveEvent учитывает публикацию события.
func (m *Metrics) ObserveEvent(eventType string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.events.WithLabelValues(eventType, result).Inc()
}

// Registry возвращает реестр для тестов и дополнительных коллекторов.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler отдаёт метрики для /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
