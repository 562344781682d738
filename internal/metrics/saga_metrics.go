package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SagaMetrics содержит метрики участников саги заказа. Nil-значение безопасно: все методы no-op.
type SagaMetrics struct {
	// Переходы заказа по машине состояний
	orderTransitions *prometheus.CounterVec
	// Переходы платежа
	paymentTransitions *prometheus.CounterVec

	// Шина событий
	eventsPublished *prometheus.CounterVec
	eventsConsumed  *prometheus.CounterVec
	handleDuration  *prometheus.HistogramVec

	// Компенсации и аномалии
	compensations    *prometheus.CounterVec
	negativeStock    prometheus.Counter
	settledConflicts prometheus.Counter
	versionConflicts *prometheus.CounterVec

	// Задачи истечения заказа
	expirationJobs *prometheus.CounterVec

	// Outbox
	outboxPublished *prometheus.CounterVec
	outboxPending   prometheus.Gauge
	outboxAge       prometheus.Gauge
}

// NewSagaMetrics создаёт метрики в DefaultRegisterer.
func NewSagaMetrics() *SagaMetrics {
	return NewSagaMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSagaMetricsWithRegisterer создаёт метрики в заданном реестре (изолированные реестры в тестах).
func NewSagaMetricsWithRegisterer(registerer prometheus.Registerer) *SagaMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SagaMetrics{
		orderTransitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_order_transitions_total",
			Help: "Order status transitions by source and target status",
		}, []string{"from", "to"}),
		paymentTransitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_payment_transitions_total",
			Help: "Payment status transitions by source and target status",
		}, []string{"from", "to"}),
		eventsPublished: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_events_published_total",
			Help: "Saga events published by topic",
		}, []string{"topic"}),
		eventsConsumed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_events_consumed_total",
			Help: "Saga events handled by topic and result",
		}, []string{"topic", "result"}),
		handleDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "storefront_event_handle_duration_seconds",
			Help:    "Duration of saga event handlers in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"topic"}),
		compensations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_compensations_total",
			Help: "Compensating actions applied by kind",
		}, []string{"kind"}),
		negativeStock: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_inventory_negative_stock_total",
			Help: "Order placements that drove a product stock below zero",
		}),
		settledConflicts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_payment_expiry_conflicts_total",
			Help: "Order expirations that found an already completed payment",
		}),
		versionConflicts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_version_conflicts_total",
			Help: "Optimistic locking conflicts by entity",
		}, []string{"entity"}),
		expirationJobs: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_expiration_jobs_total",
			Help: "Order expiration job lifecycle by action",
		}, []string{"action"}),
		outboxPublished: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_outbox_publish_attempts_total",
			Help: "Outbox relay attempts by result",
		}, []string{"result"}),
		outboxPending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "storefront_outbox_pending_records",
			Help: "Outbox records waiting for relay",
		}),
		outboxAge: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "storefront_outbox_oldest_pending_age_seconds",
			Help: "Age of the oldest pending outbox record",
		}),
	}
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordOrderTransition учитывает переход заказа from -> to.
func (m *SagaMetrics) RecordOrderTransition(from, to string) {
	if m == nil {
		return
	}
	m.orderTransitions.WithLabelValues(from, to).Inc()
}

// RecordPaymentTransition учитывает переход платежа from -> to.
func (m *SagaMetrics) RecordPaymentTransition(from, to string) {
	if m == nil {
		return
	}
	m.paymentTransitions.WithLabelValues(from, to).Inc()
}

// RecordPublished учитывает опубликованное событие.
func (m *SagaMetrics) RecordPublished(topic string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(topic).Inc()
}

// RecordConsumed учитывает обработку события и её длительность.
func (m *SagaMetrics) RecordConsumed(topic string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.eventsConsumed.WithLabelValues(topic, result).Inc()
	m.handleDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// RecordCompensation учитывает компенсирующее действие.
func (m *SagaMetrics) RecordCompensation(kind string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(kind).Inc()
}

// RecordNegativeStock учитывает уход остатка в минус при размещении заказа.
func (m *SagaMetrics) RecordNegativeStock() {
	if m == nil {
		return
	}
	m.negativeStock.Inc()
}

// RecordSettledConflict учитывает истечение заказа с уже завершённым платежом.
func (m *SagaMetrics) RecordSettledConflict() {
	if m == nil {
		return
	}
	m.settledConflicts.Inc()
}

// RecordVersionConflict учитывает конфликт optimistic locking.
func (m *SagaMetrics) RecordVersionConflict(entity string) {
	if m == nil {
		return
	}
	m.versionConflicts.WithLabelValues(entity).Inc()
}

// RecordExpirationJob учитывает действие с задачей истечения: scheduled, canceled, cancel_missed, fired.
func (m *SagaMetrics) RecordExpirationJob(action string) {
	if m == nil {
		return
	}
	m.expirationJobs.WithLabelValues(action).Inc()
}

// RecordOutboxPublish учитывает попытку ретрансляции: sent, retry_error, failed, dead_lettered, dlq_failed.
func (m *SagaMetrics) RecordOutboxPublish(result string) {
	if m == nil {
		return
	}
	m.outboxPublished.WithLabelValues(result).Inc()
}

// SetOutboxBacklog выставляет размер очереди outbox и возраст самой старой записи.
func (m *SagaMetrics) SetOutboxBacklog(pending int, oldest time.Duration) {
	if m == nil {
		return
	}
	m.outboxPending.Set(float64(pending))
	m.outboxAge.Set(max(oldest, 0).Seconds())
}
