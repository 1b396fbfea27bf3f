package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты live-доставки уведомления.
const (
	PushDelivered = "delivered"
	PushOffline   = "offline"
	PushDropped   = "dropped"
	PushRemote    = "remote"
)

// LifecycleMetrics содержит метрики жизненного цикла заказов и уведомлений.
// Все методы безопасны для nil-получателя.
type LifecycleMetrics struct {
	ordersCreated       prometheus.Counter
	transitions         *prometheus.CounterVec
	transitionsRejected *prometheus.CounterVec
	transitionDuration  prometheus.Histogram
	timelineEvents      prometheus.Counter

	notificationsEmitted *prometheus.CounterVec
	emitFailures         prometheus.Counter
	livePushes           *prometheus.CounterVec
	openChannels         prometheus.Gauge
}

// NewLifecycleMetrics регистрирует метрики в DefaultRegisterer.
func NewLifecycleMetrics() *LifecycleMetrics {
	return NewLifecycleMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewLifecycleMetricsWithRegisterer регистрирует метрики в переданном реестре.
func NewLifecycleMetricsWithRegisterer(registerer prometheus.Registerer) *LifecycleMetrics {
	return &LifecycleMetrics{
		ordersCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "localshop_orders_created_total",
			Help: "Total number of orders placed",
		}),
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "localshop_order_transitions_total",
			Help: "Total number of applied order status transitions by target status",
		}, []string{"status"}),
		transitionsRejected: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "localshop_order_transitions_rejected_total",
			Help: "Total number of rejected order status transitions by reason",
		}, []string{"reason"}),
		transitionDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "localshop_order_transition_duration_seconds",
			Help:    "Duration of order status transitions including notification emit",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "localshop_timeline_events_total",
			Help: "Total number of order timeline events recorded",
		}),
		notificationsEmitted: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "localshop_notifications_emitted_total",
			Help: "Total number of persisted notifications by kind",
		}, []string{"kind"}),
		emitFailures: registerCounter(registerer, prometheus.CounterOpts{
			Name: "localshop_notification_emit_failures_total",
			Help: "Total number of notifications that failed to persist",
		}),
		livePushes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "localshop_notification_pushes_total",
			Help: "Live push attempts by result",
		}, []string{"result"}),
		openChannels: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "localshop_open_channels",
			Help: "Number of currently open real-time channels",
		}),
	}
}

// RecordOrderCreated увеличивает счётчик созданных заказов.
func (m *LifecycleMetrics) RecordOrderCreated() {
	if m == nil {
		return
	}
	m.ordersCreated.Inc()
}

// RecordTransition фиксирует применённый переход и его длительность.
func (m *LifecycleMetrics) RecordTransition(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
	m.transitionDuration.Observe(duration.Seconds())
}

// RecordTransitionRejected фиксирует отклонённый переход.
func (m *LifecycleMetrics) RecordTransitionRejected(reason string) {
	if m == nil {
		return
	}
	m.transitionsRejected.WithLabelValues(reason).Inc()
}

func (m *LifecycleMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// RecordNotificationEmitted фиксирует сохранённое уведомление.
func (m *LifecycleMetrics) RecordNotificationEmitted(kind string) {
	if m == nil {
		return
	}
	m.notificationsEmitted.WithLabelValues(kind).Inc()
}

func (m *LifecycleMetrics) RecordEmitFailure() {
	if m == nil {
		return
	}
	m.emitFailures.Inc()
}

// RecordPush фиксирует результат live-доставки: delivered, offline, dropped или remote.
func (m *LifecycleMetrics) RecordPush(result string) {
	if m == nil {
		return
	}
	m.livePushes.WithLabelValues(result).Inc()
}

// ChannelOpened и ChannelClosed поддерживают gauge открытых каналов.
func (m *LifecycleMetrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.openChannels.Inc()
}

func (m *LifecycleMetrics) ChannelClosed() {
	if m == nil {
		return
	}
	m.openChannels.Dec()
}
