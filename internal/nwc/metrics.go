package nwc

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the wallet service
type Metrics struct {
	// Counters
	RequestsTotal     prometheus.CounterVec
	PaymentsTotal     prometheus.CounterVec
	QuotaRejections   prometheus.Counter
	BudgetResetsTotal prometheus.Counter
	DuplicateEvents   prometheus.Counter

	// Gauges
	SubscriptionsActive prometheus.Gauge
	ConnectionsTotal    prometheus.Gauge

	// Histograms
	HandlerDuration prometheus.HistogramVec

	mu sync.Mutex
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// InitMetrics initializes global Prometheus metrics
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RequestsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "nwcd_requests_total",
					Help: "Total wallet requests handled",
				},
				[]string{"method", "result"},
			),
			PaymentsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "nwcd_payments_total",
					Help: "Total payment attempts",
				},
				[]string{"status"},
			),
			QuotaRejections: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "nwcd_quota_rejections_total",
					Help: "Payments rejected by the budget engine",
				},
			),
			BudgetResetsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "nwcd_budget_resets_total",
					Help: "Budget windows reset",
				},
			),
			DuplicateEvents: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "nwcd_duplicate_events_total",
					Help: "Request events dropped as duplicates",
				},
			),
			SubscriptionsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "nwcd_subscriptions_active",
					Help: "Current active relay subscriptions",
				},
			),
			ConnectionsTotal: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "nwcd_connections",
					Help: "Current registered connections",
				},
			),
			HandlerDuration: *promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "nwcd_handler_duration_seconds",
					Help:    "Request handler duration",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method"},
			),
		}
	})
	return globalMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	if globalMetrics == nil {
		return InitMetrics()
	}
	return globalMetrics
}

// RecordRequest records a handled wallet request
func (m *Metrics) RecordRequest(method string, result string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, result).Inc()
}

// RecordHandlerDuration records request handler duration
func (m *Metrics) RecordHandlerDuration(method string, seconds float64) {
	if m == nil {
		return
	}
	m.HandlerDuration.WithLabelValues(method).Observe(seconds)
}

// RecordPayment records a payment attempt outcome
func (m *Metrics) RecordPayment(status string) {
	if m == nil {
		return
	}
	m.PaymentsTotal.WithLabelValues(status).Inc()
}

// RecordQuotaRejection records a budget rejection
func (m *Metrics) RecordQuotaRejection() {
	if m == nil {
		return
	}
	m.QuotaRejections.Inc()
}

// RecordBudgetReset records a budget window reset
func (m *Metrics) RecordBudgetReset() {
	if m == nil {
		return
	}
	m.BudgetResetsTotal.Inc()
}

// RecordDuplicateEvent records a dropped duplicate request event
func (m *Metrics) RecordDuplicateEvent() {
	if m == nil {
		return
	}
	m.DuplicateEvents.Inc()
}

// SetActiveSubscriptions sets the current relay subscription count
func (m *Metrics) SetActiveSubscriptions(count int64) {
	if m == nil {
		return
	}
	m.SubscriptionsActive.Set(float64(count))
}

// SetConnectionCount sets the current registered connection count
func (m *Metrics) SetConnectionCount(count int64) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Set(float64(count))
}
