package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
// A nil *Metrics records nothing.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	CarrierErrors   *prometheus.CounterVec
	TrackingEvents  *prometheus.CounterVec
	LabelOutcomes   *prometheus.CounterVec
	BatchOrders     *prometheus.CounterVec
	JobsTotal       *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labelflow_requests_total",
				Help: "Total number of requests by operation, carrier, and status",
			},
			[]string{"operation", "carrier", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "labelflow_request_duration_seconds",
				Help:    "Request duration in seconds by operation and carrier",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "carrier"},
		),
		CarrierErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labelflow_carrier_errors_total",
				Help: "Total carrier API errors by carrier and error type",
			},
			[]string{"carrier", "error_type"},
		),
		TrackingEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labelflow_tracking_events_total",
				Help: "Tracking updates by carrier, leg, state and outcome",
			},
			[]string{"carrier", "leg", "state", "outcome"},
		),
		LabelOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labelflow_label_generations_total",
				Help: "Label generation attempts by leg, carrier and result",
			},
			[]string{"leg", "carrier", "result"},
		),
		BatchOrders: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labelflow_batch_orders_total",
				Help: "Orders handled by the label batch by outcome",
			},
			[]string{"outcome"},
		),
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labelflow_jobs_total",
				Help: "Scheduled actions run by name and status",
			},
			[]string{"action", "status"},
		),
	}
}

// RecordRequest records a request metric.
func (m *Metrics) RecordRequest(operation, carrier, status string, duration float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(operation, carrier, status).Inc()
	m.RequestDuration.WithLabelValues(operation, carrier).Observe(duration)
}

// RecordError records a carrier error metric.
func (m *Metrics) RecordError(carrier, errorType string) {
	if m == nil {
		return
	}
	m.CarrierErrors.WithLabelValues(carrier, errorType).Inc()
}

// RecordTracking records a processed tracking update.
func (m *Metrics) RecordTracking(carrier, leg, state, outcome string) {
	if m == nil {
		return
	}
	m.TrackingEvents.WithLabelValues(carrier, leg, state, outcome).Inc()
}

// RecordLabel records a label purchase attempt.
func (m *Metrics) RecordLabel(leg, carrier, result string) {
	if m == nil {
		return
	}
	m.LabelOutcomes.WithLabelValues(leg, carrier, result).Inc()
}

// RecordBatchOrder records an order outcome in the label batch.
func (m *Metrics) RecordBatchOrder(outcome string) {
	if m == nil {
		return
	}
	m.BatchOrders.WithLabelValues(outcome).Inc()
}

// RecordJob records a scheduled action run.
func (m *Metrics) RecordJob(action, status string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(action, status).Inc()
}
