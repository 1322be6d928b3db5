// Package prommetrics implements gocycle.Metrics with Prometheus collectors.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements gocycle.Metrics using Prometheus.
type Metrics struct {
	previewsTotal              *prometheus.CounterVec
	invoicesIssuedTotal        *prometheus.CounterVec
	invoiceAmount              *prometheus.HistogramVec
	invoicesPaidTotal          *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	billingRunDuration         prometheus.Histogram
	billingRunInvoices         *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		previewsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoice_previews_total",
			Help:      "Total number of invoice previews computed.",
		}, []string{"tier", "prorated", "next_cycle"}),

		invoicesIssuedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoices_issued_total",
			Help:      "Total number of invoices issued.",
		}, []string{"tier", "status"}),

		invoiceAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invoice_amount",
			Help:      "Distribution of issued invoice amounts.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"tier"}),

		invoicesPaidTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoices_paid_total",
			Help:      "Total number of invoices settled.",
		}, []string{"tier", "method"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		billingRunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "billing_run_duration_seconds",
			Help:      "Duration of monthly billing runs.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),

		billingRunInvoices: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_run_invoices_total",
			Help:      "Invoices processed by billing runs, by outcome.",
		}, []string{"outcome"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordPreview(tier string, prorated, nextCycle bool) {
	m.previewsTotal.WithLabelValues(tier, strconv.FormatBool(prorated), strconv.FormatBool(nextCycle)).Inc()
}

func (m *Metrics) RecordInvoiceIssued(tier, status string, amount float64) {
	m.invoicesIssuedTotal.WithLabelValues(tier, status).Inc()
	m.invoiceAmount.WithLabelValues(tier).Observe(amount)
}

func (m *Metrics) RecordInvoicePaid(tier, method string) {
	m.invoicesPaidTotal.WithLabelValues(tier, method).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordBillingRun(issued, failed int, duration time.Duration) {
	m.billingRunDuration.Observe(duration.Seconds())
	m.billingRunInvoices.WithLabelValues("issued").Add(float64(issued))
	m.billingRunInvoices.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
