package gocycle

import "time"

// Metrics defines the interface for tracking billing operations.
type Metrics interface {
	// RecordPreview records a computed invoice preview.
	RecordPreview(tier string, prorated, nextCycle bool)

	// RecordInvoiceIssued records a newly issued invoice and its amount.
	RecordInvoiceIssued(tier, status string, amount float64)

	// RecordInvoicePaid records an invoice settlement.
	RecordInvoicePaid(tier, method string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordBillingRun records the outcome of a monthly billing run.
	RecordBillingRun(issued, failed int, duration time.Duration)

	// RecordCircuitBreakerStateChange records a storage circuit breaker transition.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordPreview(tier string, prorated, nextCycle bool)                        {}
func (n *NoopMetrics) RecordInvoiceIssued(tier, status string, amount float64)                    {}
func (n *NoopMetrics) RecordInvoicePaid(tier, method string)                                      {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordBillingRun(issued, failed int, duration time.Duration)                {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
