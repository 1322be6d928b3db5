package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func labels(m *dto.Metric) map[string]string {
	out := make(map[string]string)
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func TestMetrics_ImplementsInterface(t *testing.T) {
	var _ gocycle.Metrics = NewMetrics(prometheus.NewRegistry(), "test")
}

func TestMetrics_RecordPreview(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordPreview("weekly", true, false)
	metrics.RecordPreview("weekly", true, false)
	metrics.RecordPreview("monthly", false, true)

	mf := gather(t, reg, "test_invoice_previews_total")
	require.Len(t, mf.GetMetric(), 2)
	for _, m := range mf.GetMetric() {
		l := labels(m)
		switch l["tier"] {
		case "weekly":
			assert.Equal(t, "true", l["prorated"])
			assert.Equal(t, 2.0, m.GetCounter().GetValue())
		case "monthly":
			assert.Equal(t, "true", l["next_cycle"])
			assert.Equal(t, 1.0, m.GetCounter().GetValue())
		}
	}
}

func TestMetrics_RecordInvoiceIssued(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordInvoiceIssued("bi-weekly", "pending", 300)
	metrics.RecordInvoiceIssued("bi-weekly", "pending", 600)

	issued := gather(t, reg, "test_invoices_issued_total")
	require.Len(t, issued.GetMetric(), 1)
	assert.Equal(t, 2.0, issued.GetMetric()[0].GetCounter().GetValue())

	amount := gather(t, reg, "test_invoice_amount")
	h := amount.GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(2), h.GetSampleCount())
	assert.Equal(t, 900.0, h.GetSampleSum())
}

func TestMetrics_RecordInvoicePaid(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordInvoicePaid("monthly", "card")

	mf := gather(t, reg, "test_invoices_paid_total")
	assert.Equal(t, map[string]string{"tier": "monthly", "method": "card"}, labels(mf.GetMetric()[0]))
}

func TestMetrics_RecordStorageOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStorageOperation("get_invoice", 10*time.Millisecond, nil)
	metrics.RecordStorageOperation("get_invoice", 20*time.Millisecond, errors.New("boom"))

	duration := gather(t, reg, "test_storage_operation_duration_seconds")
	assert.Equal(t, uint64(2), duration.GetMetric()[0].GetHistogram().GetSampleCount())

	errs := gather(t, reg, "test_storage_operation_errors_total")
	assert.Equal(t, 1.0, errs.GetMetric()[0].GetCounter().GetValue())
}

func TestMetrics_RecordBillingRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordBillingRun(9, 1, 2*time.Second)

	mf := gather(t, reg, "test_billing_run_invoices_total")
	got := make(map[string]float64)
	for _, m := range mf.GetMetric() {
		got[labels(m)["outcome"]] = m.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{"issued": 9, "failed": 1}, got)

	run := gather(t, reg, "test_billing_run_duration_seconds")
	assert.Equal(t, 2.0, run.GetMetric()[0].GetHistogram().GetSampleSum())
}

func TestMetrics_RecordCircuitBreakerStateChange(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordCircuitBreakerStateChange("open")
	metrics.RecordCircuitBreakerStateChange("closed")

	mf := gather(t, reg, "test_circuit_breaker_state_changes_total")
	assert.Len(t, mf.GetMetric(), 2)
}
