package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocycle/pkg/payment"
)

var _ payment.Metrics = (*Metrics)(nil)

func TestMetrics_WebhookEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordWebhookEvent("stripe", "checkout.session.completed", "success")
	m.RecordWebhookEvent("stripe", "checkout.session.completed", "success")
	m.RecordWebhookEvent("stripe", "checkout.session.expired", "ignored")
	m.RecordWebhookError("stripe", "auth_failed")
	m.RecordWebhookProcessingDuration("stripe", "checkout.session.completed", 15*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(
		m.webhookEventsTotal.WithLabelValues("stripe", "checkout.session.completed", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.webhookEventsTotal.WithLabelValues("stripe", "checkout.session.expired", "ignored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookErrorsTotal.WithLabelValues("stripe", "auth_failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.webhookProcessingDuration))
}

func TestMetrics_SettlementAndAPICalls(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordInvoiceSettled("stripe", "weekly")
	m.RecordAPICall("stripe", "/checkout/sessions", "success")
	m.RecordAPICall("stripe", "/checkout/sessions", "error")
	m.RecordAPICallDuration("stripe", "/checkout/sessions", 120*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.invoicesSettledTotal.WithLabelValues("stripe", "weekly")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.apiCallsTotal))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "test_payment_invoices_settled_total")
	assert.Contains(t, names, "test_payment_api_call_duration_seconds")
}

func TestMetrics_DefaultMetrics(t *testing.T) {
	m := DefaultMetrics("test_payment_default")
	require.NotNil(t, m)
	m.RecordWebhookEvent("stripe", "checkout.session.completed", "success")
}
