package stripe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
	"github.com/mihaimyh/gocycle/pkg/payment"
	"github.com/mihaimyh/gocycle/storage/memory"
)

const (
	testAPIKey        = "sk_test_1234567890"
	testWebhookSecret = "whsec_test_secret"
	testSuccessURL    = "https://shop.example.com/invoices/{INVOICE_ID}/paid"
	testCustomerID    = "cust-1"
	testSessionURL    = "https://checkout.stripe.com/c/pay/cs_test_1"
)

type fakeAPI struct {
	mu        sync.Mutex
	sessions  []*stripe.CheckoutSessionCreateParams
	customers map[string]string
	createErr error
	searchErr error
}

func (f *fakeAPI) CreateCheckoutSession(
	_ context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, params)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &stripe.CheckoutSession{ID: "cs_test_1", URL: testSessionURL}, nil
}

func (f *fakeAPI) SearchCustomer(_ context.Context, customerID string) (string, error) {
	if f.searchErr != nil {
		return "", f.searchErr
	}
	if id, ok := f.customers[customerID]; ok {
		return id, nil
	}
	return "", payment.ErrCustomerNotFound
}

func (f *fakeAPI) lastSession(t *testing.T) *stripe.CheckoutSessionCreateParams {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sessions)
	return f.sessions[len(f.sessions)-1]
}

type fixture struct {
	manager  *gocycle.Manager
	provider *Provider
	api      *fakeAPI
	events   []payment.PaymentEvent
}

// newFixture builds a provider on a manager whose clock reads 2025-09-10,
// so a monthly subscription's first invoice is October at 550.00.
func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	today, err := gocycle.DefaultCalendar().ParseDate("2025-09-10")
	require.NoError(t, err)
	manager, err := gocycle.NewManager(memory.New(), &gocycle.Config{
		Prices: map[gocycle.Tier]float64{gocycle.TierMonthly: 550, gocycle.TierWeekly: 33.335},
		Clock:  func() time.Time { return today.Add(9 * time.Hour) },
	})
	require.NoError(t, err)

	f := &fixture{manager: manager, api: &fakeAPI{customers: map[string]string{}}}
	cfg := Config{
		Config: payment.Config{
			Manager:       manager,
			APIKey:        testAPIKey,
			WebhookSecret: testWebhookSecret,
			WebhookCallback: func(_ context.Context, e payment.PaymentEvent) error {
				f.events = append(f.events, e)
				return nil
			},
		},
		SuccessURL: testSuccessURL,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewProvider(cfg)
	require.NoError(t, err)
	p.api = f.api
	manager.SetPaymentLinker(p)

	f.provider = p
	return f
}

func (f *fixture) subscribe(t *testing.T, tier gocycle.Tier) *gocycle.Invoice {
	t.Helper()
	_, inv, err := f.manager.CreateSubscription(context.Background(), &gocycle.CreateSubscriptionRequest{
		ID:         "sub-1",
		CustomerID: testCustomerID,
		Tier:       tier,
	})
	require.NoError(t, err)
	return inv
}

func TestNewProvider_Validation(t *testing.T) {
	manager, err := gocycle.NewManager(memory.New(), nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing manager", Config{Config: payment.Config{APIKey: testAPIKey}, SuccessURL: testSuccessURL}},
		{"missing api key", Config{Config: payment.Config{Manager: manager, APIKey: "  "}, SuccessURL: testSuccessURL}},
		{"missing success url", Config{Config: payment.Config{Manager: manager, APIKey: testAPIKey}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvider(tt.cfg)
			assert.ErrorIs(t, err, payment.ErrProviderNotConfigured)
		})
	}
}

func TestNewProvider_Defaults(t *testing.T) {
	manager, err := gocycle.NewManager(memory.New(), nil)
	require.NoError(t, err)

	p, err := NewProvider(Config{
		Config:     payment.Config{Manager: manager, APIKey: testAPIKey, Currency: " USD "},
		SuccessURL: testSuccessURL,
	})
	require.NoError(t, err)
	assert.Equal(t, "stripe", p.Name())
	assert.Equal(t, "usd", p.Currency())
	assert.Equal(t, testSuccessURL, p.config.CancelURL)
	assert.NotNil(t, p.WebhookHandler())

	p, err = NewProvider(Config{
		Config:     payment.Config{Manager: manager, APIKey: testAPIKey},
		SuccessURL: testSuccessURL,
	})
	require.NoError(t, err)
	assert.Equal(t, "zar", p.Currency())
}

func TestPaymentLink_CreatesCheckoutSession(t *testing.T) {
	f := newFixture(t, nil)
	inv := f.subscribe(t, gocycle.TierMonthly)

	assert.Equal(t, testSessionURL, inv.PaymentURL)

	params := f.api.lastSession(t)
	assert.Equal(t, "payment", stripe.StringValue(params.Mode))
	assert.Equal(t, "sub-1_2025-10", stripe.StringValue(params.ClientReferenceID))
	assert.Equal(t, "https://shop.example.com/invoices/sub-1_2025-10/paid", stripe.StringValue(params.SuccessURL))
	assert.Equal(t, stripe.StringValue(params.SuccessURL), stripe.StringValue(params.CancelURL))
	assert.Equal(t, "always", stripe.StringValue(params.CustomerCreation))
	assert.Nil(t, params.Customer)

	require.Len(t, params.LineItems, 1)
	item := params.LineItems[0]
	assert.Equal(t, int64(1), stripe.Int64Value(item.Quantity))
	assert.Equal(t, "zar", stripe.StringValue(item.PriceData.Currency))
	assert.Equal(t, int64(55000), stripe.Int64Value(item.PriceData.UnitAmount))
	assert.Equal(t, "monthly deliveries 2025-10", stripe.StringValue(item.PriceData.ProductData.Name))
	assert.Equal(t, "2025-10-06", stripe.StringValue(item.PriceData.ProductData.Description))

	assert.Equal(t, map[string]string{
		"subscription_id": "sub-1",
		"cycle_month":     "2025-10",
		"invoice_id":      "sub-1_2025-10",
		"customer_id":     testCustomerID,
	}, params.Metadata)
	assert.Equal(t, params.Metadata, params.PaymentIntentData.Metadata)
}

func TestPaymentLink_RoundsToMinorUnits(t *testing.T) {
	f := newFixture(t, nil)
	inv := f.subscribe(t, gocycle.TierWeekly)

	// Three remaining September Mondays at 33.335 round to 100.01
	assert.Equal(t, "100.01", inv.Amount.StringFixed(2))
	item := f.api.lastSession(t).LineItems[0]
	assert.Equal(t, int64(10001), stripe.Int64Value(item.PriceData.UnitAmount))
	assert.Equal(t, "weekly deliveries 2025-09 (3 of 5)", stripe.StringValue(item.PriceData.ProductData.Name))
	assert.Equal(t, "2025-09-15, 2025-09-22, 2025-09-29", stripe.StringValue(item.PriceData.ProductData.Description))
}

func TestPaymentLink_CustomerResolution(t *testing.T) {
	t.Run("resolver", func(t *testing.T) {
		f := newFixture(t, func(c *Config) {
			c.CustomerIDResolver = func(_ context.Context, id string) (string, error) {
				return "cus_resolved_" + id, nil
			}
		})
		f.subscribe(t, gocycle.TierMonthly)

		params := f.api.lastSession(t)
		assert.Equal(t, "cus_resolved_"+testCustomerID, stripe.StringValue(params.Customer))
		assert.Nil(t, params.CustomerCreation)
	})

	t.Run("search fallback", func(t *testing.T) {
		f := newFixture(t, func(c *Config) {
			c.CustomerIDResolver = func(context.Context, string) (string, error) {
				return "", errors.New("not cached")
			}
		})
		f.api.customers[testCustomerID] = "cus_searched"
		f.subscribe(t, gocycle.TierMonthly)

		assert.Equal(t, "cus_searched", stripe.StringValue(f.api.lastSession(t).Customer))
	})

	t.Run("search failure aborts", func(t *testing.T) {
		f := newFixture(t, nil)
		f.api.searchErr = errors.New("stripe unavailable")

		_, err := f.provider.PaymentLink(context.Background(), &gocycle.Invoice{
			ID: "sub-1_2025-10", SubscriptionID: "sub-1", CustomerID: testCustomerID,
			CycleMonth: gocycle.MustParseMonthKey("2025-10"), Amount: fromMinorUnits(55000),
		})
		assert.ErrorIs(t, err, gocycle.ErrPaymentLinkUnavailable)
		assert.Empty(t, f.api.sessions)
	})
}

func TestPaymentLink_Errors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.provider.PaymentLink(ctx, nil)
	assert.ErrorIs(t, err, gocycle.ErrPaymentLinkUnavailable)

	_, err = f.provider.PaymentLink(ctx, &gocycle.Invoice{ID: "sub-1_2025-10", SubscriptionID: "sub-1"})
	assert.ErrorIs(t, err, gocycle.ErrPaymentLinkUnavailable, "zero amount")

	f.api.createErr = errors.New("card_declined")
	inv := f.subscribe(t, gocycle.TierMonthly)
	assert.Empty(t, inv.PaymentURL, "invoice is issued without a link")
	assert.Equal(t, gocycle.InvoiceStatusPending, inv.Status)

	_, err = f.provider.PaymentLink(ctx, inv)
	assert.ErrorIs(t, err, gocycle.ErrPaymentLinkUnavailable)
}
