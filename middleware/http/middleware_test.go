package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
	"github.com/mihaimyh/gocycle/storage/memory"
)

// brokenStorage fails every subscription lookup
type brokenStorage struct {
	*memory.Storage
}

func (s *brokenStorage) GetSubscription(context.Context, string) (*gocycle.Subscription, error) {
	return nil, errors.New("connection refused")
}

// setupTestManager returns a manager at 2025-08-10 with an active bi-weekly
// subscription "sub-1" (August unpaid) and a cancelled "sub-2".
func setupTestManager(t *testing.T) *gocycle.Manager {
	t.Helper()
	today, err := gocycle.DefaultCalendar().ParseDate("2025-08-10")
	require.NoError(t, err)

	manager, err := gocycle.NewManager(memory.New(), &gocycle.Config{
		Prices: map[gocycle.Tier]float64{gocycle.TierBiWeekly: 300},
		Clock:  func() time.Time { return today.Add(9 * time.Hour) },
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, id := range []string{"sub-1", "sub-2"} {
		_, _, err := manager.CreateSubscription(ctx, &gocycle.CreateSubscriptionRequest{
			ID: id, CustomerID: "cust-" + id, Tier: gocycle.TierBiWeekly,
		})
		require.NoError(t, err)
	}
	_, err = manager.CancelSubscription(ctx, "sub-2")
	require.NoError(t, err)
	return manager
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, ok := SubscriptionFromContext(r.Context())
		require.True(t, ok)
		w.Header().Set("X-Subscription-Tier", string(sub.Tier))
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, subscriptionID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/deliveries", nil)
	if subscriptionID != "" {
		req.Header.Set("X-Subscription-ID", subscriptionID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Statuses(t *testing.T) {
	manager := setupTestManager(t)

	tests := []struct {
		name   string
		policy gocycle.AccessPolicy
		id     string
		want   int
	}{
		{"active", gocycle.AccessPolicy{}, "sub-1", http.StatusOK},
		{"missing id", gocycle.AccessPolicy{}, "", http.StatusUnauthorized},
		{"unknown", gocycle.AccessPolicy{}, "sub-9", http.StatusPaymentRequired},
		{"cancelled", gocycle.AccessPolicy{}, "sub-2", http.StatusPaymentRequired},
		{"unpaid", gocycle.AccessPolicy{RequirePaid: true}, "sub-1", http.StatusPaymentRequired},
		{"tier", gocycle.AccessPolicy{Tiers: []gocycle.Tier{gocycle.TierWeekly}}, "sub-1", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := Middleware(Config{
				Manager:           manager,
				GetSubscriptionID: FromHeader("X-Subscription-ID"),
				Policy:            tt.policy,
			})
			rec := serve(mw(okHandler(t)), tt.id)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.want == http.StatusOK {
				assert.Equal(t, "bi-weekly", rec.Header().Get("X-Subscription-Tier"))
			} else {
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestMiddleware_PaidInvoiceAdmits(t *testing.T) {
	manager := setupTestManager(t)
	_, err := manager.MarkInvoicePaid(context.Background(), "sub-1", gocycle.MustParseMonthKey("2025-08"), "EFT-1")
	require.NoError(t, err)

	mw := Middleware(Config{
		Manager:           manager,
		GetSubscriptionID: FromHeader("X-Subscription-ID"),
		Policy:            gocycle.AccessPolicy{RequirePaid: true},
	})
	assert.Equal(t, http.StatusOK, serve(mw(okHandler(t)), "sub-1").Code)
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	manager := setupTestManager(t)

	var denied error
	mw := Middleware(Config{
		Manager:           manager,
		GetSubscriptionID: FromHeader("X-Subscription-ID"),
		OnUnauthorized: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		},
		OnDenied: func(w http.ResponseWriter, _ *http.Request, err error) {
			denied = err
			w.WriteHeader(http.StatusGone)
		},
	})
	h := mw(okHandler(t))

	assert.Equal(t, http.StatusTeapot, serve(h, "").Code)
	assert.Equal(t, http.StatusGone, serve(h, "sub-2").Code)
	assert.ErrorIs(t, denied, gocycle.ErrSubscriptionInactive)
}

func TestMiddleware_StorageError(t *testing.T) {
	manager, err := gocycle.NewManager(&brokenStorage{Storage: memory.New()}, nil)
	require.NoError(t, err)

	var gotErr error
	h := Middleware(Config{
		Manager:           manager,
		GetSubscriptionID: FromHeader("X-Subscription-ID"),
	})(okHandler(t))
	assert.Equal(t, http.StatusInternalServerError, serve(h, "sub-1").Code)

	h = Middleware(Config{
		Manager:           manager,
		GetSubscriptionID: FromHeader("X-Subscription-ID"),
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			gotErr = err
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})(okHandler(t))
	assert.Equal(t, http.StatusServiceUnavailable, serve(h, "sub-1").Code)
	assert.EqualError(t, gotErr, "connection refused")
}

func TestMiddleware_RequiresConfig(t *testing.T) {
	manager := setupTestManager(t)
	assert.Panics(t, func() { Middleware(Config{GetSubscriptionID: FromHeader("X")}) })
	assert.Panics(t, func() { Middleware(Config{Manager: manager}) })
}

func TestHandlerFunc(t *testing.T) {
	manager := setupTestManager(t)
	wrap := HandlerFunc(Config{Manager: manager, GetSubscriptionID: FromQuery("sub")})

	h := wrap(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/?sub=sub-1", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestFromContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, FromContext(SubscriptionIDKey)(req))

	req = req.WithContext(context.WithValue(req.Context(), SubscriptionIDKey, "sub-1"))
	assert.Equal(t, "sub-1", FromContext(SubscriptionIDKey)(req))
}

func TestDeniedStatus(t *testing.T) {
	status, denied := DeniedStatus(gocycle.ErrInvoiceUnpaid)
	assert.True(t, denied)
	assert.Equal(t, http.StatusPaymentRequired, status)

	_, denied = DeniedStatus(errors.New("timeout"))
	assert.False(t, denied)
}
