package echo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
	"github.com/mihaimyh/gocycle/storage/memory"
)

// errorStorage fails every subscription lookup
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) GetSubscription(context.Context, string) (*gocycle.Subscription, error) {
	return nil, errors.New("connection refused")
}

// setupTestManager returns a manager at 2025-08-10 with an active bi-weekly
// "sub-1" and a cancelled "sub-2"
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

func newServer(cfg Config) *echo.Echo {
	e := echo.New()
	e.GET("/deliveries/:sub", func(c echo.Context) error {
		sub, ok := SubscriptionFrom(c)
		if !ok {
			return c.NoContent(http.StatusTeapot)
		}
		return c.JSON(http.StatusOK, map[string]string{"tier": string(sub.Tier)})
	}, Middleware(cfg))
	return e
}

func get(e *echo.Echo, path, subscriptionID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	if subscriptionID != "" {
		req.Header.Set("X-Subscription-ID", subscriptionID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
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
			e := newServer(Config{
				Manager:           manager,
				GetSubscriptionID: FromHeader("X-Subscription-ID"),
				Policy:            tt.policy,
			})
			rec := get(e, "/deliveries/x", tt.id)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.want == http.StatusOK {
				assert.JSONEq(t, `{"tier":"bi-weekly"}`, rec.Body.String())
			}
		})
	}
}

func TestMiddleware_PaidInvoiceAdmits(t *testing.T) {
	manager := setupTestManager(t)
	_, err := manager.MarkInvoicePaid(context.Background(), "sub-1", gocycle.MustParseMonthKey("2025-08"), "EFT-7")
	require.NoError(t, err)

	e := newServer(Config{
		Manager:           manager,
		GetSubscriptionID: FromParam("sub"),
		Policy:            gocycle.AccessPolicy{RequirePaid: true},
	})
	assert.Equal(t, http.StatusOK, get(e, "/deliveries/sub-1", "").Code)
}

func TestMiddleware_Extractors(t *testing.T) {
	manager := setupTestManager(t)

	e := newServer(Config{Manager: manager, GetSubscriptionID: FromQuery("sub")})
	assert.Equal(t, http.StatusOK, get(e, "/deliveries/x?sub=sub-1", "").Code)

	e = echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("SubscriptionID", "sub-1")
			return next(c)
		}
	})
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) },
		Middleware(Config{Manager: manager, GetSubscriptionID: FromContext("SubscriptionID")}))
	assert.Equal(t, http.StatusNoContent, get(e, "/", "").Code)
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	var denied error
	e := newServer(Config{
		Manager:           setupTestManager(t),
		GetSubscriptionID: FromHeader("X-Subscription-ID"),
		OnUnauthorized: func(c echo.Context) error {
			return c.String(http.StatusForbidden, "login first")
		},
		OnDenied: func(c echo.Context, err error) error {
			denied = err
			return c.String(http.StatusGone, "resubscribe")
		},
	})

	rec := get(e, "/deliveries/x", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "login first", rec.Body.String())

	assert.Equal(t, http.StatusGone, get(e, "/deliveries/x", "sub-9").Code)
	assert.ErrorIs(t, denied, gocycle.ErrSubscriptionNotFound)
}

func TestMiddleware_StorageError(t *testing.T) {
	manager, err := gocycle.NewManager(&errorStorage{Storage: memory.New()}, nil)
	require.NoError(t, err)

	e := newServer(Config{Manager: manager, GetSubscriptionID: FromHeader("X-Subscription-ID")})
	rec := get(e, "/deliveries/x", "sub-1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal Server Error"}`, rec.Body.String())

	var gotErr error
	e = newServer(Config{
		Manager:           manager,
		GetSubscriptionID: FromHeader("X-Subscription-ID"),
		OnError: func(c echo.Context, err error) error {
			gotErr = err
			return c.NoContent(http.StatusServiceUnavailable)
		},
	})
	assert.Equal(t, http.StatusServiceUnavailable, get(e, "/deliveries/x", "sub-1").Code)
	assert.EqualError(t, gotErr, "connection refused")
}

func TestMiddleware_RequiresConfig(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{GetSubscriptionID: FromHeader("X")}) })
	assert.Panics(t, func() { Middleware(Config{Manager: setupTestManager(t)}) })
}
