package fiber

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
	"github.com/mihaimyh/gocycle/storage/memory"
)

type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) GetSubscription(context.Context, string) (*gocycle.Subscription, error) {
	return nil, errors.New("connection refused")
}

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

func newApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Get("/deliveries/:sub", Middleware(cfg), func(c *fiber.Ctx) error {
		sub, ok := SubscriptionFrom(c)
		if !ok {
			return c.SendStatus(fiber.StatusTeapot)
		}
		return c.JSON(fiber.Map{"tier": sub.Tier})
	})
	return app
}

func do(t *testing.T, app *fiber.App, path, subscriptionID string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	if subscriptionID != "" {
		req.Header.Set("X-Subscription-ID", subscriptionID)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestMiddleware_Statuses(t *testing.T) {
	manager := setupTestManager(t)

	tests := []struct {
		name   string
		policy gocycle.AccessPolicy
		id     string
		want   int
	}{
		{"active", gocycle.AccessPolicy{}, "sub-1", fiber.StatusOK},
		{"missing id", gocycle.AccessPolicy{}, "", fiber.StatusUnauthorized},
		{"unknown", gocycle.AccessPolicy{}, "sub-9", fiber.StatusPaymentRequired},
		{"cancelled", gocycle.AccessPolicy{}, "sub-2", fiber.StatusPaymentRequired},
		{"unpaid", gocycle.AccessPolicy{RequirePaid: true}, "sub-1", fiber.StatusPaymentRequired},
		{"tier", gocycle.AccessPolicy{Tiers: []gocycle.Tier{gocycle.TierMonthly}}, "sub-1", fiber.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newApp(Config{
				Manager:           manager,
				GetSubscriptionID: FromHeader("X-Subscription-ID"),
				Policy:            tt.policy,
			})
			status, body := do(t, app, "/deliveries/x", tt.id)
			assert.Equal(t, tt.want, status, body)
			if tt.want == fiber.StatusOK {
				assert.JSONEq(t, `{"tier":"bi-weekly"}`, body)
			}
		})
	}
}

func TestMiddleware_Extractors(t *testing.T) {
	manager := setupTestManager(t)

	status, _ := do(t, newApp(Config{Manager: manager, GetSubscriptionID: FromParam("sub")}), "/deliveries/sub-1", "")
	assert.Equal(t, fiber.StatusOK, status)

	status, _ = do(t, newApp(Config{Manager: manager, GetSubscriptionID: FromQuery("sub")}), "/deliveries/x?sub=sub-2", "")
	assert.Equal(t, fiber.StatusPaymentRequired, status)

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("SubscriptionID", "sub-1")
		return c.Next()
	})
	app.Get("/", Middleware(Config{Manager: manager, GetSubscriptionID: FromContext("SubscriptionID")}),
		func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })
	status, _ = do(t, app, "/", "")
	assert.Equal(t, fiber.StatusNoContent, status)
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	var denied error
	app := newApp(Config{
		Manager:           setupTestManager(t),
		GetSubscriptionID: FromHeader("X-Subscription-ID"),
		Policy:            gocycle.AccessPolicy{RequirePaid: true},
		OnUnauthorized: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusForbidden).SendString("login first")
		},
		OnDenied: func(c *fiber.Ctx, err error) error {
			denied = err
			return c.SendStatus(fiber.StatusGone)
		},
	})

	status, body := do(t, app, "/deliveries/x", "")
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, "login first", body)

	status, _ = do(t, app, "/deliveries/x", "sub-1")
	assert.Equal(t, fiber.StatusGone, status)
	assert.ErrorIs(t, denied, gocycle.ErrInvoiceUnpaid)
}

func TestMiddleware_StorageError(t *testing.T) {
	manager, err := gocycle.NewManager(&errorStorage{Storage: memory.New()}, nil)
	require.NoError(t, err)

	status, body := do(t, newApp(Config{Manager: manager, GetSubscriptionID: FromHeader("X-Subscription-ID")}), "/deliveries/x", "sub-1")
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.JSONEq(t, `{"error":"Internal Server Error"}`, body)

	var gotErr error
	app := newApp(Config{
		Manager:           manager,
		GetSubscriptionID: FromHeader("X-Subscription-ID"),
		OnError: func(c *fiber.Ctx, err error) error {
			gotErr = err
			return c.SendStatus(fiber.StatusServiceUnavailable)
		},
	})
	status, _ = do(t, app, "/deliveries/x", "sub-1")
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.EqualError(t, gotErr, "connection refused")
}

func TestMiddleware_RequiresConfig(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{GetSubscriptionID: FromHeader("X")}) })
	assert.Panics(t, func() { Middleware(Config{Manager: setupTestManager(t)}) })
}
