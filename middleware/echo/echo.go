// Package echo provides Echo middleware that admits only subscribers in good standing
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// SubscriptionKey is the Echo context key the admitted subscription is stored under
const SubscriptionKey = "gocycle.subscription"

// SubscriptionIDExtractor extracts the subscription ID from an Echo context.
// Return empty string if the caller is not identified.
type SubscriptionIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Manager is the billing manager instance (required)
	Manager *gocycle.Manager

	// GetSubscriptionID extracts the subscription ID from context (required)
	GetSubscriptionID SubscriptionIDExtractor

	// Policy restricts tiers and can require the current invoice to be paid
	Policy gocycle.AccessPolicy

	// OnUnauthorized is called when no subscription ID is present.
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnDenied is called when access is refused.
	// If nil, returns 402 Payment Required (403 Forbidden for a disallowed tier)
	OnDenied func(c echo.Context, err error) error

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that requires an active subscription
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Manager == nil {
		panic("gocycle/echo: Config.Manager is required")
	}
	if cfg.GetSubscriptionID == nil {
		panic("gocycle/echo: Config.GetSubscriptionID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := cfg.GetSubscriptionID(c)
			if id == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			sub, err := cfg.Manager.CheckAccess(c.Request().Context(), id, cfg.Policy)
			if err != nil {
				if status, denied := deniedStatus(err); denied {
					if cfg.OnDenied != nil {
						return cfg.OnDenied(c, err)
					}
					return c.JSON(status, map[string]string{"error": err.Error()})
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c)
			}

			c.Set(SubscriptionKey, sub)
			return next(c)
		}
	}
}

// SubscriptionFrom returns the subscription admitted by Middleware
func SubscriptionFrom(c echo.Context) (*gocycle.Subscription, bool) {
	sub, ok := c.Get(SubscriptionKey).(*gocycle.Subscription)
	return sub, ok
}

func deniedStatus(err error) (int, bool) {
	switch {
	case errors.Is(err, gocycle.ErrTierNotAllowed):
		return http.StatusForbidden, true
	case errors.Is(err, gocycle.ErrSubscriptionNotFound),
		errors.Is(err, gocycle.ErrSubscriptionInactive),
		errors.Is(err, gocycle.ErrInvoiceUnpaid):
		return http.StatusPaymentRequired, true
	}
	return 0, false
}

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultError(c echo.Context) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// FromContext returns a SubscriptionIDExtractor that reads Echo context values
// set by earlier middleware with c.Set(key, id)
func FromContext(key string) SubscriptionIDExtractor {
	return func(c echo.Context) string {
		if id, ok := c.Get(key).(string); ok {
			return id
		}
		return ""
	}
}

// FromHeader returns a SubscriptionIDExtractor that reads a header
func FromHeader(headerName string) SubscriptionIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a SubscriptionIDExtractor that reads a route parameter
func FromParam(paramName string) SubscriptionIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a SubscriptionIDExtractor that reads a query parameter
func FromQuery(queryName string) SubscriptionIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}
