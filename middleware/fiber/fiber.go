// Package fiber provides Fiber middleware that admits only subscribers in good standing
package fiber

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// SubscriptionKey is the Locals key the admitted subscription is stored under
const SubscriptionKey = "gocycle.subscription"

// SubscriptionIDExtractor extracts the subscription ID from a Fiber context.
// Return empty string if the caller is not identified.
type SubscriptionIDExtractor func(c *fiber.Ctx) string

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
	OnUnauthorized func(c *fiber.Ctx) error

	// OnDenied is called when access is refused.
	// If nil, returns 402 Payment Required (403 Forbidden for a disallowed tier)
	OnDenied func(c *fiber.Ctx, err error) error

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that requires an active subscription
func Middleware(cfg Config) fiber.Handler {
	if cfg.Manager == nil {
		panic("gocycle/fiber: Config.Manager is required")
	}
	if cfg.GetSubscriptionID == nil {
		panic("gocycle/fiber: Config.GetSubscriptionID is required")
	}

	return func(c *fiber.Ctx) error {
		id := cfg.GetSubscriptionID(c)
		if id == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		sub, err := cfg.Manager.CheckAccess(c.UserContext(), id, cfg.Policy)
		if err != nil {
			if status, denied := deniedStatus(err); denied {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, err)
				}
				return c.Status(status).JSON(fiber.Map{"error": err.Error()})
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		c.Locals(SubscriptionKey, sub)
		return c.Next()
	}
}

// SubscriptionFrom returns the subscription admitted by Middleware
func SubscriptionFrom(c *fiber.Ctx) (*gocycle.Subscription, bool) {
	sub, ok := c.Locals(SubscriptionKey).(*gocycle.Subscription)
	return sub, ok
}

func deniedStatus(err error) (int, bool) {
	switch {
	case errors.Is(err, gocycle.ErrTierNotAllowed):
		return fiber.StatusForbidden, true
	case errors.Is(err, gocycle.ErrSubscriptionNotFound),
		errors.Is(err, gocycle.ErrSubscriptionInactive),
		errors.Is(err, gocycle.ErrInvoiceUnpaid):
		return fiber.StatusPaymentRequired, true
	}
	return 0, false
}

// FromContext returns a SubscriptionIDExtractor that reads Fiber Locals,
// for auth middleware that calls c.Locals("SubscriptionID", id)
func FromContext(key string) SubscriptionIDExtractor {
	return func(c *fiber.Ctx) string {
		if id, ok := c.Locals(key).(string); ok {
			return id
		}
		return ""
	}
}

// FromHeader returns a SubscriptionIDExtractor that reads a header.
// Fiber v2 uses c.Get() for headers.
func FromHeader(headerName string) SubscriptionIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a SubscriptionIDExtractor that reads a route parameter
func FromParam(paramName string) SubscriptionIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns a SubscriptionIDExtractor that reads a query parameter
func FromQuery(queryName string) SubscriptionIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}
