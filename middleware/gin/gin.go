// Package gin provides Gin middleware that admits only subscribers in good standing
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// SubscriptionKey is the Gin context key the admitted subscription is stored under
const SubscriptionKey = "gocycle.subscription"

// SubscriptionIDExtractor extracts the subscription ID from a Gin context.
// Return empty string if the caller is not identified.
type SubscriptionIDExtractor func(c *gongin.Context) string

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
	OnUnauthorized func(c *gongin.Context)

	// OnDenied is called when access is refused.
	// If nil, returns 402 Payment Required (403 Forbidden for a disallowed tier)
	OnDenied func(c *gongin.Context, err error)

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that requires an active subscription
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Manager == nil {
		panic("gocycle/gin: Config.Manager is required")
	}
	if cfg.GetSubscriptionID == nil {
		panic("gocycle/gin: Config.GetSubscriptionID is required")
	}

	return func(c *gongin.Context) {
		id := cfg.GetSubscriptionID(c)
		if id == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		sub, err := cfg.Manager.CheckAccess(c.Request.Context(), id, cfg.Policy)
		if err != nil {
			if status, denied := deniedStatus(err); denied {
				if cfg.OnDenied != nil {
					cfg.OnDenied(c, err)
				} else {
					c.JSON(status, gongin.H{"error": err.Error()})
				}
			} else if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c)
			}
			c.Abort()
			return
		}

		c.Set(SubscriptionKey, sub)
		c.Next()
	}
}

// SubscriptionFrom returns the subscription admitted by Middleware
func SubscriptionFrom(c *gongin.Context) (*gocycle.Subscription, bool) {
	val, exists := c.Get(SubscriptionKey)
	if !exists {
		return nil, false
	}
	sub, ok := val.(*gocycle.Subscription)
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

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultError(c *gongin.Context) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Convenience extractors for the subscription ID

// FromContext returns a SubscriptionIDExtractor that reads Gin context values,
// for auth middleware that calls c.Set("SubscriptionID", "...").
//
// Example:
//
//	GetSubscriptionID: gin.FromContext("SubscriptionID")
func FromContext(key string) SubscriptionIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader returns a SubscriptionIDExtractor that reads a header
func FromHeader(headerName string) SubscriptionIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a SubscriptionIDExtractor that reads a route parameter
func FromParam(paramName string) SubscriptionIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a SubscriptionIDExtractor that reads a query parameter
func FromQuery(queryName string) SubscriptionIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}
