// Package http provides net/http middleware that admits only subscribers
// in good standing.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// SubscriptionIDExtractor extracts the subscription ID from an HTTP request.
// Return empty string if the caller is not identified.
type SubscriptionIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Manager is the billing manager instance (required)
	Manager *gocycle.Manager

	// GetSubscriptionID extracts the subscription ID from the request (required)
	GetSubscriptionID SubscriptionIDExtractor

	// Policy restricts tiers and can require the current invoice to be paid
	Policy gocycle.AccessPolicy

	// OnUnauthorized is called when no subscription ID is present.
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnDenied is called when the subscription is missing, inactive, unpaid
	// or of a disallowed tier. If nil, returns 402 Payment Required
	// (403 Forbidden for a disallowed tier)
	OnDenied func(w http.ResponseWriter, r *http.Request, err error)

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that requires an active subscription.
// The subscription is stored in the request context; read it with
// SubscriptionFromContext.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Manager == nil {
		panic("gocycle/http: Config.Manager is required")
	}
	if config.GetSubscriptionID == nil {
		panic("gocycle/http: Config.GetSubscriptionID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := config.GetSubscriptionID(r)
			if id == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeError(w, http.StatusUnauthorized, "Unauthorized")
				}
				return
			}

			sub, err := config.Manager.CheckAccess(r.Context(), id, config.Policy)
			if err != nil {
				if status, denied := DeniedStatus(err); denied {
					if config.OnDenied != nil {
						config.OnDenied(w, r, err)
					} else {
						writeError(w, status, err.Error())
					}
				} else if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeError(w, http.StatusInternalServerError, "Internal Server Error")
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSubscription(r.Context(), sub)))
		})
	}
}

// HandlerFunc is Middleware for http.HandlerFunc chains
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// DeniedStatus maps an access failure to its HTTP status. It reports false
// for errors that are not access decisions (storage failures).
func DeniedStatus(err error) (int, bool) {
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

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// SubscriptionIDKey is the context key auth middleware can store the subscription ID under
	SubscriptionIDKey ContextKey = "gocycle:subscriptionID"

	subscriptionKey ContextKey = "gocycle:subscription"
)

// WithSubscription returns a copy of ctx carrying sub
func WithSubscription(ctx context.Context, sub *gocycle.Subscription) context.Context {
	return context.WithValue(ctx, subscriptionKey, sub)
}

// SubscriptionFromContext returns the subscription stored by Middleware
func SubscriptionFromContext(ctx context.Context) (*gocycle.Subscription, bool) {
	sub, ok := ctx.Value(subscriptionKey).(*gocycle.Subscription)
	return sub, ok
}

// FromContext returns a SubscriptionIDExtractor that reads the request context
func FromContext(key ContextKey) SubscriptionIDExtractor {
	return func(r *http.Request) string {
		if id, ok := r.Context().Value(key).(string); ok {
			return id
		}
		return ""
	}
}

// FromHeader returns a SubscriptionIDExtractor that reads a header
func FromHeader(headerName string) SubscriptionIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromQuery returns a SubscriptionIDExtractor that reads a query parameter
func FromQuery(name string) SubscriptionIDExtractor {
	return func(r *http.Request) string {
		return r.URL.Query().Get(name)
	}
}
