// Package firestore provides a Firestore implementation of the gocycle.Storage interface.
// Invoices are keyed by subscription and cycle month, and created with
// Create so a second write for the same cycle fails with AlreadyExists.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// Storage implements gocycle.Storage using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
	invoicesCollection      string
	settingsCollection      string
}

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection is the Firestore collection for subscriptions
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// InvoicesCollection is the Firestore collection for invoices
	// Default: "billing_invoices"
	InvoicesCollection string

	// SettingsCollection is the Firestore collection for per-customer billing settings
	// Default: "billing_settings"
	SettingsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}
	if config.InvoicesCollection == "" {
		config.InvoicesCollection = "billing_invoices"
	}
	if config.SettingsCollection == "" {
		config.SettingsCollection = "billing_settings"
	}

	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		invoicesCollection:      config.InvoicesCollection,
		settingsCollection:      config.SettingsCollection,
	}, nil
}

// GetSubscription implements gocycle.Storage
func (s *Storage) GetSubscription(ctx context.Context, id string) (*gocycle.Subscription, error) {
	snap, err := s.subscriptionDoc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, gocycle.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, gocycle.ErrSubscriptionNotFound
	}
	return subscriptionFromData(snap.Ref.ID, snap.Data())
}

// SetSubscription implements gocycle.Storage
func (s *Storage) SetSubscription(ctx context.Context, sub *gocycle.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	// Full overwrite so cleared fields do not linger
	if _, err := s.subscriptionDoc(sub.ID).Set(ctx, subscriptionData(sub)); err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

// UpdateSubscription implements gocycle.Storage. The version is compared
// inside a transaction, which Firestore aborts if the document changes.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *gocycle.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	doc := s.subscriptionDoc(sub.ID)
	next := *sub
	next.Version++
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if status.Code(err) == codes.NotFound || (err == nil && !snap.Exists()) {
			if sub.Version != 0 {
				return gocycle.ErrSubscriptionNotFound
			}
			return tx.Create(doc, subscriptionData(&next))
		}
		if err != nil {
			return err
		}
		if getInt64(snap.Data(), "version") != sub.Version {
			return gocycle.ErrSubscriptionConflict
		}
		return tx.Set(doc, subscriptionData(&next))
	})
	switch {
	case errors.Is(err, gocycle.ErrSubscriptionConflict), errors.Is(err, gocycle.ErrSubscriptionNotFound):
		return err
	case status.Code(err) == codes.AlreadyExists:
		return gocycle.ErrSubscriptionConflict
	case err != nil:
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	sub.Version = next.Version
	return nil
}

// ListSubscriptions implements gocycle.Storage
func (s *Storage) ListSubscriptions(ctx context.Context, st gocycle.SubscriptionStatus) ([]*gocycle.Subscription, error) {
	snaps, err := s.client.Collection(s.subscriptionsCollection).
		Where("status", "==", string(st)).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	out := make([]*gocycle.Subscription, 0, len(snaps))
	for _, snap := range snaps {
		sub, err := subscriptionFromData(snap.Ref.ID, snap.Data())
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	slices.SortFunc(out, func(a, b *gocycle.Subscription) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// CreateInvoice implements gocycle.Storage
func (s *Storage) CreateInvoice(ctx context.Context, inv *gocycle.Invoice) error {
	if inv == nil || inv.SubscriptionID == "" || !inv.CycleMonth.Valid() {
		return fmt.Errorf("invalid invoice")
	}

	_, err := s.invoiceDoc(inv.SubscriptionID, inv.CycleMonth).Create(ctx, invoiceData(inv))
	if status.Code(err) == codes.AlreadyExists {
		return gocycle.ErrInvoiceExists
	}
	if err != nil {
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

// GetInvoice implements gocycle.Storage
func (s *Storage) GetInvoice(ctx context.Context, subscriptionID string, month gocycle.MonthKey) (*gocycle.Invoice, error) {
	snap, err := s.invoiceDoc(subscriptionID, month).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, gocycle.ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	if !snap.Exists() {
		return nil, gocycle.ErrInvoiceNotFound
	}
	return invoiceFromData(snap.Ref.ID, snap.Data())
}

// UpdateInvoice implements gocycle.Storage
func (s *Storage) UpdateInvoice(ctx context.Context, inv *gocycle.Invoice) error {
	if inv == nil {
		return fmt.Errorf("invalid invoice")
	}

	doc := s.invoiceDoc(inv.SubscriptionID, inv.CycleMonth)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(doc); err != nil {
			if status.Code(err) == codes.NotFound {
				return gocycle.ErrInvoiceNotFound
			}
			return err
		}
		return tx.Set(doc, invoiceData(inv))
	})
	if errors.Is(err, gocycle.ErrInvoiceNotFound) {
		return gocycle.ErrInvoiceNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	return nil
}

// TransitionInvoice implements gocycle.Storage
func (s *Storage) TransitionInvoice(ctx context.Context, inv *gocycle.Invoice, from gocycle.InvoiceStatus) error {
	if inv == nil {
		return fmt.Errorf("invalid invoice")
	}

	doc := s.invoiceDoc(inv.SubscriptionID, inv.CycleMonth)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return gocycle.ErrInvoiceNotFound
			}
			return err
		}
		if getString(snap.Data(), "status") != string(from) {
			return gocycle.ErrInvoiceConflict
		}
		return tx.Set(doc, invoiceData(inv))
	})
	switch {
	case errors.Is(err, gocycle.ErrInvoiceNotFound), errors.Is(err, gocycle.ErrInvoiceConflict):
		return err
	case err != nil:
		return fmt.Errorf("failed to transition invoice: %w", err)
	}
	return nil
}

// ListInvoices implements gocycle.Storage
func (s *Storage) ListInvoices(ctx context.Context, subscriptionID string) ([]*gocycle.Invoice, error) {
	snaps, err := s.client.Collection(s.invoicesCollection).
		Where("subscriptionId", "==", subscriptionID).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}

	out := make([]*gocycle.Invoice, 0, len(snaps))
	for _, snap := range snaps {
		inv, err := invoiceFromData(snap.Ref.ID, snap.Data())
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	// Sorted client-side to avoid a composite index
	gocycle.SortInvoices(out)
	return out, nil
}

// GetBillingSettings implements gocycle.Storage
func (s *Storage) GetBillingSettings(ctx context.Context, customerID string) (*gocycle.BillingSettings, error) {
	snap, err := s.client.Collection(s.settingsCollection).Doc(customerID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil // No settings yet is not an error
		}
		return nil, fmt.Errorf("failed to get billing settings: %w", err)
	}
	if !snap.Exists() {
		return nil, nil
	}

	data := snap.Data()
	approved, _ := data["bankTransferApproved"].(bool)
	return &gocycle.BillingSettings{
		CustomerID:           customerID,
		BankTransferApproved: approved,
		UpdatedAt:            getTime(data, "updatedAt"),
	}, nil
}

// SetBillingSettings implements gocycle.Storage
func (s *Storage) SetBillingSettings(ctx context.Context, settings *gocycle.BillingSettings) error {
	if settings == nil || settings.CustomerID == "" {
		return fmt.Errorf("invalid billing settings")
	}

	_, err := s.client.Collection(s.settingsCollection).Doc(settings.CustomerID).Set(ctx, map[string]interface{}{
		"bankTransferApproved": settings.BankTransferApproved,
		"updatedAt":            settings.UpdatedAt,
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to set billing settings: %w", err)
	}
	return nil
}

// Now implements gocycle.TimeSource by stamping a document with the server time
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	doc := s.client.Collection(s.settingsCollection).Doc("_clock")
	result, err := doc.Set(ctx, map[string]interface{}{"now": firestore.ServerTimestamp})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get firestore time: %w", err)
	}
	return result.UpdateTime.UTC(), nil
}

func (s *Storage) subscriptionDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(s.subscriptionsCollection).Doc(id)
}

// invoiceDoc returns the document reference of a subscription's invoice for a cycle
func (s *Storage) invoiceDoc(subscriptionID string, month gocycle.MonthKey) *firestore.DocumentRef {
	// Structure: billing_invoices/{subscriptionID}_{YYYY-MM}
	return s.client.Collection(s.invoicesCollection).Doc(gocycle.InvoiceID(subscriptionID, month))
}

func subscriptionData(sub *gocycle.Subscription) map[string]interface{} {
	changes := make([]interface{}, 0, len(sub.SlotChanges))
	for _, c := range sub.SlotChanges {
		changes = append(changes, map[string]interface{}{
			"from":  c.From.String(),
			"slots": gocycle.SlotStrings(c.Slots),
		})
	}
	data := map[string]interface{}{
		"customerId":        sub.CustomerID,
		"tier":              string(sub.Tier),
		"slots":             gocycle.SlotStrings(sub.Slots),
		"slotChanges":       changes,
		"perDeliveryAmount": sub.PerDeliveryAmount,
		"paymentMethod":     string(sub.PaymentMethod),
		"status":            string(sub.Status),
		"startMonth":        sub.StartMonth.String(),
		"billedThrough":     sub.BilledThrough.String(),
		"version":           sub.Version,
		"createdAt":         sub.CreatedAt,
		"updatedAt":         sub.UpdatedAt,
	}
	if sub.CancelledAt != nil {
		data["cancelledAt"] = *sub.CancelledAt
	}
	return data
}

func invoiceData(inv *gocycle.Invoice) map[string]interface{} {
	data := map[string]interface{}{
		"subscriptionId":    inv.SubscriptionID,
		"customerId":        inv.CustomerID,
		"cycleMonth":        inv.CycleMonth.String(),
		"tier":              string(inv.Tier),
		"perDeliveryAmount": inv.PerDeliveryAmount.String(),
		"amount":            inv.Amount.StringFixed(2),
		"cycleAmount":       inv.CycleAmount.StringFixed(2),
		"chargedDeliveries": inv.ChargedDeliveries,
		"totalDeliveries":   inv.TotalDeliveries,
		"isProrated":        inv.IsProrated,
		"deliveryDates":     inv.DeliveryDates,
		"paymentMethod":     string(inv.PaymentMethod),
		"status":            string(inv.Status),
		"paymentUrl":        inv.PaymentURL,
		"paymentReference":  inv.PaymentReference,
		"createdAt":         inv.CreatedAt,
	}
	if inv.PaidAt != nil {
		data["paidAt"] = *inv.PaidAt
	}
	return data
}

func invoiceFromData(id string, data map[string]interface{}) (*gocycle.Invoice, error) {
	month, err := gocycle.ParseMonthKey(getString(data, "cycleMonth"))
	if err != nil {
		return nil, err
	}

	inv := &gocycle.Invoice{
		ID:                id,
		SubscriptionID:    getString(data, "subscriptionId"),
		CustomerID:        getString(data, "customerId"),
		CycleMonth:        month,
		Tier:              gocycle.Tier(getString(data, "tier")),
		ChargedDeliveries: getInt(data, "chargedDeliveries"),
		TotalDeliveries:   getInt(data, "totalDeliveries"),
		DeliveryDates:     getStrings(data, "deliveryDates"),
		PaymentMethod:     gocycle.PaymentMethod(getString(data, "paymentMethod")),
		Status:            gocycle.InvoiceStatus(getString(data, "status")),
		PaymentURL:        getString(data, "paymentUrl"),
		PaymentReference:  getString(data, "paymentReference"),
		CreatedAt:         getTime(data, "createdAt"),
	}
	inv.IsProrated, _ = data["isProrated"].(bool)

	if inv.PerDeliveryAmount, err = getDecimal(data, "perDeliveryAmount"); err != nil {
		return nil, err
	}
	if inv.Amount, err = getDecimal(data, "amount"); err != nil {
		return nil, err
	}
	if inv.CycleAmount, err = getDecimal(data, "cycleAmount"); err != nil {
		return nil, err
	}
	if paidAt, ok := data["paidAt"].(time.Time); ok && !paidAt.IsZero() {
		inv.PaidAt = &paidAt
	}
	return inv, nil
}

func subscriptionFromData(id string, data map[string]interface{}) (*gocycle.Subscription, error) {
	sub := &gocycle.Subscription{
		ID:                id,
		CustomerID:        getString(data, "customerId"),
		Tier:              gocycle.Tier(getString(data, "tier")),
		Slots:             gocycle.SlotsFromStrings(getStrings(data, "slots")),
		PerDeliveryAmount: getFloat(data, "perDeliveryAmount"),
		PaymentMethod:     gocycle.PaymentMethod(getString(data, "paymentMethod")),
		Status:            gocycle.SubscriptionStatus(getString(data, "status")),
		Version:           getInt64(data, "version"),
		CreatedAt:         getTime(data, "createdAt"),
		UpdatedAt:         getTime(data, "updatedAt"),
	}
	if raw, ok := data["slotChanges"].([]interface{}); ok {
		for _, v := range raw {
			m, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			from, err := gocycle.ParseMonthKey(getString(m, "from"))
			if err != nil {
				return nil, err
			}
			sub.SlotChanges = append(sub.SlotChanges, gocycle.SlotChange{
				From:  from,
				Slots: gocycle.SlotsFromStrings(getStrings(m, "slots")),
			})
		}
	}
	if err := sub.StartMonth.UnmarshalText([]byte(getString(data, "startMonth"))); err != nil {
		return nil, err
	}
	if err := sub.BilledThrough.UnmarshalText([]byte(getString(data, "billedThrough"))); err != nil {
		return nil, err
	}
	if cancelledAt, ok := data["cancelledAt"].(time.Time); ok && !cancelledAt.IsZero() {
		sub.CancelledAt = &cancelledAt
	}
	return sub, nil
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getStrings(data map[string]interface{}, key string) []string {
	raw, ok := data[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getFloat(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// getDecimal reads an amount stored as a decimal string
func getDecimal(data map[string]interface{}, key string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(getString(data, key))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
