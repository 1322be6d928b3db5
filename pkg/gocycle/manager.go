package gocycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Manager is the authoritative side of subscription billing: it prices and
// issues invoices with the same calculation the storefront previews with.
type Manager struct {
	storage  Storage
	config   Config
	calendar *Calendar
	logger   Logger
	metrics  Metrics
	notifier Notifier
}

// NewManager creates a new billing manager with the given storage and configuration
func NewManager(storage Storage, config *Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if config == nil {
		config = &Config{}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg := *config
	if cfg.Timezone == "" {
		cfg.Timezone = DefaultTimezone
	}
	if cfg.BillingConcurrency == 0 {
		cfg.BillingConcurrency = defaultBillingConcurrency
	}

	loc := BusinessLocation()
	if cfg.Timezone != DefaultTimezone {
		// Validate already proved it loads.
		loc, _ = time.LoadLocation(cfg.Timezone)
	}

	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cb := cfg.CircuitBreaker; cb != nil {
		threshold, timeout := cb.FailureThreshold, cb.ResetTimeout
		if threshold == 0 {
			threshold = defaultFailureThreshold
		}
		if timeout == 0 {
			timeout = defaultResetTimeout
		}
		metrics := cfg.Metrics
		storage = NewCircuitBreakerStorage(storage, NewDefaultCircuitBreaker(threshold, timeout,
			isStorageFailure, func(state CircuitBreakerState) {
				metrics.RecordCircuitBreakerStateChange(string(state))
			}))
	}

	m := &Manager{
		storage:  storage,
		config:   cfg,
		calendar: NewCalendar(loc),
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		notifier: cfg.Notifier,
	}
	if m.logger == nil {
		m.logger = &NoopLogger{}
	}
	if m.notifier == nil {
		m.notifier = &NoopNotifier{}
	}
	return m, nil
}

// SetPaymentLinker replaces the configured PaymentLinker. Providers that
// settle invoices through the manager are built after it, so they are
// attached here before the manager serves requests.
func (m *Manager) SetPaymentLinker(l PaymentLinker) {
	m.config.PaymentLinker = l
}

// Price returns the configured per-delivery amount for tier.
func (m *Manager) Price(tier Tier) (float64, bool) {
	price, ok := m.config.Prices[tier]
	return price, ok
}

// Calendar returns the calendar the manager prices with.
func (m *Manager) Calendar() *Calendar {
	return m.calendar
}

// Now returns the manager's notion of the current time.
func (m *Manager) Now(ctx context.Context) time.Time {
	if m.config.Clock != nil {
		return m.config.Clock()
	}
	if ts, ok := m.storage.(TimeSource); ok {
		now, err := ts.Now(ctx)
		if err == nil {
			return now
		}
		m.logger.Warn("storage time source failed, using local clock", Field{"error", err})
	}
	return time.Now()
}

// Preview computes an invoice preview and records it.
func (m *Manager) Preview(in PreviewInput) (*InvoicePreview, error) {
	p := m.calendar.CalculateInvoicePreview(in)
	if p == nil {
		return nil, ErrNoPreview
	}
	m.metrics.RecordPreview(string(in.Tier), p.IsProrated, p.StartsNextCycle)
	return p, nil
}

// CreateSubscriptionRequest describes a new subscription.
type CreateSubscriptionRequest struct {
	// ID is optional; a UUID is generated when empty
	ID         string
	CustomerID string
	Tier       Tier
	Slots      []MondaySlot

	// PerDeliveryAmount overrides Config.Prices for the tier when positive
	PerDeliveryAmount float64

	// PaymentMethod defaults to PaymentMethodCard
	PaymentMethod PaymentMethod
}

// CreateSubscription stores a new subscription and issues its first invoice,
// covering the remaining Mondays of this month or, when none remain, the
// whole next month.
func (m *Manager) CreateSubscription(ctx context.Context, req *CreateSubscriptionRequest) (*Subscription, *Invoice, error) {
	if req == nil || req.CustomerID == "" {
		return nil, nil, fmt.Errorf("%w: customer ID is required", ErrInvalidRequest)
	}
	if !req.Tier.Valid() {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidTier, req.Tier)
	}
	amount := req.PerDeliveryAmount
	if amount == 0 {
		amount = m.config.Prices[req.Tier]
	}
	if !validAmount(amount) {
		return nil, nil, fmt.Errorf("%w: no per-delivery amount for tier %s", ErrInvalidAmount, req.Tier)
	}
	method := req.PaymentMethod
	if method == "" {
		method = PaymentMethodCard
	}
	if !method.Valid() {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, method)
	}

	now := m.Now(ctx)
	slots := NormalizeSlots(req.Tier, req.Slots)
	preview, err := m.Preview(PreviewInput{
		Tier:              req.Tier,
		PerDeliveryAmount: amount,
		MondaySlots:       slots,
		Today:             now,
	})
	if err != nil {
		return nil, nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	sub := &Subscription{
		ID:                id,
		CustomerID:        req.CustomerID,
		Tier:              req.Tier,
		Slots:             slots,
		PerDeliveryAmount: amount,
		PaymentMethod:     method,
		Status:            SubscriptionStatusActive,
		StartMonth:        preview.CycleMonth,
		// The first cycle is committed at signup, invoice or not.
		BilledThrough: preview.CycleMonth,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.saveSubscription(ctx, sub); err != nil {
		if errors.Is(err, ErrSubscriptionConflict) {
			return nil, nil, fmt.Errorf("%w: %s already exists", ErrSubscriptionConflict, id)
		}
		return nil, nil, err
	}

	m.logger.Info("subscription created",
		Field{"subscription_id", sub.ID},
		Field{"customer_id", sub.CustomerID},
		Field{"tier", string(sub.Tier)},
		Field{"start_month", sub.StartMonth.String()},
	)

	inv, err := m.issue(ctx, sub, preview, now)
	if err != nil {
		return sub, nil, err
	}
	return sub, inv, nil
}

// GetSubscription returns a subscription.
func (m *Manager) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	start := time.Now()
	sub, err := m.storage.GetSubscription(ctx, id)
	m.metrics.RecordStorageOperation("get_subscription", time.Since(start), ignoreNotFound(err))
	return sub, err
}

// ChangeSlots schedules a new slot selection. It takes effect from the next
// cycle boundary that has not been invoiced yet, so every issued invoice
// keeps matching the deliveries it charged for.
func (m *Manager) ChangeSlots(ctx context.Context, subscriptionID string, slots []MondaySlot) (*Subscription, error) {
	var (
		from       MonthKey
		normalized []MondaySlot
	)
	sub, _, err := m.updateSubscription(ctx, subscriptionID, func(sub *Subscription, now time.Time) (bool, error) {
		if !sub.Active() {
			return false, fmt.Errorf("%w: %s", ErrSubscriptionInactive, subscriptionID)
		}
		normalized = NormalizeSlots(sub.Tier, slots)
		from = sub.ChangeFrom(m.calendar.NextCycleBoundary(now))
		return sub.ScheduleSlots(from, normalized), nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("delivery slots changed",
		Field{"subscription_id", sub.ID},
		Field{"slots", SlotStrings(normalized)},
		Field{"effective_from", from.String()},
	)
	return sub, nil
}

// CancelSubscription stops future billing. Issued invoices are untouched.
func (m *Manager) CancelSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	cancelled := false
	sub, _, err := m.updateSubscription(ctx, subscriptionID, func(sub *Subscription, now time.Time) (bool, error) {
		if !sub.Active() {
			return false, nil
		}
		sub.Status = SubscriptionStatusCancelled
		sub.CancelledAt = &now
		cancelled = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if cancelled {
		m.logger.Info("subscription cancelled", Field{"subscription_id", sub.ID})
	}
	return sub, nil
}

// IssueInvoice issues the invoice of a subscription for month k. Later
// cycles are billed in full; the start month is priced exactly as at signup.
// Issuing twice returns the invoice created first.
func (m *Manager) IssueInvoice(ctx context.Context, subscriptionID string, k MonthKey) (*Invoice, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMonth, k)
	}

	// Marking k billed in the same versioned write that read its slots keeps a
	// concurrent ChangeSlots from landing in k.
	var preview *InvoicePreview
	sub, now, err := m.updateSubscription(ctx, subscriptionID, func(sub *Subscription, _ time.Time) (bool, error) {
		if !sub.Active() {
			return false, fmt.Errorf("%w: %s", ErrSubscriptionInactive, subscriptionID)
		}
		if k.Before(sub.StartMonth) {
			return false, fmt.Errorf("%w: %s before %s", ErrCycleBeforeStart, k, sub.StartMonth)
		}
		preview = m.cyclePreview(sub, k)
		if preview == nil || preview.ChargedDeliveries == 0 {
			return false, ErrNoPreview
		}
		return sub.MarkBilled(k), nil
	})
	if err != nil {
		return nil, err
	}
	return m.issue(ctx, sub, preview, now)
}

// cyclePreview prices month k for sub. The start month is recomputed from
// the signup time so a reissued first invoice stays prorated.
func (m *Manager) cyclePreview(sub *Subscription, k MonthKey) *InvoicePreview {
	slots := sub.SlotsFor(k)
	if k == sub.StartMonth {
		p := m.calendar.CalculateInvoicePreview(PreviewInput{
			Tier:              sub.Tier,
			PerDeliveryAmount: sub.PerDeliveryAmount,
			MondaySlots:       slots,
			Today:             sub.CreatedAt,
		})
		if p != nil && p.CycleMonth == k {
			return p
		}
	}
	return m.calendar.CyclePreview(sub.Tier, sub.PerDeliveryAmount, slots, k)
}

// BillingRunResult summarizes RunBillingCycle.
type BillingRunResult struct {
	Month   MonthKey
	Issued  []*Invoice
	Skipped []string
	Failed  map[string]error
}

// RunBillingCycle issues month k's invoices for every active subscription.
// Per-subscription failures are collected rather than aborting the run.
func (m *Manager) RunBillingCycle(ctx context.Context, k MonthKey) (*BillingRunResult, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMonth, k)
	}
	startTime := time.Now()

	subs, err := m.storage.ListSubscriptions(ctx, SubscriptionStatusActive)
	m.metrics.RecordStorageOperation("list_subscriptions", time.Since(startTime), err)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	result := &BillingRunResult{Month: k, Failed: make(map[string]error)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.BillingConcurrency)
	for _, sub := range subs {
		id := sub.ID
		g.Go(func() error {
			inv, err := m.IssueInvoice(gctx, id, k)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				result.Issued = append(result.Issued, inv)
			case errors.Is(err, ErrCycleBeforeStart):
				result.Skipped = append(result.Skipped, id)
			default:
				result.Failed[id] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(result.Issued, func(i, j int) bool {
		return result.Issued[i].SubscriptionID < result.Issued[j].SubscriptionID
	})
	sort.Strings(result.Skipped)

	m.metrics.RecordBillingRun(len(result.Issued), len(result.Failed), time.Since(startTime))
	m.logger.Info("billing run finished",
		Field{"month", k.String()},
		Field{"issued", len(result.Issued)},
		Field{"skipped", len(result.Skipped)},
		Field{"failed", len(result.Failed)},
	)
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// MarkInvoicePaid settles an invoice. It backs both the admin approval of a
// manual bank transfer and the payment gateway webhook. Settling twice is a
// no-op: when two callers race, exactly one records the payment and the
// other gets the settled invoice back.
func (m *Manager) MarkInvoicePaid(ctx context.Context, subscriptionID string, k MonthKey, reference string) (*Invoice, error) {
	for attempt := 1; ; attempt++ {
		start := time.Now()
		inv, err := m.storage.GetInvoice(ctx, subscriptionID, k)
		m.metrics.RecordStorageOperation("get_invoice", time.Since(start), ignoreNotFound(err))
		if err != nil {
			return nil, err
		}
		switch inv.Status {
		case InvoiceStatusPaid:
			return inv, nil
		case InvoiceStatusVoid:
			return nil, fmt.Errorf("%w: %s", ErrInvoiceVoid, inv.ID)
		}

		from := inv.Status
		now := m.Now(ctx)
		inv.Status = InvoiceStatusPaid
		inv.PaidAt = &now
		inv.PaymentReference = reference

		start = time.Now()
		err = m.storage.TransitionInvoice(ctx, inv, from)
		m.metrics.RecordStorageOperation("transition_invoice", time.Since(start), ignoreConflict(err))
		if errors.Is(err, ErrInvoiceConflict) && attempt < maxWriteAttempts {
			// The re-read decides between already paid and retry.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update invoice: %w", err)
		}

		m.metrics.RecordInvoicePaid(string(inv.Tier), string(inv.PaymentMethod))
		m.logger.Info("invoice paid",
			Field{"invoice_id", inv.ID},
			Field{"reference", reference},
		)
		return inv, nil
	}
}

// GetInvoice returns a subscription's invoice for month k.
func (m *Manager) GetInvoice(ctx context.Context, subscriptionID string, k MonthKey) (*Invoice, error) {
	start := time.Now()
	inv, err := m.storage.GetInvoice(ctx, subscriptionID, k)
	m.metrics.RecordStorageOperation("get_invoice", time.Since(start), ignoreNotFound(err))
	return inv, err
}

// ListInvoices returns a subscription's invoices in cycle order.
func (m *Manager) ListInvoices(ctx context.Context, subscriptionID string) ([]*Invoice, error) {
	start := time.Now()
	invoices, err := m.storage.ListInvoices(ctx, subscriptionID)
	m.metrics.RecordStorageOperation("list_invoices", time.Since(start), err)
	return invoices, err
}

// SetBankTransferApproval records whether a customer may pay by manual bank transfer.
func (m *Manager) SetBankTransferApproval(ctx context.Context, customerID string, approved bool) error {
	if customerID == "" {
		return fmt.Errorf("%w: customer ID is required", ErrInvalidRequest)
	}
	start := time.Now()
	err := m.storage.SetBillingSettings(ctx, &BillingSettings{
		CustomerID:           customerID,
		BankTransferApproved: approved,
		UpdatedAt:            m.Now(ctx),
	})
	m.metrics.RecordStorageOperation("set_billing_settings", time.Since(start), err)
	if err != nil {
		return err
	}
	m.logger.Info("bank transfer approval updated",
		Field{"customer_id", customerID},
		Field{"approved", approved},
	)
	return nil
}

// IsBankTransferApproved reports whether a customer may pay by manual bank transfer.
func (m *Manager) IsBankTransferApproved(ctx context.Context, customerID string) (bool, error) {
	start := time.Now()
	settings, err := m.storage.GetBillingSettings(ctx, customerID)
	m.metrics.RecordStorageOperation("get_billing_settings", time.Since(start), err)
	if err != nil {
		return false, err
	}
	return settings != nil && settings.BankTransferApproved, nil
}

// issue persists a new invoice for sub, routes it to a payment path and
// notifies the customer.
func (m *Manager) issue(ctx context.Context, sub *Subscription, p *InvoicePreview, now time.Time) (*Invoice, error) {
	existing, err := m.storage.GetInvoice(ctx, sub.ID, p.CycleMonth)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrInvoiceNotFound) {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}

	inv := NewInvoice(sub, p, now)
	switch sub.PaymentMethod {
	case PaymentMethodBankTransfer:
		approved, err := m.IsBankTransferApproved(ctx, sub.CustomerID)
		if err != nil {
			return nil, fmt.Errorf("failed to get billing settings: %w", err)
		}
		if !approved {
			inv.Status = InvoiceStatusAwaitingApproval
		}
	case PaymentMethodCard:
		if m.config.PaymentLinker != nil {
			url, err := m.config.PaymentLinker.PaymentLink(ctx, inv)
			if err != nil {
				// The invoice stands; the link can be regenerated later.
				m.logger.Warn("failed to create payment link",
					Field{"invoice_id", inv.ID},
					Field{"error", err},
				)
			} else {
				inv.PaymentURL = url
			}
		}
	}

	start := time.Now()
	err = m.storage.CreateInvoice(ctx, inv)
	if errors.Is(err, ErrInvoiceExists) {
		m.metrics.RecordStorageOperation("create_invoice", time.Since(start), nil)
		return m.storage.GetInvoice(ctx, sub.ID, p.CycleMonth)
	}
	m.metrics.RecordStorageOperation("create_invoice", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}

	amount, _ := inv.Amount.Float64()
	m.metrics.RecordInvoiceIssued(string(inv.Tier), string(inv.Status), amount)
	m.logger.Info("invoice issued",
		Field{"invoice_id", inv.ID},
		Field{"amount", inv.Amount.StringFixed(2)},
		Field{"prorated", inv.IsProrated},
		Field{"status", string(inv.Status)},
	)

	if err := m.notifier.InvoiceIssued(ctx, sub, inv); err != nil {
		m.logger.Error("failed to notify customer",
			Field{"invoice_id", inv.ID},
			Field{"error", err},
		)
	}
	return inv, nil
}

// maxWriteAttempts bounds optimistic retries when concurrent writers collide.
const maxWriteAttempts = 5

// updateSubscription re-reads a subscription, applies fn and writes the
// result back under a version check, retrying when a concurrent write wins.
// fn reports whether it changed anything; unchanged subscriptions are not
// written.
func (m *Manager) updateSubscription(ctx context.Context, id string,
	fn func(sub *Subscription, now time.Time) (bool, error)) (*Subscription, time.Time, error) {
	for attempt := 1; ; attempt++ {
		sub, err := m.GetSubscription(ctx, id)
		if err != nil {
			return nil, time.Time{}, err
		}
		now := m.Now(ctx)
		changed, err := fn(sub, now)
		if err != nil {
			return nil, time.Time{}, err
		}
		if !changed {
			return sub, now, nil
		}

		sub.UpdatedAt = now
		err = m.saveSubscription(ctx, sub)
		if errors.Is(err, ErrSubscriptionConflict) && attempt < maxWriteAttempts {
			m.logger.Debug("subscription changed concurrently, retrying",
				Field{"subscription_id", id},
				Field{"attempt", attempt},
			)
			continue
		}
		if err != nil {
			return nil, time.Time{}, err
		}
		return sub, now, nil
	}
}

func (m *Manager) saveSubscription(ctx context.Context, sub *Subscription) error {
	start := time.Now()
	err := m.storage.UpdateSubscription(ctx, sub)
	m.metrics.RecordStorageOperation("update_subscription", time.Since(start), ignoreConflict(err))
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func ignoreConflict(err error) error {
	if errors.Is(err, ErrSubscriptionConflict) || errors.Is(err, ErrInvoiceConflict) {
		return nil
	}
	return err
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrSubscriptionNotFound) || errors.Is(err, ErrInvoiceNotFound) {
		return nil
	}
	return err
}
