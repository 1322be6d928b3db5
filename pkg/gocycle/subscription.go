package gocycle

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// PaymentMethod selects how a customer settles invoices.
type PaymentMethod string

const (
	// PaymentMethodCard settles through a hosted payment page link
	PaymentMethodCard PaymentMethod = "card"
	// PaymentMethodBankTransfer settles by manual transfer, for approved customers only
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
)

// Valid reports whether p is a known payment method.
func (p PaymentMethod) Valid() bool {
	return p == PaymentMethodCard || p == PaymentMethodBankTransfer
}

// InvoiceStatus is the settlement state of an invoice.
type InvoiceStatus string

const (
	// InvoiceStatusPending awaits payment
	InvoiceStatusPending InvoiceStatus = "pending"
	// InvoiceStatusAwaitingApproval is a bank-transfer invoice for a customer not yet approved
	InvoiceStatusAwaitingApproval InvoiceStatus = "awaiting_approval"
	// InvoiceStatusPaid has been settled
	InvoiceStatusPaid InvoiceStatus = "paid"
	// InvoiceStatusVoid was cancelled before settlement
	InvoiceStatusVoid InvoiceStatus = "void"
)

// SlotChange is a slot selection that applies from one cycle month onwards.
type SlotChange struct {
	From  MonthKey     `json:"from"`
	Slots []MondaySlot `json:"slots"`
}

// Subscription is a customer's recurring Monday delivery plan.
//
// Slots apply from StartMonth and each SlotChange replaces them from its
// From month onwards. Changes are only scheduled after BilledThrough, so a
// month that was invoiced always resolves to the deliveries it was priced
// with. Version is advanced by storage on every conditional write.
type Subscription struct {
	ID                string             `json:"id"`
	CustomerID        string             `json:"customerId"`
	Tier              Tier               `json:"tier"`
	Slots             []MondaySlot       `json:"slots"`
	SlotChanges       []SlotChange       `json:"slotChanges,omitempty"`
	PerDeliveryAmount float64            `json:"perDeliveryAmount"`
	PaymentMethod     PaymentMethod      `json:"paymentMethod"`
	Status            SubscriptionStatus `json:"status"`
	StartMonth        MonthKey           `json:"startMonth"`
	BilledThrough     MonthKey           `json:"billedThrough"`
	Version           int64              `json:"version"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
	CancelledAt       *time.Time         `json:"cancelledAt,omitempty"`
}

// SlotsFor returns the slot selection in effect for month k.
func (s *Subscription) SlotsFor(k MonthKey) []MondaySlot {
	slots := s.Slots
	for _, c := range s.SlotChanges {
		if k.Before(c.From) {
			break
		}
		slots = c.Slots
	}
	return slices.Clone(slots)
}

// ChangeFrom returns the first month a new slot selection may apply to:
// boundary, pushed past the first cycle (priced at signup) and past every
// month already invoiced.
func (s *Subscription) ChangeFrom(boundary MonthKey) MonthKey {
	from := boundary
	for _, billed := range []MonthKey{s.StartMonth, s.BilledThrough} {
		if !billed.IsZero() && !billed.Before(from) {
			from = billed.Next()
		}
	}
	return from
}

// ScheduleSlots makes slots the selection from month from onwards, replacing
// any change scheduled at or after it. It reports whether anything changed.
func (s *Subscription) ScheduleSlots(from MonthKey, slots []MondaySlot) bool {
	kept := make([]SlotChange, 0, len(s.SlotChanges)+1)
	for _, c := range s.SlotChanges {
		if c.From.Before(from) {
			kept = append(kept, c)
		}
	}
	prev := s.Slots
	if n := len(kept); n > 0 {
		prev = kept[n-1].Slots
	}
	if !slices.Equal(prev, slots) {
		kept = append(kept, SlotChange{From: from, Slots: slices.Clone(slots)})
	}

	changed := !slices.EqualFunc(kept, s.SlotChanges, func(a, b SlotChange) bool {
		return a.From == b.From && slices.Equal(a.Slots, b.Slots)
	})
	if len(kept) == 0 {
		kept = nil
	}
	s.SlotChanges = kept
	return changed
}

// MarkBilled records that month k has been invoiced. It reports whether
// BilledThrough moved.
func (s *Subscription) MarkBilled(k MonthKey) bool {
	if !s.BilledThrough.Before(k) {
		return false
	}
	s.BilledThrough = k
	return true
}

// Active reports whether the subscription is billable.
func (s *Subscription) Active() bool {
	return s.Status == SubscriptionStatusActive
}

// Invoice is the authoritative record of one billing cycle's charge.
type Invoice struct {
	ID                string          `json:"id"`
	SubscriptionID    string          `json:"subscriptionId"`
	CustomerID        string          `json:"customerId"`
	CycleMonth        MonthKey        `json:"cycleMonth"`
	Tier              Tier            `json:"tier"`
	PerDeliveryAmount decimal.Decimal `json:"perDeliveryAmount"`
	Amount            decimal.Decimal `json:"amount"`
	CycleAmount       decimal.Decimal `json:"cycleAmount"`
	ChargedDeliveries int             `json:"chargedDeliveries"`
	TotalDeliveries   int             `json:"totalDeliveries"`
	IsProrated        bool            `json:"isProrated"`
	DeliveryDates     []string        `json:"deliveryDates"`
	PaymentMethod     PaymentMethod   `json:"paymentMethod"`
	Status            InvoiceStatus   `json:"status"`
	PaymentURL        string          `json:"paymentUrl,omitempty"`
	PaymentReference  string          `json:"paymentReference,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	PaidAt            *time.Time      `json:"paidAt,omitempty"`
}

// InvoiceID returns the stable identifier of a subscription's invoice for month k.
// One invoice exists per subscription and cycle month.
func InvoiceID(subscriptionID string, k MonthKey) string {
	return fmt.Sprintf("%s_%s", subscriptionID, k)
}

// NewInvoice builds a pending invoice from a preview.
func NewInvoice(sub *Subscription, p *InvoicePreview, now time.Time) *Invoice {
	return &Invoice{
		ID:                InvoiceID(sub.ID, p.CycleMonth),
		SubscriptionID:    sub.ID,
		CustomerID:        sub.CustomerID,
		CycleMonth:        p.CycleMonth,
		Tier:              sub.Tier,
		PerDeliveryAmount: p.PerDeliveryAmount,
		Amount:            p.InvoiceAmount,
		CycleAmount:       p.CycleAmount,
		ChargedDeliveries: p.ChargedDeliveries,
		TotalDeliveries:   p.TotalDeliveries,
		IsProrated:        p.IsProrated,
		DeliveryDates:     slices.Clone(p.DeliveryDates),
		PaymentMethod:     sub.PaymentMethod,
		Status:            InvoiceStatusPending,
		CreatedAt:         now,
	}
}

// BillingSettings holds per-customer billing permissions.
type BillingSettings struct {
	CustomerID           string    `json:"customerId"`
	BankTransferApproved bool      `json:"bankTransferApproved"`
	UpdatedAt            time.Time `json:"updatedAt"`
}
