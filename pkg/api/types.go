package api

import "github.com/mihaimyh/gocycle/pkg/gocycle"

// CreateSubscriptionRequest is the body of POST /subscriptions
type CreateSubscriptionRequest struct {
	ID                string   `json:"id,omitempty"`
	CustomerID        string   `json:"customerId"`
	Tier              string   `json:"tier"`
	Slots             []string `json:"slots"`
	PerDeliveryAmount float64  `json:"perDeliveryAmount,omitempty"`
	PaymentMethod     string   `json:"paymentMethod,omitempty"`
}

// SubscriptionResponse pairs a subscription with the invoice an operation issued
type SubscriptionResponse struct {
	Subscription *gocycle.Subscription `json:"subscription"`
	Invoice      *gocycle.Invoice      `json:"invoice,omitempty"`
}

// ChangeSlotsRequest is the body of PUT /subscriptions/{id}/slots
type ChangeSlotsRequest struct {
	Slots []string `json:"slots"`
}

// MarkPaidRequest is the body of POST /subscriptions/{id}/invoices/{month}/paid
type MarkPaidRequest struct {
	Reference string `json:"reference"`
}

// BankTransferRequest is the body of PUT /customers/{id}/bank-transfer
type BankTransferRequest struct {
	Approved bool `json:"approved"`
}

// BankTransferResponse reports a customer's bank transfer approval
type BankTransferResponse struct {
	CustomerID string `json:"customerId"`
	Approved   bool   `json:"approved"`
}

// BillingRunResponse summarizes a billing run
type BillingRunResponse struct {
	Month   gocycle.MonthKey  `json:"month"`
	Issued  []string          `json:"issued"`
	Skipped []string          `json:"skipped"`
	Failed  map[string]string `json:"failed"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
}
