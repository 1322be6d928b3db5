package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

const (
	maxBodyBytes = 64 * 1024
	maxIDLen     = 255
)

// Handler provides HTTP endpoints for subscription billing
type Handler struct {
	config Config
}

// Route binds a handler to a method and a path pattern. Patterns use
// {name} parameters, understood by http.ServeMux, chi and gorilla/mux.
type Route struct {
	Method  string
	Pattern string
	Handler http.HandlerFunc
}

// Routes lists every endpoint of the handler.
func (h *Handler) Routes() []Route {
	return []Route{
		{http.MethodGet, "/preview", h.Preview},
		{http.MethodPost, "/subscriptions", h.CreateSubscription},
		{http.MethodGet, "/subscriptions/{id}", h.GetSubscription},
		{http.MethodDelete, "/subscriptions/{id}", h.CancelSubscription},
		{http.MethodPut, "/subscriptions/{id}/slots", h.ChangeSlots},
		{http.MethodGet, "/subscriptions/{id}/invoices", h.ListInvoices},
		{http.MethodPost, "/subscriptions/{id}/invoices/{month}", h.IssueInvoice},
		{http.MethodPost, "/subscriptions/{id}/invoices/{month}/paid", h.MarkInvoicePaid},
		{http.MethodGet, "/customers/{id}/bank-transfer", h.GetBankTransfer},
		{http.MethodPut, "/customers/{id}/bank-transfer", h.SetBankTransfer},
		{http.MethodPost, "/billing-runs/{month}", h.RunBillingCycle},
	}
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	for _, rt := range h.Routes() {
		mux.HandleFunc(rt.Method+" "+rt.Pattern, rt.Handler)
	}
}

// Preview prices the upcoming invoice for a tier and slot selection.
// Query: tier (required), slots (comma separated), amount (defaults to the
// tier price), today (YYYY-MM-DD, defaults to the manager's clock).
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	m := h.config.Manager

	tier, ok := gocycle.ParseTier(q.Get("tier"))
	if !ok {
		h.handleError(w, r, fmt.Errorf("%w: %q", gocycle.ErrInvalidTier, q.Get("tier")))
		return
	}

	amount, ok := m.Price(tier)
	if raw := q.Get("amount"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			h.handleError(w, r, fmt.Errorf("%w: %q", gocycle.ErrInvalidAmount, raw))
			return
		}
		amount, ok = v, true
	}
	if !ok {
		h.handleError(w, r, fmt.Errorf("%w: no price for tier %s", gocycle.ErrInvalidAmount, tier))
		return
	}

	today := m.Now(r.Context())
	if raw := q.Get("today"); raw != "" {
		t, err := m.Calendar().ParseDate(raw)
		if err != nil {
			h.handleError(w, r, fmt.Errorf("%w: %w", gocycle.ErrInvalidRequest, err))
			return
		}
		today = t
	}

	var slots []gocycle.MondaySlot
	if raw := q.Get("slots"); raw != "" {
		slots = gocycle.SlotsFromStrings(strings.Split(raw, ","))
	}

	preview, err := m.Preview(gocycle.PreviewInput{
		Tier:              tier,
		PerDeliveryAmount: amount,
		MondaySlots:       gocycle.NormalizeSlots(tier, slots),
		Today:             today,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, preview)
}

// CreateSubscription stores a subscription and issues its first invoice
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var body CreateSubscriptionRequest
	if !h.decode(w, r, &body) {
		return
	}
	if len(body.ID) > maxIDLen || len(body.CustomerID) > maxIDLen {
		h.handleError(w, r, fmt.Errorf("%w: identifier too long", gocycle.ErrInvalidRequest))
		return
	}

	sub, inv, err := h.config.Manager.CreateSubscription(r.Context(), &gocycle.CreateSubscriptionRequest{
		ID:                body.ID,
		CustomerID:        body.CustomerID,
		Tier:              gocycle.Tier(body.Tier),
		Slots:             gocycle.SlotsFromStrings(body.Slots),
		PerDeliveryAmount: body.PerDeliveryAmount,
		PaymentMethod:     gocycle.PaymentMethod(body.PaymentMethod),
	})
	if err != nil && sub == nil {
		h.handleError(w, r, err)
		return
	}
	if err != nil {
		// The subscription exists; its first invoice can be issued again.
		h.config.Logger.Error("first invoice failed",
			gocycle.Field{Key: "subscription_id", Value: sub.ID},
			gocycle.Field{Key: "error", Value: err},
		)
	}
	h.writeJSON(w, http.StatusCreated, SubscriptionResponse{Subscription: sub, Invoice: inv})
}

// GetSubscription returns a subscription
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	sub, err := h.config.Manager.GetSubscription(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, SubscriptionResponse{Subscription: sub})
}

// CancelSubscription stops future billing for a subscription
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	sub, err := h.config.Manager.CancelSubscription(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, SubscriptionResponse{Subscription: sub})
}

// ChangeSlots schedules a new Monday selection from the next cycle
func (h *Handler) ChangeSlots(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var body ChangeSlotsRequest
	if !h.decode(w, r, &body) {
		return
	}
	sub, err := h.config.Manager.ChangeSlots(r.Context(), id, gocycle.SlotsFromStrings(body.Slots))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, SubscriptionResponse{Subscription: sub})
}

// ListInvoices returns a subscription's invoices in cycle order
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	// 404 for unknown subscriptions rather than an empty list
	if _, err := h.config.Manager.GetSubscription(r.Context(), id); err != nil {
		h.handleError(w, r, err)
		return
	}
	invoices, err := h.config.Manager.ListInvoices(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if invoices == nil {
		invoices = []*gocycle.Invoice{}
	}
	h.writeJSON(w, http.StatusOK, invoices)
}

// IssueInvoice issues (or returns the existing) full-cycle invoice for a month
func (h *Handler) IssueInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	month, ok := h.pathMonth(w, r)
	if !ok {
		return
	}
	inv, err := h.config.Manager.IssueInvoice(r.Context(), id, month)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inv)
}

// MarkInvoicePaid settles an invoice, e.g. after a bank transfer arrives
func (h *Handler) MarkInvoicePaid(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	month, ok := h.pathMonth(w, r)
	if !ok {
		return
	}
	var body MarkPaidRequest
	if !h.decode(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Reference) == "" {
		h.handleError(w, r, fmt.Errorf("%w: reference is required", gocycle.ErrInvalidRequest))
		return
	}
	inv, err := h.config.Manager.MarkInvoicePaid(r.Context(), id, month, body.Reference)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inv)
}

// GetBankTransfer reports whether a customer may pay by bank transfer
func (h *Handler) GetBankTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	approved, err := h.config.Manager.IsBankTransferApproved(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, BankTransferResponse{CustomerID: id, Approved: approved})
}

// SetBankTransfer approves or revokes bank transfer payment for a customer
func (h *Handler) SetBankTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var body BankTransferRequest
	if !h.decode(w, r, &body) {
		return
	}
	if err := h.config.Manager.SetBankTransferApproval(r.Context(), id, body.Approved); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, BankTransferResponse{CustomerID: id, Approved: body.Approved})
}

// RunBillingCycle issues a month's invoices for every active subscription
func (h *Handler) RunBillingCycle(w http.ResponseWriter, r *http.Request) {
	month, ok := h.pathMonth(w, r)
	if !ok {
		return
	}
	result, err := h.config.Manager.RunBillingCycle(r.Context(), month)
	if err != nil && result == nil {
		h.handleError(w, r, err)
		return
	}

	resp := BillingRunResponse{
		Month:   result.Month,
		Issued:  make([]string, 0, len(result.Issued)),
		Skipped: result.Skipped,
		Failed:  make(map[string]string, len(result.Failed)),
	}
	for _, inv := range result.Issued {
		resp.Issued = append(resp.Issued, inv.ID)
	}
	sort.Strings(resp.Issued)
	if resp.Skipped == nil {
		resp.Skipped = []string{}
	}
	for id, ferr := range result.Failed {
		resp.Failed[id] = ferr.Error()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := h.config.PathParam(r, "id")
	if id == "" || len(id) > maxIDLen {
		h.handleError(w, r, fmt.Errorf("%w: invalid id", gocycle.ErrInvalidRequest))
		return "", false
	}
	return id, true
}

func (h *Handler) pathMonth(w http.ResponseWriter, r *http.Request) (gocycle.MonthKey, bool) {
	k, err := gocycle.ParseMonthKey(h.config.PathParam(r, "month"))
	if err != nil {
		h.handleError(w, r, err)
		return gocycle.MonthKey{}, false
	}
	return k, true
}

// decode reads a JSON body into v, rejecting unknown fields.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.handleError(w, r, fmt.Errorf("%w: malformed body: %v", gocycle.ErrInvalidRequest, err))
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.config.Logger.Warn("failed to encode response", gocycle.Field{Key: "error", Value: err})
	}
}

// handleError writes err with the status its sentinel maps to. Internal
// errors are logged and reported without detail.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if h.config.OnError != nil {
		h.config.OnError(w, r, err, status)
		return
	}
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("request failed",
			gocycle.Field{Key: "method", Value: r.Method},
			gocycle.Field{Key: "path", Value: r.URL.Path},
			gocycle.Field{Key: "error", Value: err},
		)
		msg = http.StatusText(status)
	}
	h.writeJSON(w, status, ErrorResponse{Error: msg})
}

// StatusFor maps billing errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, gocycle.ErrInvalidTier),
		errors.Is(err, gocycle.ErrInvalidAmount),
		errors.Is(err, gocycle.ErrInvalidMonth),
		errors.Is(err, gocycle.ErrInvalidRequest),
		errors.Is(err, gocycle.ErrInvalidPaymentMethod),
		errors.Is(err, gocycle.ErrCycleBeforeStart):
		return http.StatusBadRequest
	case errors.Is(err, gocycle.ErrSubscriptionNotFound),
		errors.Is(err, gocycle.ErrInvoiceNotFound):
		return http.StatusNotFound
	case errors.Is(err, gocycle.ErrSubscriptionInactive),
		errors.Is(err, gocycle.ErrInvoiceVoid),
		errors.Is(err, gocycle.ErrInvoiceExists),
		errors.Is(err, gocycle.ErrSubscriptionConflict),
		errors.Is(err, gocycle.ErrInvoiceConflict):
		return http.StatusConflict
	case errors.Is(err, gocycle.ErrNoPreview):
		return http.StatusUnprocessableEntity
	case errors.Is(err, gocycle.ErrCircuitOpen),
		errors.Is(err, gocycle.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
