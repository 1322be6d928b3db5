// Package postgres provides a PostgreSQL implementation of the gocycle.Storage interface.
// Invoices carry a (subscription_id, cycle_month) primary key so a cycle is
// invoiced at most once; amounts are stored as NUMERIC.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation
const uniqueViolation = "23505"

// Schema creates the tables used by Storage. Migrate applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	id                  TEXT PRIMARY KEY,
	customer_id         TEXT NOT NULL,
	tier                TEXT NOT NULL,
	slots               TEXT[] NOT NULL DEFAULT '{}',
	slot_changes        JSONB NOT NULL DEFAULT '[]',
	per_delivery_amount DOUBLE PRECISION NOT NULL,
	payment_method      TEXT NOT NULL,
	status              TEXT NOT NULL,
	start_month         TEXT NOT NULL,
	billed_through      TEXT NOT NULL DEFAULT '',
	version             BIGINT NOT NULL DEFAULT 0,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	cancelled_at        TIMESTAMPTZ
);

ALTER TABLE subscriptions ADD COLUMN IF NOT EXISTS slot_changes JSONB NOT NULL DEFAULT '[]';
ALTER TABLE subscriptions ADD COLUMN IF NOT EXISTS billed_through TEXT NOT NULL DEFAULT '';
ALTER TABLE subscriptions ADD COLUMN IF NOT EXISTS version BIGINT NOT NULL DEFAULT 0;

CREATE INDEX IF NOT EXISTS subscriptions_status_idx ON subscriptions (status);

CREATE TABLE IF NOT EXISTS invoices (
	subscription_id     TEXT NOT NULL,
	cycle_month         TEXT NOT NULL,
	id                  TEXT NOT NULL,
	customer_id         TEXT NOT NULL,
	tier                TEXT NOT NULL,
	per_delivery_amount NUMERIC NOT NULL,
	amount              NUMERIC(14, 2) NOT NULL,
	cycle_amount        NUMERIC(14, 2) NOT NULL,
	charged_deliveries  INTEGER NOT NULL,
	total_deliveries    INTEGER NOT NULL,
	is_prorated         BOOLEAN NOT NULL,
	delivery_dates      TEXT[] NOT NULL DEFAULT '{}',
	payment_method      TEXT NOT NULL,
	status              TEXT NOT NULL,
	payment_url         TEXT NOT NULL DEFAULT '',
	payment_reference   TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL,
	paid_at             TIMESTAMPTZ,
	PRIMARY KEY (subscription_id, cycle_month)
);

CREATE TABLE IF NOT EXISTS billing_settings (
	customer_id            TEXT PRIMARY KEY,
	bank_transfer_approved BOOLEAN NOT NULL,
	updated_at             TIMESTAMPTZ NOT NULL
);
`

// Storage implements gocycle.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies Schema when the storage is created
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}
	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the billing tables if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const subscriptionColumns = `id, customer_id, tier, slots, slot_changes, per_delivery_amount,
	payment_method, status, start_month, billed_through, version, created_at, updated_at, cancelled_at`

const subscriptionValues = `$1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10, $11, $12, $13, $14`

// GetSubscription implements gocycle.Storage
func (s *Storage) GetSubscription(ctx context.Context, id string) (*gocycle.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)

	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gocycle.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// SetSubscription implements gocycle.Storage
func (s *Storage) SetSubscription(ctx context.Context, sub *gocycle.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}
	args, err := subscriptionArgs(sub, sub.Version)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES (`+subscriptionValues+`)
			ON CONFLICT (id) DO UPDATE SET
				customer_id = EXCLUDED.customer_id,
				tier = EXCLUDED.tier,
				slots = EXCLUDED.slots,
				slot_changes = EXCLUDED.slot_changes,
				per_delivery_amount = EXCLUDED.per_delivery_amount,
				payment_method = EXCLUDED.payment_method,
				status = EXCLUDED.status,
				start_month = EXCLUDED.start_month,
				billed_through = EXCLUDED.billed_through,
				version = EXCLUDED.version,
				updated_at = EXCLUDED.updated_at,
				cancelled_at = EXCLUDED.cancelled_at`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

// UpdateSubscription implements gocycle.Storage. The version check runs in
// the WHERE clause so the row lock decides between concurrent writers.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *gocycle.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}
	args, err := subscriptionArgs(sub, sub.Version+1)
	if err != nil {
		return err
	}

	var tag pgconn.CommandTag
	if sub.Version == 0 {
		tag, err = s.pool.Exec(ctx,
			`INSERT INTO subscriptions (`+subscriptionColumns+`)
				VALUES (`+subscriptionValues+`)
				ON CONFLICT (id) DO NOTHING`,
			args...,
		)
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE subscriptions SET
					customer_id = $2,
					tier = $3,
					slots = $4,
					slot_changes = $5::jsonb,
					per_delivery_amount = $6,
					payment_method = $7,
					status = $8,
					start_month = $9,
					billed_through = $10,
					version = $11,
					created_at = $12,
					updated_at = $13,
					cancelled_at = $14
				WHERE id = $1 AND version = $15`,
			append(args, sub.Version)...,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if sub.Version == 0 {
			return gocycle.ErrSubscriptionConflict
		}
		return s.missingOr(ctx, `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`,
			gocycle.ErrSubscriptionNotFound, gocycle.ErrSubscriptionConflict, sub.ID)
	}
	sub.Version++
	return nil
}

// ListSubscriptions implements gocycle.Storage
func (s *Storage) ListSubscriptions(ctx context.Context, status gocycle.SubscriptionStatus) ([]*gocycle.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE status = $1 ORDER BY id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	out := []*gocycle.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

const invoiceColumns = `id, subscription_id, customer_id, cycle_month, tier,
	per_delivery_amount::text, amount::text, cycle_amount::text, charged_deliveries, total_deliveries,
	is_prorated, delivery_dates, payment_method, status, payment_url, payment_reference, created_at, paid_at`

// CreateInvoice implements gocycle.Storage
func (s *Storage) CreateInvoice(ctx context.Context, inv *gocycle.Invoice) error {
	if inv == nil || inv.SubscriptionID == "" || !inv.CycleMonth.Valid() {
		return fmt.Errorf("invalid invoice")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO invoices (id, subscription_id, customer_id, cycle_month, tier,
				per_delivery_amount, amount, cycle_amount, charged_deliveries, total_deliveries,
				is_prorated, delivery_dates, payment_method, status, payment_url, payment_reference, created_at, paid_at)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9, $10,
				$11, $12, $13, $14, $15, $16, $17, $18)`,
		inv.ID, inv.SubscriptionID, inv.CustomerID, inv.CycleMonth.String(), string(inv.Tier),
		inv.PerDeliveryAmount.String(), inv.Amount.StringFixed(2), inv.CycleAmount.StringFixed(2),
		inv.ChargedDeliveries, inv.TotalDeliveries, inv.IsProrated, nonNil(inv.DeliveryDates),
		string(inv.PaymentMethod), string(inv.Status), inv.PaymentURL, inv.PaymentReference,
		inv.CreatedAt, inv.PaidAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return gocycle.ErrInvoiceExists
	}
	if err != nil {
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

// GetInvoice implements gocycle.Storage
func (s *Storage) GetInvoice(ctx context.Context, subscriptionID string, month gocycle.MonthKey) (*gocycle.Invoice, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE subscription_id = $1 AND cycle_month = $2`,
		subscriptionID, month.String())

	inv, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gocycle.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return inv, nil
}

// UpdateInvoice implements gocycle.Storage
func (s *Storage) UpdateInvoice(ctx context.Context, inv *gocycle.Invoice) error {
	if inv == nil {
		return fmt.Errorf("invalid invoice")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE invoices SET
				status = $3,
				payment_url = $4,
				payment_reference = $5,
				paid_at = $6
			WHERE subscription_id = $1 AND cycle_month = $2`,
		inv.SubscriptionID, inv.CycleMonth.String(),
		string(inv.Status), inv.PaymentURL, inv.PaymentReference, inv.PaidAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gocycle.ErrInvoiceNotFound
	}
	return nil
}

// TransitionInvoice implements gocycle.Storage
func (s *Storage) TransitionInvoice(ctx context.Context, inv *gocycle.Invoice, from gocycle.InvoiceStatus) error {
	if inv == nil {
		return fmt.Errorf("invalid invoice")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE invoices SET
				status = $3,
				payment_url = $4,
				payment_reference = $5,
				paid_at = $6
			WHERE subscription_id = $1 AND cycle_month = $2 AND status = $7`,
		inv.SubscriptionID, inv.CycleMonth.String(),
		string(inv.Status), inv.PaymentURL, inv.PaymentReference, inv.PaidAt, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to transition invoice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOr(ctx,
			`SELECT EXISTS (SELECT 1 FROM invoices WHERE subscription_id = $1 AND cycle_month = $2)`,
			gocycle.ErrInvoiceNotFound, gocycle.ErrInvoiceConflict, inv.SubscriptionID, inv.CycleMonth.String())
	}
	return nil
}

// missingOr tells a conditional write that matched no row apart: the row is
// either gone (notFound) or its condition no longer holds (conflict).
func (s *Storage) missingOr(ctx context.Context, existsQuery string, notFound, conflict error, args ...any) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, existsQuery, args...).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check row: %w", err)
	}
	if !exists {
		return notFound
	}
	return conflict
}

// ListInvoices implements gocycle.Storage
func (s *Storage) ListInvoices(ctx context.Context, subscriptionID string) ([]*gocycle.Invoice, error) {
	// cycle_month is YYYY-MM so text order is chronological
	rows, err := s.pool.Query(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE subscription_id = $1 ORDER BY cycle_month`,
		subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	out := []*gocycle.Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// GetBillingSettings implements gocycle.Storage
func (s *Storage) GetBillingSettings(ctx context.Context, customerID string) (*gocycle.BillingSettings, error) {
	settings := gocycle.BillingSettings{CustomerID: customerID}
	err := s.pool.QueryRow(ctx,
		`SELECT bank_transfer_approved, updated_at FROM billing_settings WHERE customer_id = $1`,
		customerID).Scan(&settings.BankTransferApproved, &settings.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // No settings yet is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing settings: %w", err)
	}
	return &settings, nil
}

// SetBillingSettings implements gocycle.Storage
func (s *Storage) SetBillingSettings(ctx context.Context, settings *gocycle.BillingSettings) error {
	if settings == nil || settings.CustomerID == "" {
		return fmt.Errorf("invalid billing settings")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO billing_settings (customer_id, bank_transfer_approved, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (customer_id) DO UPDATE SET
				bank_transfer_approved = EXCLUDED.bank_transfer_approved,
				updated_at = EXCLUDED.updated_at`,
		settings.CustomerID, settings.BankTransferApproved, settings.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to set billing settings: %w", err)
	}
	return nil
}

// Now implements gocycle.TimeSource using the database clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to get database time: %w", err)
	}
	return now.UTC(), nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func subscriptionArgs(sub *gocycle.Subscription, version int64) ([]any, error) {
	changes := sub.SlotChanges
	if changes == nil {
		changes = []gocycle.SlotChange{}
	}
	data, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal slot changes: %w", err)
	}
	return []any{
		sub.ID, sub.CustomerID, string(sub.Tier), gocycle.SlotStrings(sub.Slots), string(data),
		sub.PerDeliveryAmount, string(sub.PaymentMethod), string(sub.Status), sub.StartMonth.String(),
		sub.BilledThrough.String(), version, sub.CreatedAt, sub.UpdatedAt, sub.CancelledAt,
	}, nil
}

func scanSubscription(row pgx.Row) (*gocycle.Subscription, error) {
	var (
		sub                  gocycle.Subscription
		tier, method, status string
		slots                []string
		changes              []byte
		start, billed        string
	)
	err := row.Scan(
		&sub.ID, &sub.CustomerID, &tier, &slots, &changes,
		&sub.PerDeliveryAmount, &method, &status, &start, &billed, &sub.Version,
		&sub.CreatedAt, &sub.UpdatedAt, &sub.CancelledAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Tier = gocycle.Tier(tier)
	sub.PaymentMethod = gocycle.PaymentMethod(method)
	sub.Status = gocycle.SubscriptionStatus(status)
	sub.Slots = gocycle.SlotsFromStrings(slots)
	if err := json.Unmarshal(changes, &sub.SlotChanges); err != nil {
		return nil, fmt.Errorf("invalid slot changes: %w", err)
	}
	if len(sub.SlotChanges) == 0 {
		sub.SlotChanges = nil
	}
	if err := sub.StartMonth.UnmarshalText([]byte(start)); err != nil {
		return nil, err
	}
	if err := sub.BilledThrough.UnmarshalText([]byte(billed)); err != nil {
		return nil, err
	}
	return &sub, nil
}

func scanInvoice(row pgx.Row) (*gocycle.Invoice, error) {
	var (
		inv                         gocycle.Invoice
		month, tier, method, status string
		perDelivery, amount, cycle  string
	)
	err := row.Scan(
		&inv.ID, &inv.SubscriptionID, &inv.CustomerID, &month, &tier,
		&perDelivery, &amount, &cycle, &inv.ChargedDeliveries, &inv.TotalDeliveries,
		&inv.IsProrated, &inv.DeliveryDates, &method, &status,
		&inv.PaymentURL, &inv.PaymentReference, &inv.CreatedAt, &inv.PaidAt,
	)
	if err != nil {
		return nil, err
	}

	if inv.CycleMonth, err = gocycle.ParseMonthKey(month); err != nil {
		return nil, err
	}
	if inv.PerDeliveryAmount, err = decimal.NewFromString(perDelivery); err != nil {
		return nil, err
	}
	if inv.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if inv.CycleAmount, err = decimal.NewFromString(cycle); err != nil {
		return nil, err
	}
	inv.Tier = gocycle.Tier(tier)
	inv.PaymentMethod = gocycle.PaymentMethod(method)
	inv.Status = gocycle.InvoiceStatus(status)
	return &inv, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
