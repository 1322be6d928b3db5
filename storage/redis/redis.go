// Package redis provides a Redis implementation of the gocycle.Storage interface.
// Invoice creation uses Lua scripts so that a cycle is invoiced at most once.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// Storage implements gocycle.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gocycle:")
	KeyPrefix string

	// InvoiceTTL expires invoices this long after their last write (0 = no expiration)
	InvoiceTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "gocycle:",
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "gocycle:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// loadScripts compiles the Lua scripts for atomic invoice writes
func (s *Storage) loadScripts() {
	// Create an invoice unless one exists for the cycle and index it by month
	s.scripts["createInvoice"] = redis.NewScript(`
		local invoiceKey = KEYS[1]
		local indexKey = KEYS[2]
		local data = ARGV[1]
		local score = tonumber(ARGV[2])
		local month = ARGV[3]
		local ttl = tonumber(ARGV[4])

		if redis.call('SET', invoiceKey, data, 'NX') == false then
			return 0
		end
		if ttl > 0 then
			redis.call('EXPIRE', invoiceKey, ttl)
		end
		redis.call('ZADD', indexKey, score, month)
		return 1
	`)

	// Replace an existing invoice
	s.scripts["updateInvoice"] = redis.NewScript(`
		local invoiceKey = KEYS[1]
		local data = ARGV[1]
		local ttl = tonumber(ARGV[2])

		if redis.call('EXISTS', invoiceKey) == 0 then
			return 0
		end
		redis.call('SET', invoiceKey, data)
		if ttl > 0 then
			redis.call('EXPIRE', invoiceKey, ttl)
		end
		return 1
	`)

	// Replace an invoice only while its stored status is still ARGV[2].
	// Returns -1 when missing, 0 when the status moved on.
	s.scripts["transitionInvoice"] = redis.NewScript(`
		local invoiceKey = KEYS[1]
		local data = ARGV[1]
		local from = ARGV[2]
		local ttl = tonumber(ARGV[3])

		local current = redis.call('GET', invoiceKey)
		if current == false then
			return -1
		end
		local ok, stored = pcall(cjson.decode, current)
		if not ok or stored['status'] ~= from then
			return 0
		end
		redis.call('SET', invoiceKey, data)
		if ttl > 0 then
			redis.call('EXPIRE', invoiceKey, ttl)
		end
		return 1
	`)
}

// GetSubscription implements gocycle.Storage
func (s *Storage) GetSubscription(ctx context.Context, id string) (*gocycle.Subscription, error) {
	data, err := s.client.Get(ctx, s.subscriptionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, gocycle.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	var sub gocycle.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return &sub, nil
}

// SetSubscription implements gocycle.Storage
func (s *Storage) SetSubscription(ctx context.Context, sub *gocycle.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.writeSubscription(ctx, pipe, sub, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

// UpdateSubscription implements gocycle.Storage with optimistic locking:
// the subscription key is WATCHed while its version is compared.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *gocycle.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	key := s.subscriptionKey(sub.ID)
	next := *sub
	next.Version++
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
			if sub.Version != 0 {
				return gocycle.ErrSubscriptionNotFound
			}
		case err != nil:
			return err
		default:
			var stored struct {
				Version int64 `json:"version"`
			}
			if err := json.Unmarshal(raw, &stored); err != nil {
				return fmt.Errorf("failed to unmarshal subscription: %w", err)
			}
			if stored.Version != sub.Version {
				return gocycle.ErrSubscriptionConflict
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.writeSubscription(ctx, pipe, &next, data)
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		return gocycle.ErrSubscriptionConflict
	case errors.Is(err, gocycle.ErrSubscriptionConflict), errors.Is(err, gocycle.ErrSubscriptionNotFound):
		return err
	case err != nil:
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	sub.Version = next.Version
	return nil
}

// writeSubscription queues the document write and moves the ID into its status set
func (s *Storage) writeSubscription(ctx context.Context, pipe redis.Pipeliner, sub *gocycle.Subscription, data []byte) {
	pipe.Set(ctx, s.subscriptionKey(sub.ID), data, 0)
	for _, status := range []gocycle.SubscriptionStatus{
		gocycle.SubscriptionStatusActive,
		gocycle.SubscriptionStatusCancelled,
	} {
		if status != sub.Status {
			pipe.SRem(ctx, s.statusKey(status), sub.ID)
		}
	}
	pipe.SAdd(ctx, s.statusKey(sub.Status), sub.ID)
}

// ListSubscriptions implements gocycle.Storage
func (s *Storage) ListSubscriptions(ctx context.Context, status gocycle.SubscriptionStatus) ([]*gocycle.Subscription, error) {
	ids, err := s.client.SMembers(ctx, s.statusKey(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	if len(ids) == 0 {
		return []*gocycle.Subscription{}, nil
	}
	slices.Sort(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.subscriptionKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get subscriptions: %w", err)
	}

	out := make([]*gocycle.Subscription, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // deleted between SMEMBERS and MGET
		}
		var sub gocycle.Subscription
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		if sub.Status == status {
			out = append(out, &sub)
		}
	}
	return out, nil
}

// CreateInvoice implements gocycle.Storage
func (s *Storage) CreateInvoice(ctx context.Context, inv *gocycle.Invoice) error {
	if inv == nil || inv.SubscriptionID == "" || !inv.CycleMonth.Valid() {
		return fmt.Errorf("invalid invoice")
	}

	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to marshal invoice: %w", err)
	}

	created, err := s.scripts["createInvoice"].Run(ctx, s.client,
		[]string{s.invoiceKey(inv.SubscriptionID, inv.CycleMonth), s.invoiceIndexKey(inv.SubscriptionID)},
		data, monthScore(inv.CycleMonth), inv.CycleMonth.String(), int64(s.config.InvoiceTTL.Seconds()),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	if created == 0 {
		return gocycle.ErrInvoiceExists
	}
	return nil
}

// GetInvoice implements gocycle.Storage
func (s *Storage) GetInvoice(ctx context.Context, subscriptionID string, month gocycle.MonthKey) (*gocycle.Invoice, error) {
	data, err := s.client.Get(ctx, s.invoiceKey(subscriptionID, month)).Bytes()
	if err == redis.Nil {
		return nil, gocycle.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}

	var inv gocycle.Invoice
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal invoice: %w", err)
	}
	return &inv, nil
}

// UpdateInvoice implements gocycle.Storage
func (s *Storage) UpdateInvoice(ctx context.Context, inv *gocycle.Invoice) error {
	if inv == nil {
		return fmt.Errorf("invalid invoice")
	}

	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to marshal invoice: %w", err)
	}

	updated, err := s.scripts["updateInvoice"].Run(ctx, s.client,
		[]string{s.invoiceKey(inv.SubscriptionID, inv.CycleMonth)},
		data, int64(s.config.InvoiceTTL.Seconds()),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	if updated == 0 {
		return gocycle.ErrInvoiceNotFound
	}
	return nil
}

// TransitionInvoice implements gocycle.Storage
func (s *Storage) TransitionInvoice(ctx context.Context, inv *gocycle.Invoice, from gocycle.InvoiceStatus) error {
	if inv == nil {
		return fmt.Errorf("invalid invoice")
	}

	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to marshal invoice: %w", err)
	}

	result, err := s.scripts["transitionInvoice"].Run(ctx, s.client,
		[]string{s.invoiceKey(inv.SubscriptionID, inv.CycleMonth)},
		data, string(from), int64(s.config.InvoiceTTL.Seconds()),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to transition invoice: %w", err)
	}
	switch result {
	case -1:
		return gocycle.ErrInvoiceNotFound
	case 0:
		return gocycle.ErrInvoiceConflict
	}
	return nil
}

// ListInvoices implements gocycle.Storage
func (s *Storage) ListInvoices(ctx context.Context, subscriptionID string) ([]*gocycle.Invoice, error) {
	months, err := s.client.ZRange(ctx, s.invoiceIndexKey(subscriptionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}

	out := make([]*gocycle.Invoice, 0, len(months))
	for _, m := range months {
		k, err := gocycle.ParseMonthKey(m)
		if err != nil {
			return nil, err
		}
		inv, err := s.GetInvoice(ctx, subscriptionID, k)
		if errors.Is(err, gocycle.ErrInvoiceNotFound) {
			continue // expired
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	gocycle.SortInvoices(out)
	return out, nil
}

// GetBillingSettings implements gocycle.Storage
func (s *Storage) GetBillingSettings(ctx context.Context, customerID string) (*gocycle.BillingSettings, error) {
	data, err := s.client.Get(ctx, s.settingsKey(customerID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing settings: %w", err)
	}

	var settings gocycle.BillingSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal billing settings: %w", err)
	}
	return &settings, nil
}

// SetBillingSettings implements gocycle.Storage
func (s *Storage) SetBillingSettings(ctx context.Context, settings *gocycle.BillingSettings) error {
	if settings == nil || settings.CustomerID == "" {
		return fmt.Errorf("invalid billing settings")
	}

	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal billing settings: %w", err)
	}
	if err := s.client.Set(ctx, s.settingsKey(settings.CustomerID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set billing settings: %w", err)
	}
	return nil
}

// Now implements gocycle.TimeSource using the Redis server clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get redis time: %w", err)
	}
	return t.UTC(), nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) subscriptionKey(id string) string {
	return fmt.Sprintf("%ssubscription:%s", s.config.KeyPrefix, id)
}

func (s *Storage) statusKey(status gocycle.SubscriptionStatus) string {
	return fmt.Sprintf("%ssubscriptions:%s", s.config.KeyPrefix, status)
}

// invoiceKey uses a hash tag so an invoice and its index share a cluster slot
func (s *Storage) invoiceKey(subscriptionID string, month gocycle.MonthKey) string {
	return fmt.Sprintf("%sinvoice:{%s}:%s", s.config.KeyPrefix, subscriptionID, month)
}

func (s *Storage) invoiceIndexKey(subscriptionID string) string {
	return fmt.Sprintf("%sinvoices:{%s}", s.config.KeyPrefix, subscriptionID)
}

func (s *Storage) settingsKey(customerID string) string {
	return fmt.Sprintf("%sbilling:%s", s.config.KeyPrefix, strings.TrimSpace(customerID))
}

func monthScore(k gocycle.MonthKey) int {
	return k.Year*12 + int(k.Month) - 1
}
