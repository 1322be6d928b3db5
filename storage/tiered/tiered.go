// Package tiered provides a Hot/Cold tiered storage adapter that fronts a
// durable billing store (Cold) with a fast cache (Hot).
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 cache storage (e.g., Redis, Memory) serving point reads
	Hot gocycle.Storage

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold gocycle.Storage

	// AsyncHotSync copies successful Cold writes to Hot from a background
	// worker. If false, Hot is written synchronously (slower but never stale).
	AsyncHotSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when an async operation fails.
	// Essential for monitoring consistency drift.
	AsyncErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered storage architecture:
// - Read-Through: subscriptions, invoices and billing settings (Hot → Cold → fill Hot)
// - Write-Through: every write lands in Cold first, then Hot
// - Cold-Only: listings, which must see every record
type Storage struct {
	hot  gocycle.Storage
	cold gocycle.Storage
	conf Config

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncHotSync {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncHotSync {
		select {
		case <-s.shutdown:
			// Already closed
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background synchronization loop.
// Jobs run sequentially to keep per-record write order.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job())
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						_ = job() //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

// syncHot applies a Hot write inline or through the async worker.
func (s *Storage) syncHot(job func() error) {
	if !s.conf.AsyncHotSync {
		s.report(job())
		return
	}
	select {
	case s.syncQueue <- job:
	default:
		// Queue full: write inline rather than drop
		s.report(job())
	}
}

func (s *Storage) report(err error) {
	if err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered sync failed: %w", err))
	}
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetSubscription implements gocycle.Storage with read-through strategy.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*gocycle.Subscription, error) {
	sub, err := s.hot.GetSubscription(ctx, id)
	if err == nil {
		return sub, nil
	}

	sub, err = s.cold.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}

	// Cache fill; errors are non-critical
	_ = s.fillHotSubscription(ctx, sub) //nolint:errcheck // Cache fill
	return sub, nil
}

// GetInvoice implements gocycle.Storage with read-through strategy.
func (s *Storage) GetInvoice(ctx context.Context, subscriptionID string, month gocycle.MonthKey) (*gocycle.Invoice, error) {
	inv, err := s.hot.GetInvoice(ctx, subscriptionID, month)
	if err == nil {
		return inv, nil
	}

	inv, err = s.cold.GetInvoice(ctx, subscriptionID, month)
	if err != nil {
		return nil, err
	}

	_ = s.hot.CreateInvoice(ctx, inv) //nolint:errcheck // Cache fill
	return inv, nil
}

// GetBillingSettings implements gocycle.Storage with read-through strategy.
func (s *Storage) GetBillingSettings(ctx context.Context, customerID string) (*gocycle.BillingSettings, error) {
	settings, err := s.hot.GetBillingSettings(ctx, customerID)
	if err == nil && settings != nil {
		return settings, nil
	}

	settings, err = s.cold.GetBillingSettings(ctx, customerID)
	if err != nil || settings == nil {
		return settings, err
	}

	_ = s.hot.SetBillingSettings(ctx, settings) //nolint:errcheck // Cache fill
	return settings, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---
// Billing data must be durable first.

// SetSubscription implements gocycle.Storage with write-through strategy.
func (s *Storage) SetSubscription(ctx context.Context, sub *gocycle.Subscription) error {
	if err := s.cold.SetSubscription(ctx, sub); err != nil {
		return err
	}
	cp := *sub
	s.syncHot(func() error { return s.hot.SetSubscription(context.Background(), &cp) })
	return nil
}

// UpdateSubscription implements gocycle.Storage with write-through strategy.
// Cold alone decides the version check. On a conflict Hot is refreshed from
// Cold so the caller's retry reads the write that won.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *gocycle.Subscription) error {
	if err := s.cold.UpdateSubscription(ctx, sub); err != nil {
		if errors.Is(err, gocycle.ErrSubscriptionConflict) {
			if fresh, getErr := s.cold.GetSubscription(ctx, sub.ID); getErr == nil {
				s.report(s.fillHotSubscription(ctx, fresh))
			}
		}
		return err
	}
	cp := *sub
	s.syncHot(func() error { return s.fillHotSubscription(context.Background(), &cp) })
	return nil
}

// fillHotSubscription caches sub unless Hot already holds a newer version.
func (s *Storage) fillHotSubscription(ctx context.Context, sub *gocycle.Subscription) error {
	if cached, err := s.hot.GetSubscription(ctx, sub.ID); err == nil && cached.Version > sub.Version {
		return nil
	}
	return s.hot.SetSubscription(ctx, sub)
}

// CreateInvoice implements gocycle.Storage with write-through strategy.
// Cold alone decides whether the cycle was already invoiced.
func (s *Storage) CreateInvoice(ctx context.Context, inv *gocycle.Invoice) error {
	if err := s.cold.CreateInvoice(ctx, inv); err != nil {
		return err
	}
	cp := *inv
	s.syncHot(func() error {
		err := s.hot.CreateInvoice(context.Background(), &cp)
		if errors.Is(err, gocycle.ErrInvoiceExists) {
			return nil
		}
		return err
	})
	return nil
}

// UpdateInvoice implements gocycle.Storage with write-through strategy.
func (s *Storage) UpdateInvoice(ctx context.Context, inv *gocycle.Invoice) error {
	if err := s.cold.UpdateInvoice(ctx, inv); err != nil {
		return err
	}
	cp := *inv
	s.syncHot(func() error { return s.putHotInvoice(context.Background(), &cp) })
	return nil
}

// TransitionInvoice implements gocycle.Storage with write-through strategy.
// Cold alone decides the status check; a conflict refreshes Hot from Cold.
func (s *Storage) TransitionInvoice(ctx context.Context, inv *gocycle.Invoice, from gocycle.InvoiceStatus) error {
	if err := s.cold.TransitionInvoice(ctx, inv, from); err != nil {
		if errors.Is(err, gocycle.ErrInvoiceConflict) {
			if fresh, getErr := s.cold.GetInvoice(ctx, inv.SubscriptionID, inv.CycleMonth); getErr == nil {
				s.report(s.putHotInvoice(ctx, fresh))
			}
		}
		return err
	}
	cp := *inv
	s.syncHot(func() error { return s.putHotInvoice(context.Background(), &cp) })
	return nil
}

// putHotInvoice overwrites the cached invoice, creating it if not cached yet.
func (s *Storage) putHotInvoice(ctx context.Context, inv *gocycle.Invoice) error {
	err := s.hot.UpdateInvoice(ctx, inv)
	if errors.Is(err, gocycle.ErrInvoiceNotFound) {
		return s.hot.CreateInvoice(ctx, inv)
	}
	return err
}

// SetBillingSettings implements gocycle.Storage with write-through strategy.
func (s *Storage) SetBillingSettings(ctx context.Context, settings *gocycle.BillingSettings) error {
	if err := s.cold.SetBillingSettings(ctx, settings); err != nil {
		return err
	}
	cp := *settings
	s.syncHot(func() error { return s.hot.SetBillingSettings(context.Background(), &cp) })
	return nil
}

// --- Strategy: Cold-Only ---

// ListSubscriptions implements gocycle.Storage from Cold.
func (s *Storage) ListSubscriptions(ctx context.Context, status gocycle.SubscriptionStatus) ([]*gocycle.Subscription, error) {
	return s.cold.ListSubscriptions(ctx, status)
}

// ListInvoices implements gocycle.Storage from Cold.
func (s *Storage) ListInvoices(ctx context.Context, subscriptionID string) ([]*gocycle.Invoice, error) {
	return s.cold.ListInvoices(ctx, subscriptionID)
}

// --- TimeSource Support ---

// Now prefers Cold store time since Cold owns the billing records.
// Falls back to Hot, then local time.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	if ts, ok := s.cold.(gocycle.TimeSource); ok {
		return ts.Now(ctx)
	}
	if ts, ok := s.hot.(gocycle.TimeSource); ok {
		return ts.Now(ctx)
	}
	return time.Now().UTC(), nil
}
