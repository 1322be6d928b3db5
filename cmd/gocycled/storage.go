package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gocycle/internal/config"
	"github.com/mihaimyh/gocycle/pkg/gocycle"
	fsstore "github.com/mihaimyh/gocycle/storage/firestore"
	"github.com/mihaimyh/gocycle/storage/memory"
	"github.com/mihaimyh/gocycle/storage/postgres"
	redisstore "github.com/mihaimyh/gocycle/storage/redis"
	"github.com/mihaimyh/gocycle/storage/tiered"
)

// closers release backend connections in reverse order of opening.
type closers []func()

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// openStorage builds the configured backend, fronted by a tiered cache when
// CacheBackend is set.
func openStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (gocycle.Storage, closers, error) {
	var cl closers

	cold, err := openBackend(ctx, cfg, cfg.StorageBackend, &cl)
	if err != nil {
		cl.close()
		return nil, nil, err
	}
	if cfg.CacheBackend == "" {
		return cold, cl, nil
	}

	hot, err := openBackend(ctx, cfg, cfg.CacheBackend, &cl)
	if err != nil {
		cl.close()
		return nil, nil, err
	}
	store, err := tiered.New(tiered.Config{
		Hot:          hot,
		Cold:         cold,
		AsyncHotSync: true,
		AsyncErrorHandler: func(err error) {
			logger.Warn().Err(err).Msg("cache sync failed")
		},
	})
	if err != nil {
		cl.close()
		return nil, nil, err
	}
	cl = append(cl, func() { _ = store.Close() })
	logger.Info().Str("hot", cfg.CacheBackend).Str("cold", cfg.StorageBackend).Msg("tiered storage enabled")
	return store, cl, nil
}

func openBackend(ctx context.Context, cfg *config.Config, backend string, cl *closers) (gocycle.Storage, error) {
	switch backend {
	case config.BackendMemory:
		return memory.New(), nil

	case config.BackendPostgres:
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.PostgresURL
		store, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		*cl = append(*cl, store.Close)
		return store, nil

	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		store, err := redisstore.New(client, redisstore.DefaultConfig())
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		*cl = append(*cl, func() { _ = store.Close() })
		return store, nil

	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		store, err := fsstore.New(client, fsstore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		*cl = append(*cl, func() { _ = client.Close() })
		return store, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", backend)
}
