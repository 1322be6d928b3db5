// Command gocycled serves the subscription billing API, settles Stripe
// payments and issues each month's invoices on a schedule.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gocycle/internal/config"
	"github.com/mihaimyh/gocycle/internal/scheduler"
	"github.com/mihaimyh/gocycle/pkg/api"
	"github.com/mihaimyh/gocycle/pkg/gocycle"
	zlog "github.com/mihaimyh/gocycle/pkg/gocycle/logger/zerolog"
	cyclemetrics "github.com/mihaimyh/gocycle/pkg/gocycle/metrics/prometheus"
	"github.com/mihaimyh/gocycle/pkg/payment"
	paymentmetrics "github.com/mihaimyh/gocycle/pkg/payment/metrics/prometheus"
	"github.com/mihaimyh/gocycle/pkg/payment/stripe"
)

func main() {
	configFile := flag.String("config", os.Getenv("GOCYCLE_CONFIG_FILE"), "optional config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("gocycled stopped")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "gocycled").Logger()
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	store, closeStorage, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStorage.close()
	logger.Info().Str("backend", cfg.StorageBackend).Msg("storage ready")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	managerConfig := &gocycle.Config{
		Timezone:           cfg.Timezone,
		Prices:             cfg.Prices(),
		BillingConcurrency: cfg.BillingConcurrency,
		Metrics:            cyclemetrics.NewMetrics(reg, cfg.MetricsNamespace),
		Logger:             zlog.NewLogger(logger),
	}
	if cfg.StorageBackend != config.BackendMemory {
		managerConfig.CircuitBreaker = &gocycle.CircuitBreakerConfig{}
	}
	manager, err := gocycle.NewManager(store, managerConfig)
	if err != nil {
		return err
	}

	var provider payment.Provider
	if cfg.StripeEnabled() {
		p, err := stripe.NewProvider(stripe.Config{
			Config: payment.Config{
				Manager:       manager,
				APIKey:        cfg.StripeAPIKey,
				WebhookSecret: cfg.StripeWebhookSecret,
				Currency:      cfg.Currency,
				Metrics:       paymentmetrics.NewMetrics(reg, cfg.MetricsNamespace),
				Logger:        zlog.NewLogger(logger.With().Str("provider", "stripe").Logger()),
			},
			SuccessURL: cfg.StripeSuccessURL,
			CancelURL:  cfg.StripeCancelURL,
		})
		if err != nil {
			return err
		}
		manager.SetPaymentLinker(p)
		provider = p
		logger.Info().Str("currency", p.Currency()).Msg("stripe checkout enabled")
	} else {
		logger.Warn().Msg("no payment provider configured, card invoices are issued without payment links")
	}

	handler, err := api.NewHandler(api.Config{
		Manager:   manager,
		PathParam: chi.URLParam,
		Logger:    zlog.NewLogger(logger),
	})
	if err != nil {
		return err
	}

	sched := scheduler.New(manager, cfg.BillingSchedule, logger)
	if err := sched.Start(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: newRouter(routerDeps{
			API:      handler,
			Payments: provider,
			Gatherer: reg,
			Logger:   logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		<-sched.Stop().Done()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn().Msg("billing run still in progress at shutdown")
	}
	return nil
}
