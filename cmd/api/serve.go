package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/rs/cors"
	"github.com/spf13/cobra"

	"github.com/carenet/escrow/internal/audit"
	"github.com/carenet/escrow/internal/auth"
	"github.com/carenet/escrow/internal/checkout"
	"github.com/carenet/escrow/internal/config"
	"github.com/carenet/escrow/internal/handlers"
	"github.com/carenet/escrow/internal/ledger"
	"github.com/carenet/escrow/internal/providers"
	"github.com/carenet/escrow/internal/ratelimit"
	"github.com/carenet/escrow/internal/reconcile"
	"github.com/carenet/escrow/internal/refunds"
	"github.com/carenet/escrow/internal/router"
	"github.com/carenet/escrow/internal/signature"
	"github.com/carenet/escrow/internal/webhooks"
)

func serveCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reconciliation workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, slog.Default())
		},
	}
}

// app is the wired service. riverClient is nil on the memory driver.
type app struct {
	handler     http.Handler
	riverClient *river.Client[pgx.Tx]
	closers     []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if a.riverClient != nil {
		if err := a.riverClient.Start(ctx); err != nil {
			return fmt.Errorf("start river: %w", err)
		}
		logger.Info("reconciliation workers started")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", cfg.Server.Addr, "storage", cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if a.riverClient != nil {
		if err := a.riverClient.Stop(shutdownCtx); err != nil {
			logger.Error("river shutdown", "error", err)
		}
	}
	return nil
}

// build wires every component for cfg. The caller owns app.close.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}

	registry, secrets := buildProviders(cfg)
	tokens, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return fail(err)
	}
	schemas, err := webhooks.LoadSchemas()
	if err != nil {
		return fail(err)
	}

	limitStore := ratelimit.Store(ratelimit.NewMemoryStore())
	if cfg.Redis.URL != "" {
		rdb, err := ratelimit.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		limitStore = ratelimit.NewRedisStore(rdb)
		logger.Info("rate limits shared through redis")
	}

	var (
		store    ledger.Store
		auditLog audit.Log
		pool     *pgxpool.Pool
	)
	if cfg.Storage.Driver == "postgres" {
		pool, err = connect(ctx, cfg)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, pool.Close)
		auditRepo := audit.NewRepository(pool)
		store, auditLog = ledger.NewRepository(pool, auditRepo), auditRepo
	} else {
		mem := audit.NewMemory()
		store, auditLog = ledger.NewMemoryStore(mem), mem
		logger.Warn("memory storage driver: ledger state is lost on restart and no reconciliation jobs run")
	}
	led := ledger.NewService(store, auditLog, logger)
	refunder := refunds.NewService(led, registry, auditLog, logger)

	h := &handlers.Handler{
		Webhooks:        webhooks.NewProcessor(signature.NewVerifier(secrets, cfg.Webhook.Tolerance), schemas, registry, led, logger),
		Refunds:         refunder,
		Escrows:         led,
		Providers:       registry,
		MaxWebhookBytes: cfg.Webhook.MaxBodyBytes,
		Logger:          logger,
	}

	var enqueuer checkout.Enqueuer
	if pool != nil {
		workers := reconcile.Workers(
			reconcile.NewVerifyPaymentWorker(led, registry, reconcile.VerifyConfig{
				PollInterval:   cfg.Reconcile.PollInterval,
				PendingTimeout: cfg.Reconcile.PendingTimeout,
			}, logger),
			reconcile.NewRefundRetryWorker(refunder, led, logger),
		)
		client, err := reconcile.NewClient(pool, workers, cfg.Reconcile.MaxWorkers, logger)
		if err != nil {
			return fail(fmt.Errorf("create river client: %w", err))
		}
		a.riverClient = client
		q := reconcile.NewEnqueuer(client, cfg.Reconcile.MaxAttempts, cfg.Reconcile.FirstCheck, logger)
		h.RetryQueue = q
		enqueuer = q
	}
	h.Checkouts = checkout.NewService(led, registry, enqueuer, cfg.Providers.Default, logger)

	api := router.New(router.Deps{
		Handler: h,
		Tokens:  tokens,
		Limiter: ratelimit.New(limitStore, logger),
		Limits: router.Limits{
			Webhook:  cfg.RateLimits.Webhook,
			Refund:   cfg.RateLimits.Refund,
			Checkout: cfg.RateLimits.Checkout,
			Escrow:   cfg.RateLimits.Escrow,
			Admin:    cfg.RateLimits.Admin,
			Auth:     cfg.RateLimits.Auth,
		},
		TrustProxy: cfg.Server.TrustProxy,
		Logger:     logger,
	})
	a.handler = cors.New(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-Id"},
		ExposedHeaders: []string{"Retry-After", "X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
	}).Handler(api)
	return a, nil
}

// buildProviders registers every enabled provider and collects the webhook
// secrets. A provider without a secret is registered but its webhooks fail
// verification.
func buildProviders(cfg *config.Config) (*providers.Registry, map[string]signature.Secret) {
	reg := providers.NewRegistry()
	secrets := map[string]signature.Secret{}
	p := cfg.Providers
	if p.Sandbox.Enabled {
		reg.Register(providers.NewSandbox(p.Sandbox.CheckoutURL))
		secrets["sandbox"] = signature.Secret{Key: []byte(p.Sandbox.WebhookSecret), Scheme: signature.BodyOnly}
	}
	if p.Bkash.Enabled {
		reg.Register(providers.NewBkash(providers.BkashConfig{
			BaseURL:     p.Bkash.BaseURL,
			Username:    p.Bkash.Username,
			Password:    p.Bkash.Password,
			AppKey:      p.Bkash.AppKey,
			AppSecret:   p.Bkash.AppSecret,
			CallbackURL: p.Bkash.CallbackURL,
			Timeout:     p.Timeout,
		}))
		secrets["bkash"] = signature.Secret{Key: []byte(p.Bkash.WebhookSecret), Scheme: signature.BodyOnly}
	}
	if p.Nagad.Enabled {
		reg.Register(providers.NewNagad(providers.NagadConfig{
			BaseURL:     p.Nagad.BaseURL,
			Username:    p.Nagad.Username,
			Password:    p.Nagad.Password,
			AppKey:      p.Nagad.AppKey,
			CallbackURL: p.Nagad.CallbackURL,
			Timeout:     p.Timeout,
		}))
		secrets["nagad"] = signature.Secret{Key: []byte(p.Nagad.WebhookSecret), Scheme: signature.BodyAndTimestamp}
	}
	return reg, secrets
}
