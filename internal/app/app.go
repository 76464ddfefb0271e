// Package app is the orchestrator that ties the back office components together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowmerce/flowmerce/internal/analytics"
	"github.com/flowmerce/flowmerce/internal/api"
	"github.com/flowmerce/flowmerce/internal/assistant"
	"github.com/flowmerce/flowmerce/internal/auth"
	"github.com/flowmerce/flowmerce/internal/billing"
	"github.com/flowmerce/flowmerce/internal/cache"
	"github.com/flowmerce/flowmerce/internal/catalog"
	"github.com/flowmerce/flowmerce/internal/config"
	"github.com/flowmerce/flowmerce/internal/events"
	"github.com/flowmerce/flowmerce/internal/metrics"
	"github.com/flowmerce/flowmerce/internal/mpesa"
	"github.com/flowmerce/flowmerce/internal/notify"
	"github.com/flowmerce/flowmerce/internal/orders"
	"github.com/flowmerce/flowmerce/internal/store"
)

// App is the back office process.
type App struct {
	cfg       *config.Config
	store     store.Store
	bus       *events.Bus
	cache     cache.Cache
	auth      *auth.Service
	billing   *billing.Service
	analytics *analytics.Service
	api       *api.Server
	logger    *slog.Logger
}

// New creates the app from configuration: storage, services, event handlers
// and the HTTP API. The initial admin is created when configured.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	c, err := cache.New(cfg.Cache)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init cache: %w", err)
	}

	media, err := catalog.NewMedia(cfg.Server.MediaDir, cfg.Server.MaxImageBytes)
	if err != nil {
		_ = c.Close()
		_ = db.Close()
		return nil, err
	}

	bus := events.New(logger)
	authSvc := auth.NewService(db, bus, cfg.Auth)
	if err := authSvc.BootstrapAdmin(context.Background(), cfg.Auth.InitialAdmin); err != nil {
		bus.Close()
		_ = c.Close()
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	billingSvc := billing.NewService(db, bus, cfg.Subscription, logger)
	if cfg.Mpesa.Enabled {
		billingSvc.SetGateway(mpesa.NewClient(cfg.Mpesa, nil), cfg.Mpesa.CallbackToken)
	}
	stats := analytics.NewService(db, c, cfg.Cache.StatsTTL.Duration, logger)

	var asst *assistant.Service
	if client, err := assistant.NewClient(context.Background(), cfg.Assistant, nil); err != nil {
		logger.Warn("assistant disabled", "error", err)
	} else {
		asst = assistant.NewService(client, stats, billingSvc, cfg.Assistant.SystemPrompt, logger)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		bus.Handle("metrics", m.HandleEvent)
	}

	bus.Handle("analytics", stats.HandleOrderEvent, events.OrderCreated, events.OrderUpdated, events.OrderDeleted)
	notify.NewNotifier(db, notify.NewMailer(cfg.Mail, logger), logger).Register(bus)
	bus.Handle("log.user", func(e events.Event) error {
		var u struct {
			ID    int64  `json:"id"`
			Email string `json:"email"`
		}
		if err := e.Decode(&u); err != nil {
			return err
		}
		logger.Info("user created", "user_id", u.ID, "email", u.Email)
		return nil
	}, events.UserCreated)

	apiSrv := api.NewServer(api.Deps{
		Store:     db,
		Auth:      authSvc,
		Catalog:   catalog.NewService(db, bus, media, logger),
		Media:     media,
		Orders:    orders.NewService(db, bus, logger),
		Billing:   billingSvc,
		Analytics: stats,
		Assistant: asst,
		Metrics:   m,
	}, cfg, logger)

	a := &App{
		cfg:       cfg,
		store:     db,
		bus:       bus,
		cache:     c,
		auth:      authSvc,
		billing:   billingSvc,
		analytics: stats,
		api:       apiSrv,
		logger:    logger.With("component", "app"),
	}

	if len(cfg.Auth.JWTSecret) < 32 {
		logger.Warn("JWT secret is shorter than 32 characters, use a stronger secret in production")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if cfg.Mpesa.Enabled && cfg.Mpesa.CallbackToken == "" {
		logger.Warn("mpesa callback_token is empty, payment callbacks are not authenticated")
	}
	return a, nil
}

// Auth returns the auth service.
func (a *App) Auth() *auth.Service { return a.auth }

// Billing returns the billing service.
func (a *App) Billing() *billing.Service { return a.billing }

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Close releases the bus, cache and store. Run calls it on exit.
func (a *App) Close() error {
	a.bus.Close()
	if err := a.cache.Close(); err != nil {
		a.logger.Warn("close cache", "error", err)
	}
	return a.store.Close()
}

// Run starts the scheduler and the HTTP server and blocks until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	sched, err := a.schedule(ctx)
	if err != nil {
		_ = a.Close()
		return err
	}
	sched.Start()

	a.api.StartBackgroundTasks(ctx)

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("flowmerce listening", "addr", a.cfg.Server.Addr)
		if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			a.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			a.logger.Info("http server stopped gracefully")
		}

		<-sched.Stop().Done()
		a.logger.Info("closing store")
		_ = a.Close()
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		<-sched.Stop().Done()
		_ = a.Close()
		return err
	}
}

// schedule registers the periodic jobs: the subscription sweep on
// subscription.sweep_schedule and a daily purge of expired revoked tokens.
func (a *App) schedule(ctx context.Context) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(a.cfg.Subscription.SweepSchedule, func() { a.sweep(ctx) }); err != nil {
		return nil, fmt.Errorf("schedule subscription sweep %q: %w", a.cfg.Subscription.SweepSchedule, err)
	}
	if _, err := c.AddFunc("@daily", func() { a.purgeTokens(ctx) }); err != nil {
		return nil, fmt.Errorf("schedule token purge: %w", err)
	}
	return c, nil
}

func (a *App) sweep(ctx context.Context) {
	if _, err := a.billing.Sweep(ctx); err != nil {
		a.logger.Warn("subscription sweep failed", "error", err)
	}
}

func (a *App) purgeTokens(ctx context.Context) {
	n, err := a.store.PurgeRevokedTokens(ctx, time.Now().UTC())
	if err != nil {
		a.logger.Warn("token purge failed", "error", err)
		return
	}
	if n > 0 {
		a.logger.Info("purged revoked tokens", "count", n)
	}
}
