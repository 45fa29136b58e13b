// Package app wires the components together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chronomail/chronomail/internal/admission"
	"github.com/chronomail/chronomail/internal/api"
	"github.com/chronomail/chronomail/internal/capsule"
	"github.com/chronomail/chronomail/internal/config"
	"github.com/chronomail/chronomail/internal/dispatcher"
	"github.com/chronomail/chronomail/internal/keystore"
	"github.com/chronomail/chronomail/internal/mail"
	"github.com/chronomail/chronomail/internal/metrics"
	"github.com/chronomail/chronomail/internal/stats"
	"github.com/chronomail/chronomail/internal/template"
)

// App is the main application
type App struct {
	config        *config.Config
	store         *capsule.BoltStore
	keys          *keystore.KeyStore
	dispatcher    *dispatcher.Dispatcher
	guard         *admission.Guard
	stats         *stats.Aggregator
	apiServer     *api.Server
	metrics       *metrics.Metrics
	collector     *metrics.Collector
	metricsServer *metrics.Server
	logger        *slog.Logger

	stopCh chan struct{}
}

// New creates a new application from configuration
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	store, err := capsule.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capsule store: %w", err)
	}

	keys, err := keystore.New(store.DB(), cfg.Encryption.MasterKey, logger.With("component", "keystore"))
	if err != nil {
		return nil, fmt.Errorf("failed to load keystore: %w", err)
	}

	templates, err := template.NewStorage(store.DB())
	if err != nil {
		return nil, fmt.Errorf("failed to open template storage: %w", err)
	}

	transport, err := buildTransport(cfg, logger)
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	var collector *metrics.Collector
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		m = metrics.New()
		collector = metrics.NewCollector(m, store, cfg.Storage.Path, cfg.Metrics.CollectInterval, logger.With("component", "metrics"))
		metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
	}

	// Avoid a typed-nil Recorder when metrics are disabled.
	var recorder dispatcher.Recorder
	if m != nil {
		recorder = m
	}

	disp := dispatcher.New(store, keys, transport, dispatcher.Config{
		TickInterval:    cfg.Dispatcher.TickInterval,
		DeliveryTimeout: cfg.Dispatcher.DeliveryTimeout,
	}, recorder, logger.With("component", "dispatcher"))

	var guard *admission.Guard
	if cfg.Admission.Enabled {
		filter := admission.NewIPFilter(cfg.Admission.AllowedIPs, cfg.Admission.DeniedIPs, logger.With("component", "admission"))
		limiter := admission.NewRateLimiter(admission.RateLimiterConfig{
			Requests:      cfg.Admission.Requests,
			Period:        cfg.Admission.Period,
			BlockDuration: cfg.Admission.BlockDuration,
		})
		guard = admission.NewGuard(filter, limiter, logger.With("component", "admission"))
		logger.Info("admission guard enabled",
			"requests", cfg.Admission.Requests,
			"period", cfg.Admission.Period,
		)
	}

	agg, err := stats.New(store, store.DB(), cfg.Stats.RealtimeTTL, logger.With("component", "stats"))
	if err != nil {
		return nil, fmt.Errorf("failed to create statistics aggregator: %w", err)
	}

	apiServer := api.NewServer(api.Deps{
		Repo:       store,
		Keys:       keys,
		Dispatcher: disp,
		Templates:  templates,
		Stats:      agg,
		Guard:      guard,
		Metrics:    m,
	}, &cfg.API, logger.With("component", "api"))

	return &App{
		config:        cfg,
		store:         store,
		keys:          keys,
		dispatcher:    disp,
		guard:         guard,
		stats:         agg,
		apiServer:     apiServer,
		metrics:       m,
		collector:     collector,
		metricsServer: metricsServer,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}, nil
}

// buildTransport selects the delivery transport from configuration.
func buildTransport(cfg *config.Config, logger *slog.Logger) (mail.Transport, error) {
	switch cfg.Transport.Mode {
	case "smtp":
		return mail.NewSMTPTransport(mail.SMTPConfig{
			Addr:     cfg.Transport.SMTP.Addr,
			From:     cfg.Transport.SMTP.From,
			Hostname: cfg.Server.Hostname,
			Username: cfg.Transport.SMTP.Username,
			Password: cfg.Transport.SMTP.Password,
			StartTLS: cfg.Transport.SMTP.StartTLS,
			Timeout:  cfg.Transport.SMTP.Timeout,
		}, logger.With("component", "transport")), nil
	case "console":
		return mail.NewConsoleTransport(logger.With("component", "transport")), nil
	default:
		return nil, fmt.Errorf("unknown transport mode: %s", cfg.Transport.Mode)
	}
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting chronomail",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"transport", a.config.Transport.Mode,
		"storage", a.config.Storage.Path,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.dispatcher.Start(ctx)

	if a.guard != nil {
		a.guard.StartPruning(a.config.Admission.PruneInterval)
	}

	if a.collector != nil {
		a.collector.Start(ctx)
	}

	go a.realtimeLoop(ctx)
	go a.dailyLoop(ctx)

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// realtimeLoop refreshes the cached realtime statistics snapshot.
func (a *App) realtimeLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.Stats.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := a.stats.UpdateRealtime(ctx); err != nil {
				a.logger.Warn("failed to refresh realtime statistics", "error", err)
			}
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		}
	}
}

// dailyLoop collects the previous day's statistics shortly after each
// midnight.
func (a *App) dailyLoop(ctx context.Context) {
	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 5, 0, 0, now.Location()).AddDate(0, 0, 1)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-timer.C:
			yesterday := time.Now().AddDate(0, 0, -1)
			if _, err := a.stats.CollectDaily(ctx, yesterday); err != nil {
				a.logger.Error("daily statistics collection failed", "error", err)
			}
		case <-ctx.Done():
			timer.Stop()
			return
		case <-a.stopCh:
			timer.Stop()
			return
		}
	}
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	close(a.stopCh)

	// Stop the delivery loop first so no capsule is left in processing.
	a.dispatcher.Stop()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if a.collector != nil {
		a.collector.Stop()
	}

	if a.guard != nil {
		a.guard.Stop()
	}

	// Persist key usage counters before closing the shared database.
	if err := a.keys.Close(); err != nil {
		a.logger.Error("keystore close error", "error", err)
	}

	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
