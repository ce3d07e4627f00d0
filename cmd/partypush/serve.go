package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/dukerupert/partypush/internal/config"
	"github.com/dukerupert/partypush/internal/ingest"
	"github.com/dukerupert/partypush/internal/server"
	ws "github.com/dukerupert/partypush/internal/websocket"
)

func serveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API together with the dispatch workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	ctx, stop := signal.NotifyContext(contextOrBackground(ctx), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	configErr := cfg.ProviderConfigured()
	if configErr != nil {
		logger.Warn("push provider not configured; producer requests will be rejected", "error", configErr)
	}

	hub := ws.NewHub(logger.With("component", "websocket"))
	provider, vapidKey := newProvider(cfg, b.subs, logger)
	alerts, flush := newAlerts(cfg, logger)
	defer flush()

	disp := newDispatcher(cfg, b, provider, hub, alerts, logger)
	if configErr == nil {
		disp.Start(ctx)
		defer disp.Stop()
	}

	if ingestEnabled(cfg, configErr, logger) {
		nc, sub, err := startIngest(ctx, a, b, disp.Notify)
		if err != nil {
			return err
		}
		defer nc.Close()
		defer sub.Stop()
	}

	srv := server.New(b.queue, b.subs, disp, hub, server.Options{
		APIKey:         cfg.HTTP.APIKey,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RateLimit:      cfg.HTTP.RateLimit,
		RateBurst:      cfg.HTTP.RateBurst,
		VAPIDPublicKey: vapidKey,
		ConfigErr:      configErr,
	}, logger)

	// Periodic cleanup of idle rate limiter entries
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.RateLimiter().Cleanup(15 * time.Minute)
			case <-ctx.Done():
				return
			}
		}
	}()

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.Dispatch.SendTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("partypush listening", "addr", cfg.HTTP.Addr, "provider", provider.Name())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// ingestEnabled reports whether the NATS subscriber should run. Like the
// HTTP producer path, it refuses work while the provider is unconfigured.
func ingestEnabled(cfg *config.Config, configErr error, logger *slog.Logger) bool {
	if cfg.NATS.URL == "" {
		return false
	}
	if configErr != nil {
		logger.Warn("push provider not configured; not subscribing to NATS", "subject", cfg.NATS.Subject, "error", configErr)
		return false
	}
	return true
}

func startIngest(ctx context.Context, a *app, b *backend, notify func()) (*nats.Conn, *ingest.Subscriber, error) {
	nc, err := ingest.Connect(a.cfg.NATS.URL)
	if err != nil {
		return nil, nil, err
	}
	sub := ingest.New(b.queue, notify, a.logger)
	if err := sub.Start(ctx, nc, a.cfg.NATS.Subject, a.cfg.NATS.Queue); err != nil {
		nc.Close()
		return nil, nil, err
	}
	a.logger.Info("listening for notification requests", "subject", a.cfg.NATS.Subject, "queue", a.cfg.NATS.Queue)
	return nc, sub, nil
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
