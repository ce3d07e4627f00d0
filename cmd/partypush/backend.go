package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/dukerupert/partypush/internal/alert"
	"github.com/dukerupert/partypush/internal/config"
	"github.com/dukerupert/partypush/internal/database"
	"github.com/dukerupert/partypush/internal/dispatch"
	"github.com/dukerupert/partypush/internal/email"
	"github.com/dukerupert/partypush/internal/handler"
	"github.com/dukerupert/partypush/internal/pgstore"
	"github.com/dukerupert/partypush/internal/push"
	"github.com/dukerupert/partypush/internal/resolve"
	"github.com/dukerupert/partypush/internal/server"
	"github.com/dukerupert/partypush/internal/store"
)

type queueStore interface {
	server.Queue
	dispatch.Queue
}

type subscriptionStore interface {
	handler.SubscriptionStore
	resolve.SubscriptionSource
	push.Disabler
}

type backend struct {
	queue queueStore
	subs  subscriptionStore
	close func()
}

// openBackend picks Postgres when a DSN is configured and the local
// SQLite file otherwise.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	queueCfg := store.QueueConfig{
		BaseDelay:   cfg.Queue.BaseDelay,
		MaxDelay:    cfg.Queue.MaxDelay,
		MaxAttempts: cfg.Queue.MaxAttempts,
	}

	if cfg.Database.PostgresDSN != "" {
		pool, err := pgstore.Open(ctx, cfg.Database.PostgresDSN)
		if err != nil {
			return nil, err
		}
		logger.Info("using postgres queue")
		return &backend{
			queue: pgstore.NewQueue(pool, queueCfg),
			subs:  pgstore.NewSubscriptionStore(pool),
			close: pool.Close,
		}, nil
	}

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	logger.Info("using sqlite queue", "path", cfg.Database.Path)
	return &backend{
		queue: store.NewNotificationStore(db, queueCfg),
		subs:  store.NewSubscriptionStore(db),
		close: func() { db.Close() },
	}, nil
}

// newProvider builds the configured provider. The second return value is
// the VAPID public key when Web Push is in use.
func newProvider(cfg *config.Config, subs push.Disabler, logger *slog.Logger) (push.Provider, string) {
	switch cfg.Provider {
	case config.ProviderWebPush:
		p := push.NewWebPush(push.WebPushConfig{
			VAPIDPublicKey:  cfg.WebPush.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.WebPush.VAPIDPrivateKey,
			Subscriber:      cfg.WebPush.Subscriber,
			TTL:             cfg.WebPush.TTL,
			DefaultIcon:     cfg.Notification.Icon,
			DefaultBadge:    cfg.Notification.Badge,
			Timeout:         cfg.WebPush.Timeout,
		}, subs, logger)
		return p, p.VAPIDPublicKey()
	default:
		return push.NewOneSignal(push.OneSignalConfig{
			AppID:        cfg.OneSignal.AppID,
			APIKey:       cfg.OneSignal.APIKey,
			BaseURL:      cfg.OneSignal.BaseURL,
			DefaultIcon:  cfg.Notification.Icon,
			DefaultBadge: cfg.Notification.Badge,
			Timeout:      cfg.OneSignal.Timeout,
		}, subs, logger), ""
	}
}

// newAlerts always logs, and adds Sentry and operator email when configured.
// The returned flush drains buffered Sentry events on shutdown.
func newAlerts(cfg *config.Config, logger *slog.Logger) (alert.Notifier, func()) {
	notifiers := alert.Multi{alert.Log{Logger: logger.With("component", "alert")}}
	flush := func() {}

	if cfg.Alert.SentryDSN != "" {
		s, err := alert.NewSentry(sentry.ClientOptions{
			Dsn:         cfg.Alert.SentryDSN,
			Environment: cfg.Alert.Environment,
		})
		if err != nil {
			logger.Error("sentry disabled", "error", err)
		} else {
			notifiers = append(notifiers, s)
			flush = func() { s.Flush(2 * time.Second) }
		}
	}

	if cfg.Alert.PostmarkToken != "" {
		client := email.NewClient(cfg.Alert.PostmarkToken, cfg.Alert.EmailFrom)
		notifiers = append(notifiers, alert.NewEmail(client, cfg.Alert.EmailTo, logger.With("component", "alert_email")))
	}

	return notifiers, flush
}

func newDispatcher(cfg *config.Config, b *backend, provider push.Provider, events dispatch.Publisher, alerts alert.Notifier, logger *slog.Logger) *dispatch.Dispatcher {
	return dispatch.New(dispatch.Config{
		Workers:         cfg.Dispatch.Workers,
		PollInterval:    cfg.Dispatch.PollInterval,
		SendTimeout:     cfg.Dispatch.SendTimeout,
		ReclaimInterval: cfg.Dispatch.ReclaimInterval,
		StaleAfter:      cfg.Dispatch.StaleAfter,
		SendRate:        cfg.Dispatch.SendRate,
		SendBurst:       cfg.Dispatch.SendBurst,
	}, b.queue, resolve.New(b.subs, provider.SupportsFilters()), provider, events, alerts, logger)
}
