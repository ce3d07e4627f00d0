package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func dispatchCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Run dispatch workers only, against a shared queue",
		Long: `Run dispatch workers without the HTTP API. Several dispatch processes
may drain the same Postgres queue; each request is claimed by exactly one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger := a.cfg, a.logger
			if err := cfg.ProviderConfigured(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(contextOrBackground(cmd.Context()), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			b, err := openBackend(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer b.close()

			provider, _ := newProvider(cfg, b.subs, logger)
			alerts, flush := newAlerts(cfg, logger)
			defer flush()

			disp := newDispatcher(cfg, b, provider, nil, alerts, logger)
			disp.Start(ctx)

			if ingestEnabled(cfg, nil, logger) {
				nc, sub, err := startIngest(ctx, a, b, disp.Notify)
				if err != nil {
					disp.Stop()
					return err
				}
				defer nc.Close()
				defer sub.Stop()
			}

			<-ctx.Done()
			logger.Info("shutting down")
			disp.Stop()
			return nil
		},
	}
}
