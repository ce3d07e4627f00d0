package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dukerupert/partypush/internal/config"
	"github.com/dukerupert/partypush/internal/logging"
)

// app is shared by the subcommands once the root has loaded the config.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *slog.Logger
}

func rootCommand() *cobra.Command {
	a := &app{v: config.New()}
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "partypush",
		Short:         "Push notification dispatch for party games",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format: text or json")
	for key, flag := range map[string]string{"log_level": "log-level", "log_format": "log-format"} {
		if err := a.v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind %s flag: %v", flag, err))
		}
	}

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// vapid-keys and simulate need no configuration.
		if cmd.Annotations["config"] == "none" {
			a.logger = logging.Setup(a.v.GetString("log_level"), a.v.GetString("log_format"))
			return nil
		}
		cfg, err := config.Load(a.v, configPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
		a.logger = logging.Setup(cfg.LogLevel, cfg.LogFormat)
		a.logger.Debug("configuration loaded", "config", cfg.String())
		return nil
	}

	rootCmd.AddCommand(
		serveCommand(a),
		dispatchCommand(a),
		deadCommand(a),
		vapidKeysCommand(),
		simulateCommand(a),
	)
	return rootCmd
}
