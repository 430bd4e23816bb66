package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xraph/tally/config"
)

type globalFlags struct {
	configFile string
	envFile    string
	logFormat  string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "tallyd",
		Short:         "Metered streaming generation server with a prepaid account ledger",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configFile, "config", "c", "", "configuration file (yaml, toml or json)")
	pf.StringVar(&flags.envFile, "env-file", ".env", "dotenv file read before the environment")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format: text or json (overrides log.format)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides log.level)")

	rootCmd.AddCommand(
		newServeCmd(flags),
		newTokenCmd(flags),
		newCouponCmd(flags),
		newVersionCmd(),
	)

	return rootCmd
}

// loadConfig resolves configuration and the logger described by it.
func loadConfig(flags *globalFlags, stderr io.Writer) (*config.Loader, *config.Snapshot, *slog.Logger, error) {
	bootstrap := newLogger(stderr, flags.logFormat, flags.logLevel)

	loader := config.NewLoader(
		config.WithFile(flags.configFile),
		config.WithEnvFile(flags.envFile),
		config.WithLogger(bootstrap),
	)
	snap, err := loader.Snapshot()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	logCfg := snap.Raw().Log
	format, level := logCfg.Format, logCfg.Level
	if flags.logFormat != "" {
		format = flags.logFormat
	}
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	logger := newLogger(stderr, format, level)

	return config.NewLoader(
		config.WithFile(flags.configFile),
		config.WithEnvFile(flags.envFile),
		config.WithLogger(logger),
	), snap, logger, nil
}

func newLogger(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
