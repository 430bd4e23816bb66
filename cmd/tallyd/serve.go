package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xraph/tally/auth"
	"github.com/xraph/tally/config"
	"github.com/xraph/tally/observability"
	"github.com/xraph/tally/payment"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/server"
	"github.com/xraph/tally/session"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, flags, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, flags *globalFlags, addr string) error {
	loader, snap, logger, err := loadConfig(flags, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	raw := snap.Raw()
	holder := config.NewHolder(snap)

	reloader := config.NewReloader(loader, holder, raw.ReloadSchedule, logger)
	if err := reloader.Start(); err != nil {
		return fmt.Errorf("start config reloader: %w", err)
	}
	defer reloader.Stop()

	tokens, err := auth.NewTokens(raw.Auth.Secret, raw.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	st, err := openStore(raw.Store)
	if err != nil {
		return err
	}

	prom := observability.NewPrometheus()
	ledger := newLedger(st, holder, prom, logger)
	if err := ledger.Start(ctx); err != nil {
		_ = st.Close() //nolint:errcheck // start already failed
		return fmt.Errorf("start ledger: %w", err)
	}
	defer func() {
		if err := ledger.Stop(); err != nil {
			logger.Error("ledger stop failed", "error", err)
		}
	}()

	llm := provider.NewOpenAI(snap.BaseURL, func() string { return holder.Load().RandomKey() },
		provider.WithLogger(logger),
	)

	registry := session.NewRegistry()
	prom.GaugeFunc("tally_active_sessions", "Open websocket generation sessions.", func() float64 {
		return float64(registry.Len())
	})

	sessions := session.NewManager(ledger, llm, tokens, holder,
		session.WithLogger(logger),
		session.WithPlugins(ledger.Plugins()),
		session.WithRegistry(registry),
	)
	ingest := payment.NewIngest(ledger, holder,
		payment.WithLogger(logger),
		payment.WithPlugins(ledger.Plugins()),
	)

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(prom.Handler()),
		server.WithMiddleware(prom.Middleware),
	}
	if addr != "" {
		opts = append(opts, server.WithAddr(addr))
	}
	srv := server.New(ledger, sessions, ingest, tokens, holder, opts...)

	logger.Info("tallyd starting",
		"store", raw.Store.Driver,
		"model", snap.Model,
		"base_path", srv.BasePath(),
	)
	return srv.Run(ctx)
}
