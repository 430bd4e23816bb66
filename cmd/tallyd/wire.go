package main

import (
	"fmt"
	"log/slog"

	"github.com/xraph/tally"
	audithook "github.com/xraph/tally/audit_hook"
	"github.com/xraph/tally/config"
	"github.com/xraph/tally/observability"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/memory"
)

// openStore opens the store named by cfg.
func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		if cfg.Path == "" {
			return memory.New(), nil
		}
		return memory.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("store driver %q cannot be opened by tallyd; embed the forge extension with a grove store instead", cfg.Driver)
	}
}

// newLedger builds the ledger for a server process. Eligibility thresholds
// follow the live configuration.
func newLedger(s store.Store, holder *config.Holder, prom *observability.Prometheus, logger *slog.Logger) *tally.Ledger {
	ledgerCfg := holder.Load().Raw().Ledger

	opts := []tally.Option{
		tally.WithLogger(logger),
		tally.WithPolicySource(holder.Policy),
		tally.WithRetryPolicy(ledgerCfg.MaxRetries, tally.DefaultInitialBackoff, tally.DefaultMaxBackoff),
		tally.WithPublishConfig(ledgerCfg.PublishBatch, ledgerCfg.PublishInterval),
		tally.WithPlugin(audithook.New(
			audithook.LogRecorder(logger.With("component", "audit")),
			audithook.WithLogger(logger),
		)),
	}
	if prom != nil {
		opts = append(opts, tally.WithPlugin(observability.NewMetricsExtension(prom)))
	}
	return tally.New(s, opts...)
}
