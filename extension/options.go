package extension

import (
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/config"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/store"
)

// Option configures the tally Forge extension.
type Option func(*Extension)

// WithStore sets the store for the ledger.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithLedgerOption passes a tally.Option through to the ledger.
func WithLedgerOption(opt tally.Option) Option {
	return func(e *Extension) {
		e.ledgerOpts = append(e.ledgerOpts, opt)
	}
}

// WithPlugin registers a ledger plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.ledgerOpts = append(e.ledgerOpts, tally.WithPlugin(p))
	}
}

// WithConfigHolder reads the eligibility policy from live server
// configuration instead of the extension's static thresholds.
func WithConfigHolder(h *config.Holder) Option {
	return func(e *Extension) { e.holder = h }
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithMaxRetries bounds optimistic-concurrency retries.
func WithMaxRetries(n uint) Option {
	return func(e *Extension) { e.config.MaxRetries = n }
}

// WithPublish sets the publish batch size and interval.
func WithPublish(batch int, interval time.Duration) Option {
	return func(e *Extension) {
		e.config.PublishBatch = batch
		e.config.PublishInterval = interval
	}
}
