// Package extension provides the Forge extension adapter for tally.
//
// It implements the forge.Extension interface to integrate the account
// ledger into a Forge application with DI registration and lifecycle
// management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.tally" or "tally" keys.
package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/tally"
	"github.com/xraph/tally/config"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/types"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "tally"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Prepaid account ledger for metered AI text generation"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the tally Ledger as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	ledger     *tally.Ledger
	store      store.Store
	holder     *config.Holder
	ledgerOpts []tally.Option
}

// New creates a new tally Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ledger returns the underlying Ledger instance.
// This is nil until Register is called.
func (e *Extension) Ledger() *tally.Ledger { return e.ledger }

// Register implements [forge.Extension]. It loads configuration,
// initializes the ledger, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil {
		e.store = memory.New()
	}

	opts, err := e.buildLedgerOpts()
	if err != nil {
		return err
	}
	e.ledger = tally.New(e.store, opts...)

	return vessel.Provide(fapp.Container(), func() (*tally.Ledger, error) {
		return e.ledger, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.ledger == nil {
		return errors.New("tally: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.ledger.Start(ctx); err != nil {
			return err
		}
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.ledger != nil {
		if err := e.ledger.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("tally: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildLedgerOpts constructs tally.Option values from the resolved config.
func (e *Extension) buildLedgerOpts() ([]tally.Option, error) {
	opts := make([]tally.Option, 0, len(e.ledgerOpts)+3)

	opts = append(opts,
		tally.WithRetryPolicy(e.config.MaxRetries, tally.DefaultInitialBackoff, tally.DefaultMaxBackoff),
		tally.WithPublishConfig(e.config.PublishBatch, e.config.PublishInterval),
	)

	if e.holder != nil {
		opts = append(opts, tally.WithPolicySource(e.holder.Policy))
	} else {
		policy, err := policyOf(e.config)
		if err != nil {
			return nil, err
		}
		opts = append(opts, tally.WithPolicy(policy))
	}

	// Pass-through options last so they win.
	opts = append(opts, e.ledgerOpts...)
	return opts, nil
}

func policyOf(cfg Config) (entitlement.Policy, error) {
	minBalance, err := types.Parse(cfg.MinBalance, "usd")
	if err != nil {
		return entitlement.Policy{}, fmt.Errorf("tally: min_balance: %w", err)
	}
	maxExpense, err := types.Parse(cfg.MaxExpense, "usd")
	if err != nil {
		return entitlement.Policy{}, fmt.Errorf("tally: max_expense: %w", err)
	}
	return entitlement.Policy{MinBalance: minBalance, MaxExpense: maxExpense}, nil
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("tally: configuration is required but not found in config files; " +
				"ensure 'extensions.tally' or 'tally' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("tally: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("max_retries", e.config.MaxRetries),
		forge.F("publish_batch", e.config.PublishBatch),
		forge.F("publish_interval", e.config.PublishInterval),
		forge.F("live_policy", e.holder != nil),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.tally", "tally"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("tally: failed to bind config",
				forge.F("key", key),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.Logger().Debug("tally: loaded config from file", forge.F("key", key))
		return cfg, true
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.PublishBatch == 0 {
		cfg.PublishBatch = defaults.PublishBatch
	}
	if cfg.PublishInterval == 0 {
		cfg.PublishInterval = defaults.PublishInterval
	}
	if cfg.MinBalance == "" {
		cfg.MinBalance = defaults.MinBalance
	}
	if cfg.MaxExpense == "" {
		cfg.MaxExpense = defaults.MaxExpense
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	if yamlConfig.MaxRetries == 0 {
		yamlConfig.MaxRetries = programmaticConfig.MaxRetries
	}
	if yamlConfig.PublishBatch == 0 {
		yamlConfig.PublishBatch = programmaticConfig.PublishBatch
	}
	if yamlConfig.PublishInterval == 0 {
		yamlConfig.PublishInterval = programmaticConfig.PublishInterval
	}
	if yamlConfig.MinBalance == "" {
		yamlConfig.MinBalance = programmaticConfig.MinBalance
	}
	if yamlConfig.MaxExpense == "" {
		yamlConfig.MaxExpense = programmaticConfig.MaxExpense
	}

	return mergeWithDefaults(yamlConfig)
}
