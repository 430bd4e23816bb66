package extension

import "time"

// Config holds the tally extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.tally" or "tally" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// MaxRetries bounds optimistic-concurrency retries per mutation (default: 8).
	MaxRetries uint `json:"max_retries" mapstructure:"max_retries" yaml:"max_retries"`

	// PublishBatch is the number of dirty accounts that triggers an early
	// publish (default: 256).
	PublishBatch int `json:"publish_batch" mapstructure:"publish_batch" yaml:"publish_batch"`

	// PublishInterval is how often dirty accounts are published even when
	// the batch is not full (default: 1s).
	PublishInterval time.Duration `json:"publish_interval" mapstructure:"publish_interval" yaml:"publish_interval"`

	// MinBalance and MaxExpense are decimal USD amounts for the eligibility
	// policy. Ignored when a config holder supplies the policy.
	MinBalance string `json:"min_balance" mapstructure:"min_balance" yaml:"min_balance"`
	MaxExpense string `json:"max_expense" mapstructure:"max_expense" yaml:"max_expense"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      8,
		PublishBatch:    256,
		PublishInterval: time.Second,
		MinBalance:      "0",
		MaxExpense:      "15",
	}
}
