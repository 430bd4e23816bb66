// Package config loads server settings and publishes them as immutable
// snapshots that can be swapped at runtime.
package config

import "time"

// Config is the raw, serializable configuration.
// Money and ratio fields are decimal strings so no precision is lost
// between the file and the ledger.
type Config struct {
	Server  ServerConfig  `json:"server" mapstructure:"server" yaml:"server"`
	Auth    AuthConfig    `json:"auth" mapstructure:"auth" yaml:"auth"`
	LLM     LLMConfig     `json:"llm" mapstructure:"llm" yaml:"llm"`
	Billing BillingConfig `json:"billing" mapstructure:"billing" yaml:"billing"`
	Store   StoreConfig   `json:"store" mapstructure:"store" yaml:"store"`
	Ledger  LedgerConfig  `json:"ledger" mapstructure:"ledger" yaml:"ledger"`
	Log     LogConfig     `json:"log" mapstructure:"log" yaml:"log"`

	// Maintenance rejects new sessions with a maintenance error.
	Maintenance bool `json:"maintenance" mapstructure:"maintenance" yaml:"maintenance"`

	// Notice is operator text served at {base}/notice.
	Notice string `json:"notice" mapstructure:"notice" yaml:"notice"`

	// ReloadSchedule is a cron spec for re-reading configuration (default: "@every 1h").
	ReloadSchedule string `json:"reload_schedule" mapstructure:"reload_schedule" yaml:"reload_schedule"`
}

type ServerConfig struct {
	Addr     string `json:"addr" mapstructure:"addr" yaml:"addr"`
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// RateLimit is the sustained requests per second allowed per client.
	RateLimit float64 `json:"rate_limit" mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `json:"rate_burst" mapstructure:"rate_burst" yaml:"rate_burst"`

	ReadTimeout     time.Duration `json:"read_timeout" mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	Secret   string        `json:"secret" mapstructure:"secret" yaml:"secret"`
	TokenTTL time.Duration `json:"token_ttl" mapstructure:"token_ttl" yaml:"token_ttl"`
}

type LLMConfig struct {
	// Model is the chat model every session uses.
	Model   string   `json:"model" mapstructure:"model" yaml:"model"`
	BaseURL string   `json:"base_url" mapstructure:"base_url" yaml:"base_url"`
	Keys    []string `json:"keys" mapstructure:"keys" yaml:"keys"`

	// SegmentTimeout bounds a single provider call.
	SegmentTimeout time.Duration `json:"segment_timeout" mapstructure:"segment_timeout" yaml:"segment_timeout"`

	// MaxTokens is the context window per model.
	MaxTokens map[string]int `json:"max_tokens" mapstructure:"max_tokens" yaml:"max_tokens"`

	// Prices are USD per 1K tokens per model.
	Prices map[string]PriceConfig `json:"prices" mapstructure:"prices" yaml:"prices"`
}

type PriceConfig struct {
	Prompt     string `json:"prompt" mapstructure:"prompt" yaml:"prompt"`
	Completion string `json:"completion" mapstructure:"completion" yaml:"completion"`
}

type BillingConfig struct {
	// CostEfficiency multiplies provider cost into billed cost.
	CostEfficiency string `json:"cost_efficiency" mapstructure:"cost_efficiency" yaml:"cost_efficiency"`
	SignupBonus    string `json:"signup_bonus" mapstructure:"signup_bonus" yaml:"signup_bonus"`
	MinBalance     string `json:"min_balance" mapstructure:"min_balance" yaml:"min_balance"`
	MaxExpense     string `json:"max_expense" mapstructure:"max_expense" yaml:"max_expense"`

	// Products maps an app-store product id to its USD price.
	Products map[string]string `json:"products" mapstructure:"products" yaml:"products"`
}

type StoreConfig struct {
	// Driver selects the store tallyd opens. Only "memory" is opened by the
	// binary; grove-backed stores are handed to the forge extension by the
	// host application that owns the database handle.
	Driver string `json:"driver" mapstructure:"driver" yaml:"driver"`
	// Path is the snapshot file for the memory driver.
	Path string `json:"path" mapstructure:"path" yaml:"path"`
	DSN  string `json:"dsn" mapstructure:"dsn" yaml:"dsn"`
}

type LedgerConfig struct {
	MaxRetries      uint          `json:"max_retries" mapstructure:"max_retries" yaml:"max_retries"`
	PublishBatch    int           `json:"publish_batch" mapstructure:"publish_batch" yaml:"publish_batch"`
	PublishInterval time.Duration `json:"publish_interval" mapstructure:"publish_interval" yaml:"publish_interval"`
}

type LogConfig struct {
	Level  string `json:"level" mapstructure:"level" yaml:"level"`
	Format string `json:"format" mapstructure:"format" yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8000",
			BasePath:        "/secretari",
			RateLimit:       20,
			RateBurst:       40,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL: 480 * 7 * 24 * time.Hour,
		},
		LLM: LLMConfig{
			Model:          "gpt-4o",
			BaseURL:        "https://api.openai.com/v1",
			SegmentTimeout: 2 * time.Minute,
			MaxTokens: map[string]int{
				"gpt-4o":        8192,
				"gpt-4":         4096,
				"gpt-4-turbo":   8192,
				"gpt-3.5-turbo": 4096,
			},
			Prices: map[string]PriceConfig{
				"gpt-4o":        {Prompt: "0.005", Completion: "0.015"},
				"gpt-4-turbo":   {Prompt: "0.01", Completion: "0.03"},
				"gpt-4":         {Prompt: "0.03", Completion: "0.06"},
				"gpt-3.5-turbo": {Prompt: "0.0005", Completion: "0.0015"},
			},
		},
		Billing: BillingConfig{
			CostEfficiency: "1",
			SignupBonus:    "0.2",
			MinBalance:     "0",
			MaxExpense:     "15",
			Products: map[string]string{
				"890842":         "8.99",
				"Yearly.bunny0":  "89.99",
				"monthly.bunny0": "8.99",
			},
		},
		Store: StoreConfig{
			Driver: "memory",
			Path:   "tally.json",
		},
		Ledger: LedgerConfig{
			MaxRetries:      8,
			PublishBatch:    256,
			PublishInterval: time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		ReloadSchedule: "@every 1h",
	}
}
