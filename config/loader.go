package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// TALLY_LLM_MODEL or TALLY_SERVER_ADDR.
const EnvPrefix = "TALLY"

// keyDelimiter separates nested keys. Product ids contain dots, so the
// default "." cannot be used.
const keyDelimiter = "::"

// Loader reads configuration from defaults, an optional file, an optional
// .env file and the environment, in increasing order of precedence.
type Loader struct {
	file    string
	envFile string
	logger  *slog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithFile sets the YAML, TOML or JSON configuration file.
func WithFile(path string) LoaderOption {
	return func(l *Loader) { l.file = path }
}

// WithEnvFile sets the dotenv file loaded before the environment is read.
func WithEnvFile(path string) LoaderOption {
	return func(l *Loader) { l.envFile = path }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader creates a Loader. The env file defaults to ".env".
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{envFile: ".env", logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load resolves the raw configuration.
func (l *Loader) Load() (Config, error) {
	env, err := l.readEnvFile()
	if err != nil {
		return Config{}, err
	}

	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if l.file != "" {
		v.SetConfigFile(l.file)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("config: read %s: %w", l.file, err)
			}
			l.logger.Warn("config file not found, using defaults", "file", l.file)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}

	if err := applyLegacyEnv(&cfg, env); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Snapshot loads and builds a Snapshot.
func (l *Loader) Snapshot() (*Snapshot, error) {
	cfg, err := l.Load()
	if err != nil {
		return nil, err
	}
	return Build(cfg)
}

// readEnvFile merges the dotenv file under the process environment.
// Variables already set in the process win.
func (l *Loader) readEnvFile() (map[string]string, error) {
	env := make(map[string]string)
	if l.envFile != "" {
		fileEnv, err := godotenv.Read(l.envFile)
		switch {
		case err == nil:
			for k, v := range fileEnv {
				env[k] = v
				if _, set := os.LookupEnv(k); !set {
					_ = os.Setenv(k, v) //nolint:errcheck // only fails on invalid keys
				}
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("config: read %s: %w", l.envFile, err)
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env, nil
}

// applyLegacyEnv honours the unprefixed variables older deployments set.
func applyLegacyEnv(cfg *Config, env map[string]string) error {
	if v, ok := env["CURRENT_LLM_MODEL"]; ok && v != "" {
		cfg.LLM.Model = v
	}
	if v, ok := env["LLM_MODEL"]; ok && v != "" {
		cfg.LLM.Model = v
	}
	if v, ok := env["OPENAI_KEYS"]; ok && v != "" {
		cfg.LLM.Keys = strings.Split(v, "|")
	}
	for _, k := range []string{"SERVER_MAINTENCE", "SERVER_MAINTENANCE"} {
		if v, ok := env[k]; ok && v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("config: %s: %w", k, err)
			}
			cfg.Maintenance = b
		}
	}
	if v, ok := env["COST_EFFICIENCY"]; ok && v != "" {
		cfg.Billing.CostEfficiency = v
	}
	if v, ok := env["SIGNUP_BONUS"]; ok && v != "" {
		cfg.Billing.SignupBonus = v
	}
	if v, ok := env["NOTICE"]; ok {
		cfg.Notice = v
	}
	if v, ok := env["SECRETARI_PRODUCT_ID_IOS"]; ok && v != "" {
		products, err := parseProductIDs(v)
		if err != nil {
			return fmt.Errorf("config: SECRETARI_PRODUCT_ID_IOS: %w", err)
		}
		cfg.Billing.Products = products
	}
	return nil
}

// parseProductIDs reads {"ver0":{"productIDs":{"890842":8.99,...}}}.
func parseProductIDs(raw string) (map[string]string, error) {
	var doc map[string]struct {
		ProductIDs map[string]json.Number `json:"productIDs"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, err
	}
	ver, ok := doc["ver0"]
	if !ok {
		return nil, errors.New("missing ver0")
	}
	out := make(map[string]string, len(ver.ProductIDs))
	for id, price := range ver.ProductIDs {
		out[id] = price.String()
	}
	return out, nil
}

func setDefaults(v *viper.Viper, d Config) {
	set := func(key string, val any) { v.SetDefault(strings.ReplaceAll(key, ".", keyDelimiter), val) }

	set("server.addr", d.Server.Addr)
	set("server.base_path", d.Server.BasePath)
	set("server.rate_limit", d.Server.RateLimit)
	set("server.rate_burst", d.Server.RateBurst)
	set("server.read_timeout", d.Server.ReadTimeout)
	set("server.write_timeout", d.Server.WriteTimeout)
	set("server.shutdown_timeout", d.Server.ShutdownTimeout)

	set("auth.secret", d.Auth.Secret)
	set("auth.token_ttl", d.Auth.TokenTTL)

	set("llm.model", d.LLM.Model)
	set("llm.base_url", d.LLM.BaseURL)
	set("llm.keys", d.LLM.Keys)
	set("llm.segment_timeout", d.LLM.SegmentTimeout)
	maxTokens := make(map[string]any, len(d.LLM.MaxTokens))
	for model, n := range d.LLM.MaxTokens {
		maxTokens[model] = n
	}
	set("llm.max_tokens", maxTokens)
	prices := make(map[string]any, len(d.LLM.Prices))
	for model, p := range d.LLM.Prices {
		prices[model] = map[string]any{"prompt": p.Prompt, "completion": p.Completion}
	}
	set("llm.prices", prices)

	set("billing.cost_efficiency", d.Billing.CostEfficiency)
	set("billing.signup_bonus", d.Billing.SignupBonus)
	set("billing.min_balance", d.Billing.MinBalance)
	set("billing.max_expense", d.Billing.MaxExpense)
	products := make(map[string]any, len(d.Billing.Products))
	for id, price := range d.Billing.Products {
		products[id] = price
	}
	set("billing.products", products)

	set("store.driver", d.Store.Driver)
	set("store.path", d.Store.Path)
	set("store.dsn", d.Store.DSN)

	set("ledger.max_retries", d.Ledger.MaxRetries)
	set("ledger.publish_batch", d.Ledger.PublishBatch)
	set("ledger.publish_interval", d.Ledger.PublishInterval)

	set("log.level", d.Log.Level)
	set("log.format", d.Log.Format)

	set("maintenance", d.Maintenance)
	set("notice", d.Notice)
	set("reload_schedule", d.ReloadSchedule)
}
