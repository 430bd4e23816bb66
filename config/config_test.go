package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/config"
	"github.com/xraph/tally/types"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	snap, err := config.NewLoader(config.WithEnvFile("")).Snapshot()
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", snap.Model)
	n, ok := snap.MaxContext("")
	require.True(t, ok)
	assert.Equal(t, 8192, n)
	assert.True(t, snap.CostEfficiency.Equal(decimal.NewFromInt(1)))
	assert.True(t, snap.Policy.MaxExpense.Equal(types.USD(15_000_000)))
	assert.True(t, snap.Policy.MinBalance.IsZero())
	assert.True(t, snap.SignupBonus.Equal(types.USD(200_000)))
	assert.Equal(t, 2*time.Minute, snap.SegmentTimeout)

	price, ok := snap.ProductPrice("Yearly.bunny0")
	require.True(t, ok)
	assert.True(t, price.Equal(types.USD(89_990_000)))

	_, ok = snap.Prices.Lookup("gpt-4")
	assert.True(t, ok)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "tally.yaml", `
llm:
  model: gpt-4
  keys: [k1, k2]
billing:
  cost_efficiency: "1.5"
  products:
    monthly.bunny0: "9.99"
maintenance: true
notice: "<p>Upgrade soon</p>"
`)

	snap, err := config.NewLoader(config.WithFile(path), config.WithEnvFile("")).Snapshot()
	require.NoError(t, err)

	assert.Equal(t, "gpt-4", snap.Model)
	assert.Equal(t, []string{"k1", "k2"}, snap.Keys)
	assert.True(t, snap.CostEfficiency.Equal(decimal.RequireFromString("1.5")))
	assert.True(t, snap.Maintenance)
	assert.Equal(t, "<p>Upgrade soon</p>", snap.Notice)

	price, ok := snap.ProductPrice("monthly.bunny0")
	require.True(t, ok)
	assert.True(t, price.Equal(types.USD(9_990_000)))

	assert.Contains(t, []string{"k1", "k2"}, snap.RandomKey())
}

func TestMissingFileFallsBackToDefaults(t *testing.T) {
	snap, err := config.NewLoader(
		config.WithFile(filepath.Join(t.TempDir(), "absent.yaml")),
		config.WithEnvFile(""),
	).Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", snap.Model)
}

func TestPrefixedEnvOverrides(t *testing.T) {
	t.Setenv("TALLY_LLM_MODEL", "gpt-3.5-turbo")
	t.Setenv("TALLY_SERVER_ADDR", ":9999")

	cfg, err := config.NewLoader(config.WithEnvFile("")).Load()
	require.NoError(t, err)
	assert.Equal(t, "gpt-3.5-turbo", cfg.LLM.Model)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestLegacyDotenv(t *testing.T) {
	keys := []string{"OPENAI_KEYS", "SERVER_MAINTENCE", "COST_EFFICIENCY", "SIGNUP_BONUS", "NOTICE", "SECRETARI_PRODUCT_ID_IOS", "CURRENT_LLM_MODEL"}
	for _, k := range keys {
		_, set := os.LookupEnv(k)
		require.False(t, set, "%s must not be set in the test environment", k)
	}
	t.Cleanup(func() {
		for _, k := range keys {
			_ = os.Unsetenv(k)
		}
	})

	envFile := writeFile(t, ".env", `
CURRENT_LLM_MODEL=gpt-4-turbo
OPENAI_KEYS=sk-a|sk-b|sk-c
SERVER_MAINTENCE=true
COST_EFFICIENCY=2
SIGNUP_BONUS=0.5
NOTICE=hello
SECRETARI_PRODUCT_ID_IOS={"ver0":{"productIDs":{"890842":8.99,"Yearly.bunny0":89.99}}}
`)

	snap, err := config.NewLoader(config.WithEnvFile(envFile)).Snapshot()
	require.NoError(t, err)

	assert.Equal(t, "gpt-4-turbo", snap.Model)
	assert.Equal(t, []string{"sk-a", "sk-b", "sk-c"}, snap.Keys)
	assert.True(t, snap.Maintenance)
	assert.True(t, snap.CostEfficiency.Equal(decimal.NewFromInt(2)))
	assert.True(t, snap.SignupBonus.Equal(types.USD(500_000)))
	assert.Equal(t, "hello", snap.Notice)

	_, ok := snap.ProductPrice("monthly.bunny0")
	assert.False(t, ok)
	price, ok := snap.ProductPrice("890842")
	require.True(t, ok)
	assert.True(t, price.Equal(types.USD(8_990_000)))
}

func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"bad efficiency", func(c *config.Config) { c.Billing.CostEfficiency = "abc" }},
		{"zero efficiency", func(c *config.Config) { c.Billing.CostEfficiency = "0" }},
		{"bad bonus", func(c *config.Config) { c.Billing.SignupBonus = "lots" }},
		{"unknown model", func(c *config.Config) { c.LLM.Model = "gpt-9" }},
		{"no timeout", func(c *config.Config) { c.LLM.SegmentTimeout = 0 }},
		{"bad price", func(c *config.Config) { c.LLM.Prices["gpt-4o"] = config.PriceConfig{Prompt: "x", Completion: "1"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(&cfg)
			_, err := config.Build(cfg)
			assert.Error(t, err)
		})
	}
}

func TestReloaderSwapsSnapshot(t *testing.T) {
	path := writeFile(t, "tally.yaml", "llm:\n  model: gpt-4\n")
	loader := config.NewLoader(config.WithFile(path), config.WithEnvFile(""))

	first, err := loader.Snapshot()
	require.NoError(t, err)
	holder := config.NewHolder(first)

	r := config.NewReloader(loader, holder, "", nil)
	var swapped []string
	r.OnSwap(func(old, cur *config.Snapshot) { swapped = append(swapped, old.Model+"->"+cur.Model) })

	require.NoError(t, os.WriteFile(path, []byte("llm:\n  model: gpt-4-turbo\nmaintenance: true\n"), 0o600))
	require.NoError(t, r.Reload())
	assert.Equal(t, "gpt-4-turbo", holder.Load().Model)
	assert.True(t, holder.Load().Maintenance)
	assert.Equal(t, []string{"gpt-4->gpt-4-turbo"}, swapped)

	require.NoError(t, os.WriteFile(path, []byte("llm:\n  model: nope\n"), 0o600))
	assert.Error(t, r.Reload())
	assert.Equal(t, "gpt-4-turbo", holder.Load().Model)

	require.NoError(t, r.Start())
	r.Stop()
}
