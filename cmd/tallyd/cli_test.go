package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/auth"
	"github.com/xraph/tally/config"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/types"
)

const testSecret = "cli-test-secret-0123456789"

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "tally.yaml")
	body := "auth:\n  secret: " + testSecret + "\n" +
		"store:\n  driver: memory\n  path: " + filepath.Join(dir, "snapshot.json") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)

	out, err := run(t, "token", "device-abc", "--config", cfg, "--env-file", filepath.Join(dir, "none.env"))
	require.NoError(t, err)

	tokens, err := auth.NewTokens(testSecret, 0)
	require.NoError(t, err)
	userID, err := tokens.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "DEVICE-ABC", userID)
}

func TestCouponCreatePersistsSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	envFile := filepath.Join(dir, "none.env")

	out, err := run(t, "coupon", "create", " welcome ", "--amount", "2.50", "--config", cfg, "--env-file", envFile)
	require.NoError(t, err)
	assert.Contains(t, out, "WELCOME")

	st, err := memory.Open(filepath.Join(dir, "snapshot.json"))
	require.NoError(t, err)
	c, err := st.GetCoupon(context.Background(), "WELCOME")
	require.NoError(t, err)
	assert.True(t, c.Amount.Equal(types.USD(2_500_000)))
	assert.False(t, c.Redeemed)

	_, err = run(t, "coupon", "create", "WELCOME", "--amount", "1", "--config", cfg, "--env-file", envFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestCouponCreateRejectsBadAmount(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)

	_, err := run(t, "coupon", "create", "X", "--amount", "lots", "--config", cfg)
	require.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	st, err := openStore(config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	require.NoError(t, st.Ping(context.Background()))

	_, err = openStore(config.StoreConfig{Driver: "postgres", DSN: "postgres://localhost/tally"})
	require.Error(t, err)
}

func TestNewLedgerWiresAuditAndPolicy(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	snap, err := config.Build(config.DefaultConfig())
	require.NoError(t, err)
	l := newLedger(memory.New(), config.NewHolder(snap), nil, logger)

	ctx := context.Background()
	require.NoError(t, l.Start(ctx))
	a, err := l.CreateTemp(ctx, "device-1", types.USD(200_000))
	require.NoError(t, err)
	assert.True(t, l.CheckEligibility(a, false).Allowed())
	require.NoError(t, l.Stop())

	assert.Contains(t, logs.String(), `"component":"audit"`)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"chatty", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in), tt.in)
	}
}
