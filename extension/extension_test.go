package extension

import (
	"testing"
	"time"

	"github.com/xraph/tally/types"
)

func TestMergeWithDefaults(t *testing.T) {
	got := mergeWithDefaults(Config{MaxRetries: 3})
	if got.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", got.MaxRetries)
	}
	if got.PublishBatch != 256 {
		t.Errorf("PublishBatch = %d, want 256", got.PublishBatch)
	}
	if got.PublishInterval != time.Second {
		t.Errorf("PublishInterval = %v, want 1s", got.PublishInterval)
	}
	if got.MinBalance != "0" || got.MaxExpense != "15" {
		t.Errorf("policy = %q/%q, want 0/15", got.MinBalance, got.MaxExpense)
	}
}

func TestMergeConfigurations(t *testing.T) {
	tests := []struct {
		name         string
		yaml         Config
		programmatic Config
		want         Config
	}{
		{
			name:         "yaml wins",
			yaml:         Config{MaxRetries: 4, MaxExpense: "20"},
			programmatic: Config{MaxRetries: 9, MaxExpense: "30"},
			want:         Config{MaxRetries: 4, PublishBatch: 256, PublishInterval: time.Second, MinBalance: "0", MaxExpense: "20"},
		},
		{
			name:         "programmatic fills gaps",
			yaml:         Config{},
			programmatic: Config{PublishBatch: 10, PublishInterval: time.Minute, MinBalance: "1"},
			want:         Config{MaxRetries: 8, PublishBatch: 10, PublishInterval: time.Minute, MinBalance: "1", MaxExpense: "15"},
		},
		{
			name:         "disable migrate sticks",
			yaml:         Config{},
			programmatic: Config{DisableMigrate: true},
			want:         Config{DisableMigrate: true, MaxRetries: 8, PublishBatch: 256, PublishInterval: time.Second, MinBalance: "0", MaxExpense: "15"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mergeConfigurations(tt.yaml, tt.programmatic); got != tt.want {
				t.Errorf("mergeConfigurations() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPolicyOf(t *testing.T) {
	p, err := policyOf(Config{MinBalance: "0.5", MaxExpense: "15"})
	if err != nil {
		t.Fatalf("policyOf: %v", err)
	}
	if !p.MinBalance.Equal(types.USD(500_000)) {
		t.Errorf("MinBalance = %s", p.MinBalance)
	}
	if !p.MaxExpense.Equal(types.USD(15_000_000)) {
		t.Errorf("MaxExpense = %s", p.MaxExpense)
	}

	if _, err := policyOf(Config{MinBalance: "abc", MaxExpense: "15"}); err == nil {
		t.Error("expected error for malformed min_balance")
	}
}

func TestBuildLedgerOpts(t *testing.T) {
	e := New(WithMaxRetries(2), WithPublish(5, time.Minute))
	e.config = mergeWithDefaults(e.config)
	opts, err := e.buildLedgerOpts()
	if err != nil {
		t.Fatalf("buildLedgerOpts: %v", err)
	}
	if len(opts) != 3 {
		t.Errorf("len(opts) = %d, want 3", len(opts))
	}

	e = New(WithConfig(Config{MinBalance: "x", MaxExpense: "15"}))
	if _, err := e.buildLedgerOpts(); err == nil {
		t.Error("expected policy parse error")
	}
}
