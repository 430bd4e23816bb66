package meter_test

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/types"
)

func TestCountTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"whitespace only", "   \n\t", 0},
		{"short word", "cat", 1},
		{"four runes", "word", 1},
		{"long word", "internationalization", 5},
		{"sentence", "Hi there.", 4},
		{"ideographs", "你好", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, meter.CountTokens(tt.text))
		})
	}
}

func TestCountTokensIsAdditiveOverWords(t *testing.T) {
	a := "The quick brown fox "
	b := "jumps over the lazy dog."
	assert.Equal(t, meter.CountTokens(a)+meter.CountTokens(b), meter.CountTokens(a+b))
	assert.Positive(t, meter.CountTokens(strings.Repeat("memo ", 100)))
}

func TestPriceTableCost(t *testing.T) {
	prices := meter.DefaultPrices()

	cost, ok := prices.Cost("gpt-4o", 1000, 1000)
	require.True(t, ok)
	assert.True(t, cost.Equal(types.USD(20_000)), "cost %s", cost)

	cost, ok = prices.Cost("GPT-3.5-Turbo", 2000, 0)
	require.True(t, ok)
	assert.True(t, cost.Equal(types.USD(1_000)), "cost %s", cost)

	cost, ok = prices.Cost("llama-3", 5000, 5000)
	assert.False(t, ok)
	assert.True(t, cost.IsZero())
}

func TestCollector(t *testing.T) {
	c := meter.NewCollector("gpt-4", meter.DefaultPrices(), nil)

	prompt := c.Prompt("summarize")
	require.Equal(t, 3, prompt)
	for range 7 {
		c.Unit()
	}

	u := c.Finish(decimal.RequireFromString("1.5"))
	assert.True(t, u.Priced)
	assert.Equal(t, 3, u.PromptTokens)
	assert.Equal(t, 7, u.CompletionTokens)
	assert.Equal(t, 10, u.TotalTokens)
	assert.Equal(t, int64(15), u.ScaledTokens)

	// 3 * 0.03/1K + 7 * 0.06/1K = 0.00009 + 0.00042 = 0.00051
	assert.True(t, u.Cost.Equal(types.USD(510)), "cost %s", u.Cost)
	assert.True(t, u.ScaledCost.Equal(types.USD(765)), "scaled %s", u.ScaledCost)
}

func TestCollectorUnknownModelIsFree(t *testing.T) {
	c := meter.NewCollector("mystery", meter.DefaultPrices(), nil)
	c.Prompt("hello world")
	c.Unit()

	u := c.Finish(decimal.NewFromInt(2))
	assert.False(t, u.Priced)
	assert.True(t, u.ScaledCost.IsZero())
	assert.Equal(t, int64(10), u.ScaledTokens)
}
