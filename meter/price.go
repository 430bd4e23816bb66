package meter

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/types"
)

// ModelPrice is the USD rate per 1,000 tokens for one model.
type ModelPrice struct {
	Prompt     decimal.Decimal `json:"prompt" mapstructure:"prompt" yaml:"prompt"`
	Completion decimal.Decimal `json:"completion" mapstructure:"completion" yaml:"completion"`
}

// PriceTable maps a model name to its rates.
type PriceTable map[string]ModelPrice

var thousand = decimal.NewFromInt(1000)

// DefaultPrices returns the published OpenAI rates for the supported chat models.
func DefaultPrices() PriceTable {
	return PriceTable{
		"gpt-4o":        {Prompt: decimal.RequireFromString("0.005"), Completion: decimal.RequireFromString("0.015")},
		"gpt-4-turbo":   {Prompt: decimal.RequireFromString("0.01"), Completion: decimal.RequireFromString("0.03")},
		"gpt-4":         {Prompt: decimal.RequireFromString("0.03"), Completion: decimal.RequireFromString("0.06")},
		"gpt-3.5-turbo": {Prompt: decimal.RequireFromString("0.0005"), Completion: decimal.RequireFromString("0.0015")},
	}
}

// Lookup returns the rates for model. Names are matched case-insensitively.
func (t PriceTable) Lookup(model string) (ModelPrice, bool) {
	p, ok := t[strings.ToLower(strings.TrimSpace(model))]
	return p, ok
}

// Cost prices a call. The second result is false when the model is not in
// the table, in which case the cost is zero: an unknown model fails open on
// pricing and the caller is expected to log it.
func (t PriceTable) Cost(model string, promptTokens, completionTokens int) (types.Money, bool) {
	p, ok := t.Lookup(model)
	if !ok {
		return types.Zero("usd"), false
	}
	cost := p.Prompt.Mul(decimal.NewFromInt(int64(promptTokens))).
		Add(p.Completion.Mul(decimal.NewFromInt(int64(completionTokens)))).
		Div(thousand)
	return types.FromDecimal(cost, "usd"), true
}

// Clone returns a copy safe to hand to another goroutine.
func (t PriceTable) Clone() PriceTable {
	out := make(PriceTable, len(t))
	for k, v := range t {
		out[strings.ToLower(k)] = v
	}
	return out
}
