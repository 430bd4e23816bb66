package meter

import (
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/types"
)

// Usage is the metered result of one generation call.
type Usage struct {
	Model            string      `json:"model"`
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	TotalTokens      int         `json:"total_tokens"`
	Cost             types.Money `json:"cost"`

	// Scaled values include the platform margin and are what gets billed.
	ScaledTokens int64       `json:"scaled_tokens"`
	ScaledCost   types.Money `json:"scaled_cost"`

	// Priced is false when the model was missing from the price table.
	Priced bool `json:"priced"`
}

// Collector meters a single generation call.
type Collector struct {
	mu         sync.Mutex
	model      string
	prices     PriceTable
	logger     *slog.Logger
	prompt     int
	completion int
}

// NewCollector starts metering a call to model.
func NewCollector(model string, prices PriceTable, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{model: model, prices: prices, logger: logger}
}

// Prompt records the exact text submitted to the provider. Call it before
// the request starts.
func (c *Collector) Prompt(text string) int {
	n := CountTokens(text)
	c.mu.Lock()
	c.prompt = n
	c.mu.Unlock()
	return n
}

// Unit counts one streamed output unit.
func (c *Collector) Unit() {
	c.mu.Lock()
	c.completion++
	c.mu.Unlock()
}

// Finish prices the call and applies the efficiency multiplier.
func (c *Collector) Finish(efficiency decimal.Decimal) Usage {
	c.mu.Lock()
	defer c.mu.Unlock()

	u := Usage{
		Model:            c.model,
		PromptTokens:     c.prompt,
		CompletionTokens: c.completion,
		TotalTokens:      c.prompt + c.completion,
	}
	u.Cost, u.Priced = c.prices.Cost(c.model, c.prompt, c.completion)
	if !u.Priced {
		c.logger.Warn("unknown model, usage not billed",
			"model", c.model,
			"tokens", u.TotalTokens,
		)
	}

	u.ScaledTokens = decimal.NewFromInt(int64(u.TotalTokens)).Mul(efficiency).IntPart()
	u.ScaledCost = u.Cost.MulRatio(efficiency)
	return u
}
