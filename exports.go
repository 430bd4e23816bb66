package tally

import "github.com/xraph/tally/types"

// Re-export common types so callers don't have to import the types package.

// Money is re-exported from types package.
type Money = types.Money

// Re-export Money helpers.
var (
	USD       = types.USD
	Zero      = types.Zero
	ParseUSD  = func(s string) (Money, error) { return types.Parse(s, "usd") }
	Sum       = types.Sum
	MonthKey  = types.MonthKey
	NewEntity = types.NewEntity
)
