// Package coupon defines single-use credit grants redeemable by code.
package coupon

import (
	"strings"
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

type Coupon struct {
	types.Entity
	ID         id.ID       `json:"id"`
	Code       string      `json:"code"`
	Amount     types.Money `json:"amount"`
	ExpiresAt  time.Time   `json:"expires_at"`
	Redeemed   bool        `json:"redeemed"`
	RedeemedBy string      `json:"redeemed_by,omitempty"`
	RedeemedAt *time.Time  `json:"redeemed_at,omitempty"`
	Version    int64       `json:"version"`
}

// Normalize trims and uppercases a coupon code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Usable reports whether the coupon can still be redeemed at now.
// An expired coupon is treated the same as a consumed one. A zero
// ExpiresAt never expires.
func (c *Coupon) Usable(now time.Time) bool {
	if c.Redeemed {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt)
}

// MarkRedeemed consumes the coupon for userID. The expiry is pulled to now
// so the record stays inert even if the redeemed flag is lost.
func (c *Coupon) MarkRedeemed(userID string, now time.Time) {
	c.Redeemed = true
	c.RedeemedBy = userID
	c.RedeemedAt = &now
	c.ExpiresAt = now
	c.UpdatedAt = now
}
