package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/coupon"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

func TestAccountModelConversion(t *testing.T) {
	now := time.Date(2026, 6, 3, 10, 0, 0, 0, time.UTC)
	a := account.New("DEVICE-1", types.USD(200_000), now)
	a.Email = "a@example.com"
	a.MonthlyUsage["6"] = types.USD(1_250_000)
	a.TokenCount = 4200
	a.DollarUsage = types.USD(1_250_000)
	a.AccruedTotal = types.USD(8_990_000)
	a.PurchaseHistory = []account.Purchase{{
		ID:            id.NewPurchaseID(),
		Kind:          account.KindCharge,
		ProductID:     "890842",
		TransactionID: "tx-1",
		PurchasedAt:   now,
		Quantity:      1,
		Amount:        types.USD(8_990_000),
		BalanceAtTime: types.USD(200_000),
		AppliedAt:     now,
	}}
	a.Version = 7

	m, err := toAccountModel(a)
	require.NoError(t, err)
	assert.Equal(t, "DEVICE-1", m.ID)
	assert.Equal(t, int64(7), m.Version)

	got, err := fromAccountModel(m)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(a.Balance))
	assert.True(t, got.MonthlyUsage["6"].Equal(types.USD(1_250_000)))
	assert.Equal(t, int64(4200), got.TokenCount)
	assert.True(t, got.AccruedTotal.Equal(a.AccruedTotal))
	require.Len(t, got.PurchaseHistory, 1)
	assert.Equal(t, "tx-1", got.PurchaseHistory[0].TransactionID)
	assert.Equal(t, a.PurchaseHistory[0].ID.String(), got.PurchaseHistory[0].ID.String())
	assert.True(t, got.PurchaseHistory[0].Amount.Equal(types.USD(8_990_000)))
}

func TestCouponModelConversion(t *testing.T) {
	c := &coupon.Coupon{
		ID:     id.NewCouponID(),
		Code:   "WELCOME",
		Amount: types.USD(2_000_000),
	}

	m := toCouponModel(c)
	assert.Nil(t, m.ExpiresAt, "zero expiry is stored as NULL")

	got, err := fromCouponModel(m)
	require.NoError(t, err)
	assert.Equal(t, c.ID.String(), got.ID.String())
	assert.True(t, got.ExpiresAt.IsZero())
	assert.True(t, got.Amount.Equal(c.Amount))

	expires := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	c.ExpiresAt = expires
	got, err = fromCouponModel(toCouponModel(c))
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.Equal(expires))
}
