package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/coupon"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

// SQLite has no JSON column type; nested account state is kept as TEXT.

type accountModel struct {
	grove.BaseModel `grove:"table:tally_accounts"`

	ID              string    `grove:"id,pk"`
	Username        string    `grove:"username"`
	Email           string    `grove:"email"`
	FamilyName      string    `grove:"family_name"`
	GivenName       string    `grove:"given_name"`
	Currency        string    `grove:"currency"`
	BalanceMicros   int64     `grove:"balance_micros"`
	MonthlyUsage    string    `grove:"monthly_usage"`
	TokenCount      int64     `grove:"token_count"`
	DollarUsage     int64     `grove:"dollar_usage_micros"`
	AccruedTotal    int64     `grove:"accrued_total_micros"`
	PurchaseHistory string    `grove:"purchase_history"`
	Disabled        bool      `grove:"disabled"`
	LastActiveAt    time.Time `grove:"last_active_at"`
	Version         int64     `grove:"version"`
	CreatedAt       time.Time `grove:"created_at"`
	UpdatedAt       time.Time `grove:"updated_at"`
}

func toAccountModel(a *account.Account) (*accountModel, error) {
	currency := a.Balance.Currency
	if currency == "" {
		currency = "usd"
	}

	usage := make(map[string]int64, len(a.MonthlyUsage))
	for month, m := range a.MonthlyUsage {
		usage[month] = m.Amount
	}
	usageJSON, err := json.Marshal(usage)
	if err != nil {
		return nil, fmt.Errorf("encode monthly usage: %w", err)
	}

	historyJSON := []byte("[]")
	if len(a.PurchaseHistory) > 0 {
		historyJSON, err = json.Marshal(a.PurchaseHistory)
		if err != nil {
			return nil, fmt.Errorf("encode purchase history: %w", err)
		}
	}

	return &accountModel{
		ID:              a.ID,
		Username:        a.Username,
		Email:           a.Email,
		FamilyName:      a.FamilyName,
		GivenName:       a.GivenName,
		Currency:        currency,
		BalanceMicros:   a.Balance.Amount,
		MonthlyUsage:    string(usageJSON),
		TokenCount:      a.TokenCount,
		DollarUsage:     a.DollarUsage.Amount,
		AccruedTotal:    a.AccruedTotal.Amount,
		PurchaseHistory: string(historyJSON),
		Disabled:        a.Disabled,
		LastActiveAt:    a.LastActiveAt.UTC(),
		Version:         a.Version,
		CreatedAt:       a.CreatedAt.UTC(),
		UpdatedAt:       a.UpdatedAt.UTC(),
	}, nil
}

func fromAccountModel(m *accountModel) (*account.Account, error) {
	usage := map[string]int64{}
	if m.MonthlyUsage != "" {
		if err := json.Unmarshal([]byte(m.MonthlyUsage), &usage); err != nil {
			return nil, fmt.Errorf("decode monthly usage: %w", err)
		}
	}
	var history []account.Purchase
	if m.PurchaseHistory != "" {
		if err := json.Unmarshal([]byte(m.PurchaseHistory), &history); err != nil {
			return nil, fmt.Errorf("decode purchase history: %w", err)
		}
	}

	money := func(micros int64) types.Money {
		return types.Money{Amount: micros, Currency: m.Currency}
	}
	monthly := make(map[string]types.Money, len(usage))
	for month, micros := range usage {
		monthly[month] = money(micros)
	}

	return &account.Account{
		Entity:          types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:              m.ID,
		Username:        m.Username,
		Email:           m.Email,
		FamilyName:      m.FamilyName,
		GivenName:       m.GivenName,
		Balance:         money(m.BalanceMicros),
		MonthlyUsage:    monthly,
		TokenCount:      m.TokenCount,
		DollarUsage:     money(m.DollarUsage),
		AccruedTotal:    money(m.AccruedTotal),
		PurchaseHistory: history,
		Disabled:        m.Disabled,
		LastActiveAt:    m.LastActiveAt,
		Version:         m.Version,
	}, nil
}

type couponModel struct {
	grove.BaseModel `grove:"table:tally_coupons"`

	ID           string     `grove:"id,pk"`
	Code         string     `grove:"code"`
	AmountMicros int64      `grove:"amount_micros"`
	Currency     string     `grove:"currency"`
	ExpiresAt    *time.Time `grove:"expires_at"`
	Redeemed     bool       `grove:"redeemed"`
	RedeemedBy   string     `grove:"redeemed_by"`
	RedeemedAt   *time.Time `grove:"redeemed_at"`
	Version      int64      `grove:"version"`
	CreatedAt    time.Time  `grove:"created_at"`
	UpdatedAt    time.Time  `grove:"updated_at"`
}

func toCouponModel(c *coupon.Coupon) *couponModel {
	m := &couponModel{
		ID:           c.ID.String(),
		Code:         c.Code,
		AmountMicros: c.Amount.Amount,
		Currency:     c.Amount.Currency,
		Redeemed:     c.Redeemed,
		RedeemedBy:   c.RedeemedBy,
		RedeemedAt:   c.RedeemedAt,
		Version:      c.Version,
		CreatedAt:    c.CreatedAt.UTC(),
		UpdatedAt:    c.UpdatedAt.UTC(),
	}
	if m.Currency == "" {
		m.Currency = "usd"
	}
	if !c.ExpiresAt.IsZero() {
		t := c.ExpiresAt.UTC()
		m.ExpiresAt = &t
	}
	return m
}

func fromCouponModel(m *couponModel) (*coupon.Coupon, error) {
	couponID, err := id.ParseCouponID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse coupon id %q: %w", m.ID, err)
	}
	c := &coupon.Coupon{
		Entity:     types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:         couponID,
		Code:       m.Code,
		Amount:     types.Money{Amount: m.AmountMicros, Currency: m.Currency},
		Redeemed:   m.Redeemed,
		RedeemedBy: m.RedeemedBy,
		RedeemedAt: m.RedeemedAt,
		Version:    m.Version,
	}
	if m.ExpiresAt != nil {
		c.ExpiresAt = *m.ExpiresAt
	}
	return c, nil
}
