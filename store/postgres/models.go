package postgres

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

// ==================== Account models ====================

type accountModel struct {
	grove.BaseModel `grove:"table:tally_accounts"`

	ID              string          `grove:"id,pk"`
	Username        string          `grove:"username"`
	Email           string          `grove:"email"`
	FamilyName      string          `grove:"family_name"`
	GivenName       string          `grove:"given_name"`
	Currency        string          `grove:"currency"`
	BalanceMicros   int64           `grove:"balance_micros"`
	MonthlyUsage    json.RawMessage `grove:"monthly_usage,type:jsonb"`
	TokenCount      int64           `grove:"token_count"`
	DollarUsage     int64           `grove:"dollar_usage_micros"`
	AccruedTotal    int64           `grove:"accrued_total_micros"`
	PurchaseHistory json.RawMessage `grove:"purchase_history,type:jsonb"`
	Disabled        bool            `grove:"disabled"`
	LastActiveAt    time.Time       `grove:"last_active_at"`
	Version         int64           `grove:"version"`
	CreatedAt       time.Time       `grove:"created_at"`
	UpdatedAt       time.Time       `grove:"updated_at"`
}

func toAccountModel(a *account.Account) (*accountModel, error) {
	usage := make(map[string]int64, len(a.MonthlyUsage))
	for month, m := range a.MonthlyUsage {
		usage[month] = m.Amount
	}
	usageJSON, err := json.Marshal(usage)
	if err != nil {
		return nil, fmt.Errorf("encode monthly usage: %w", err)
	}
	history := a.PurchaseHistory
	if history == nil {
		history = []account.Purchase{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("encode purchase history: %w", err)
	}

	return &accountModel{
		ID:              a.ID,
		Username:        a.Username,
		Email:           a.Email,
		FamilyName:      a.FamilyName,
		GivenName:       a.GivenName,
		Currency:        currencyOf(a.Balance),
		BalanceMicros:   a.Balance.Amount,
		MonthlyUsage:    usageJSON,
		TokenCount:      a.TokenCount,
		DollarUsage:     a.DollarUsage.Amount,
		AccruedTotal:    a.AccruedTotal.Amount,
		PurchaseHistory: historyJSON,
		Disabled:        a.Disabled,
		LastActiveAt:    a.LastActiveAt,
		Version:         a.Version,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}, nil
}

func fromAccountModel(m *accountModel) (*account.Account, error) {
	var usage map[string]int64
	if len(m.MonthlyUsage) > 0 {
		if err := json.Unmarshal(m.MonthlyUsage, &usage); err != nil {
			return nil, fmt.Errorf("decode monthly usage: %w", err)
		}
	}
	var history []account.Purchase
	if len(m.PurchaseHistory) > 0 {
		if err := json.Unmarshal(m.PurchaseHistory, &history); err != nil {
			return nil, fmt.Errorf("decode purchase history: %w", err)
		}
	}

	monthly := make(map[string]types.Money, len(usage))
	for month, micros := range usage {
		monthly[month] = types.Money{Amount: micros, Currency: m.Currency}
	}

	return &account.Account{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:              m.ID,
		Username:        m.Username,
		Email:           m.Email,
		FamilyName:      m.FamilyName,
		GivenName:       m.GivenName,
		Balance:         types.Money{Amount: m.BalanceMicros, Currency: m.Currency},
		MonthlyUsage:    monthly,
		TokenCount:      m.TokenCount,
		DollarUsage:     types.Money{Amount: m.DollarUsage, Currency: m.Currency},
		AccruedTotal:    types.Money{Amount: m.AccruedTotal, Currency: m.Currency},
		PurchaseHistory: history,
		Disabled:        m.Disabled,
		LastActiveAt:    m.LastActiveAt,
		Version:         m.Version,
	}, nil
}

func currencyOf(m types.Money) string {
	if m.Currency == "" {
		return "usd"
	}
	return m.Currency
}

// ==================== Coupon models ====================

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
	var expires *time.Time
	if !c.ExpiresAt.IsZero() {
		t := c.ExpiresAt
		expires = &t
	}
	return &couponModel{
		ID:           c.ID.String(),
		Code:         c.Code,
		AmountMicros: c.Amount.Amount,
		Currency:     currencyOf(c.Amount),
		ExpiresAt:    expires,
		Redeemed:     c.Redeemed,
		RedeemedBy:   c.RedeemedBy,
		RedeemedAt:   c.RedeemedAt,
		Version:      c.Version,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func fromCouponModel(m *couponModel) (*coupon.Coupon, error) {
	couponID, err := id.ParseCouponID(m.ID)
	if err != nil {
		return nil, err
	}

	c := &coupon.Coupon{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
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
