package mongo

import (
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

	ID              string           `grove:"id,pk"            bson:"_id"`
	Username        string           `grove:"username"         bson:"username"`
	Email           string           `grove:"email"            bson:"email,omitempty"`
	FamilyName      string           `grove:"family_name"      bson:"family_name,omitempty"`
	GivenName       string           `grove:"given_name"       bson:"given_name,omitempty"`
	Currency        string           `grove:"currency"         bson:"currency"`
	BalanceMicros   int64            `grove:"balance_micros"   bson:"balance_micros"`
	MonthlyUsage    map[string]int64 `grove:"monthly_usage"    bson:"monthly_usage"`
	TokenCount      int64            `grove:"token_count"      bson:"token_count"`
	DollarUsage     int64            `grove:"dollar_usage"     bson:"dollar_usage_micros"`
	AccruedTotal    int64            `grove:"accrued_total"    bson:"accrued_total_micros"`
	PurchaseHistory []purchaseModel  `grove:"purchase_history" bson:"purchase_history"`
	Disabled        bool             `grove:"disabled"         bson:"disabled"`
	LastActiveAt    time.Time        `grove:"last_active_at"   bson:"last_active_at"`
	Version         int64            `grove:"version"          bson:"version"`
	CreatedAt       time.Time        `grove:"created_at"       bson:"created_at"`
	UpdatedAt       time.Time        `grove:"updated_at"       bson:"updated_at"`
}

type purchaseModel struct {
	ID                    string    `bson:"id"`
	Kind                  string    `bson:"kind"`
	ProductID             string    `bson:"product_id"`
	TransactionID         string    `bson:"transaction_id"`
	OriginalTransactionID string    `bson:"original_transaction_id,omitempty"`
	PurchasedAt           time.Time `bson:"purchased_at"`
	OriginalPurchasedAt   time.Time `bson:"original_purchased_at,omitempty"`
	Quantity              int64     `bson:"quantity"`
	AmountMicros          int64     `bson:"amount_micros"`
	BalanceAtTimeMicros   int64     `bson:"balance_at_time_micros"`
	Currency              string    `bson:"currency"`
	AppliedAt             time.Time `bson:"applied_at"`
}

func toAccountModel(a *account.Account) *accountModel {
	currency := a.Balance.Currency
	if currency == "" {
		currency = "usd"
	}

	usage := make(map[string]int64, len(a.MonthlyUsage))
	for month, m := range a.MonthlyUsage {
		usage[month] = m.Amount
	}

	history := make([]purchaseModel, len(a.PurchaseHistory))
	for i, p := range a.PurchaseHistory {
		history[i] = purchaseModel{
			ID:                    p.ID.String(),
			Kind:                  string(p.Kind),
			ProductID:             p.ProductID,
			TransactionID:         p.TransactionID,
			OriginalTransactionID: p.OriginalTransactionID,
			PurchasedAt:           p.PurchasedAt,
			OriginalPurchasedAt:   p.OriginalPurchasedAt,
			Quantity:              p.Quantity,
			AmountMicros:          p.Amount.Amount,
			BalanceAtTimeMicros:   p.BalanceAtTime.Amount,
			Currency:              p.Amount.Currency,
			AppliedAt:             p.AppliedAt,
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
		MonthlyUsage:    usage,
		TokenCount:      a.TokenCount,
		DollarUsage:     a.DollarUsage.Amount,
		AccruedTotal:    a.AccruedTotal.Amount,
		PurchaseHistory: history,
		Disabled:        a.Disabled,
		LastActiveAt:    a.LastActiveAt,
		Version:         a.Version,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func fromAccountModel(m *accountModel) (*account.Account, error) {
	money := func(micros int64) types.Money {
		return types.Money{Amount: micros, Currency: m.Currency}
	}

	monthly := make(map[string]types.Money, len(m.MonthlyUsage))
	for month, micros := range m.MonthlyUsage {
		monthly[month] = money(micros)
	}

	var history []account.Purchase
	for _, pm := range m.PurchaseHistory {
		purchaseID, err := id.ParsePurchaseID(pm.ID)
		if err != nil {
			return nil, fmt.Errorf("parse purchase id %q: %w", pm.ID, err)
		}
		history = append(history, account.Purchase{
			ID:                    purchaseID,
			Kind:                  account.Kind(pm.Kind),
			ProductID:             pm.ProductID,
			TransactionID:         pm.TransactionID,
			OriginalTransactionID: pm.OriginalTransactionID,
			PurchasedAt:           pm.PurchasedAt,
			OriginalPurchasedAt:   pm.OriginalPurchasedAt,
			Quantity:              pm.Quantity,
			Amount:                types.Money{Amount: pm.AmountMicros, Currency: pm.Currency},
			BalanceAtTime:         types.Money{Amount: pm.BalanceAtTimeMicros, Currency: pm.Currency},
			AppliedAt:             pm.AppliedAt,
		})
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

// ==================== Coupon models ====================

type couponModel struct {
	grove.BaseModel `grove:"table:tally_coupons"`

	ID           string     `grove:"id,pk"         bson:"_id"`
	Code         string     `grove:"code"          bson:"code"`
	AmountMicros int64      `grove:"amount_micros" bson:"amount_micros"`
	Currency     string     `grove:"currency"      bson:"currency"`
	ExpiresAt    *time.Time `grove:"expires_at"    bson:"expires_at,omitempty"`
	Redeemed     bool       `grove:"redeemed"      bson:"redeemed"`
	RedeemedBy   string     `grove:"redeemed_by"   bson:"redeemed_by,omitempty"`
	RedeemedAt   *time.Time `grove:"redeemed_at"   bson:"redeemed_at,omitempty"`
	Version      int64      `grove:"version"       bson:"version"`
	CreatedAt    time.Time  `grove:"created_at"    bson:"created_at"`
	UpdatedAt    time.Time  `grove:"updated_at"    bson:"updated_at"`
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
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
	if !c.ExpiresAt.IsZero() {
		t := c.ExpiresAt
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
