// Package account holds the per-user financial and usage record.
package account

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

// Kind is the payment-platform notification kind a Purchase was created from.
type Kind string

const (
	KindCharge     Kind = "ONE_TIME_CHARGE"
	KindSubscribed Kind = "SUBSCRIBED"
	KindRenewed    Kind = "DID_RENEW"
	KindRefund     Kind = "REFUND"
)

// Creditable reports whether purchases of this kind may be applied by a credit.
func (k Kind) Creditable() bool {
	switch k {
	case KindCharge, KindSubscribed, KindRenewed:
		return true
	default:
		return false
	}
}

// Account is the persistent per-user record.
type Account struct {
	types.Entity
	ID         string `json:"id"`
	Username   string `json:"username"`
	Email      string `json:"email,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	GivenName  string `json:"given_name,omitempty"`

	Balance         types.Money            `json:"balance"`
	MonthlyUsage    map[string]types.Money `json:"monthly_usage"`
	TokenCount      int64                  `json:"token_count"`
	DollarUsage     types.Money            `json:"dollar_usage"`
	AccruedTotal    types.Money            `json:"accrued_total"`
	PurchaseHistory []Purchase             `json:"purchase_history"`
	Disabled        bool                   `json:"disabled"`
	LastActiveAt    time.Time              `json:"last_active_at"`

	// Version is the store's optimistic concurrency token. Zero means the
	// account has never been persisted.
	Version int64 `json:"version"`
}

// Purchase is an immutable record of one applied payment-platform event.
type Purchase struct {
	ID                    id.ID       `json:"id"`
	Kind                  Kind        `json:"kind"`
	ProductID             string      `json:"product_id"`
	TransactionID         string      `json:"transaction_id"`
	OriginalTransactionID string      `json:"original_transaction_id,omitempty"`
	PurchasedAt           time.Time   `json:"purchased_at"`
	OriginalPurchasedAt   time.Time   `json:"original_purchased_at,omitempty"`
	Quantity              int64       `json:"quantity"`
	Amount                types.Money `json:"amount"`
	BalanceAtTime         types.Money `json:"balance_at_time"`
	AppliedAt             time.Time   `json:"applied_at"`
}

// Total is the unit amount times quantity.
func (p Purchase) Total() types.Money {
	return p.Amount.Multiply(p.Quantity)
}

// Key normalizes an identity string into the account key.
func Key(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// New returns an unsaved account with zeroed counters and an opening
// balance, its current-month usage entry initialized to zero.
func New(userID string, opening types.Money, now time.Time) *Account {
	cur := opening.Currency
	if cur == "" {
		cur = "usd"
	}
	return &Account{
		Entity:       types.Entity{CreatedAt: now, UpdatedAt: now},
		ID:           Key(userID),
		Balance:      opening,
		MonthlyUsage: map[string]types.Money{types.MonthKey(now): types.Zero(cur)},
		DollarUsage:  types.Zero(cur),
		AccruedTotal: types.Zero(cur),
		LastActiveAt: now,
	}
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.MonthlyUsage = maps.Clone(a.MonthlyUsage)
	c.PurchaseHistory = slices.Clone(a.PurchaseHistory)
	return &c
}

// HasTransaction reports whether a purchase with the transaction id was already applied.
func (a *Account) HasTransaction(transactionID string) bool {
	return slices.ContainsFunc(a.PurchaseHistory, func(p Purchase) bool {
		return p.TransactionID == transactionID
	})
}

// UsageForMonth returns the usage recorded for now's calendar month. An
// entry written in an earlier year under the same month key does not count.
func (a *Account) UsageForMonth(now time.Time) types.Money {
	if !a.LastActiveAt.IsZero() && !types.SameMonth(a.LastActiveAt, now) {
		return types.Zero(a.Balance.Currency)
	}
	return a.MonthlyUsage[types.MonthKey(now)]
}

// ApplyCredit appends p to the history and applies its balance effect.
// It returns false without mutating when the transaction was already applied.
// One-time charges raise the balance; subscription starts and renewals only
// raise the accrued total.
func (a *Account) ApplyCredit(p Purchase, now time.Time) (Purchase, bool) {
	if a.HasTransaction(p.TransactionID) {
		return Purchase{}, false
	}
	if p.Quantity <= 0 {
		p.Quantity = 1
	}
	p.BalanceAtTime = a.Balance
	p.AppliedAt = now

	total := p.Total()
	if p.Kind == KindCharge {
		a.Balance = a.Balance.Add(total)
	}
	a.AccruedTotal = a.AccruedTotal.Add(total)
	a.PurchaseHistory = append(a.PurchaseHistory, p)
	return p, true
}

// ApplyDebit records delivered usage. The month entry is reset when now is in
// a different calendar month than the last activity.
func (a *Account) ApplyDebit(tokens int64, cost types.Money, now time.Time) {
	key := types.MonthKey(now)
	if a.MonthlyUsage == nil {
		a.MonthlyUsage = make(map[string]types.Money)
	}
	if a.LastActiveAt.IsZero() || types.SameMonth(a.LastActiveAt, now) {
		a.MonthlyUsage[key] = a.MonthlyUsage[key].Add(cost)
	} else {
		a.MonthlyUsage[key] = cost
	}

	a.TokenCount += tokens
	a.DollarUsage = a.DollarUsage.Add(cost)
	a.Balance = a.Balance.Subtract(cost)
	a.LastActiveAt = now
}
