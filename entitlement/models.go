// Package entitlement decides whether an account may start another
// generation request.
package entitlement

import (
	"time"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/types"
)

// Decision is the outcome of an eligibility check.
type Decision string

const (
	Allowed             Decision = "allowed"
	InsufficientBalance Decision = "insufficient_balance"
	MonthlyCapExceeded  Decision = "monthly_cap_exceeded"
)

// Policy holds the thresholds an eligibility check is evaluated against.
type Policy struct {
	// MinBalance blocks non-subscribers whose balance is below it.
	MinBalance types.Money `json:"min_balance"`
	// MaxExpense blocks subscribers whose current-month usage reaches it.
	MaxExpense types.Money `json:"max_expense"`
}

// DefaultPolicy blocks non-subscribers below $0.00 and subscribers at $15.00
// of monthly usage.
func DefaultPolicy() Policy {
	return Policy{
		MinBalance: types.USD(0),
		MaxExpense: types.USD(15 * types.MicrosPerUnit),
	}
}

type Result struct {
	Decision   Decision    `json:"decision"`
	Subscriber bool        `json:"subscriber"`
	Balance    types.Money `json:"balance"`
	Used       types.Money `json:"used"`
	Limit      types.Money `json:"limit"`
}

// Allowed reports whether the request may proceed.
func (r Result) Allowed() bool { return r.Decision == Allowed }

// Check evaluates a against p. It reads only and never mutates a.
func Check(a *account.Account, subscriber bool, p Policy, now time.Time) Result {
	r := Result{Decision: Allowed, Subscriber: subscriber, Balance: a.Balance}

	if subscriber {
		r.Used = a.UsageForMonth(now)
		r.Limit = p.MaxExpense
		if r.Used.GreaterOrEqual(p.MaxExpense) {
			r.Decision = MonthlyCapExceeded
		}
		return r
	}

	r.Limit = p.MinBalance
	if a.Balance.LessThan(p.MinBalance) {
		r.Decision = InsufficientBalance
	}
	return r
}
