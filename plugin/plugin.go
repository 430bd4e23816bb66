// Package plugin provides lifecycle hooks for tally.
// Plugins implement any subset of the hook interfaces below and are
// dispatched by the Registry.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/coupon"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/types"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the ledger starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, ledger any) error
}

// OnShutdown is called when the ledger stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Account hooks
// ──────────────────────────────────────────────────

type OnAccountCreated interface {
	Plugin
	OnAccountCreated(ctx context.Context, a *account.Account) error
}

type OnAccountCredited interface {
	Plugin
	OnAccountCredited(ctx context.Context, a *account.Account, p account.Purchase) error
}

type OnAccountDebited interface {
	Plugin
	OnAccountDebited(ctx context.Context, a *account.Account, tokens int64, cost types.Money) error
}

type OnAccountDisabled interface {
	Plugin
	OnAccountDisabled(ctx context.Context, userID string) error
}

// OnDuplicatePurchase is called when a replayed transaction is skipped.
type OnDuplicatePurchase interface {
	Plugin
	OnDuplicatePurchase(ctx context.Context, userID, transactionID string) error
}

type OnCouponRedeemed interface {
	Plugin
	OnCouponRedeemed(ctx context.Context, userID string, c *coupon.Coupon) error
}

type OnEligibilityDenied interface {
	Plugin
	OnEligibilityDenied(ctx context.Context, userID string, r entitlement.Result) error
}

// ──────────────────────────────────────────────────
// Concurrency hooks
// ──────────────────────────────────────────────────

// OnVersionConflict is called for every optimistic write that lost a race.
type OnVersionConflict interface {
	Plugin
	OnVersionConflict(ctx context.Context, userID, op string, attempt int) error
}

// OnRetriesExhausted is called when a mutation gives up.
type OnRetriesExhausted interface {
	Plugin
	OnRetriesExhausted(ctx context.Context, userID, op string, err error) error
}

type OnPublished interface {
	Plugin
	OnPublished(ctx context.Context, accounts int, elapsed time.Duration) error
}

// ──────────────────────────────────────────────────
// Payment hooks
// ──────────────────────────────────────────────────

// OnRefundReceived is called for refund notifications, which are
// acknowledged without changing the account.
type OnRefundReceived interface {
	Plugin
	OnRefundReceived(ctx context.Context, userID, transactionID string) error
}

// ──────────────────────────────────────────────────
// Session hooks
// ──────────────────────────────────────────────────

type OnSessionOpened interface {
	Plugin
	OnSessionOpened(ctx context.Context, sessionID, userID string) error
}

type OnSessionClosed interface {
	Plugin
	OnSessionClosed(ctx context.Context, sessionID, userID, reason string) error
}

// OnSegmentSettled is called after a segment's cost was debited.
type OnSegmentSettled interface {
	Plugin
	OnSegmentSettled(ctx context.Context, userID, model string, tokens int64, cost types.Money) error
}

type OnProviderFailed interface {
	Plugin
	OnProviderFailed(ctx context.Context, userID, model string, err error) error
}
