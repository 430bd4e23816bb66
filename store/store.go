// Package store defines the versioned document store the ledger is built on.
package store

import (
	"context"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/coupon"
)

// Store is the persistence contract for accounts and coupons.
//
// Put methods are conditional: the write only succeeds when the stored
// version still equals expectedVersion, in which case the record is saved
// with expectedVersion+1 and the argument's Version field is updated to
// match. Otherwise they return tally.ErrVersionConflict and change nothing.
type Store interface {
	// Account methods
	CreateAccount(ctx context.Context, a *account.Account) error
	GetAccount(ctx context.Context, userID string) (*account.Account, error)
	PutAccount(ctx context.Context, a *account.Account, expectedVersion int64) error

	// Coupon methods
	CreateCoupon(ctx context.Context, c *coupon.Coupon) error
	GetCoupon(ctx context.Context, code string) (*coupon.Coupon, error)
	PutCoupon(ctx context.Context, c *coupon.Coupon, expectedVersion int64) error

	// Publish commits pending writes so they become visible to new readers.
	// Backends whose writes are durable on return treat it as a flush hook.
	Publish(ctx context.Context) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
