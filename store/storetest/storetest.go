// Package storetest provides a conformance suite for store.Store
// implementations and a wrapper that injects write conflicts.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/coupon"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/types"
)

// Conflicting wraps a Store and fails the next N conditional writes with
// tally.ErrVersionConflict, simulating a concurrent writer.
type Conflicting struct {
	store.Store

	pending        atomic.Int64
	accountPending atomic.Int64
	conflicts      atomic.Int64
}

// NewConflicting wraps s.
func NewConflicting(s store.Store) *Conflicting {
	return &Conflicting{Store: s}
}

// FailNext makes the next n PutAccount/PutCoupon calls conflict.
func (c *Conflicting) FailNext(n int) { c.pending.Store(int64(n)) }

// FailNextAccount makes the next n PutAccount calls conflict while coupon
// writes go through.
func (c *Conflicting) FailNextAccount(n int) { c.accountPending.Store(int64(n)) }

// Conflicts returns how many conflicts were injected.
func (c *Conflicting) Conflicts() int { return int(c.conflicts.Load()) }

func (c *Conflicting) take() bool { return c.takeFrom(&c.pending) }

func (c *Conflicting) takeFrom(counter *atomic.Int64) bool {
	for {
		n := counter.Load()
		if n <= 0 {
			return false
		}
		if counter.CompareAndSwap(n, n-1) {
			c.conflicts.Add(1)
			return true
		}
	}
}

func (c *Conflicting) PutAccount(ctx context.Context, a *account.Account, expectedVersion int64) error {
	if c.take() || c.takeFrom(&c.accountPending) {
		return tally.ErrVersionConflict
	}
	return c.Store.PutAccount(ctx, a, expectedVersion)
}

func (c *Conflicting) PutCoupon(ctx context.Context, cp *coupon.Coupon, expectedVersion int64) error {
	if c.take() {
		return tally.ErrVersionConflict
	}
	return c.Store.PutCoupon(ctx, cp, expectedVersion)
}

// Run exercises the conditional-write contract against a fresh store
// returned by factory.
func Run(t *testing.T, factory func(t *testing.T) store.Store) {
	t.Helper()

	t.Run("AccountRoundTrip", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

		a := account.New("device-1", types.USD(500_000), now)
		require.NoError(t, s.CreateAccount(ctx, a))
		assert.Equal(t, int64(1), a.Version)

		got, err := s.GetAccount(ctx, "DEVICE-1")
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(types.USD(500_000)))
		assert.Equal(t, int64(1), got.Version)

		assert.ErrorIs(t, s.CreateAccount(ctx, account.New("device-1", types.Zero("usd"), now)), tally.ErrAlreadyExists)

		_, err = s.GetAccount(ctx, "MISSING")
		assert.True(t, tally.IsNotFound(err))
	})

	t.Run("ConditionalPut", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

		require.NoError(t, s.CreateAccount(ctx, account.New("u1", types.USD(1_000_000), now)))

		first, err := s.GetAccount(ctx, "U1")
		require.NoError(t, err)
		second, err := s.GetAccount(ctx, "U1")
		require.NoError(t, err)

		first.ApplyDebit(10, types.USD(100_000), now)
		require.NoError(t, s.PutAccount(ctx, first, 1))
		assert.Equal(t, int64(2), first.Version)

		second.ApplyDebit(10, types.USD(200_000), now)
		assert.ErrorIs(t, s.PutAccount(ctx, second, 1), tally.ErrVersionConflict)

		got, err := s.GetAccount(ctx, "U1")
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(types.USD(900_000)), "balance %s", got.Balance)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("ConcurrentPutsOneWins", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
		require.NoError(t, s.CreateAccount(ctx, account.New("u2", types.Zero("usd"), now)))

		var wg sync.WaitGroup
		var wins atomic.Int64
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				a, err := s.GetAccount(ctx, "U2")
				if err != nil {
					return
				}
				a.ApplyDebit(1, types.USD(1), now)
				err = s.PutAccount(ctx, a, 1)
				if err == nil {
					wins.Add(1)
				} else if !errors.Is(err, tally.ErrVersionConflict) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(1), wins.Load())
	})

	t.Run("CouponRoundTrip", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

		c := &coupon.Coupon{
			Entity:    types.Entity{CreatedAt: now, UpdatedAt: now},
			ID:        id.NewCouponID(),
			Code:      "WELCOME",
			Amount:    types.USD(2_000_000),
			ExpiresAt: now.Add(24 * time.Hour),
		}
		require.NoError(t, s.CreateCoupon(ctx, c))
		assert.Equal(t, int64(1), c.Version)

		got, err := s.GetCoupon(ctx, "WELCOME")
		require.NoError(t, err)
		assert.True(t, got.Amount.Equal(types.USD(2_000_000)))
		assert.False(t, got.Redeemed)

		got.MarkRedeemed("U1", now)
		require.NoError(t, s.PutCoupon(ctx, got, 1))

		stale := *c
		stale.MarkRedeemed("U2", now)
		assert.ErrorIs(t, s.PutCoupon(ctx, &stale, 1), tally.ErrVersionConflict)

		got, err = s.GetCoupon(ctx, "WELCOME")
		require.NoError(t, err)
		assert.True(t, got.Redeemed)
		assert.Equal(t, "U1", got.RedeemedBy)

		_, err = s.GetCoupon(ctx, "NOPE")
		assert.True(t, tally.IsNotFound(err))
	})

	t.Run("PingAndPublish", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		require.NoError(t, s.Migrate(ctx))
		require.NoError(t, s.Ping(ctx))
		require.NoError(t, s.Publish(ctx))
	})
}
