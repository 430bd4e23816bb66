// Package tally provides a prepaid account ledger for metered AI text
// generation.
//
// Each user owns an Account holding a USD balance, per-month spend, a
// lifetime token count and an append-only purchase history. Purchases from
// the payment platform credit the balance; every generated segment debits
// it. A Ledger serializes those mutations through optimistic concurrency on
// a versioned store, so concurrent writers never lose an update and a
// replayed transaction is never applied twice.
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/tally"
//	    "github.com/xraph/tally/store/memory"
//	)
//
//	l := tally.New(memory.New(),
//	    tally.WithPolicy(entitlement.Policy{
//	        MinBalance: types.Zero("usd"),
//	        MaxExpense: types.MustParse("15", "usd"),
//	    }),
//	)
//	if err := l.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer l.Stop()
//
// # Core Concepts
//
// Accounts are created on first contact. Temporary accounts are keyed by a
// device id and receive the configured signup bonus:
//
//	a, err := l.CreateTemp(ctx, deviceID, types.MustParse("0.2", "usd"))
//
// Purchases credit the balance. The transaction id is the idempotency key:
//
//	a, err = l.Credit(ctx, a.ID, account.Purchase{
//	    Kind:          account.KindCharge,
//	    ProductID:     "890842",
//	    TransactionID: "2000000123",
//	    Quantity:      1,
//	    Amount:        types.MustParse("8.99", "usd"),
//	})
//
// Before generating, check eligibility. Non-subscribers must hold at least
// the minimum balance; subscribers are capped by their spend this month:
//
//	if err := tally.EligibilityError(l.CheckEligibility(a, false)); err != nil {
//	    return err
//	}
//
// After each segment, debit what it cost:
//
//	a, err = l.Debit(ctx, a.ID, tokens, cost)
//
// # Stores
//
// store/memory keeps everything in process with an optional JSON snapshot.
// store/sqlite, store/postgres and store/mongo persist through Grove and
// run their own migrations from Ledger.Start.
//
// # Serving
//
// The server package exposes the websocket generation session, the user
// endpoints and the payment-platform webhook; cmd/tallyd wires everything
// from configuration. The extension package mounts the ledger into a Forge
// application instead.
package tally
