package tally_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/types"
)

// TestDocumentationExamples runs the walkthrough from the package docs.
func TestDocumentationExamples(t *testing.T) {
	t.Run("QuickStartExample", func(t *testing.T) {
		l := tally.New(memory.New(),
			tally.WithLogger(slog.Default()),
			tally.WithPolicy(entitlement.Policy{
				MinBalance: types.Zero("usd"),
				MaxExpense: types.MustParse("15", "usd"),
			}),
			tally.WithPublishConfig(16, 10*time.Millisecond),
		)

		ctx := context.Background()
		if err := l.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer l.Stop()

		a, err := l.CreateTemp(ctx, "device-42", types.MustParse("0.2", "usd"))
		if err != nil {
			t.Fatal(err)
		}
		if got := a.Balance.String(); !a.Balance.Equal(types.USD(200_000)) {
			t.Fatalf("signup balance = %s, want 0.2", got)
		}

		purchase := account.Purchase{
			Kind:          account.KindCharge,
			ProductID:     "890842",
			TransactionID: "2000000123",
			PurchasedAt:   time.Now().UTC(),
			Quantity:      1,
			Amount:        types.MustParse("8.99", "usd"),
		}
		a, err = l.Credit(ctx, a.ID, purchase)
		if err != nil {
			t.Fatal(err)
		}
		if !a.Balance.Equal(types.USD(9_190_000)) {
			t.Fatalf("balance after credit = %s", a.Balance)
		}

		// A replayed transaction is reported and leaves the balance alone.
		a, err = l.Credit(ctx, a.ID, purchase)
		if !errors.Is(err, tally.ErrDuplicateEvent) {
			t.Fatalf("replay err = %v, want ErrDuplicateEvent", err)
		}
		if !a.Balance.Equal(types.USD(9_190_000)) {
			t.Fatalf("balance after replay = %s", a.Balance)
		}

		if err := tally.EligibilityError(l.CheckEligibility(a, false)); err != nil {
			t.Fatalf("eligibility: %v", err)
		}

		a, err = l.Debit(ctx, a.ID, 1200, types.MustParse("0.05", "usd"))
		if err != nil {
			t.Fatal(err)
		}
		if !a.Balance.Equal(types.USD(9_140_000)) || a.TokenCount != 1200 {
			t.Fatalf("after debit balance=%s tokens=%d", a.Balance, a.TokenCount)
		}
	})

	t.Run("MoneyExamples", func(t *testing.T) {
		price := types.MustParse("14.99", "usd")
		if price.Amount != 14_990_000 {
			t.Errorf("14.99 = %d micros", price.Amount)
		}
		if !types.USD(500_000).Add(types.USD(500_000)).Equal(types.MustParse("1", "usd")) {
			t.Error("0.5 + 0.5 != 1")
		}
		if !types.Zero("usd").LessThan(types.USD(1)) {
			t.Error("zero should be less than one micro")
		}
	})
}
