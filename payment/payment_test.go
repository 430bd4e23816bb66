package payment_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/config"
	"github.com/xraph/tally/payment"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/types"
)

type refundRecorder struct {
	got []string
}

func (r *refundRecorder) Name() string { return "refunds" }

func (r *refundRecorder) OnRefundReceived(_ context.Context, userID, transactionID string) error {
	r.got = append(r.got, userID+"/"+transactionID)
	return nil
}

func setup(t *testing.T) (*tally.Ledger, *payment.Ingest, *refundRecorder) {
	t.Helper()
	snap, err := config.Build(config.DefaultConfig())
	require.NoError(t, err)

	l := tally.New(memory.New())
	_, err = l.Create(context.Background(), account.New("a1b2-c3", types.USD(0), time.Now()))
	require.NoError(t, err)

	rec := &refundRecorder{}
	plugins := plugin.NewRegistry()
	require.NoError(t, plugins.Register(rec))

	return l, payment.NewIngest(l, config.NewHolder(snap), payment.WithPlugins(plugins)), rec
}

func TestDecode(t *testing.T) {
	ev, err := payment.Decode([]byte(`{
		"notificationType": "one_time_charge",
		"transaction": {
			"productId": "890842",
			"transactionId": "2000000612345678",
			"originalTransactionId": "2000000612345678",
			"purchaseDate": 1717400000000,
			"quantity": 2,
			"appAccountToken": "a1b2-c3"
		}
	}`))
	require.NoError(t, err)

	assert.Equal(t, account.KindCharge, ev.Kind)
	assert.Equal(t, "890842", ev.ProductID)
	assert.Equal(t, "2000000612345678", ev.TransactionID)
	assert.Equal(t, int64(2), ev.Quantity)
	assert.Equal(t, "A1B2-C3", ev.UserID())
	assert.Equal(t, time.UnixMilli(1717400000000).UTC(), ev.PurchasedAt)
	assert.True(t, ev.OriginalPurchasedAt.IsZero())
}

func TestDecodeRejects(t *testing.T) {
	_, err := payment.Decode([]byte(`{broken`))
	assert.ErrorIs(t, err, tally.ErrInvalidInput)

	_, err = payment.Decode([]byte(`{"productId":"890842"}`))
	assert.ErrorIs(t, err, tally.ErrInvalidInput)
}

func TestChargeIsCreditedOnce(t *testing.T) {
	ctx := context.Background()
	l, ingest, _ := setup(t)

	ev := payment.Event{
		Kind:            account.KindCharge,
		ProductID:       "890842",
		TransactionID:   "t-1",
		Quantity:        2,
		AppAccountToken: "a1b2-c3",
	}

	out, err := ingest.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, payment.Credited, out)

	out, err = ingest.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, payment.Duplicate, out)

	a, err := l.Get(ctx, "A1B2-C3")
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(types.USD(17_980_000)), "balance %s", a.Balance)
	assert.True(t, a.AccruedTotal.Equal(types.USD(17_980_000)))
	require.Len(t, a.PurchaseHistory, 1)
	assert.Equal(t, int64(2), a.PurchaseHistory[0].Quantity)
}

func TestSubscriptionAndRenewal(t *testing.T) {
	ctx := context.Background()
	l, ingest, _ := setup(t)

	for _, ev := range []payment.Event{
		{Kind: account.KindSubscribed, ProductID: "monthly.bunny0", TransactionID: "s-1", AppAccountToken: "a1b2-c3"},
		{Kind: account.KindRenewed, ProductID: "monthly.bunny0", TransactionID: "s-2", AppAccountToken: "a1b2-c3"},
	} {
		out, err := ingest.Handle(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, payment.Credited, out)
	}

	a, err := l.Get(ctx, "A1B2-C3")
	require.NoError(t, err)
	assert.True(t, a.Balance.IsZero())
	assert.True(t, a.AccruedTotal.Equal(types.USD(17_980_000)))
	assert.Len(t, a.PurchaseHistory, 2)
}

func TestRefundIsAcknowledgedOnly(t *testing.T) {
	ctx := context.Background()
	l, ingest, rec := setup(t)

	_, err := ingest.Handle(ctx, payment.Event{Kind: account.KindCharge, ProductID: "890842", TransactionID: "t-1", AppAccountToken: "a1b2-c3"})
	require.NoError(t, err)

	out, err := ingest.Handle(ctx, payment.Event{Kind: account.KindRefund, ProductID: "890842", TransactionID: "t-1", AppAccountToken: "a1b2-c3"})
	require.NoError(t, err)
	assert.Equal(t, payment.Acknowledged, out)

	a, err := l.Get(ctx, "A1B2-C3")
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(types.USD(8_990_000)))
	assert.Eventually(t, func() bool { return len(rec.got) == 1 }, time.Second, 5*time.Millisecond)
}

func TestOtherKinds(t *testing.T) {
	ctx := context.Background()
	_, ingest, _ := setup(t)

	out, err := ingest.Handle(ctx, payment.Event{Kind: payment.KindConsumptionRequest, TransactionID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, payment.Acknowledged, out)

	out, err = ingest.Handle(ctx, payment.Event{Kind: "PRICE_INCREASE"})
	require.NoError(t, err)
	assert.Equal(t, payment.Ignored, out)
}

func TestIngestErrors(t *testing.T) {
	ctx := context.Background()
	_, ingest, _ := setup(t)

	_, err := ingest.Handle(ctx, payment.Event{Kind: account.KindCharge, ProductID: "nope", TransactionID: "t", AppAccountToken: "a1b2-c3"})
	assert.ErrorIs(t, err, tally.ErrUnknownProduct)

	_, err = ingest.Handle(ctx, payment.Event{Kind: account.KindCharge, ProductID: "890842", TransactionID: "t"})
	assert.ErrorIs(t, err, tally.ErrInvalidInput)

	_, err = ingest.Handle(ctx, payment.Event{Kind: account.KindCharge, ProductID: "890842", TransactionID: "t", AppAccountToken: "stranger"})
	assert.True(t, tally.IsNotFound(err))
}
