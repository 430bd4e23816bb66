package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/config"
	"github.com/xraph/tally/plugin"
)

// Outcome reports what Handle did with an event.
type Outcome string

const (
	Credited     Outcome = "credited"
	Duplicate    Outcome = "duplicate"
	Acknowledged Outcome = "acknowledged"
	Ignored      Outcome = "ignored"
)

// Ledger is the subset of the account ledger ingest needs.
type Ledger interface {
	Credit(ctx context.Context, userID string, p account.Purchase) (*account.Account, error)
}

// Ingest maps payment events to ledger operations. Handle is idempotent per
// transaction id, so the platform may redeliver freely.
type Ingest struct {
	ledger  Ledger
	config  *config.Holder
	plugins *plugin.Registry
	logger  *slog.Logger
}

// Option configures an Ingest.
type Option func(*Ingest)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Ingest) { i.logger = logger }
}

// WithPlugins sets the hook registry.
func WithPlugins(r *plugin.Registry) Option {
	return func(i *Ingest) { i.plugins = r }
}

// NewIngest creates an Ingest that prices products from the current config.
func NewIngest(l Ledger, cfg *config.Holder, opts ...Option) *Ingest {
	i := &Ingest{
		ledger:  l,
		config:  cfg,
		plugins: plugin.NewRegistry(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Handle applies ev. Errors are returned so the caller can ask the platform
// to redeliver.
func (i *Ingest) Handle(ctx context.Context, ev Event) (Outcome, error) {
	log := i.logger.With(
		"kind", ev.Kind,
		"user_id", ev.UserID(),
		"transaction_id", ev.TransactionID,
		"product_id", ev.ProductID,
	)

	switch ev.Kind {
	case account.KindCharge, account.KindSubscribed, account.KindRenewed:
		return i.credit(ctx, ev, log)

	case account.KindRefund:
		// Refunds are not reversed automatically; operators reconcile them
		// from the audit trail.
		log.Warn("refund received, balance not adjusted")
		i.plugins.EmitRefundReceived(ctx, ev.UserID(), ev.TransactionID)
		return Acknowledged, nil

	case KindConsumptionRequest:
		log.Info("consumption request received")
		return Acknowledged, nil

	default:
		log.Info("unhandled notification kind")
		return Ignored, nil
	}
}

func (i *Ingest) credit(ctx context.Context, ev Event, log *slog.Logger) (Outcome, error) {
	if ev.UserID() == "" {
		return "", fmt.Errorf("%w: appAccountToken is missing", tally.ErrInvalidInput)
	}
	if ev.TransactionID == "" {
		return "", fmt.Errorf("%w: transactionId is missing", tally.ErrInvalidInput)
	}

	price, ok := i.config.Load().ProductPrice(ev.ProductID)
	if !ok {
		log.Error("purchase of unknown product")
		return "", fmt.Errorf("%w: %q", tally.ErrUnknownProduct, ev.ProductID)
	}

	qty := ev.Quantity
	if qty <= 0 {
		qty = 1
	}

	a, err := i.ledger.Credit(ctx, ev.UserID(), account.Purchase{
		Kind:                  ev.Kind,
		ProductID:             ev.ProductID,
		TransactionID:         ev.TransactionID,
		OriginalTransactionID: ev.OriginalTransactionID,
		PurchasedAt:           ev.PurchasedAt,
		OriginalPurchasedAt:   ev.OriginalPurchasedAt,
		Quantity:              qty,
		Amount:                price,
	})
	switch {
	case errors.Is(err, tally.ErrDuplicateEvent):
		log.Info("purchase already applied")
		return Duplicate, nil
	case err != nil:
		log.Error("credit failed", "error", err)
		return "", err
	}

	log.Info("purchase applied",
		"amount", price.Multiply(qty).String(),
		"balance", a.Balance.String(),
	)
	return Credited, nil
}
