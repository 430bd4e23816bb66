// Package observability records ledger, payment and session events as
// metrics through a MetricFactory.
package observability

import (
	"context"
	"time"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/coupon"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/types"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin              = (*MetricsExtension)(nil)
	_ plugin.OnAccountCreated    = (*MetricsExtension)(nil)
	_ plugin.OnAccountCredited   = (*MetricsExtension)(nil)
	_ plugin.OnAccountDebited    = (*MetricsExtension)(nil)
	_ plugin.OnAccountDisabled   = (*MetricsExtension)(nil)
	_ plugin.OnDuplicatePurchase = (*MetricsExtension)(nil)
	_ plugin.OnCouponRedeemed    = (*MetricsExtension)(nil)
	_ plugin.OnEligibilityDenied = (*MetricsExtension)(nil)
	_ plugin.OnVersionConflict   = (*MetricsExtension)(nil)
	_ plugin.OnRetriesExhausted  = (*MetricsExtension)(nil)
	_ plugin.OnPublished         = (*MetricsExtension)(nil)
	_ plugin.OnRefundReceived    = (*MetricsExtension)(nil)
	_ plugin.OnSessionOpened     = (*MetricsExtension)(nil)
	_ plugin.OnSessionClosed     = (*MetricsExtension)(nil)
	_ plugin.OnSegmentSettled    = (*MetricsExtension)(nil)
	_ plugin.OnProviderFailed    = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide metrics.
// Register it as a Ledger plugin; the session manager and payment ingest
// share the same registry.
type MetricsExtension struct {
	factory MetricFactory

	// Account metrics
	AccountCreated  Counter
	AccountDisabled Counter

	// Credit metrics
	Credits            Counter
	CreditAmount       Histogram
	DuplicatePurchases Counter
	CouponsRedeemed    Counter
	RefundsReceived    Counter

	// Debit metrics
	Debits      Counter
	DebitTokens Histogram
	DebitCost   Histogram

	// Eligibility metrics
	DeniedLowBalance Counter
	DeniedMonthlyCap Counter

	// Concurrency metrics
	VersionConflicts Counter
	RetriesExhausted Counter
	PublishedBatch   Histogram
	PublishLatency   Histogram

	// Session metrics
	SessionsOpened   Counter
	SessionsClosed   Counter
	SegmentsSettled  Counter
	ProviderFailures Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		AccountCreated:  factory.Counter("tally.account.created"),
		AccountDisabled: factory.Counter("tally.account.disabled"),

		Credits:            factory.Counter("tally.credit.applied"),
		CreditAmount:       factory.Histogram("tally.credit.amount_usd"),
		DuplicatePurchases: factory.Counter("tally.credit.duplicates"),
		CouponsRedeemed:    factory.Counter("tally.coupon.redeemed"),
		RefundsReceived:    factory.Counter("tally.refund.received"),

		Debits:      factory.Counter("tally.debit.applied"),
		DebitTokens: factory.Histogram("tally.debit.tokens"),
		DebitCost:   factory.Histogram("tally.debit.cost_usd"),

		DeniedLowBalance: factory.Counter("tally.eligibility.denied.low_balance"),
		DeniedMonthlyCap: factory.Counter("tally.eligibility.denied.monthly_cap"),

		VersionConflicts: factory.Counter("tally.store.version_conflicts"),
		RetriesExhausted: factory.Counter("tally.store.retries_exhausted"),
		PublishedBatch:   factory.Histogram("tally.publish.accounts"),
		PublishLatency:   factory.Histogram("tally.publish.latency_ms"),

		SessionsOpened:   factory.Counter("tally.session.opened"),
		SessionsClosed:   factory.Counter("tally.session.closed"),
		SegmentsSettled:  factory.Counter("tally.session.segments_settled"),
		ProviderFailures: factory.Counter("tally.provider.failures"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ──────────────────────────────────────────────────
// Account hooks
// ──────────────────────────────────────────────────

// OnAccountCreated implements plugin.OnAccountCreated.
func (m *MetricsExtension) OnAccountCreated(_ context.Context, _ *account.Account) error {
	m.AccountCreated.Inc()
	return nil
}

// OnAccountCredited implements plugin.OnAccountCredited.
func (m *MetricsExtension) OnAccountCredited(_ context.Context, _ *account.Account, p account.Purchase) error {
	m.Credits.Inc()
	m.CreditAmount.Observe(p.Total().Float64())
	return nil
}

// OnAccountDebited implements plugin.OnAccountDebited.
func (m *MetricsExtension) OnAccountDebited(_ context.Context, _ *account.Account, tokens int64, cost types.Money) error {
	m.Debits.Inc()
	m.DebitTokens.Observe(float64(tokens))
	m.DebitCost.Observe(cost.Float64())
	return nil
}

// OnAccountDisabled implements plugin.OnAccountDisabled.
func (m *MetricsExtension) OnAccountDisabled(_ context.Context, _ string) error {
	m.AccountDisabled.Inc()
	return nil
}

// OnDuplicatePurchase implements plugin.OnDuplicatePurchase.
func (m *MetricsExtension) OnDuplicatePurchase(_ context.Context, _, _ string) error {
	m.DuplicatePurchases.Inc()
	return nil
}

// OnCouponRedeemed implements plugin.OnCouponRedeemed.
func (m *MetricsExtension) OnCouponRedeemed(_ context.Context, _ string, _ *coupon.Coupon) error {
	m.CouponsRedeemed.Inc()
	return nil
}

// OnEligibilityDenied implements plugin.OnEligibilityDenied.
func (m *MetricsExtension) OnEligibilityDenied(_ context.Context, _ string, r entitlement.Result) error {
	switch r.Decision {
	case entitlement.InsufficientBalance:
		m.DeniedLowBalance.Inc()
	case entitlement.MonthlyCapExceeded:
		m.DeniedMonthlyCap.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Concurrency hooks
// ──────────────────────────────────────────────────

// OnVersionConflict implements plugin.OnVersionConflict.
func (m *MetricsExtension) OnVersionConflict(_ context.Context, _, _ string, _ int) error {
	m.VersionConflicts.Inc()
	return nil
}

// OnRetriesExhausted implements plugin.OnRetriesExhausted.
func (m *MetricsExtension) OnRetriesExhausted(_ context.Context, _, _ string, _ error) error {
	m.RetriesExhausted.Inc()
	return nil
}

// OnPublished implements plugin.OnPublished.
func (m *MetricsExtension) OnPublished(_ context.Context, accounts int, elapsed time.Duration) error {
	m.PublishedBatch.Observe(float64(accounts))
	m.PublishLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}

// OnRefundReceived implements plugin.OnRefundReceived.
func (m *MetricsExtension) OnRefundReceived(_ context.Context, _, _ string) error {
	m.RefundsReceived.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Session hooks
// ──────────────────────────────────────────────────

// OnSessionOpened implements plugin.OnSessionOpened.
func (m *MetricsExtension) OnSessionOpened(_ context.Context, _, _ string) error {
	m.SessionsOpened.Inc()
	return nil
}

// OnSessionClosed implements plugin.OnSessionClosed.
func (m *MetricsExtension) OnSessionClosed(_ context.Context, _, _, _ string) error {
	m.SessionsClosed.Inc()
	return nil
}

// OnSegmentSettled implements plugin.OnSegmentSettled.
func (m *MetricsExtension) OnSegmentSettled(_ context.Context, _, _ string, _ int64, _ types.Money) error {
	m.SegmentsSettled.Inc()
	return nil
}

// OnProviderFailed implements plugin.OnProviderFailed.
func (m *MetricsExtension) OnProviderFailed(_ context.Context, _, _ string, _ error) error {
	m.ProviderFailures.Inc()
	return nil
}
