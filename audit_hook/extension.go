// Package audithook bridges ledger, payment and session events to an audit
// trail backend.
//
// It defines a local Recorder interface so the package does not depend on
// any particular audit store. Callers inject a RecorderFunc adapter at
// wiring time; the CLI writes events as structured log lines.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/coupon"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/plugin"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin              = (*Extension)(nil)
	_ plugin.OnAccountCreated    = (*Extension)(nil)
	_ plugin.OnAccountDisabled   = (*Extension)(nil)
	_ plugin.OnAccountCredited   = (*Extension)(nil)
	_ plugin.OnDuplicatePurchase = (*Extension)(nil)
	_ plugin.OnCouponRedeemed    = (*Extension)(nil)
	_ plugin.OnRefundReceived    = (*Extension)(nil)
	_ plugin.OnEligibilityDenied = (*Extension)(nil)
	_ plugin.OnRetriesExhausted  = (*Extension)(nil)
	_ plugin.OnSessionOpened     = (*Extension)(nil)
	_ plugin.OnSessionClosed     = (*Extension)(nil)
	_ plugin.OnProviderFailed    = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one entry in the audit trail.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// LogRecorder writes audit events to logger at a level matching their
// severity.
func LogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, evt *AuditEvent) error {
		level := slog.LevelInfo
		switch evt.Severity {
		case SeverityWarning:
			level = slog.LevelWarn
		case SeverityError, SeverityCritical:
			level = slog.LevelError
		}
		logger.LogAttrs(ctx, level, "audit",
			slog.String("action", evt.Action),
			slog.String("resource", evt.Resource),
			slog.String("resource_id", evt.ResourceID),
			slog.String("outcome", evt.Outcome),
			slog.Any("metadata", evt.Metadata),
		)
		return nil
	})
}

// Extension bridges lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Account hooks
// ──────────────────────────────────────────────────

// OnAccountCreated implements plugin.OnAccountCreated.
func (e *Extension) OnAccountCreated(ctx context.Context, a *account.Account) error {
	return e.record(ctx, ActionAccountCreated, SeverityInfo, OutcomeSuccess,
		ResourceAccount, a.ID, CategoryAccount, nil,
		"balance", a.Balance.String(),
	)
}

// OnAccountDisabled implements plugin.OnAccountDisabled.
func (e *Extension) OnAccountDisabled(ctx context.Context, userID string) error {
	return e.record(ctx, ActionAccountDisabled, SeverityInfo, OutcomeSuccess,
		ResourceAccount, userID, CategoryAccount, nil,
	)
}

// ──────────────────────────────────────────────────
// Payment hooks
// ──────────────────────────────────────────────────

// OnAccountCredited implements plugin.OnAccountCredited.
func (e *Extension) OnAccountCredited(ctx context.Context, a *account.Account, p account.Purchase) error {
	return e.record(ctx, ActionPurchaseApplied, SeverityInfo, OutcomeSuccess,
		ResourcePurchase, p.TransactionID, CategoryPayment, nil,
		"user_id", a.ID,
		"kind", string(p.Kind),
		"product_id", p.ProductID,
		"quantity", p.Quantity,
		"amount", p.Total().String(),
		"balance", a.Balance.String(),
	)
}

// OnDuplicatePurchase implements plugin.OnDuplicatePurchase.
func (e *Extension) OnDuplicatePurchase(ctx context.Context, userID, transactionID string) error {
	return e.record(ctx, ActionPurchaseDuplicate, SeverityInfo, OutcomeSuccess,
		ResourcePurchase, transactionID, CategoryPayment, nil,
		"user_id", userID,
	)
}

// OnCouponRedeemed implements plugin.OnCouponRedeemed.
func (e *Extension) OnCouponRedeemed(ctx context.Context, userID string, c *coupon.Coupon) error {
	return e.record(ctx, ActionCouponRedeemed, SeverityInfo, OutcomeSuccess,
		ResourceCoupon, c.Code, CategoryPayment, nil,
		"user_id", userID,
		"amount", c.Amount.String(),
	)
}

// OnRefundReceived implements plugin.OnRefundReceived. The balance is not
// adjusted, so the event stays pending until an operator reconciles it.
func (e *Extension) OnRefundReceived(ctx context.Context, userID, transactionID string) error {
	return e.record(ctx, ActionRefundReceived, SeverityWarning, OutcomePending,
		ResourcePurchase, transactionID, CategoryPayment, nil,
		"user_id", userID,
		"needs_reconciliation", true,
	)
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnEligibilityDenied implements plugin.OnEligibilityDenied.
func (e *Extension) OnEligibilityDenied(ctx context.Context, userID string, r entitlement.Result) error {
	return e.record(ctx, ActionEligibilityDenied, SeverityInfo, OutcomeFailure,
		ResourceAccount, userID, CategoryAccess, nil,
		"decision", string(r.Decision),
		"subscriber", r.Subscriber,
		"balance", r.Balance.String(),
		"used", r.Used.String(),
		"limit", r.Limit.String(),
	)
}

// OnRetriesExhausted implements plugin.OnRetriesExhausted.
func (e *Extension) OnRetriesExhausted(ctx context.Context, userID, op string, err error) error {
	return e.record(ctx, ActionRetriesExhausted, SeverityCritical, OutcomeFailure,
		ResourceAccount, userID, CategoryBilling, err,
		"op", op,
	)
}

// ──────────────────────────────────────────────────
// Session hooks
// ──────────────────────────────────────────────────

// OnSessionOpened implements plugin.OnSessionOpened.
func (e *Extension) OnSessionOpened(ctx context.Context, sessionID, userID string) error {
	return e.record(ctx, ActionSessionOpened, SeverityInfo, OutcomeSuccess,
		ResourceSession, sessionID, CategoryUsage, nil,
		"user_id", userID,
	)
}

// OnSessionClosed implements plugin.OnSessionClosed.
func (e *Extension) OnSessionClosed(ctx context.Context, sessionID, userID, reason string) error {
	return e.record(ctx, ActionSessionClosed, SeverityInfo, OutcomeSuccess,
		ResourceSession, sessionID, CategoryUsage, nil,
		"user_id", userID,
		"reason", reason,
	)
}

// OnProviderFailed implements plugin.OnProviderFailed.
func (e *Extension) OnProviderFailed(ctx context.Context, userID, model string, err error) error {
	return e.record(ctx, ActionProviderFailed, SeverityError, OutcomeFailure,
		ResourceProvider, model, CategoryUsage, err,
		"user_id", userID,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
