package audithook

// Action constants for audit events.
const (
	// Account actions
	ActionAccountCreated  = "account.created"
	ActionAccountDisabled = "account.disabled"

	// Credit actions
	ActionPurchaseApplied   = "purchase.applied"
	ActionPurchaseDuplicate = "purchase.duplicate"
	ActionCouponRedeemed    = "coupon.redeemed"
	ActionRefundReceived    = "refund.received"

	// Eligibility actions
	ActionEligibilityDenied = "eligibility.denied"

	// Bookkeeping actions
	ActionRetriesExhausted = "ledger.retries_exhausted"

	// Session actions
	ActionSessionOpened  = "session.opened"
	ActionSessionClosed  = "session.closed"
	ActionProviderFailed = "provider.failed"
)

// Resource constants for audit events.
const (
	ResourceAccount  = "account"
	ResourcePurchase = "purchase"
	ResourceCoupon   = "coupon"
	ResourceSession  = "session"
	ResourceProvider = "provider"
)

// Category constants for audit events.
const (
	CategoryAccount = "account"
	CategoryPayment = "payment"
	CategoryAccess  = "access"
	CategoryBilling = "billing"
	CategoryUsage   = "usage"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePending = "pending"
)
