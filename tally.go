package tally

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/coupon"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/types"
)

// Default retry backoff bounds for optimistic writes.
const (
	DefaultInitialBackoff = 5 * time.Millisecond
	DefaultMaxBackoff     = 250 * time.Millisecond
)

// Ledger owns every mutation of account and coupon records.
type Ledger struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	now     func() time.Time
	policy  func() entitlement.Policy

	// Retry policy for optimistic writes
	maxTries       uint
	initialBackoff time.Duration
	maxBackoff     time.Duration

	// Publish worker
	dirty           chan string
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	publishInterval time.Duration
	publishBatch    int
}

// New creates a new Ledger instance.
func New(s store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:           s,
		plugins:         plugin.NewRegistry(),
		logger:          slog.Default(),
		now:             func() time.Time { return time.Now().UTC() },
		policy:          entitlement.DefaultPolicy,
		maxTries:        8,
		initialBackoff:  DefaultInitialBackoff,
		maxBackoff:      DefaultMaxBackoff,
		dirty:           make(chan string, 4096),
		stopChan:        make(chan struct{}),
		publishInterval: time.Second,
		publishBatch:    256,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Option configures a Ledger instance.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
		l.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(l *Ledger) {
		_ = l.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithPolicy fixes the eligibility thresholds.
func WithPolicy(p entitlement.Policy) Option {
	return func(l *Ledger) {
		l.policy = func() entitlement.Policy { return p }
	}
}

// WithPolicySource reads the eligibility thresholds on every check, so a
// reloaded configuration takes effect without rebuilding the Ledger.
func WithPolicySource(fn func() entitlement.Policy) Option {
	return func(l *Ledger) { l.policy = fn }
}

// WithRetryPolicy bounds the optimistic-concurrency retry loop.
func WithRetryPolicy(maxTries uint, initial, maxInterval time.Duration) Option {
	return func(l *Ledger) {
		l.maxTries = maxTries
		l.initialBackoff = initial
		l.maxBackoff = maxInterval
	}
}

// WithPublishConfig configures how often and in what batch size modified
// accounts are published to the store.
func WithPublishConfig(batch int, interval time.Duration) Option {
	return func(l *Ledger) {
		l.publishBatch = batch
		l.publishInterval = interval
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Plugins returns the hook registry, shared with the session and payment layers.
func (l *Ledger) Plugins() *plugin.Registry { return l.plugins }

// Store returns the underlying store.
func (l *Ledger) Store() store.Store { return l.store }

// Start migrates the store and begins the publish worker.
func (l *Ledger) Start(ctx context.Context) error {
	if err := l.store.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
	}

	l.plugins.EmitInit(ctx, l)

	l.wg.Add(1)
	go l.publishWorker(context.WithoutCancel(ctx))

	l.logger.Info("ledger started",
		"publish_batch", l.publishBatch,
		"publish_interval", l.publishInterval,
		"max_tries", l.maxTries,
	)

	return nil
}

// Stop flushes pending publishes and closes the store.
func (l *Ledger) Stop() error {
	l.stopOnce.Do(func() { close(l.stopChan) })
	l.wg.Wait()

	ctx := context.Background()
	l.plugins.EmitShutdown(ctx)

	return l.store.Close()
}

// ──────────────────────────────────────────────────
// Account lifecycle
// ──────────────────────────────────────────────────

// Get returns the current account state.
func (l *Ledger) Get(ctx context.Context, userID string) (*account.Account, error) {
	return l.store.GetAccount(ctx, account.Key(userID))
}

// Create persists a new account. It fails with ErrAlreadyExists when an
// active account holds the key; a disabled one is revived in place so its
// purchase history is kept.
func (l *Ledger) Create(ctx context.Context, a *account.Account) (*account.Account, error) {
	a.ID = account.Key(a.ID)
	if a.ID == "" {
		return nil, ValidationError{Field: "id", Message: "must not be empty"}
	}

	now := l.now()
	if a.CreatedAt.IsZero() {
		a.Entity = types.Entity{CreatedAt: now, UpdatedAt: now}
	}
	if a.MonthlyUsage == nil {
		a.MonthlyUsage = map[string]types.Money{types.MonthKey(now): types.Zero("usd")}
	}
	if a.LastActiveAt.IsZero() {
		a.LastActiveAt = now
	}

	err := l.store.CreateAccount(ctx, a)
	switch {
	case err == nil:
		l.logger.Info("account created", "user_id", a.ID)
		l.plugins.EmitAccountCreated(ctx, a.Clone())
		l.markDirty(a.ID)
		return a, nil
	case !errors.Is(err, ErrAlreadyExists):
		return nil, err
	}

	revived, err := l.mutateAccount(ctx, a.ID, "revive", true, func(cur *account.Account) error {
		if !cur.Disabled {
			return ErrAlreadyExists
		}
		cur.Disabled = false
		cur.Username = a.Username
		cur.Email = a.Email
		cur.FamilyName = a.FamilyName
		cur.GivenName = a.GivenName
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("account revived", "user_id", revived.ID)
	l.plugins.EmitAccountCreated(ctx, revived.Clone())
	return revived, nil
}

// CreateTemp registers a device-keyed account funded with a signup bonus.
// An existing active account for the device is returned unchanged, so the
// bonus is granted once.
func (l *Ledger) CreateTemp(ctx context.Context, deviceID string, bonus types.Money) (*account.Account, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, ValidationError{Field: "device_id", Message: "must not be empty"}
	}

	if existing, err := l.Get(ctx, deviceID); err == nil && !existing.Disabled {
		l.logger.Debug("temp account reused", "user_id", existing.ID)
		return existing, nil
	} else if err != nil && !IsNotFound(err) {
		return nil, err
	}

	a := account.New(deviceID, bonus, l.now())
	a.Username = deviceID
	return l.Create(ctx, a)
}

// Profile carries the identity fields a user may change.
type Profile struct {
	Username   string `json:"username"`
	Email      string `json:"email"`
	FamilyName string `json:"family_name"`
	GivenName  string `json:"given_name"`
}

// UpdateProfile replaces the identity fields, leaving financial state untouched.
func (l *Ledger) UpdateProfile(ctx context.Context, userID string, p Profile) (*account.Account, error) {
	return l.mutateAccount(ctx, account.Key(userID), "update_profile", false, func(a *account.Account) error {
		if p.Username != "" {
			a.Username = p.Username
		}
		a.Email = p.Email
		a.FamilyName = p.FamilyName
		a.GivenName = p.GivenName
		return nil
	})
}

// Disable marks the account disabled. Nothing is deleted so payment
// reconciliation can still find the history.
func (l *Ledger) Disable(ctx context.Context, userID string) error {
	key := account.Key(userID)
	_, err := l.mutateAccount(ctx, key, "disable", true, func(a *account.Account) error {
		a.Disabled = true
		return nil
	})
	if err != nil {
		return err
	}

	l.logger.Info("account disabled", "user_id", key)
	l.plugins.EmitAccountDisabled(ctx, key)
	return nil
}

// ──────────────────────────────────────────────────
// Credits and debits
// ──────────────────────────────────────────────────

// Credit applies a purchase. A transaction id that is already in the
// history is not applied again; the current account is returned together
// with ErrDuplicateEvent. Disabled accounts still accept credits.
func (l *Ledger) Credit(ctx context.Context, userID string, p account.Purchase) (*account.Account, error) {
	if err := validatePurchase(p); err != nil {
		return nil, err
	}
	if p.ID.IsNil() {
		p.ID = id.NewPurchaseID()
	}

	key := account.Key(userID)
	var applied account.Purchase
	a, err := l.mutateAccount(ctx, key, "credit", true, func(a *account.Account) error {
		rec, ok := a.ApplyCredit(p, l.now())
		if !ok {
			return ErrDuplicateEvent
		}
		applied = rec
		return nil
	})
	if errors.Is(err, ErrDuplicateEvent) {
		l.logger.Info("duplicate purchase skipped",
			"user_id", key,
			"transaction_id", p.TransactionID,
		)
		l.plugins.EmitDuplicatePurchase(ctx, key, p.TransactionID)
		return a, err
	}
	if err != nil {
		return nil, err
	}

	l.logger.Info("account credited",
		"user_id", key,
		"kind", applied.Kind,
		"product_id", applied.ProductID,
		"transaction_id", applied.TransactionID,
		"amount", applied.Total().String(),
		"balance", a.Balance.String(),
	)
	l.plugins.EmitAccountCredited(ctx, a.Clone(), applied)
	return a, nil
}

func validatePurchase(p account.Purchase) error {
	var errs MultiError
	if p.TransactionID == "" {
		errs.Add(ValidationError{Field: "transaction_id", Message: "must not be empty"})
	}
	if !p.Kind.Creditable() {
		errs.Add(ValidationError{Field: "kind", Message: fmt.Sprintf("%q cannot be credited", p.Kind)})
	}
	if p.Quantity < 0 {
		errs.Add(ValidationError{Field: "quantity", Message: "must not be negative"})
	}
	if p.Amount.IsNegative() {
		errs.Add(ValidationError{Field: "amount", Message: "must not be negative"})
	}
	return errs.ErrorOrNil()
}

// Debit settles delivered usage. It never refuses for lack of funds: the
// work was already delivered, so the balance may go negative.
func (l *Ledger) Debit(ctx context.Context, userID string, tokens int64, cost types.Money) (*account.Account, error) {
	if tokens < 0 || cost.IsNegative() {
		return nil, ValidationError{Field: "cost", Message: "must not be negative"}
	}

	key := account.Key(userID)
	a, err := l.mutateAccount(ctx, key, "debit", false, func(a *account.Account) error {
		a.ApplyDebit(tokens, cost, l.now())
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug("account debited",
		"user_id", key,
		"tokens", tokens,
		"cost", cost.String(),
		"balance", a.Balance.String(),
	)
	l.plugins.EmitAccountDebited(ctx, a.Clone(), tokens, cost)
	return a, nil
}

// CheckEligibility decides whether a may start another request. It does
// not touch the store.
func (l *Ledger) CheckEligibility(a *account.Account, isSubscriber bool) entitlement.Result {
	return l.CheckEligibilityUnder(l.policy(), a, isSubscriber)
}

// CheckEligibilityUnder is CheckEligibility against an explicit policy,
// for callers that pinned their thresholds to a configuration snapshot.
func (l *Ledger) CheckEligibilityUnder(p entitlement.Policy, a *account.Account, isSubscriber bool) entitlement.Result {
	return entitlement.Check(a, isSubscriber, p, l.now())
}

// EligibilityError maps a blocked result to its sentinel, nil when allowed.
func EligibilityError(r entitlement.Result) error {
	switch r.Decision {
	case entitlement.InsufficientBalance:
		return ErrInsufficientBalance
	case entitlement.MonthlyCapExceeded:
		return ErrMonthlyCapExceeded
	default:
		return nil
	}
}

// ──────────────────────────────────────────────────
// Coupons
// ──────────────────────────────────────────────────

// CreateCoupon stores a new coupon.
func (l *Ledger) CreateCoupon(ctx context.Context, c *coupon.Coupon) error {
	c.Code = coupon.Normalize(c.Code)
	if c.Code == "" {
		return ValidationError{Field: "code", Message: "must not be empty"}
	}
	if !c.Amount.IsPositive() {
		return ValidationError{Field: "amount", Message: "must be positive"}
	}
	if c.ID.IsNil() {
		c.ID = id.NewCouponID()
	}
	now := l.now()
	c.Entity = types.Entity{CreatedAt: now, UpdatedAt: now}
	return l.store.CreateCoupon(ctx, c)
}

// RedeemCoupon consumes code and credits its amount to userID. It returns
// false without mutating anything when the coupon is absent, consumed or
// expired.
//
// The coupon and the account are two separate conditional writes. Once the
// coupon write lands, a retry re-reads redeemed=true and returns false, so
// a failure between the two writes can never turn into a double credit.
func (l *Ledger) RedeemCoupon(ctx context.Context, userID, code string) (bool, error) {
	key := account.Key(userID)
	code = coupon.Normalize(code)

	a, err := l.store.GetAccount(ctx, key)
	if err != nil {
		return false, err
	}
	if a.Disabled {
		return false, ErrAccountDisabled
	}

	now := l.now()
	claimed, err := retry(ctx, l, func() (*coupon.Coupon, error) {
		c, err := l.store.GetCoupon(ctx, code)
		if IsNotFound(err) {
			return nil, backoff.Permanent(ErrCouponInvalid)
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if !c.Usable(now) {
			return nil, backoff.Permanent(ErrCouponInvalid)
		}
		expected := c.Version
		c.MarkRedeemed(key, now)
		if err := l.store.PutCoupon(ctx, c, expected); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return c, nil
	})
	if errors.Is(err, ErrCouponInvalid) {
		l.logger.Info("coupon rejected", "user_id", key, "code", code)
		return false, nil
	}
	if err != nil {
		return false, l.exhausted(ctx, key, "redeem_coupon", err)
	}

	_, err = l.mutateAccount(ctx, key, "coupon_credit", false, func(a *account.Account) error {
		a.Balance = a.Balance.Add(claimed.Amount)
		return nil
	})
	if err != nil {
		l.logger.Error("coupon consumed but credit failed",
			"user_id", key,
			"code", code,
			"amount", claimed.Amount.String(),
			"error", err,
		)
		return false, err
	}

	l.logger.Info("coupon redeemed",
		"user_id", key,
		"code", code,
		"amount", claimed.Amount.String(),
	)
	l.plugins.EmitCouponRedeemed(ctx, key, claimed)
	return true, nil
}

// ──────────────────────────────────────────────────
// Optimistic concurrency
// ──────────────────────────────────────────────────

// mutateAccount runs read, compute, conditional write, retrying the whole
// cycle on a version conflict. fn works on a fresh copy each attempt. A
// non-conflict error from fn stops the loop and is returned along with the
// account as read.
func (l *Ledger) mutateAccount(
	ctx context.Context,
	userID, op string,
	allowDisabled bool,
	fn func(a *account.Account) error,
) (*account.Account, error) {
	attempt := 0
	var last *account.Account

	a, err := retry(ctx, l, func() (*account.Account, error) {
		attempt++

		cur, err := l.store.GetAccount(ctx, userID)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if cur.Disabled && !allowDisabled {
			return nil, backoff.Permanent(ErrAccountDisabled)
		}
		last = cur.Clone()

		expected := cur.Version
		if err := fn(cur); err != nil {
			return nil, backoff.Permanent(err)
		}
		cur.UpdatedAt = l.now()

		if err := l.store.PutAccount(ctx, cur, expected); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				l.logger.Debug("version conflict, retrying",
					"user_id", userID,
					"op", op,
					"attempt", attempt,
				)
				l.plugins.EmitVersionConflict(ctx, userID, op, attempt)
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return cur, nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateEvent) || errors.Is(err, ErrAlreadyExists) {
			return last, err
		}
		return nil, l.exhausted(ctx, userID, op, err)
	}

	l.markDirty(userID)
	return a, nil
}

// retry runs op under the ledger's backoff policy. Only ErrVersionConflict
// is retried; op wraps every other error with backoff.Permanent.
func retry[T any](ctx context.Context, l *Ledger, op backoff.Operation[T]) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.initialBackoff
	b.MaxInterval = l.maxBackoff

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(l.maxTries),
	)
}

// exhausted converts a conflict that survived every retry into the fatal
// ErrRetriesExhausted. Other errors pass through.
func (l *Ledger) exhausted(ctx context.Context, userID, op string, err error) error {
	if !errors.Is(err, ErrVersionConflict) {
		return err
	}
	fatal := fmt.Errorf("%w: %s on %s after %d tries", ErrRetriesExhausted, op, userID, l.maxTries)
	l.logger.Error("ledger retries exhausted",
		"user_id", userID,
		"op", op,
		"error", fatal,
	)
	l.plugins.EmitRetriesExhausted(ctx, userID, op, fatal)
	return fatal
}

// ──────────────────────────────────────────────────
// Publishing
// ──────────────────────────────────────────────────

// markDirty queues an account for the next publish. When the queue is full
// the account is dropped from the batch count only; Publish always commits
// every pending write.
func (l *Ledger) markDirty(userID string) {
	select {
	case l.dirty <- userID:
	default:
	}
}

// Publish commits pending writes immediately.
func (l *Ledger) Publish(ctx context.Context) error {
	return l.store.Publish(ctx)
}

// publishWorker batches modified accounts and publishes them.
func (l *Ledger) publishWorker(ctx context.Context) {
	defer l.wg.Done()

	pending := make(map[string]struct{}, l.publishBatch)
	ticker := time.NewTicker(l.publishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			// Final flush
		drain:
			for {
				select {
				case userID := <-l.dirty:
					pending[userID] = struct{}{}
				default:
					break drain
				}
			}
			if len(pending) > 0 {
				l.publish(ctx, pending)
			}
			return

		case userID := <-l.dirty:
			pending[userID] = struct{}{}
			if len(pending) >= l.publishBatch {
				l.publish(ctx, pending)
				pending = make(map[string]struct{}, l.publishBatch)
			}

		case <-ticker.C:
			if len(pending) > 0 {
				l.publish(ctx, pending)
				pending = make(map[string]struct{}, l.publishBatch)
			}
		}
	}
}

func (l *Ledger) publish(ctx context.Context, pending map[string]struct{}) {
	start := time.Now()

	if err := l.store.Publish(ctx); err != nil {
		l.logger.Error("failed to publish ledger changes",
			"error", err,
			"accounts", len(pending),
		)
		return
	}

	elapsed := time.Since(start)
	l.plugins.EmitPublished(ctx, len(pending), elapsed)

	l.logger.Debug("published ledger changes",
		"accounts", len(pending),
		"elapsed_ms", elapsed.Milliseconds(),
	)
}
