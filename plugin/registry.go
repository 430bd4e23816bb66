package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/coupon"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/types"
)

// DefaultHookTimeout bounds a single hook call.
const DefaultHookTimeout = 5 * time.Second

// Registry manages registered plugins and dispatches hooks to the ones
// implementing them. Interface lists are cached at registration time.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit              []OnInit
	onShutdown          []OnShutdown
	onAccountCreated    []OnAccountCreated
	onAccountCredited   []OnAccountCredited
	onAccountDebited    []OnAccountDebited
	onAccountDisabled   []OnAccountDisabled
	onDuplicatePurchase []OnDuplicatePurchase
	onCouponRedeemed    []OnCouponRedeemed
	onEligibilityDenied []OnEligibilityDenied
	onVersionConflict   []OnVersionConflict
	onRetriesExhausted  []OnRetriesExhausted
	onPublished         []OnPublished
	onRefundReceived    []OnRefundReceived
	onSessionOpened     []OnSessionOpened
	onSessionClosed     []OnSessionClosed
	onSegmentSettled    []OnSegmentSettled
	onProviderFailed    []OnProviderFailed
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultHookTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	var hooks []string
	add := func(ok bool, name string) bool {
		if ok {
			hooks = append(hooks, name)
		}
		return ok
	}

	if v, ok := p.(OnInit); add(ok, "OnInit") {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); add(ok, "OnShutdown") {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnAccountCreated); add(ok, "OnAccountCreated") {
		r.onAccountCreated = append(r.onAccountCreated, v)
	}
	if v, ok := p.(OnAccountCredited); add(ok, "OnAccountCredited") {
		r.onAccountCredited = append(r.onAccountCredited, v)
	}
	if v, ok := p.(OnAccountDebited); add(ok, "OnAccountDebited") {
		r.onAccountDebited = append(r.onAccountDebited, v)
	}
	if v, ok := p.(OnAccountDisabled); add(ok, "OnAccountDisabled") {
		r.onAccountDisabled = append(r.onAccountDisabled, v)
	}
	if v, ok := p.(OnDuplicatePurchase); add(ok, "OnDuplicatePurchase") {
		r.onDuplicatePurchase = append(r.onDuplicatePurchase, v)
	}
	if v, ok := p.(OnCouponRedeemed); add(ok, "OnCouponRedeemed") {
		r.onCouponRedeemed = append(r.onCouponRedeemed, v)
	}
	if v, ok := p.(OnEligibilityDenied); add(ok, "OnEligibilityDenied") {
		r.onEligibilityDenied = append(r.onEligibilityDenied, v)
	}
	if v, ok := p.(OnVersionConflict); add(ok, "OnVersionConflict") {
		r.onVersionConflict = append(r.onVersionConflict, v)
	}
	if v, ok := p.(OnRetriesExhausted); add(ok, "OnRetriesExhausted") {
		r.onRetriesExhausted = append(r.onRetriesExhausted, v)
	}
	if v, ok := p.(OnPublished); add(ok, "OnPublished") {
		r.onPublished = append(r.onPublished, v)
	}
	if v, ok := p.(OnRefundReceived); add(ok, "OnRefundReceived") {
		r.onRefundReceived = append(r.onRefundReceived, v)
	}
	if v, ok := p.(OnSessionOpened); add(ok, "OnSessionOpened") {
		r.onSessionOpened = append(r.onSessionOpened, v)
	}
	if v, ok := p.(OnSessionClosed); add(ok, "OnSessionClosed") {
		r.onSessionClosed = append(r.onSessionClosed, v)
	}
	if v, ok := p.(OnSegmentSettled); add(ok, "OnSegmentSettled") {
		r.onSegmentSettled = append(r.onSegmentSettled, v)
	}
	if v, ok := p.(OnProviderFailed); add(ok, "OnProviderFailed") {
		r.onProviderFailed = append(r.onProviderFailed, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"hooks", hooks,
	)

	return nil
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// dispatch calls fn for every plugin in hooks. Failures are logged and
// never propagate to the caller.
func dispatch[T Plugin](ctx context.Context, r *Registry, hook string, hooks []T, fn func(T) error) {
	for _, p := range hooks {
		if err := r.callWithTimeout(ctx, p.Name(), func() error { return fn(p) }); err != nil {
			r.logger.Warn("plugin hook failed",
				"hook", hook,
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

func snapshot[T any](r *Registry, list *[]T) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *list
}

func (r *Registry) EmitInit(ctx context.Context, ledger any) {
	dispatch(ctx, r, "OnInit", snapshot(r, &r.onInit), func(p OnInit) error {
		return p.OnInit(ctx, ledger)
	})
}

func (r *Registry) EmitShutdown(ctx context.Context) {
	dispatch(ctx, r, "OnShutdown", snapshot(r, &r.onShutdown), func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

func (r *Registry) EmitAccountCreated(ctx context.Context, a *account.Account) {
	dispatch(ctx, r, "OnAccountCreated", snapshot(r, &r.onAccountCreated), func(p OnAccountCreated) error {
		return p.OnAccountCreated(ctx, a)
	})
}

func (r *Registry) EmitAccountCredited(ctx context.Context, a *account.Account, purchase account.Purchase) {
	dispatch(ctx, r, "OnAccountCredited", snapshot(r, &r.onAccountCredited), func(p OnAccountCredited) error {
		return p.OnAccountCredited(ctx, a, purchase)
	})
}

func (r *Registry) EmitAccountDebited(ctx context.Context, a *account.Account, tokens int64, cost types.Money) {
	dispatch(ctx, r, "OnAccountDebited", snapshot(r, &r.onAccountDebited), func(p OnAccountDebited) error {
		return p.OnAccountDebited(ctx, a, tokens, cost)
	})
}

func (r *Registry) EmitAccountDisabled(ctx context.Context, userID string) {
	dispatch(ctx, r, "OnAccountDisabled", snapshot(r, &r.onAccountDisabled), func(p OnAccountDisabled) error {
		return p.OnAccountDisabled(ctx, userID)
	})
}

func (r *Registry) EmitDuplicatePurchase(ctx context.Context, userID, transactionID string) {
	dispatch(ctx, r, "OnDuplicatePurchase", snapshot(r, &r.onDuplicatePurchase), func(p OnDuplicatePurchase) error {
		return p.OnDuplicatePurchase(ctx, userID, transactionID)
	})
}

func (r *Registry) EmitCouponRedeemed(ctx context.Context, userID string, c *coupon.Coupon) {
	dispatch(ctx, r, "OnCouponRedeemed", snapshot(r, &r.onCouponRedeemed), func(p OnCouponRedeemed) error {
		return p.OnCouponRedeemed(ctx, userID, c)
	})
}

func (r *Registry) EmitEligibilityDenied(ctx context.Context, userID string, res entitlement.Result) {
	dispatch(ctx, r, "OnEligibilityDenied", snapshot(r, &r.onEligibilityDenied), func(p OnEligibilityDenied) error {
		return p.OnEligibilityDenied(ctx, userID, res)
	})
}

func (r *Registry) EmitVersionConflict(ctx context.Context, userID, op string, attempt int) {
	dispatch(ctx, r, "OnVersionConflict", snapshot(r, &r.onVersionConflict), func(p OnVersionConflict) error {
		return p.OnVersionConflict(ctx, userID, op, attempt)
	})
}

func (r *Registry) EmitRetriesExhausted(ctx context.Context, userID, op string, err error) {
	dispatch(ctx, r, "OnRetriesExhausted", snapshot(r, &r.onRetriesExhausted), func(p OnRetriesExhausted) error {
		return p.OnRetriesExhausted(ctx, userID, op, err)
	})
}

func (r *Registry) EmitPublished(ctx context.Context, accounts int, elapsed time.Duration) {
	dispatch(ctx, r, "OnPublished", snapshot(r, &r.onPublished), func(p OnPublished) error {
		return p.OnPublished(ctx, accounts, elapsed)
	})
}

func (r *Registry) EmitRefundReceived(ctx context.Context, userID, transactionID string) {
	dispatch(ctx, r, "OnRefundReceived", snapshot(r, &r.onRefundReceived), func(p OnRefundReceived) error {
		return p.OnRefundReceived(ctx, userID, transactionID)
	})
}

func (r *Registry) EmitSessionOpened(ctx context.Context, sessionID, userID string) {
	dispatch(ctx, r, "OnSessionOpened", snapshot(r, &r.onSessionOpened), func(p OnSessionOpened) error {
		return p.OnSessionOpened(ctx, sessionID, userID)
	})
}

func (r *Registry) EmitSessionClosed(ctx context.Context, sessionID, userID, reason string) {
	dispatch(ctx, r, "OnSessionClosed", snapshot(r, &r.onSessionClosed), func(p OnSessionClosed) error {
		return p.OnSessionClosed(ctx, sessionID, userID, reason)
	})
}

func (r *Registry) EmitSegmentSettled(ctx context.Context, userID, model string, tokens int64, cost types.Money) {
	dispatch(ctx, r, "OnSegmentSettled", snapshot(r, &r.onSegmentSettled), func(p OnSegmentSettled) error {
		return p.OnSegmentSettled(ctx, userID, model, tokens, cost)
	})
}

func (r *Registry) EmitProviderFailed(ctx context.Context, userID, model string, err error) {
	dispatch(ctx, r, "OnProviderFailed", snapshot(r, &r.onProviderFailed), func(p OnProviderFailed) error {
		return p.OnProviderFailed(ctx, userID, model, err)
	})
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the billing pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
