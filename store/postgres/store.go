package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/coupon"
	tallystore "github.com/xraph/tally/store"
)

// compile-time interface check
var _ tallystore.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL via Grove ORM.
//
// Conditional writes are a single UPDATE guarded by the row's version
// column, so concurrent ledger processes sharing the database serialize on
// the row rather than on an application lock.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("tally/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("tally/postgres: %w: %w", tally.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Publish is a no-op: committed rows are visible to readers immediately.
func (s *Store) Publish(context.Context) error { return nil }

// ==================== Account Store ====================

func (s *Store) CreateAccount(ctx context.Context, a *account.Account) error {
	m, err := toAccountModel(a)
	if err != nil {
		return fmt.Errorf("tally/postgres: %w", err)
	}
	m.Version = 1
	res, err := s.pg.NewInsert(m).
		OnConflict("(id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/postgres: create account: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return tally.ErrAlreadyExists
	}
	a.Version = 1
	return nil
}

func (s *Store) GetAccount(ctx context.Context, userID string) (*account.Account, error) {
	m := new(accountModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", userID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrAccountNotFound
		}
		return nil, fmt.Errorf("tally/postgres: get account: %w", err)
	}
	return fromAccountModel(m)
}

func (s *Store) PutAccount(ctx context.Context, a *account.Account, expectedVersion int64) error {
	m, err := toAccountModel(a)
	if err != nil {
		return fmt.Errorf("tally/postgres: %w", err)
	}
	t := now()
	next := expectedVersion + 1

	res, err := s.pg.NewUpdate((*accountModel)(nil)).
		Set("username = $1", m.Username).
		Set("email = $2", m.Email).
		Set("family_name = $3", m.FamilyName).
		Set("given_name = $4", m.GivenName).
		Set("currency = $5", m.Currency).
		Set("balance_micros = $6", m.BalanceMicros).
		Set("monthly_usage = $7", string(m.MonthlyUsage)).
		Set("token_count = $8", m.TokenCount).
		Set("dollar_usage_micros = $9", m.DollarUsage).
		Set("accrued_total_micros = $10", m.AccruedTotal).
		Set("purchase_history = $11", string(m.PurchaseHistory)).
		Set("disabled = $12", m.Disabled).
		Set("last_active_at = $13", m.LastActiveAt).
		Set("version = $14", next).
		Set("updated_at = $15", t).
		Where("id = $16", m.ID).
		Where("version = $17", expectedVersion).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/postgres: put account: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return s.accountMiss(ctx, m.ID)
	}
	a.Version = next
	a.UpdatedAt = t
	return nil
}

// accountMiss tells a missing row apart from a stale version after a
// conditional update matched nothing.
func (s *Store) accountMiss(ctx context.Context, userID string) error {
	if _, err := s.GetAccount(ctx, userID); err != nil {
		return err
	}
	return tally.ErrVersionConflict
}

// ==================== Coupon Store ====================

func (s *Store) CreateCoupon(ctx context.Context, c *coupon.Coupon) error {
	m := toCouponModel(c)
	m.Version = 1
	res, err := s.pg.NewInsert(m).
		OnConflict("(code) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/postgres: create coupon: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return tally.ErrAlreadyExists
	}
	c.Version = 1
	return nil
}

func (s *Store) GetCoupon(ctx context.Context, code string) (*coupon.Coupon, error) {
	m := new(couponModel)
	err := s.pg.NewSelect(m).
		Where("code = $1", code).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrCouponNotFound
		}
		return nil, fmt.Errorf("tally/postgres: get coupon: %w", err)
	}
	return fromCouponModel(m)
}

func (s *Store) PutCoupon(ctx context.Context, c *coupon.Coupon, expectedVersion int64) error {
	m := toCouponModel(c)
	t := now()
	next := expectedVersion + 1

	res, err := s.pg.NewUpdate((*couponModel)(nil)).
		Set("amount_micros = $1", m.AmountMicros).
		Set("currency = $2", m.Currency).
		Set("expires_at = $3", m.ExpiresAt).
		Set("redeemed = $4", m.Redeemed).
		Set("redeemed_by = $5", m.RedeemedBy).
		Set("redeemed_at = $6", m.RedeemedAt).
		Set("version = $7", next).
		Set("updated_at = $8", t).
		Where("code = $9", m.Code).
		Where("version = $10", expectedVersion).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/postgres: put coupon: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.GetCoupon(ctx, m.Code); err != nil {
			return err
		}
		return tally.ErrVersionConflict
	}
	c.Version = next
	c.UpdatedAt = t
	return nil
}

// ==================== Helpers ====================

func now() time.Time {
	return time.Now().UTC()
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
