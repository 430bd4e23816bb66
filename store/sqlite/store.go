package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/coupon"
	tallystore "github.com/xraph/tally/store"
)

// compile-time interface check
var _ tallystore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("tally/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("tally/sqlite: %w: %w", tally.ErrMigrationFailed, err)
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

// Publish is a no-op; SQLite commits each statement before returning.
func (s *Store) Publish(context.Context) error { return nil }

// ==================== Account Store ====================

func (s *Store) CreateAccount(ctx context.Context, a *account.Account) error {
	m, err := toAccountModel(a)
	if err != nil {
		return fmt.Errorf("tally/sqlite: %w", err)
	}
	m.Version = 1
	res, err := s.sdb.NewInsert(m).
		OnConflict("(id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/sqlite: create account: %w", err)
	}
	if rows, err := res.RowsAffected(); err != nil {
		return err
	} else if rows == 0 {
		return tally.ErrAlreadyExists
	}
	a.Version = 1
	return nil
}

func (s *Store) GetAccount(ctx context.Context, userID string) (*account.Account, error) {
	m := new(accountModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", userID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrAccountNotFound
		}
		return nil, fmt.Errorf("tally/sqlite: get account: %w", err)
	}
	return fromAccountModel(m)
}

func (s *Store) PutAccount(ctx context.Context, a *account.Account, expectedVersion int64) error {
	m, err := toAccountModel(a)
	if err != nil {
		return fmt.Errorf("tally/sqlite: %w", err)
	}
	t := now()
	next := expectedVersion + 1

	res, err := s.sdb.NewUpdate((*accountModel)(nil)).
		Set("username = ?", m.Username).
		Set("email = ?", m.Email).
		Set("family_name = ?", m.FamilyName).
		Set("given_name = ?", m.GivenName).
		Set("currency = ?", m.Currency).
		Set("balance_micros = ?", m.BalanceMicros).
		Set("monthly_usage = ?", m.MonthlyUsage).
		Set("token_count = ?", m.TokenCount).
		Set("dollar_usage_micros = ?", m.DollarUsage).
		Set("accrued_total_micros = ?", m.AccruedTotal).
		Set("purchase_history = ?", m.PurchaseHistory).
		Set("disabled = ?", m.Disabled).
		Set("last_active_at = ?", m.LastActiveAt).
		Set("version = ?", next).
		Set("updated_at = ?", t).
		Where("id = ?", m.ID).
		Where("version = ?", expectedVersion).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/sqlite: put account: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.GetAccount(ctx, m.ID); err != nil {
			return err
		}
		return tally.ErrVersionConflict
	}
	a.Version = next
	a.UpdatedAt = t
	return nil
}

// ==================== Coupon Store ====================

func (s *Store) CreateCoupon(ctx context.Context, c *coupon.Coupon) error {
	m := toCouponModel(c)
	m.Version = 1
	res, err := s.sdb.NewInsert(m).
		OnConflict("(code) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/sqlite: create coupon: %w", err)
	}
	if rows, err := res.RowsAffected(); err != nil {
		return err
	} else if rows == 0 {
		return tally.ErrAlreadyExists
	}
	c.Version = 1
	return nil
}

func (s *Store) GetCoupon(ctx context.Context, code string) (*coupon.Coupon, error) {
	m := new(couponModel)
	err := s.sdb.NewSelect(m).
		Where("code = ?", code).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrCouponNotFound
		}
		return nil, fmt.Errorf("tally/sqlite: get coupon: %w", err)
	}
	return fromCouponModel(m)
}

func (s *Store) PutCoupon(ctx context.Context, c *coupon.Coupon, expectedVersion int64) error {
	m := toCouponModel(c)
	t := now()
	next := expectedVersion + 1

	res, err := s.sdb.NewUpdate((*couponModel)(nil)).
		Set("amount_micros = ?", m.AmountMicros).
		Set("currency = ?", m.Currency).
		Set("expires_at = ?", m.ExpiresAt).
		Set("redeemed = ?", m.Redeemed).
		Set("redeemed_by = ?", m.RedeemedBy).
		Set("redeemed_at = ?", m.RedeemedAt).
		Set("version = ?", next).
		Set("updated_at = ?", t).
		Where("code = ?", m.Code).
		Where("version = ?", expectedVersion).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/sqlite: put coupon: %w", err)
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
