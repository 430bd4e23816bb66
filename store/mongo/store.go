package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/coupon"
	tallystore "github.com/xraph/tally/store"
)

// Collection name constants.
const (
	colAccounts = "tally_accounts"
	colCoupons  = "tally_coupons"
)

// compile-time interface check
var _ tallystore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
//
// Conditional writes filter on both the key and the expected version, so
// a replace only matches while the stored document is unchanged.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for the tally collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("tally/mongo: migrate %s indexes: %w", col, err)
		}
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

// Publish is a no-op: acknowledged writes are visible to subsequent reads.
func (s *Store) Publish(context.Context) error { return nil }

// ==================== Account Store ====================

func (s *Store) CreateAccount(ctx context.Context, a *account.Account) error {
	m := toAccountModel(a)
	m.Version = 1
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return tally.ErrAlreadyExists
		}
		return fmt.Errorf("tally/mongo: create account: %w", err)
	}
	a.Version = 1
	return nil
}

func (s *Store) GetAccount(ctx context.Context, userID string) (*account.Account, error) {
	var m accountModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": userID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrAccountNotFound
		}
		return nil, fmt.Errorf("tally/mongo: get account: %w", err)
	}
	return fromAccountModel(&m)
}

func (s *Store) PutAccount(ctx context.Context, a *account.Account, expectedVersion int64) error {
	m := toAccountModel(a)
	m.Version = expectedVersion + 1
	m.UpdatedAt = now()

	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID, "version": expectedVersion}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: put account: %w", err)
	}
	if res.MatchedCount() == 0 {
		if _, err := s.GetAccount(ctx, m.ID); err != nil {
			return err
		}
		return tally.ErrVersionConflict
	}
	a.Version = m.Version
	a.UpdatedAt = m.UpdatedAt
	return nil
}

// ==================== Coupon Store ====================

func (s *Store) CreateCoupon(ctx context.Context, c *coupon.Coupon) error {
	m := toCouponModel(c)
	m.Version = 1
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return tally.ErrAlreadyExists
		}
		return fmt.Errorf("tally/mongo: create coupon: %w", err)
	}
	c.Version = 1
	return nil
}

func (s *Store) GetCoupon(ctx context.Context, code string) (*coupon.Coupon, error) {
	var m couponModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"code": code}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrCouponNotFound
		}
		return nil, fmt.Errorf("tally/mongo: get coupon: %w", err)
	}
	return fromCouponModel(&m)
}

func (s *Store) PutCoupon(ctx context.Context, c *coupon.Coupon, expectedVersion int64) error {
	t := now()
	res, err := s.mdb.NewUpdate((*couponModel)(nil)).
		Filter(bson.M{"code": c.Code, "version": expectedVersion}).
		Set("redeemed", c.Redeemed).
		Set("redeemed_by", c.RedeemedBy).
		Set("redeemed_at", c.RedeemedAt).
		Set("version", expectedVersion+1).
		Set("updated_at", t).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tally/mongo: put coupon: %w", err)
	}
	if res.MatchedCount() == 0 {
		if _, err := s.GetCoupon(ctx, c.Code); err != nil {
			return err
		}
		return tally.ErrVersionConflict
	}
	c.Version = expectedVersion + 1
	c.UpdatedAt = t
	return nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for the tally collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colAccounts: {
			{Keys: bson.D{{Key: "disabled", Value: 1}}},
			{Keys: bson.D{{Key: "purchase_history.transaction_id", Value: 1}}},
		},
		colCoupons: {
			{
				Keys:    bson.D{{Key: "code", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
	}
}
