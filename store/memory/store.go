// Package memory implements store.Store in process memory, optionally
// persisting a JSON snapshot on every Publish.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/coupon"
	"github.com/xraph/tally/store"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	accounts map[string]*account.Account
	coupons  map[string]*coupon.Coupon

	snapshotPath string
	published    int
	closed       bool
}

// Option configures a memory Store.
type Option func(*Store)

// WithSnapshotFile makes Publish write the full store contents to path.
func WithSnapshotFile(path string) Option {
	return func(s *Store) { s.snapshotPath = path }
}

func New(opts ...Option) *Store {
	s := &Store{
		accounts: make(map[string]*account.Account),
		coupons:  make(map[string]*coupon.Coupon),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates a Store backed by the snapshot at path, loading it when the
// file already exists.
func Open(path string) (*Store, error) {
	s := New(WithSnapshotFile(path))

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tally/memory: read snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("tally/memory: decode snapshot: %w", err)
	}
	for _, a := range snap.Accounts {
		s.accounts[a.ID] = a
	}
	for _, c := range snap.Coupons {
		s.coupons[c.Code] = c
	}
	return s, nil
}

type snapshot struct {
	SavedAt  time.Time          `json:"saved_at"`
	Accounts []*account.Account `json:"accounts"`
	Coupons  []*coupon.Coupon   `json:"coupons"`
}

// Account Store implementation

func (s *Store) CreateAccount(_ context.Context, a *account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return tally.ErrStoreClosed
	}
	if _, exists := s.accounts[a.ID]; exists {
		return tally.ErrAlreadyExists
	}
	a.Version = 1
	s.accounts[a.ID] = a.Clone()
	return nil
}

func (s *Store) GetAccount(_ context.Context, userID string) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.accounts[userID]; ok {
		return a.Clone(), nil
	}
	return nil, tally.ErrAccountNotFound
}

func (s *Store) PutAccount(_ context.Context, a *account.Account, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return tally.ErrStoreClosed
	}
	cur, ok := s.accounts[a.ID]
	if !ok {
		return tally.ErrAccountNotFound
	}
	if cur.Version != expectedVersion {
		return tally.ErrVersionConflict
	}
	a.Version = expectedVersion + 1
	s.accounts[a.ID] = a.Clone()
	return nil
}

// Coupon Store implementation

func (s *Store) CreateCoupon(_ context.Context, c *coupon.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return tally.ErrStoreClosed
	}
	if _, exists := s.coupons[c.Code]; exists {
		return tally.ErrAlreadyExists
	}
	c.Version = 1
	cp := *c
	s.coupons[c.Code] = &cp
	return nil
}

func (s *Store) GetCoupon(_ context.Context, code string) (*coupon.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.coupons[code]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, tally.ErrCouponNotFound
}

func (s *Store) PutCoupon(_ context.Context, c *coupon.Coupon, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return tally.ErrStoreClosed
	}
	cur, ok := s.coupons[c.Code]
	if !ok {
		return tally.ErrCouponNotFound
	}
	if cur.Version != expectedVersion {
		return tally.ErrVersionConflict
	}
	c.Version = expectedVersion + 1
	cp := *c
	s.coupons[c.Code] = &cp
	return nil
}

// Publish writes a snapshot when a snapshot file is configured. Writes are
// already visible to readers once Put returns.
func (s *Store) Publish(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.published++
	if s.snapshotPath == "" {
		return nil
	}

	snap := snapshot{SavedAt: time.Now().UTC()}
	for _, a := range s.accounts {
		snap.Accounts = append(snap.Accounts, a)
	}
	for _, c := range s.coupons {
		snap.Coupons = append(snap.Coupons, c)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("tally/memory: encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.snapshotPath), ".tally-snapshot-*")
	if err != nil {
		return fmt.Errorf("tally/memory: write snapshot: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("tally/memory: write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("tally/memory: write snapshot: %w", err)
	}
	return os.Rename(tmp.Name(), s.snapshotPath)
}

// Published returns how many times Publish has been called.
func (s *Store) Published() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.published
}

func (s *Store) Migrate(_ context.Context) error {
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return tally.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
