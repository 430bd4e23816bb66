package memory_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/store/storetest"
	"github.com/xraph/tally/types"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return memory.New() })
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tally.json")
	now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

	s, err := memory.Open(path)
	require.NoError(t, err)

	a := account.New("abc", types.USD(1_200_000), now)
	require.NoError(t, s.CreateAccount(ctx, a))
	require.NoError(t, s.Publish(ctx))
	assert.Equal(t, 1, s.Published())

	reopened, err := memory.Open(path)
	require.NoError(t, err)

	got, err := reopened.GetAccount(ctx, "ABC")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(types.USD(1_200_000)))
	assert.Equal(t, int64(1), got.Version)
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.Close())

	err := s.CreateAccount(ctx, account.New("x", types.Zero("usd"), time.Now()))
	assert.ErrorIs(t, err, tally.ErrStoreClosed)
	assert.ErrorIs(t, s.Ping(ctx), tally.ErrStoreClosed)
}
