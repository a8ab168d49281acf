package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "data", "exchange.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleSnapshot() *Snapshot {
	return &Snapshot{
		Height:  42,
		TakenAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Tokens: []TokenRecord{
			{Address: "0x01", Symbol: "A", Decimals: 18},
			{Address: "0x02", Symbol: "USDC", Decimals: 6},
		},
		Balances: []BalanceRecord{
			{Account: "0xaa", Token: "0x01", Amount: "1000000000000000000000"},
			{Account: "0xbb", Token: "0x02", Amount: "5"},
		},
		Pools: []PoolRecord{
			{
				Address: "0xp2", Kind: "stable", Token0: "0x01", Token1: "0x02",
				Reserve0: "10", Reserve1: "20", TotalSupply: "30", A: 100, Fee: "4000000", Position: 1,
			},
			{
				Address: "0xp1", Kind: "crypto", Token0: "0x01", Token1: "0x02",
				Reserve0: "1", Reserve1: "2", TotalSupply: "3", A: 2, Fee: "30000000",
				PriceScale: "1000000000000000000", PriceOracle: "1000000000000000001", Position: 0,
			},
		},
		Shares: []ShareRecord{
			{Pool: "0xp1", Owner: "0xaa", Amount: "3"},
		},
		Factories: []FactoryRecord{
			{Address: "0xf1", Kind: "crypto", Whitelisted: true},
			{Address: "0xf2", Kind: "stable", Whitelisted: false},
		},
		EnteredPools: []EnteredPoolRecord{
			{Account: "0xaa", Pool: "0xp2", Position: 1},
			{Account: "0xaa", Pool: "0xp1", Position: 0},
		},
	}
}

func TestLoadSnapshotEmpty(t *testing.T) {
	store := newStore(t)

	snap, err := store.LoadSnapshot(context.Background())
	require.NoError(t, err)
	require.Nil(t, snap)
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	saved := sampleSnapshot()

	require.NoError(t, store.SaveSnapshot(ctx, saved))

	loaded, err := store.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, saved.Height, loaded.Height)
	require.True(t, saved.TakenAt.Equal(loaded.TakenAt))
	require.Equal(t, saved.Tokens, loaded.Tokens)
	require.Equal(t, saved.Balances, loaded.Balances)
	require.Equal(t, saved.Shares, loaded.Shares)
	require.Equal(t, saved.Factories, loaded.Factories)

	// pools come back in registration order
	require.Len(t, loaded.Pools, 2)
	require.Equal(t, saved.Pools[1], loaded.Pools[0])
	require.Equal(t, saved.Pools[0], loaded.Pools[1])

	// entered pools come back in entry order
	require.Equal(t, []EnteredPoolRecord{saved.EnteredPools[1], saved.EnteredPools[0]}, loaded.EnteredPools)
}

func TestSaveSnapshotReplaces(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.SaveSnapshot(ctx, sampleSnapshot()))

	next := &Snapshot{
		Height:   43,
		Balances: []BalanceRecord{{Account: "0xcc", Token: "0x01", Amount: "7"}},
	}
	require.NoError(t, store.SaveSnapshot(ctx, next))

	loaded, err := store.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(43), loaded.Height)
	require.Equal(t, next.Balances, loaded.Balances)
	require.Empty(t, loaded.Pools)
	require.Empty(t, loaded.EnteredPools)

	count, err := store.GetPoolCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestSaveSnapshotIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.SaveSnapshot(ctx, sampleSnapshot()))

	bad := sampleSnapshot()
	bad.Height = 99
	// duplicate primary key aborts the transaction
	bad.Balances = append(bad.Balances, bad.Balances[0])
	require.Error(t, store.SaveSnapshot(ctx, bad))

	loaded, err := store.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(42), loaded.Height)
	require.Len(t, loaded.Balances, 2)
}

func TestGetPoolByAddress(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.SaveSnapshot(ctx, sampleSnapshot()))

	p, err := store.GetPoolByAddress(ctx, "0xp1")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, "crypto", p.Kind)
	require.Equal(t, uint64(2), p.A)

	missing, err := store.GetPoolByAddress(ctx, "0xnone")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestSystemState(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	v, err := store.GetSystemState(ctx, "scenario")
	require.NoError(t, err)
	require.Empty(t, v)

	require.NoError(t, store.SetSystemState(ctx, "scenario", "demo"))
	require.NoError(t, store.SetSystemState(ctx, "scenario", "demo2"))

	v, err = store.GetSystemState(ctx, "scenario")
	require.NoError(t, err)
	require.Equal(t, "demo2", v)
}
