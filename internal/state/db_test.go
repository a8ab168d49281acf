package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAtomicCommit(t *testing.T) {
	db := NewDB()
	m := NewMap[string, int](db)

	err := db.Atomic(context.Background(), func(ctx context.Context) error {
		m.Set("a", 1)
		m.Set("b", 2)
		return nil
	})
	require.NoError(t, err)

	v, ok := m.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.Equal(t, 2, m.Len())
	require.Equal(t, uint64(1), db.Height())
}

func TestAtomicRevert(t *testing.T) {
	db := NewDB()
	m := NewMap[string, int](db)
	m.Set("a", 1)
	cell := NewValue(db, "genesis")
	list := NewList[int](db)

	errBoom := errors.New("boom")
	err := db.Atomic(context.Background(), func(ctx context.Context) error {
		m.Set("a", 10)
		m.Set("b", 20)
		m.Delete("a")
		cell.Set("changed")
		list.Append(7)
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	v, ok := m.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
	_, ok = m.Get("b")
	require.False(t, ok)
	require.Equal(t, "genesis", cell.Get())
	require.Equal(t, 0, list.Len())
	require.Equal(t, uint64(0), db.Height())
}

func TestNestedRevertKeepsOuterChanges(t *testing.T) {
	db := NewDB()
	m := NewMap[string, int](db)

	err := db.Atomic(context.Background(), func(ctx context.Context) error {
		m.Set("outer", 1)
		inner := db.Atomic(ctx, func(ctx context.Context) error {
			m.Set("inner", 2)
			return errors.New("inner failed")
		})
		require.Error(t, inner)
		return nil
	})
	require.NoError(t, err)

	_, ok := m.Get("inner")
	require.False(t, ok)
	v, _ := m.Get("outer")
	require.Equal(t, 1, v)
}

func TestOnCommitHooks(t *testing.T) {
	db := NewDB()
	var delivered []string

	err := db.Atomic(context.Background(), func(ctx context.Context) error {
		db.OnCommit(func() { delivered = append(delivered, "kept") })
		_ = db.Atomic(ctx, func(ctx context.Context) error {
			db.OnCommit(func() { delivered = append(delivered, "dropped") })
			return errors.New("revert")
		})
		require.Empty(t, delivered)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"kept"}, delivered)

	delivered = nil
	_ = db.Atomic(context.Background(), func(ctx context.Context) error {
		db.OnCommit(func() { delivered = append(delivered, "never") })
		return errors.New("revert")
	})
	require.Empty(t, delivered)
}

func TestAtomicPanicReverts(t *testing.T) {
	db := NewDB()
	cell := NewValue(db, 1)

	require.Panics(t, func() {
		_ = db.Atomic(context.Background(), func(ctx context.Context) error {
			cell.Set(2)
			panic("boom")
		})
	})
	require.Equal(t, 1, cell.Get())

	// lock released after the panic
	require.NoError(t, db.Atomic(context.Background(), func(ctx context.Context) error {
		cell.Set(3)
		return nil
	}))
	require.Equal(t, 3, cell.Get())
}

func TestInTx(t *testing.T) {
	db := NewDB()
	require.False(t, db.InTx(context.Background()))
	_ = db.Atomic(context.Background(), func(ctx context.Context) error {
		require.True(t, db.InTx(ctx))
		require.False(t, NewDB().InTx(ctx))
		return nil
	})
}

func TestExclusiveWaitsForRunningCall(t *testing.T) {
	db := NewDB()
	cell := NewValue(db, 0)

	started := make(chan struct{})
	release := make(chan struct{})
	failed := make(chan error, 1)
	go func() {
		failed <- db.Atomic(context.Background(), func(ctx context.Context) error {
			cell.Set(1)
			close(started)
			<-release
			return errors.New("boom")
		})
	}()
	<-started

	done := make(chan struct{})
	go func() {
		db.Exclusive(func() { cell.Set(7) })
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("exclusive write ran during a call")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.Error(t, <-failed)
	<-done

	// the failed call reverted only its own write
	require.Equal(t, 7, cell.Get())
	require.Zero(t, db.Height())
}
