// Package session carries the call-scoped state of one engine call: the
// pools entered so far and the account the call is acting for. Both travel
// in the call's context, so they are scoped to the call and dropped on
// every exit path.
package session

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"dexcore/internal/dexerr"
)

type (
	key      struct{}
	actorKey struct{}
	claimKey struct{}
)

type tracker struct {
	mu      sync.Mutex
	entered map[common.Address]struct{}
}

// Begin opens a call scope. Pools entered within it stay marked until the
// returned end function runs. When ctx is already inside a scope, Begin
// joins it and end does nothing, so only the outermost entry point clears
// the marks.
func Begin(ctx context.Context) (context.Context, func()) {
	if _, ok := ctx.Value(key{}).(*tracker); ok {
		return ctx, func() {}
	}
	t := &tracker{entered: make(map[common.Address]struct{})}
	var once sync.Once
	return context.WithValue(ctx, key{}, t), func() {
		once.Do(func() {
			t.mu.Lock()
			t.entered = make(map[common.Address]struct{})
			t.mu.Unlock()
		})
	}
}

// Enter marks pool as entered for the rest of the call scope. Entering a
// pool that is already marked fails with ReentrancyError, unless ctx holds
// a claim on that pool from Claim; the claim is spent by the entry.
func Enter(ctx context.Context, pool common.Address) (context.Context, error) {
	t, ok := ctx.Value(key{}).(*tracker)
	if !ok {
		return ctx, dexerr.Newf(dexerr.ReentrancyError, "session.enter", "no call scope for pool %s", pool.Hex())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.entered[pool]; busy {
		if claimed, _ := ctx.Value(claimKey{}).(common.Address); claimed == pool {
			return context.WithValue(ctx, claimKey{}, common.Address{}), nil
		}
		return ctx, dexerr.Newf(dexerr.ReentrancyError, "session.enter", "pool %s already entered", pool.Hex())
	}
	t.entered[pool] = struct{}{}
	return ctx, nil
}

// Claim enters pool on behalf of the caller and returns a context that may
// enter it once more. Code handed the original context, such as a callback
// run between the claim and the pool operation, cannot.
func Claim(ctx context.Context, pool common.Address) (context.Context, error) {
	ctx, err := Enter(ctx, pool)
	if err != nil {
		return ctx, err
	}
	return context.WithValue(ctx, claimKey{}, pool), nil
}

// Entered reports whether pool is marked in ctx.
func Entered(ctx context.Context, pool common.Address) bool {
	t, ok := ctx.Value(key{}).(*tracker)
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, busy := t.entered[pool]
	return busy
}

// Depth returns the number of pools marked in ctx.
func Depth(ctx context.Context) int {
	t, ok := ctx.Value(key{}).(*tracker)
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entered)
}

// As returns a context acting for account. Debits made through it may only
// draw on account's own balances.
func As(ctx context.Context, account common.Address) context.Context {
	return context.WithValue(ctx, actorKey{}, account)
}

// Actor returns the account ctx acts for. A top-level call carries none and
// is trusted to name its own caller.
func Actor(ctx context.Context) (common.Address, bool) {
	a, ok := ctx.Value(actorKey{}).(common.Address)
	return a, ok
}

// Authorize fails with Unauthorized when ctx acts for an account other
// than account.
func Authorize(ctx context.Context, op string, account common.Address) error {
	actor, ok := Actor(ctx)
	if !ok || actor == account {
		return nil
	}
	return dexerr.Newf(dexerr.Unauthorized, op, "%s cannot act for %s", actor.Hex(), account.Hex())
}
