package state

import (
	"context"
	"sync"
)

type txKey struct{}

// DB owns the journal shared by every journaled container created from it
// and serializes top-level calls. Containers are not locked themselves:
// once calls may run concurrently, every write must go through Atomic or
// Exclusive. A bare write racing a call would be journaled into it.
type DB struct {
	mu      sync.Mutex
	journal Journal
	inTx    bool
	height  uint64

	// hooks run once the outermost call commits
	hooks []func()
}

// NewDB creates an empty state database.
func NewDB() *DB {
	return &DB{}
}

// Atomic runs fn so that either every state change it makes persists or
// none does. The outermost call holds the DB lock; calls made from inside
// fn with the derived context nest by snapshot and share the lock.
func (db *DB) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if owner, ok := ctx.Value(txKey{}).(*DB); ok && owner == db {
		return db.nested(ctx, fn)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	db.inTx = true
	defer func() {
		db.inTx = false
	}()

	ctx = context.WithValue(ctx, txKey{}, db)
	if err := db.nested(ctx, fn); err != nil {
		db.journal.Reset()
		db.hooks = nil
		return err
	}

	db.journal.Reset()
	db.height++
	hooks := db.hooks
	db.hooks = nil
	for _, h := range hooks {
		h()
	}
	return nil
}

// Exclusive runs fn between calls. Its writes are permanent at once, as
// outside any call, and cannot interleave with a running call. It must not
// be used from inside a call.
func (db *DB) Exclusive(fn func()) {
	db.mu.Lock()
	defer db.mu.Unlock()
	fn()
}

func (db *DB) nested(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	snap := db.journal.Snapshot()
	defer func() {
		if r := recover(); r != nil {
			db.journal.RevertToSnapshot(snap)
			panic(r)
		}
	}()

	if err = fn(ctx); err != nil {
		db.journal.RevertToSnapshot(snap)
	}
	return err
}

// InTx reports whether ctx is inside a call running on db.
func (db *DB) InTx(ctx context.Context) bool {
	owner, ok := ctx.Value(txKey{}).(*DB)
	return ok && owner == db
}

// OnCommit schedules fn to run after the outermost call commits. The hook
// is discarded if the enclosing call, or any nested call that scheduled
// it, reverts. Outside a call fn runs immediately.
func (db *DB) OnCommit(fn func()) {
	if !db.inTx {
		fn()
		return
	}
	db.hooks = append(db.hooks, fn)
	n := len(db.hooks) - 1
	db.journal.Append(func() {
		db.hooks = db.hooks[:n]
	})
}

// Height returns the number of committed top-level calls.
func (db *DB) Height() uint64 {
	return db.height
}

// record journals an undo for a change made inside a call. Changes made
// outside any call (setup, genesis) are permanent immediately.
func (db *DB) record(undo func()) {
	if db.inTx {
		db.journal.Append(undo)
	}
}
