// Package poolmaster keeps the factory whitelist and the registry of every
// pool a whitelisted factory has created.
package poolmaster

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dexcore/internal/chain"
	"dexcore/internal/dexerr"
	"dexcore/internal/events"
	"dexcore/internal/pool"
	"dexcore/internal/state"
)

// Master is the pool registry.
type Master struct {
	address common.Address
	admin   common.Address
	chain   *chain.Chain

	factories *state.Map[common.Address, bool]
	// factoryOrder keeps every factory ever whitelisted in first-seen order
	factoryOrder *state.List[common.Address]
	pools        *state.Map[common.Address, pool.Pool]
	order        *state.List[common.Address]

	log zerolog.Logger
}

// New creates a registry administered by admin.
func New(c *chain.Chain, address, admin common.Address) *Master {
	return &Master{
		address:      address,
		admin:        admin,
		chain:        c,
		factories:    state.NewMap[common.Address, bool](c.State),
		factoryOrder: state.NewList[common.Address](c.State),
		pools:        state.NewMap[common.Address, pool.Pool](c.State),
		order:        state.NewList[common.Address](c.State),
		log:          log.With().Str("component", "poolmaster").Logger(),
	}
}

// Address returns the registry's account address.
func (m *Master) Address() common.Address { return m.address }

// Admin returns the account allowed to change the whitelist.
func (m *Master) Admin() common.Address { return m.admin }

// SetFactoryWhitelisted allows or revokes factory. Setting the current
// value again is a no-op.
func (m *Master) SetFactoryWhitelisted(ctx context.Context, caller, factory common.Address, allowed bool) error {
	return m.chain.State.Atomic(ctx, func(ctx context.Context) error {
		if caller != m.admin {
			return dexerr.Newf(dexerr.Unauthorized, "poolmaster.setFactoryWhitelisted", "%s is not the admin", caller.Hex())
		}
		if factory == (common.Address{}) {
			return dexerr.Newf(dexerr.InvalidParameter, "poolmaster.setFactoryWhitelisted", "zero factory address")
		}
		current, seen := m.factories.Get(factory)
		if seen && current == allowed {
			return nil
		}
		if !seen && !allowed {
			return nil
		}
		if !seen {
			m.factoryOrder.Append(factory)
		}
		m.factories.Set(factory, allowed)
		m.chain.Events.Emit(events.NewFactoryWhitelistedLog(m.address, factory, allowed))

		m.log.Info().
			Str("factory", factory.Hex()).
			Bool("allowed", allowed).
			Msg("Factory whitelist updated")
		return nil
	})
}

// IsFactoryWhitelisted reports whether factory may register pools.
func (m *Master) IsFactoryWhitelisted(factory common.Address) bool {
	allowed, _ := m.factories.Get(factory)
	return allowed
}

// Factories returns the currently whitelisted factories in the order they
// were first whitelisted.
func (m *Master) Factories() []common.Address {
	var out []common.Address
	for _, f := range m.factoryOrder.Values() {
		if m.IsFactoryWhitelisted(f) {
			out = append(out, f)
		}
	}
	return out
}

// RegisterPool records p as created by factory.
func (m *Master) RegisterPool(ctx context.Context, factory common.Address, p pool.Pool) error {
	const op = "poolmaster.registerPool"
	return m.chain.State.Atomic(ctx, func(ctx context.Context) error {
		if !m.IsFactoryWhitelisted(factory) {
			return dexerr.Newf(dexerr.Unauthorized, op, "factory %s is not whitelisted", factory.Hex())
		}
		if _, ok := m.pools.Get(p.Address()); ok {
			return dexerr.Newf(dexerr.AlreadyRegistered, op, "pool %s", p.Address().Hex())
		}
		m.pools.Set(p.Address(), p)
		m.order.Append(p.Address())

		m.log.Info().
			Str("pool", p.Address().Hex()).
			Str("kind", p.Kind().String()).
			Str("factory", factory.Hex()).
			Msg("Pool registered")
		return nil
	})
}

// IsPool reports whether address is a registered pool.
func (m *Master) IsPool(address common.Address) bool {
	_, ok := m.pools.Get(address)
	return ok
}

// Pool returns the registered pool at address.
func (m *Master) Pool(address common.Address) (pool.Pool, error) {
	p, ok := m.pools.Get(address)
	if !ok {
		return nil, dexerr.Newf(dexerr.UnregisteredPool, "poolmaster.pool", "%s", address.Hex())
	}
	return p, nil
}

// Pools returns every registered pool in registration order.
func (m *Master) Pools() []pool.Pool {
	addrs := m.order.Values()
	out := make([]pool.Pool, 0, len(addrs))
	for _, a := range addrs {
		p, _ := m.pools.Get(a)
		out = append(out, p)
	}
	return out
}

// PoolCount returns the number of registered pools.
func (m *Master) PoolCount() int {
	return m.order.Len()
}
