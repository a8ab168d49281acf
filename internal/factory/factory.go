// Package factory creates pools at deterministic addresses and registers
// them with the pool master. There is one factory per pool family.
package factory

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dexcore/internal/chain"
	"dexcore/internal/codec"
	"dexcore/internal/dexerr"
	"dexcore/internal/events"
	"dexcore/internal/pool"
	"dexcore/internal/poolmaster"
	"dexcore/internal/vault"
)

// request is a decoded creation payload.
type request struct {
	tokens []common.Address
	a      uint64
}

type (
	decodeFunc func(data []byte) (request, error)
	buildFunc  func(address common.Address, req request) (pool.Pool, error)
)

// Factory deploys pools of one family.
type Factory struct {
	address  common.Address
	kind     pool.Kind
	codeHash common.Hash

	chain  *chain.Chain
	vault  *vault.Vault
	master *poolmaster.Master

	decode decodeFunc
	build  buildFunc

	log zerolog.Logger
}

func newFactory(c *chain.Chain, v *vault.Vault, m *poolmaster.Master, address common.Address, kind pool.Kind) *Factory {
	return &Factory{
		address:  address,
		kind:     kind,
		codeHash: crypto.Keccak256Hash([]byte("dexcore.pool." + kind.String())),
		chain:    c,
		vault:    v,
		master:   m,
		log: log.With().
			Str("component", "factory").
			Str("kind", kind.String()).
			Logger(),
	}
}

// NewCryptoFactory returns a factory whose payload is abi(address,address).
func NewCryptoFactory(c *chain.Chain, v *vault.Vault, m *poolmaster.Master, address common.Address, params pool.CryptoParams) *Factory {
	f := newFactory(c, v, m, address, pool.KindCrypto)
	f.decode = func(data []byte) (request, error) {
		a, b, err := codec.DecodePair(data)
		if err != nil {
			return request{}, err
		}
		return request{tokens: []common.Address{a, b}}, nil
	}
	f.build = func(address common.Address, req request) (pool.Pool, error) {
		return pool.NewCryptoPool(c, v, address, req.tokens, params)
	}
	return f
}

// NewStableFactory returns a factory whose payload is
// abi(address,address,uint256 amplification).
func NewStableFactory(c *chain.Chain, v *vault.Vault, m *poolmaster.Master, address common.Address, params pool.StableParams) *Factory {
	f := newFactory(c, v, m, address, pool.KindStable)
	f.decode = func(data []byte) (request, error) {
		sp, err := codec.DecodeStableParams(data)
		if err != nil {
			return request{}, err
		}
		if !sp.Amplification.IsUint64() || sp.Amplification.Uint64() > pool.MaxA || sp.Amplification.IsZero() {
			return request{}, dexerr.Newf(dexerr.InvalidParameter, "factory.createPool", "amplification %s out of range [1, %d]", sp.Amplification.Dec(), pool.MaxA)
		}
		return request{tokens: []common.Address{sp.TokenA, sp.TokenB}, a: sp.Amplification.Uint64()}, nil
	}
	f.build = func(address common.Address, req request) (pool.Pool, error) {
		return pool.NewStablePool(c, v, address, req.tokens, req.a, params)
	}
	return f
}

// Address returns the factory's account address.
func (f *Factory) Address() common.Address { return f.address }

// Kind returns the family of pools the factory creates.
func (f *Factory) Kind() pool.Kind { return f.kind }

// CreatePool deploys and registers the pool described by data.
func (f *Factory) CreatePool(ctx context.Context, caller common.Address, data []byte) (pool.Pool, error) {
	const op = "factory.createPool"
	var created pool.Pool
	err := f.chain.State.Atomic(ctx, func(ctx context.Context) error {
		if !f.master.IsFactoryWhitelisted(f.address) {
			return dexerr.Newf(dexerr.FactoryUnauthorized, op, "factory %s is not whitelisted", f.address.Hex())
		}
		req, err := f.decode(data)
		if err != nil {
			return err
		}
		token0, token1, err := f.sortTokens(req.tokens[0], req.tokens[1])
		if err != nil {
			return err
		}
		req.tokens = []common.Address{token0, token1}

		address := f.PoolAddress(token0, token1)
		if f.master.IsPool(address) {
			return dexerr.Newf(dexerr.PoolExists, op, "pool %s for %s/%s", address.Hex(), token0.Hex(), token1.Hex())
		}

		p, err := f.build(address, req)
		if err != nil {
			return err
		}
		if err := f.master.RegisterPool(ctx, f.address, p); err != nil {
			return err
		}
		f.chain.Events.Emit(events.NewPoolCreatedLog(f.address, token0, token1, address, uint8(f.kind)))

		f.log.Info().
			Str("pool", address.Hex()).
			Str("token0", token0.Hex()).
			Str("token1", token1.Hex()).
			Str("caller", caller.Hex()).
			Msg("Pool created")
		created = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetPool returns the registered pool address for the unordered pair, or
// the zero address.
func (f *Factory) GetPool(tokenA, tokenB common.Address) common.Address {
	if tokenA == tokenB {
		return common.Address{}
	}
	if tokenB.Cmp(tokenA) < 0 {
		tokenA, tokenB = tokenB, tokenA
	}
	address := f.PoolAddress(tokenA, tokenB)
	if !f.master.IsPool(address) {
		return common.Address{}
	}
	return address
}

// PoolAddress returns the CREATE2 address of the pool for the sorted pair.
func (f *Factory) PoolAddress(token0, token1 common.Address) common.Address {
	salt := crypto.Keccak256Hash(codec.EncodePair(token0, token1))
	return crypto.CreateAddress2(f.address, salt, f.codeHash.Bytes())
}

func (f *Factory) sortTokens(a, b common.Address) (common.Address, common.Address, error) {
	const op = "factory.createPool"
	switch {
	case a == b:
		return common.Address{}, common.Address{}, dexerr.Newf(dexerr.InvalidParameter, op, "identical tokens %s", a.Hex())
	case a == (common.Address{}) || b == (common.Address{}):
		return common.Address{}, common.Address{}, dexerr.Newf(dexerr.InvalidParameter, op, "zero token address")
	}
	for _, t := range []common.Address{a, b} {
		if _, err := f.chain.Tokens.Lookup(t); err != nil {
			return common.Address{}, common.Address{}, err
		}
	}
	if b.Cmp(a) < 0 {
		a, b = b, a
	}
	return a, b, nil
}
