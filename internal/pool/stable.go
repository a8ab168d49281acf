package pool

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"dexcore/internal/chain"
	"dexcore/internal/curve"
	"dexcore/internal/dexerr"
	"dexcore/internal/vault"
)

// MaxA bounds the amplification coefficient of a stable pool.
const MaxA = 1_000_000

// StableParams configures a stable pool family.
type StableParams struct {
	// Fee is the swap fee in curve.FeeDenominator units.
	Fee uint64
}

// DefaultStableParams returns a 0.04% swap fee.
func DefaultStableParams() StableParams {
	return StableParams{Fee: 4_000_000}
}

// StablePool prices pegged assets with the StableSwap invariant. The swap
// fee is taken from the input before solving, and the whole input joins
// the reserves.
type StablePool struct {
	*base
	a        uint64
	ampValue *uint256.Int
	feeValue *uint256.Int
}

// NewStablePool creates a stable pool for tokens with amplification a.
func NewStablePool(c *chain.Chain, v *vault.Vault, address common.Address, tokens []common.Address, a uint64, params StableParams) (*StablePool, error) {
	if a == 0 || a > MaxA {
		return nil, dexerr.Newf(dexerr.InvalidParameter, "pool.newStable", "amplification %d out of range [1, %d]", a, MaxA)
	}
	if params.Fee >= curve.FeeDenominator.Uint64() {
		return nil, dexerr.Newf(dexerr.InvalidParameter, "pool.newStable", "fee %d too high", params.Fee)
	}
	b, err := newBase(c, v, address, KindStable, tokens)
	if err != nil {
		return nil, err
	}
	p := &StablePool{
		base:     b,
		a:        a,
		ampValue: uint256.NewInt(a * curve.APrecision),
		feeValue: uint256.NewInt(params.Fee),
	}
	b.model = p
	return p, nil
}

// A returns the amplification coefficient.
func (p *StablePool) A() uint64 { return p.a }

// Info returns a view of the pool record.
func (p *StablePool) Info() Info {
	info := p.info()
	info.A = p.a
	return info
}

func (p *StablePool) amp() *uint256.Int { return p.ampValue }
func (p *StablePool) fee() *uint256.Int { return p.feeValue }

func (p *StablePool) xp(balances []*uint256.Int) ([]*uint256.Int, error) {
	out := make([]*uint256.Int, len(balances))
	for i, b := range balances {
		v, err := p.scale(i, b)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (p *StablePool) fromXP(i int, v *uint256.Int) (*uint256.Int, error) {
	return new(uint256.Int).Div(v, p.multipliers[i]), nil
}

func (p *StablePool) getDy(i, j int, dx *uint256.Int, balances []*uint256.Int) (*uint256.Int, error) {
	fee, err := curve.FeeUp(dx, p.feeValue)
	if err != nil {
		return nil, err
	}
	net, err := curve.Sub(dx, fee)
	if err != nil {
		return nil, err
	}

	xp, err := p.xp(balances)
	if err != nil {
		return nil, err
	}
	d, err := curve.GetD(xp, p.ampValue)
	if err != nil {
		return nil, err
	}
	scaled, err := p.scale(i, net)
	if err != nil {
		return nil, err
	}
	x, err := curve.Add(xp[i], scaled)
	if err != nil {
		return nil, err
	}
	y, err := curve.GetY(i, j, x, xp, p.ampValue, d)
	if err != nil {
		return nil, err
	}
	return outputFromY(xp[j], y, p.multipliers[j]), nil
}

func (p *StablePool) bootstrapXP(amounts []*uint256.Int) ([]*uint256.Int, error) {
	return p.xp(amounts)
}

func (p *StablePool) bootstrap([]*uint256.Int) error { return nil }

func (p *StablePool) afterSwap(int, int, *uint256.Int, *uint256.Int, []*uint256.Int) {}

// outputFromY returns (xpj - y - 1) / multiplier, or zero when the solve
// leaves nothing to pay. The extra unit absorbs the solver's rounding.
func outputFromY(xpj, y, multiplier *uint256.Int) *uint256.Int {
	floor := new(uint256.Int).AddUint64(y, 1)
	if !xpj.Gt(floor) {
		return new(uint256.Int)
	}
	dy := new(uint256.Int).Sub(xpj, floor)
	return dy.Div(dy, multiplier)
}
