package pool

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"dexcore/internal/chain"
	"dexcore/internal/curve"
	"dexcore/internal/dexerr"
	"dexcore/internal/state"
	"dexcore/internal/vault"
)

const bps = 10_000

// CryptoParams configures a crypto pool family.
type CryptoParams struct {
	// A is the amplification of the invariant evaluated on price-scaled
	// balances. Low values keep the curve close to constant product.
	A uint64
	// Fee is the swap fee in curve.FeeDenominator units.
	Fee uint64
	// EMAWindow is the number of trades the price oracle averages over.
	EMAWindow uint64
	// RebalanceThresholdBps is the minimum trade size, as a share of the
	// output reserve, that may move the price scale.
	RebalanceThresholdBps uint64
	// AdjustmentStepBps is how far the oracle must drift from the price
	// scale before the scale follows it.
	AdjustmentStepBps uint64
}

// DefaultCryptoParams returns A=2, a 0.3% fee, an 8-trade EMA window, a
// 0.1% rebalance threshold and a 0.5% adjustment step.
func DefaultCryptoParams() CryptoParams {
	return CryptoParams{
		A:                     2,
		Fee:                   30_000_000,
		EMAWindow:             8,
		RebalanceThresholdBps: 10,
		AdjustmentStepBps:     50,
	}
}

func (c CryptoParams) validate() error {
	switch {
	case c.A == 0 || c.A > MaxA:
		return dexerr.Newf(dexerr.InvalidParameter, "pool.newCrypto", "amplification %d out of range", c.A)
	case c.Fee >= curve.FeeDenominator.Uint64():
		return dexerr.Newf(dexerr.InvalidParameter, "pool.newCrypto", "fee %d too high", c.Fee)
	case c.EMAWindow == 0:
		return dexerr.Newf(dexerr.InvalidParameter, "pool.newCrypto", "ema window must be positive")
	case c.RebalanceThresholdBps > bps || c.AdjustmentStepBps > bps:
		return dexerr.Newf(dexerr.InvalidParameter, "pool.newCrypto", "basis points above 10000")
	}
	return nil
}

// CryptoPool prices volatile pairs. Balances are evaluated on an internal
// price scale so the curve concentrates liquidity around the current price;
// the scale follows an exponential moving average of trade prices after
// sufficiently large trades, as far as accrued fees pay for the move. The
// swap fee is taken from the output.
type CryptoPool struct {
	*base
	params   CryptoParams
	ampValue *uint256.Int
	feeValue *uint256.Int

	// prices of token1 in token0, scaled by curve.Precision
	priceScale  *state.Value[*uint256.Int]
	priceOracle *state.Value[*uint256.Int]
	lastPrice   *state.Value[*uint256.Int]
	// virtual price right after the last scale move
	vpBase *state.Value[*uint256.Int]
}

// NewCryptoPool creates a crypto pool for tokens.
func NewCryptoPool(c *chain.Chain, v *vault.Vault, address common.Address, tokens []common.Address, params CryptoParams) (*CryptoPool, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	b, err := newBase(c, v, address, KindCrypto, tokens)
	if err != nil {
		return nil, err
	}
	p := &CryptoPool{
		base:        b,
		params:      params,
		ampValue:    uint256.NewInt(params.A * curve.APrecision),
		feeValue:    uint256.NewInt(params.Fee),
		priceScale:  state.NewValue(c.State, curve.Precision.Clone()),
		priceOracle: state.NewValue(c.State, curve.Precision.Clone()),
		lastPrice:   state.NewValue(c.State, curve.Precision.Clone()),
		vpBase:      state.NewValue(c.State, new(uint256.Int)),
	}
	b.model = p
	return p, nil
}

// PriceScale returns the internal price of token1 in token0.
func (p *CryptoPool) PriceScale() *uint256.Int { return p.priceScale.Get().Clone() }

// PriceOracle returns the moving average of trade prices.
func (p *CryptoPool) PriceOracle() *uint256.Int { return p.priceOracle.Get().Clone() }

// LastPrice returns the price of the most recent trade.
func (p *CryptoPool) LastPrice() *uint256.Int { return p.lastPrice.Get().Clone() }

// Info returns a view of the pool record.
func (p *CryptoPool) Info() Info {
	info := p.info()
	info.A = p.params.A
	info.PriceScale = p.PriceScale()
	info.PriceOracle = p.PriceOracle()
	return info
}

func (p *CryptoPool) amp() *uint256.Int { return p.ampValue }
func (p *CryptoPool) fee() *uint256.Int { return p.feeValue }

func (p *CryptoPool) xp(balances []*uint256.Int) ([]*uint256.Int, error) {
	return p.xpAt(balances, p.priceScale.Get())
}

func (p *CryptoPool) xpAt(balances []*uint256.Int, scale *uint256.Int) ([]*uint256.Int, error) {
	x0, err := p.scale(0, balances[0])
	if err != nil {
		return nil, err
	}
	x1, err := p.scale(1, balances[1])
	if err != nil {
		return nil, err
	}
	if x1, err = curve.MulDiv(x1, scale, curve.Precision); err != nil {
		return nil, err
	}
	return []*uint256.Int{x0, x1}, nil
}

func (p *CryptoPool) scaleIn(i int, v *uint256.Int) (*uint256.Int, error) {
	x, err := p.scale(i, v)
	if err != nil || i == 0 {
		return x, err
	}
	return curve.MulDiv(x, p.priceScale.Get(), curve.Precision)
}

func (p *CryptoPool) fromXP(i int, v *uint256.Int) (*uint256.Int, error) {
	if i == 1 {
		var err error
		if v, err = curve.MulDiv(v, curve.Precision, p.priceScale.Get()); err != nil {
			return nil, err
		}
	}
	return new(uint256.Int).Div(v, p.multipliers[i]), nil
}

func (p *CryptoPool) getDy(i, j int, dx *uint256.Int, balances []*uint256.Int) (*uint256.Int, error) {
	xp, err := p.xp(balances)
	if err != nil {
		return nil, err
	}
	d, err := curve.GetD(xp, p.ampValue)
	if err != nil {
		return nil, err
	}
	scaled, err := p.scaleIn(i, dx)
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

	floor := new(uint256.Int).AddUint64(y, 1)
	if !xp[j].Gt(floor) {
		return new(uint256.Int), nil
	}
	gross, err := p.fromXP(j, new(uint256.Int).Sub(xp[j], floor))
	if err != nil {
		return nil, err
	}
	fee, err := curve.FeeUp(gross, p.feeValue)
	if err != nil {
		return nil, err
	}
	if !gross.Gt(fee) {
		return new(uint256.Int), nil
	}
	return gross.Sub(gross, fee), nil
}

// initialScale prices token1 in token0 from the first deposit.
func (p *CryptoPool) initialScale(amounts []*uint256.Int) (*uint256.Int, error) {
	x0, err := p.scale(0, amounts[0])
	if err != nil {
		return nil, err
	}
	x1, err := p.scale(1, amounts[1])
	if err != nil {
		return nil, err
	}
	scale, err := curve.MulDiv(x0, curve.Precision, x1)
	if err != nil {
		return nil, err
	}
	if scale.IsZero() {
		return nil, dexerr.Newf(dexerr.InvalidAmount, "pool.addLiquidity", "initial price rounds to zero")
	}
	return scale, nil
}

func (p *CryptoPool) bootstrapXP(amounts []*uint256.Int) ([]*uint256.Int, error) {
	scale, err := p.initialScale(amounts)
	if err != nil {
		return nil, err
	}
	return p.xpAt(amounts, scale)
}

func (p *CryptoPool) bootstrap(amounts []*uint256.Int) error {
	scale, err := p.initialScale(amounts)
	if err != nil {
		return err
	}
	p.priceScale.Set(scale)
	p.priceOracle.Set(scale.Clone())
	p.lastPrice.Set(scale.Clone())

	// a fresh pool is balanced at its scale, so D is also the share supply
	xp, err := p.xpAt(amounts, scale)
	if err != nil {
		return err
	}
	d, err := curve.GetD(xp, p.ampValue)
	if err != nil {
		return err
	}
	vp, err := p.virtualPriceOf(d, scale, d)
	if err != nil {
		return err
	}
	p.vpBase.Set(vp)
	return nil
}

// afterSwap folds the trade price into the oracle. After a large trade,
// once the oracle has drifted past the adjustment step, the price scale
// moves toward it: to the oracle itself, or else by one step. A move is
// taken only if the virtual price at the new scale keeps at least half of
// its growth since the last move, so a repeg never gives away more than
// the fees earned meanwhile.
func (p *CryptoPool) afterSwap(i, j int, dx, dy *uint256.Int, before []*uint256.Int) {
	amount0, amount1 := dx, dy
	if i == 1 {
		amount0, amount1 = dy, dx
	}
	num, err := p.scale(0, amount0)
	if err != nil {
		return
	}
	den, err := p.scale(1, amount1)
	if err != nil || den.IsZero() {
		return
	}
	last, err := curve.MulDiv(num, curve.Precision, den)
	if err != nil || last.IsZero() {
		return
	}

	window := uint256.NewInt(p.params.EMAWindow)
	weighted, err := curve.Mul(p.priceOracle.Get(), uint256.NewInt(p.params.EMAWindow-1))
	if err != nil {
		return
	}
	sum, err := curve.Add(weighted, last)
	if err != nil {
		return
	}
	oracle := new(uint256.Int).Div(sum, window)
	p.lastPrice.Set(last)
	p.priceOracle.Set(oracle)

	scale := p.priceScale.Get()
	tradeBps := new(uint256.Int).Mul(dy, uint256.NewInt(bps))
	threshold := new(uint256.Int).Mul(before[j], uint256.NewInt(p.params.RebalanceThresholdBps))
	if tradeBps.Lt(threshold) {
		return
	}
	drift := new(uint256.Int).Mul(curve.AbsDiff(oracle, scale), uint256.NewInt(bps))
	stepBps := new(uint256.Int).Mul(scale, uint256.NewInt(p.params.AdjustmentStepBps))
	if !drift.Gt(stepBps) {
		return
	}

	balances := p.reserves.Get()
	supply := p.supply.Get()
	current, err := p.virtualPriceAt(balances, scale, supply)
	if err != nil {
		return
	}
	floor := current
	if base := p.vpBase.Get(); current.Gt(base) {
		// half the growth since the last move may be spent on this one
		gain := new(uint256.Int).Sub(current, base)
		floor = new(uint256.Int).Add(base, gain.Rsh(gain, 1))
	}

	step := new(uint256.Int).Div(stepBps, uint256.NewInt(bps))
	stepped := new(uint256.Int).Add(scale, step)
	if oracle.Lt(scale) {
		stepped = new(uint256.Int).Sub(scale, step)
	}
	for _, candidate := range []*uint256.Int{oracle, stepped} {
		if candidate.IsZero() || candidate.Eq(scale) {
			continue
		}
		vp, err := p.virtualPriceAt(balances, candidate, supply)
		if err != nil || vp.Lt(floor) {
			continue
		}
		p.priceScale.Set(candidate.Clone())
		p.vpBase.Set(vp)
		p.log.Debug().
			Str("price_scale", candidate.Dec()).
			Str("previous", scale.Dec()).
			Str("virtual_price", vp.Dec()).
			Msg("Price scale rebalanced")
		return
	}
	p.log.Debug().
		Str("price_oracle", oracle.Dec()).
		Str("price_scale", scale.Dec()).
		Msg("Price scale kept, rebalance would cost liquidity providers")
}

// VirtualPrice returns the pool value per LP share at the current price
// scale, scaled by curve.Precision.
func (p *CryptoPool) VirtualPrice() (*uint256.Int, error) {
	return p.virtualPriceAt(p.reserves.Get(), p.priceScale.Get(), p.supply.Get())
}

// virtualPriceAt values balances at scale as D / (2 * sqrt(scale)), the
// geometric mean of D/2 in both coins, per share of supply.
func (p *CryptoPool) virtualPriceAt(balances []*uint256.Int, scale, supply *uint256.Int) (*uint256.Int, error) {
	if supply.IsZero() {
		return new(uint256.Int), nil
	}
	xp, err := p.xpAt(balances, scale)
	if err != nil {
		return nil, err
	}
	d, err := curve.GetD(xp, p.ampValue)
	if err != nil {
		return nil, err
	}
	return p.virtualPriceOf(d, scale, supply)
}

func (p *CryptoPool) virtualPriceOf(d, scale, supply *uint256.Int) (*uint256.Int, error) {
	half := new(uint256.Int).Rsh(d, 1)
	inToken1, err := curve.MulDiv(half, curve.Precision, scale)
	if err != nil {
		return nil, err
	}
	sq, err := curve.Mul(half, inToken1)
	if err != nil {
		return nil, err
	}
	xcp := new(uint256.Int).Sqrt(sq)
	return curve.MulDiv(xcp, curve.Precision, supply)
}
