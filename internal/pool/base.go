package pool

import (
	"context"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dexcore/internal/chain"
	"dexcore/internal/codec"
	"dexcore/internal/curve"
	"dexcore/internal/dexerr"
	"dexcore/internal/events"
	"dexcore/internal/session"
	"dexcore/internal/state"
	"dexcore/internal/vault"
)

// model is the family-specific part of a pool.
type model interface {
	// amp returns A * curve.APrecision.
	amp() *uint256.Int
	// fee returns the swap fee in curve.FeeDenominator units.
	fee() *uint256.Int
	// xp normalizes raw balances into invariant space.
	xp(balances []*uint256.Int) ([]*uint256.Int, error)
	// fromXP converts an invariant-space amount of coin i to raw units.
	fromXP(i int, v *uint256.Int) (*uint256.Int, error)
	// getDy returns the output, net of fees, for dx of coin i.
	getDy(i, j int, dx *uint256.Int, balances []*uint256.Int) (*uint256.Int, error)
	// bootstrapXP normalizes the first deposit.
	bootstrapXP(amounts []*uint256.Int) ([]*uint256.Int, error)
	// bootstrap commits the state derived from the first deposit.
	bootstrap(amounts []*uint256.Int) error
	// afterSwap updates family-specific state after a swap.
	afterSwap(i, j int, dx, dy *uint256.Int, before []*uint256.Int)
}

// base holds the reserves, share accounting and settlement logic shared by
// both families.
type base struct {
	address     common.Address
	kind        Kind
	tokens      []common.Address
	multipliers []*uint256.Int

	chain *chain.Chain
	vault *vault.Vault
	model model

	reserves *state.Value[[]*uint256.Int]
	supply   *state.Value[*uint256.Int]
	shares   *state.Map[common.Address, *uint256.Int]

	log zerolog.Logger
}

func newBase(c *chain.Chain, v *vault.Vault, address common.Address, kind Kind, tokens []common.Address) (*base, error) {
	if len(tokens) != 2 {
		return nil, dexerr.Newf(dexerr.InvalidParameter, "pool.new", "want 2 tokens, got %d", len(tokens))
	}
	multipliers := make([]*uint256.Int, len(tokens))
	for i, addr := range tokens {
		t, err := c.Tokens.Lookup(addr)
		if err != nil {
			return nil, err
		}
		if t.Decimals() > 18 {
			return nil, dexerr.Newf(dexerr.InvalidParameter, "pool.new", "%s has %d decimals", t.Symbol(), t.Decimals())
		}
		multipliers[i] = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(18-t.Decimals())))
	}

	reserves := make([]*uint256.Int, len(tokens))
	for i := range reserves {
		reserves[i] = new(uint256.Int)
	}

	return &base{
		address:     address,
		kind:        kind,
		tokens:      append([]common.Address(nil), tokens...),
		multipliers: multipliers,
		chain:       c,
		vault:       v,
		reserves:    state.NewValue(c.State, reserves),
		supply:      state.NewValue(c.State, new(uint256.Int)),
		shares:      state.NewMap[common.Address, *uint256.Int](c.State),
		log: log.With().
			Str("component", "pool").
			Str("kind", kind.String()).
			Str("pool", address.Hex()).
			Logger(),
	}, nil
}

func (p *base) Address() common.Address { return p.address }
func (p *base) Kind() Kind              { return p.kind }

// Tokens returns the pool's tokens in ascending address order.
func (p *base) Tokens() []common.Address {
	return append([]common.Address(nil), p.tokens...)
}

// Reserves returns a copy of the recorded reserves.
func (p *base) Reserves() []*uint256.Int {
	return cloneAll(p.reserves.Get())
}

// TotalSupply returns the LP share supply.
func (p *base) TotalSupply() *uint256.Int {
	return p.supply.Get().Clone()
}

// BalanceOf returns the LP shares held by owner.
func (p *base) BalanceOf(owner common.Address) *uint256.Int {
	if s, ok := p.shares.Get(owner); ok {
		return s.Clone()
	}
	return new(uint256.Int)
}

// Holders returns every non-zero LP balance ordered by owner.
func (p *base) Holders() []Share {
	out := make([]Share, 0, p.shares.Len())
	p.shares.Range(func(owner common.Address, amount *uint256.Int) bool {
		if !amount.IsZero() {
			out = append(out, Share{Owner: owner, Amount: amount.Clone()})
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].Owner.Cmp(out[j].Owner) < 0
	})
	return out
}

func (p *base) info() Info {
	return Info{
		Address:     p.address,
		Kind:        p.kind,
		Tokens:      p.Tokens(),
		Reserves:    p.Reserves(),
		TotalSupply: p.TotalSupply(),
		Fee:         p.model.fee().Clone(),
	}
}

func (p *base) index(token common.Address) (int, bool) {
	for i, t := range p.tokens {
		if t == token {
			return i, true
		}
	}
	return -1, false
}

// pending returns the credit the pool holds in coin k beyond its reserve.
func (p *base) pending(k int) *uint256.Int {
	credit := p.vault.BalanceOf(p.tokens[k], p.address)
	reserve := p.reserves.Get()[k]
	if credit.Lt(reserve) {
		return new(uint256.Int)
	}
	return credit.Sub(credit, reserve)
}

func (p *base) invariant(balances []*uint256.Int) (*uint256.Int, error) {
	xp, err := p.model.xp(balances)
	if err != nil {
		return nil, err
	}
	return curve.GetD(xp, p.model.amp())
}

// Quote returns the output of swapping amountIn of tokenIn at current reserves.
func (p *base) Quote(tokenIn, tokenOut common.Address, amountIn *uint256.Int) (*uint256.Int, error) {
	i, ok := p.index(tokenIn)
	if !ok {
		return nil, dexerr.Newf(dexerr.UnknownToken, "pool.quote", "%s not in pool", tokenIn.Hex())
	}
	j, ok := p.index(tokenOut)
	if !ok || i == j {
		return nil, dexerr.Newf(dexerr.UnknownToken, "pool.quote", "%s not in pool", tokenOut.Hex())
	}
	if amountIn.IsZero() {
		return new(uint256.Int), nil
	}
	if p.supply.Get().IsZero() {
		return nil, dexerr.Newf(dexerr.InvalidAmount, "pool.quote", "pool has no liquidity")
	}
	return p.model.getDy(i, j, amountIn, p.reserves.Get())
}

// Swap consumes the pool's pending input credit and pays the output.
func (p *base) Swap(ctx context.Context, sender common.Address, data []byte) (*SwapResult, error) {
	var res *SwapResult
	err := p.guard(ctx, func(ctx context.Context) error {
		sd, err := codec.DecodeSwapData(data)
		if err != nil {
			return err
		}
		mode := vault.WithdrawMode(sd.Mode)
		if !mode.Valid() {
			return dexerr.Newf(dexerr.InvalidPayload, "pool.swap", "unknown withdraw mode %d", sd.Mode)
		}
		j, ok := p.index(sd.TokenOut)
		if !ok {
			return dexerr.Newf(dexerr.UnknownToken, "pool.swap", "%s not in pool", sd.TokenOut.Hex())
		}
		i := 1 - j
		if p.supply.Get().IsZero() {
			return dexerr.Newf(dexerr.InvalidAmount, "pool.swap", "pool has no liquidity")
		}

		dx := p.pending(i)
		if dx.IsZero() {
			return dexerr.Newf(dexerr.InvalidAmount, "pool.swap", "no input credited")
		}

		before := p.Reserves()
		dy, err := p.model.getDy(i, j, dx, before)
		if err != nil {
			return err
		}
		if dy.IsZero() {
			return dexerr.Values(dexerr.SlippageExceeded, "pool.swap", uint256.NewInt(1), dy)
		}
		if !dy.Lt(before[j]) {
			return dexerr.Values(dexerr.InsufficientBalance, "pool.swap", dy, before[j])
		}

		after := cloneAll(before)
		after[i].Add(after[i], dx)
		after[j].Sub(after[j], dy)
		p.reserves.Set(after)

		if err := p.vault.Transfer(ctx, p.address, sd.TokenOut, dy, sd.Recipient, mode); err != nil {
			return err
		}
		p.model.afterSwap(i, j, dx, dy, before)

		p.chain.Events.Emit(events.NewSwapLog(p.address, sender, sd.Recipient, p.tokens[i], p.tokens[j], dx, dy))
		p.chain.Events.Emit(events.NewSyncLog(p.address, after[0], after[1]))

		p.log.Debug().
			Str("amount_in", dx.Dec()).
			Str("amount_out", dy.Dec()).
			Str("token_out", sd.TokenOut.Hex()).
			Uint8("mode", sd.Mode).
			Msg("Swap executed")

		res = &SwapResult{
			TokenIn:   p.tokens[i],
			TokenOut:  p.tokens[j],
			AmountIn:  dx,
			AmountOut: dy,
			Recipient: sd.Recipient,
			Mode:      mode,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// QuoteAddLiquidity returns the shares minted for depositing amounts.
func (p *base) QuoteAddLiquidity(amounts []*uint256.Int) (*uint256.Int, error) {
	if len(amounts) != len(p.tokens) {
		return nil, dexerr.Newf(dexerr.InvalidParameter, "pool.quoteAddLiquidity", "want %d amounts", len(p.tokens))
	}
	shares, _, err := p.calcMint(amounts)
	return shares, err
}

// calcMint returns the shares minted for amounts and whether the deposit
// bootstraps the pool.
func (p *base) calcMint(amounts []*uint256.Int) (*uint256.Int, bool, error) {
	const op = "pool.addLiquidity"
	supply := p.supply.Get()
	old := p.reserves.Get()

	if supply.IsZero() {
		for _, a := range amounts {
			if a.IsZero() {
				return nil, false, dexerr.Newf(dexerr.InvalidAmount, op, "initial deposit must include every token")
			}
		}
		xp, err := p.model.bootstrapXP(amounts)
		if err != nil {
			return nil, false, err
		}
		d1, err := curve.GetD(xp, p.model.amp())
		if err != nil {
			return nil, false, err
		}
		min := uint256.NewInt(MinimumLiquidity)
		if !d1.Gt(min) {
			return nil, false, dexerr.Values(dexerr.InvalidAmount, op, new(uint256.Int).AddUint64(min, 1), d1)
		}
		return new(uint256.Int).Sub(d1, min), true, nil
	}

	d0, err := p.invariant(old)
	if err != nil {
		return nil, false, err
	}
	balances := make([]*uint256.Int, len(old))
	for k := range old {
		if balances[k], err = curve.Add(old[k], amounts[k]); err != nil {
			return nil, false, err
		}
	}
	d1, err := p.invariant(balances)
	if err != nil {
		return nil, false, err
	}
	if !d1.Gt(d0) {
		return nil, false, dexerr.Newf(dexerr.InvalidAmount, op, "deposit does not grow the invariant")
	}

	// charge the imbalance fee on each coin's distance from the
	// proportional deposit
	rate := curve.ImbalanceFee(p.model.fee(), len(p.tokens))
	adjusted := make([]*uint256.Int, len(balances))
	for k := range balances {
		ideal, err := curve.MulDiv(d1, old[k], d0)
		if err != nil {
			return nil, false, err
		}
		fee, err := curve.FeeUp(curve.AbsDiff(ideal, balances[k]), rate)
		if err != nil {
			return nil, false, err
		}
		if adjusted[k], err = curve.Sub(balances[k], fee); err != nil {
			return nil, false, err
		}
	}
	d2, err := p.invariant(adjusted)
	if err != nil {
		return nil, false, err
	}
	if !d2.Gt(d0) {
		return new(uint256.Int), false, nil
	}
	shares, err := curve.MulDiv(supply, new(uint256.Int).Sub(d2, d0), d0)
	if err != nil {
		return nil, false, err
	}
	return shares, false, nil
}

// AddLiquidity mints shares for the pool's pending credit in every token.
func (p *base) AddLiquidity(ctx context.Context, sender, to common.Address, minShares *uint256.Int) (*uint256.Int, error) {
	var minted *uint256.Int
	err := p.guard(ctx, func(ctx context.Context) error {
		amounts := make([]*uint256.Int, len(p.tokens))
		for k := range p.tokens {
			amounts[k] = p.pending(k)
		}

		shares, bootstrap, err := p.calcMint(amounts)
		if err != nil {
			return err
		}
		if minShares != nil && shares.Lt(minShares) {
			return dexerr.Values(dexerr.SlippageExceeded, "pool.addLiquidity", minShares, shares)
		}
		if shares.IsZero() {
			return dexerr.Newf(dexerr.InvalidAmount, "pool.addLiquidity", "no shares minted")
		}

		if bootstrap {
			if err := p.model.bootstrap(amounts); err != nil {
				return err
			}
			p.mint(DeadAddress, uint256.NewInt(MinimumLiquidity))
		}

		after := p.Reserves()
		for k := range after {
			after[k].Add(after[k], amounts[k])
		}
		p.reserves.Set(after)
		p.mint(to, shares)

		p.chain.Events.Emit(events.NewMintLog(p.address, sender, to, shares))
		p.chain.Events.Emit(events.NewSyncLog(p.address, after[0], after[1]))

		p.log.Debug().
			Str("to", to.Hex()).
			Str("shares", shares.Dec()).
			Bool("bootstrap", bootstrap).
			Msg("Liquidity added")

		minted = shares
		return nil
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// RemoveLiquidity burns shares and pays the proportional share of every reserve.
func (p *base) RemoveLiquidity(ctx context.Context, owner common.Address, shares *uint256.Int, to common.Address, mode vault.WithdrawMode, minAmounts []*uint256.Int) ([]*uint256.Int, error) {
	const op = "pool.removeLiquidity"
	if err := session.Authorize(ctx, op, owner); err != nil {
		return nil, err
	}
	var amounts []*uint256.Int
	err := p.guard(ctx, func(ctx context.Context) error {
		if len(minAmounts) != 0 && len(minAmounts) != len(p.tokens) {
			return dexerr.Newf(dexerr.InvalidParameter, op, "want %d minimum amounts", len(p.tokens))
		}
		if err := p.checkBurn(op, owner, shares); err != nil {
			return err
		}

		supply := p.supply.Get()
		reserves := p.Reserves()
		amounts = make([]*uint256.Int, len(reserves))
		for k := range reserves {
			amount, err := curve.MulDiv(reserves[k], shares, supply)
			if err != nil {
				return err
			}
			if len(minAmounts) != 0 && amount.Lt(minAmounts[k]) {
				return dexerr.Values(dexerr.SlippageExceeded, op, minAmounts[k], amount)
			}
			amounts[k] = amount
			reserves[k].Sub(reserves[k], amount)
		}

		p.burn(owner, shares)
		p.reserves.Set(reserves)
		for k, amount := range amounts {
			if amount.IsZero() {
				continue
			}
			if err := p.vault.Transfer(ctx, p.address, p.tokens[k], amount, to, mode); err != nil {
				return err
			}
		}

		p.chain.Events.Emit(events.NewBurnLog(p.address, owner, to, shares))
		p.chain.Events.Emit(events.NewSyncLog(p.address, reserves[0], reserves[1]))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return amounts, nil
}

// QuoteRemoveLiquiditySingle returns the amount of tokenOut paid for
// burning shares, after the imbalance fee.
func (p *base) QuoteRemoveLiquiditySingle(shares *uint256.Int, tokenOut common.Address) (*uint256.Int, error) {
	i, ok := p.index(tokenOut)
	if !ok {
		return nil, dexerr.Newf(dexerr.UnknownToken, "pool.quoteRemoveLiquiditySingle", "%s not in pool", tokenOut.Hex())
	}
	return p.calcWithdrawOne(shares, i)
}

func (p *base) calcWithdrawOne(shares *uint256.Int, i int) (*uint256.Int, error) {
	supply := p.supply.Get()
	if supply.IsZero() || shares.IsZero() {
		return new(uint256.Int), nil
	}
	if shares.Gt(supply) {
		return nil, dexerr.Values(dexerr.InsufficientBalance, "pool.calcWithdrawOne", shares, supply)
	}
	amp := p.model.amp()
	xp, err := p.model.xp(p.reserves.Get())
	if err != nil {
		return nil, err
	}
	d0, err := curve.GetD(xp, amp)
	if err != nil {
		return nil, err
	}
	burnt, err := curve.MulDiv(shares, d0, supply)
	if err != nil {
		return nil, err
	}
	d1, err := curve.Sub(d0, burnt)
	if err != nil {
		return nil, err
	}
	newY, err := curve.GetYD(i, xp, amp, d1)
	if err != nil {
		return nil, err
	}

	rate := curve.ImbalanceFee(p.model.fee(), len(xp))
	reduced := cloneAll(xp)
	for k := range xp {
		expected, err := curve.MulDiv(xp[k], d1, d0)
		if err != nil {
			return nil, err
		}
		var dxExpected *uint256.Int
		if k == i {
			dxExpected = curve.AbsDiff(expected, newY)
		} else {
			dxExpected = new(uint256.Int).Sub(xp[k], expected)
		}
		fee, err := curve.FeeUp(dxExpected, rate)
		if err != nil {
			return nil, err
		}
		if reduced[k], err = curve.Sub(reduced[k], fee); err != nil {
			return nil, err
		}
	}

	yD, err := curve.GetYD(i, reduced, amp, d1)
	if err != nil {
		return nil, err
	}
	// withdraw one unit less to absorb the solver's rounding
	if !reduced[i].Gt(new(uint256.Int).AddUint64(yD, 1)) {
		return new(uint256.Int), nil
	}
	dy := new(uint256.Int).Sub(reduced[i], yD)
	dy.SubUint64(dy, 1)
	return p.model.fromXP(i, dy)
}

// RemoveLiquiditySingle burns shares and pays the value in one token.
func (p *base) RemoveLiquiditySingle(ctx context.Context, owner common.Address, shares *uint256.Int, tokenOut, to common.Address, mode vault.WithdrawMode, minAmount *uint256.Int) (*uint256.Int, error) {
	const op = "pool.removeLiquiditySingle"
	if err := session.Authorize(ctx, op, owner); err != nil {
		return nil, err
	}
	var paid *uint256.Int
	err := p.guard(ctx, func(ctx context.Context) error {
		i, ok := p.index(tokenOut)
		if !ok {
			return dexerr.Newf(dexerr.UnknownToken, op, "%s not in pool", tokenOut.Hex())
		}
		if err := p.checkBurn(op, owner, shares); err != nil {
			return err
		}
		dy, err := p.calcWithdrawOne(shares, i)
		if err != nil {
			return err
		}
		if minAmount != nil && dy.Lt(minAmount) {
			return dexerr.Values(dexerr.SlippageExceeded, op, minAmount, dy)
		}
		reserves := p.Reserves()
		if !dy.Lt(reserves[i]) {
			return dexerr.Values(dexerr.InsufficientBalance, op, dy, reserves[i])
		}
		reserves[i].Sub(reserves[i], dy)

		p.burn(owner, shares)
		p.reserves.Set(reserves)
		if !dy.IsZero() {
			if err := p.vault.Transfer(ctx, p.address, tokenOut, dy, to, mode); err != nil {
				return err
			}
		}

		p.chain.Events.Emit(events.NewBurnLog(p.address, owner, to, shares))
		p.chain.Events.Emit(events.NewSyncLog(p.address, reserves[0], reserves[1]))
		paid = dy
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// guard runs fn atomically, acting for the pool. The pool stays marked as
// entered until the outermost call returns.
func (p *base) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, end := session.Begin(ctx)
	defer end()
	ctx, err := session.Enter(ctx, p.address)
	if err != nil {
		return err
	}
	return p.chain.State.Atomic(session.As(ctx, p.address), fn)
}

func (p *base) checkBurn(op string, owner common.Address, shares *uint256.Int) error {
	if shares == nil || shares.IsZero() {
		return dexerr.Newf(dexerr.InvalidAmount, op, "zero shares")
	}
	if bal := p.BalanceOf(owner); bal.Lt(shares) {
		return dexerr.Values(dexerr.InsufficientBalance, op, shares, bal)
	}
	return nil
}

func (p *base) mint(to common.Address, amount *uint256.Int) {
	p.supply.Set(new(uint256.Int).Add(p.supply.Get(), amount))
	p.shares.Set(to, new(uint256.Int).Add(p.BalanceOf(to), amount))
}

func (p *base) burn(from common.Address, amount *uint256.Int) {
	p.supply.Set(new(uint256.Int).Sub(p.supply.Get(), amount))
	p.shares.Set(from, new(uint256.Int).Sub(p.BalanceOf(from), amount))
}

func cloneAll(values []*uint256.Int) []*uint256.Int {
	out := make([]*uint256.Int, len(values))
	for i, v := range values {
		out[i] = v.Clone()
	}
	return out
}

// scale multiplies a raw amount of coin i by its decimal multiplier.
func (p *base) scale(i int, v *uint256.Int) (*uint256.Int, error) {
	return curve.Mul(v, p.multipliers[i])
}
