// Package router is the user-facing entry point of the exchange. It funds
// pools through the vault, chains multi-hop swaps, runs user callbacks
// under the pull-then-verify discipline and records which pools each
// account has provided liquidity to.
package router

import (
	"context"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dexcore/internal/chain"
	"dexcore/internal/codec"
	"dexcore/internal/dexerr"
	"dexcore/internal/metrics"
	"dexcore/internal/pool"
	"dexcore/internal/poolmaster"
	"dexcore/internal/session"
	"dexcore/internal/state"
	"dexcore/internal/token"
	"dexcore/internal/vault"
)

// CallbackSuccess is the acknowledgement a callback must return.
var CallbackSuccess = crypto.Keccak256Hash([]byte("dexcore.callback.success"))

// CallbackRequest is passed to a callback. Tokens and Amounts describe what
// the callback is expected to credit to Pool (liquidity) or what the step
// just paid out (swap).
type CallbackRequest struct {
	Router  common.Address
	Sender  common.Address
	Pool    common.Address
	Tokens  []common.Address
	Amounts []*uint256.Int
	Data    []byte
}

// Callback is externally supplied code the router invokes mid-call. Its
// only trusted effect is crediting the vault; the router verifies balances
// afterwards. Engine calls made from OnCallback must use the ctx it is
// given.
type Callback interface {
	OnCallback(ctx context.Context, req CallbackRequest) ([32]byte, error)
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(ctx context.Context, req CallbackRequest) ([32]byte, error)

func (f CallbackFunc) OnCallback(ctx context.Context, req CallbackRequest) ([32]byte, error) {
	return f(ctx, req)
}

// TokenInput is one token amount supplied to a pool. The zero address
// denotes the native asset, which is wrapped first.
type TokenInput struct {
	Token  common.Address
	Amount *uint256.Int
}

// AddLiquidityParams describes a liquidity deposit.
type AddLiquidityParams struct {
	Pool         common.Address
	Inputs       []TokenInput
	Recipient    []byte // abi(address)
	MinLiquidity *uint256.Int
	Callback     Callback
	CallbackData []byte
}

// SwapStep is one pool hop.
type SwapStep struct {
	Pool         common.Address
	Data         []byte // abi(address tokenOut, address to, uint8 mode)
	Callback     Callback
	CallbackData []byte
}

// SwapPath is an ordered list of hops funded with AmountIn of TokenIn.
type SwapPath struct {
	Steps    []SwapStep
	TokenIn  common.Address
	AmountIn *uint256.Int
}

// RemoveLiquidityParams describes a proportional withdrawal.
type RemoveLiquidityParams struct {
	Pool       common.Address
	Shares     *uint256.Int
	Recipient  common.Address
	Mode       vault.WithdrawMode
	MinAmounts []*uint256.Int
	Deadline   uint64
}

// RemoveLiquiditySingleParams describes a single-token withdrawal.
type RemoveLiquiditySingleParams struct {
	Pool      common.Address
	Shares    *uint256.Int
	TokenOut  common.Address
	Recipient common.Address
	Mode      vault.WithdrawMode
	MinAmount *uint256.Int
	Deadline  uint64
}

// Router executes user calls against the registered pools.
type Router struct {
	address common.Address
	chain   *chain.Chain
	vault   *vault.Vault
	master  *poolmaster.Master
	metrics *metrics.Metrics

	// entered records, per account, every pool it has added liquidity to
	entered *state.Map[common.Address, []common.Address]

	log zerolog.Logger
}

// Option customizes a Router.
type Option func(*Router)

// WithMetrics records call metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// New creates a router at address.
func New(c *chain.Chain, v *vault.Vault, m *poolmaster.Master, address common.Address, opts ...Option) *Router {
	r := &Router{
		address: address,
		chain:   c,
		vault:   v,
		master:  m,
		entered: state.NewMap[common.Address, []common.Address](c.State),
		log:     log.With().Str("component", "router").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Address returns the router's account address.
func (r *Router) Address() common.Address { return r.address }

// AddLiquidity funds params.Pool with the inputs and mints shares to the
// decoded recipient. Without a callback the router pulls each input from
// caller, which must have approved the router. With a callback the router
// instead asks the callback to credit the pool and verifies that it did.
func (r *Router) AddLiquidity(ctx context.Context, caller common.Address, params AddLiquidityParams) (*uint256.Int, error) {
	const op = "router.addLiquidity"
	started := time.Now()
	ctx, end := session.Begin(ctx)
	defer end()
	var minted *uint256.Int
	err := r.chain.State.Atomic(ctx, func(ctx context.Context) error {
		if err := session.Authorize(ctx, op, caller); err != nil {
			return err
		}
		p, err := r.master.Pool(params.Pool)
		if err != nil {
			return err
		}
		recipient, err := codec.DecodeRecipient(params.Recipient)
		if err != nil {
			return err
		}
		tokens, amounts, err := r.normalizeInputs(op, p, params.Inputs)
		if err != nil {
			return err
		}

		poolCtx := ctx
		if params.Callback == nil {
			for k, t := range params.Inputs {
				if err := r.pull(ctx, caller, t.Token, amounts[k], p.Address()); err != nil {
					return err
				}
			}
		} else {
			// the pool is entered before the callback runs; only the
			// router's own deposit below may enter it again
			if poolCtx, err = session.Claim(ctx, p.Address()); err != nil {
				return err
			}
			if err := r.pullViaCallback(ctx, caller, p, tokens, amounts, params.Callback, params.CallbackData); err != nil {
				return err
			}
		}

		shares, err := p.AddLiquidity(poolCtx, caller, recipient, params.MinLiquidity)
		if err != nil {
			return err
		}
		r.enter(caller, p.Address())

		r.log.Debug().
			Str("pool", p.Address().Hex()).
			Str("sender", caller.Hex()).
			Str("to", recipient.Hex()).
			Str("shares", shares.Dec()).
			Msg("Liquidity added")
		minted = shares
		return nil
	})
	r.metrics.RecordCall(op, started, err)
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// normalizeInputs maps inputs onto the pool's tokens. The native asset
// maps to the wrapped token.
func (r *Router) normalizeInputs(op string, p pool.Pool, inputs []TokenInput) ([]common.Address, []*uint256.Int, error) {
	if len(inputs) == 0 {
		return nil, nil, dexerr.Newf(dexerr.InvalidParameter, op, "no inputs")
	}
	poolTokens := p.Tokens()
	seen := make(map[common.Address]bool, len(inputs))
	tokens := make([]common.Address, len(inputs))
	amounts := make([]*uint256.Int, len(inputs))
	for k, in := range inputs {
		t := r.wrapped(in.Token)
		if !contains(poolTokens, t) {
			return nil, nil, dexerr.Newf(dexerr.UnknownToken, op, "%s not in pool %s", t.Hex(), p.Address().Hex())
		}
		if seen[t] {
			return nil, nil, dexerr.Newf(dexerr.InvalidParameter, op, "duplicate input %s", t.Hex())
		}
		if in.Amount == nil || in.Amount.IsZero() {
			return nil, nil, dexerr.Newf(dexerr.InvalidAmount, op, "zero amount of %s", t.Hex())
		}
		seen[t] = true
		tokens[k] = t
		amounts[k] = in.Amount.Clone()
	}
	return tokens, amounts, nil
}

func (r *Router) pullViaCallback(ctx context.Context, caller common.Address, p pool.Pool, tokens []common.Address, amounts []*uint256.Int, cb Callback, data []byte) error {
	before := make([]*uint256.Int, len(tokens))
	for k, t := range tokens {
		before[k] = r.vault.BalanceOf(t, p.Address())
	}

	if err := r.runCallback(ctx, "router.addLiquidity", cb, CallbackRequest{
		Router:  r.address,
		Sender:  caller,
		Pool:    p.Address(),
		Tokens:  tokens,
		Amounts: amounts,
		Data:    data,
	}); err != nil {
		return err
	}

	for k, t := range tokens {
		after := r.vault.BalanceOf(t, p.Address())
		paid := new(uint256.Int)
		if after.Gt(before[k]) {
			paid.Sub(after, before[k])
		}
		if paid.Lt(amounts[k]) {
			return dexerr.Values(dexerr.InsufficientCallbackPayment, "router.addLiquidity", amounts[k], paid)
		}
	}
	return nil
}

// runCallback invokes cb acting for req.Sender. Every pool the call has
// entered, req.Pool included, stays entered while it runs, and the vault
// lets it draw only on the sender's own credit.
func (r *Router) runCallback(ctx context.Context, op string, cb Callback, req CallbackRequest) error {
	ack, err := cb.OnCallback(session.As(ctx, req.Sender), req)
	if err != nil {
		return err
	}
	if ack != CallbackSuccess {
		return dexerr.Newf(dexerr.InvalidCallbackAck, op, "callback for pool %s returned %x", req.Pool.Hex(), ack)
	}
	return nil
}

// Swap executes every path in order and returns the summed final output.
// A pool may be used at most once per call, across all paths and any
// calls its callbacks make; a second entry fails with ReentrancyError.
func (r *Router) Swap(ctx context.Context, caller common.Address, paths []SwapPath, amountOutMin *uint256.Int, deadline uint64) (*uint256.Int, error) {
	const op = "router.swap"
	started := time.Now()
	ctx, end := session.Begin(ctx)
	defer end()
	var total *uint256.Int
	hops := 0
	err := r.chain.State.Atomic(ctx, func(ctx context.Context) error {
		if err := r.checkDeadline(op, deadline); err != nil {
			return err
		}
		if err := session.Authorize(ctx, op, caller); err != nil {
			return err
		}
		if len(paths) == 0 {
			return dexerr.Newf(dexerr.InvalidPath, op, "no paths")
		}
		total = new(uint256.Int)
		for n, path := range paths {
			out, err := r.swapPath(ctx, caller, n, path)
			if err != nil {
				return err
			}
			if total, err = addAmounts(total, out); err != nil {
				return err
			}
			hops += len(path.Steps)
		}
		if amountOutMin != nil && total.Lt(amountOutMin) {
			return dexerr.Values(dexerr.SlippageExceeded, op, amountOutMin, total)
		}
		return nil
	})
	r.metrics.RecordCall(op, started, err)
	if err != nil {
		return nil, err
	}
	r.metrics.RecordSwap(len(paths), hops)
	return total, nil
}

func (r *Router) swapPath(ctx context.Context, caller common.Address, n int, path SwapPath) (*uint256.Int, error) {
	const op = "router.swap"
	if len(path.Steps) == 0 {
		return nil, dexerr.Newf(dexerr.InvalidPath, op, "path %d has no steps", n)
	}
	if path.AmountIn == nil || path.AmountIn.IsZero() {
		return nil, dexerr.Newf(dexerr.InvalidAmount, op, "path %d has no input", n)
	}

	pools := make([]pool.Pool, len(path.Steps))
	steps := make([]codec.SwapData, len(path.Steps))
	current := r.wrapped(path.TokenIn)
	for k, step := range path.Steps {
		p, err := r.master.Pool(step.Pool)
		if err != nil {
			return nil, err
		}
		sd, err := codec.DecodeSwapData(step.Data)
		if err != nil {
			return nil, err
		}
		tokens := p.Tokens()
		if !contains(tokens, current) || !contains(tokens, sd.TokenOut) || current == sd.TokenOut {
			return nil, dexerr.Newf(dexerr.InvalidPath, op, "path %d step %d: pool %s cannot swap %s for %s",
				n, k, p.Address().Hex(), current.Hex(), sd.TokenOut.Hex())
		}
		pools[k] = p
		steps[k] = sd
		current = sd.TokenOut
	}
	for k := 0; k < len(steps)-1; k++ {
		sd := steps[k]
		if vault.WithdrawMode(sd.Mode) != vault.ModeInternal {
			return nil, dexerr.Newf(dexerr.InvalidPath, op, "path %d step %d: intermediate steps must keep value in the vault", n, k)
		}
		if sd.Recipient != r.address && sd.Recipient != pools[k+1].Address() {
			return nil, dexerr.Newf(dexerr.InvalidPath, op, "path %d step %d: recipient %s is neither the router nor the next pool", n, k, sd.Recipient.Hex())
		}
	}

	if err := r.pull(ctx, caller, path.TokenIn, path.AmountIn, pools[0].Address()); err != nil {
		return nil, err
	}

	var amount *uint256.Int
	for k, step := range path.Steps {
		p := pools[k]
		last := k == len(path.Steps)-1

		// intermediate output is held by the router until the step
		// callback has run, then forwarded to the next pool
		data := step.Data
		if !last && steps[k].Recipient != r.address {
			held := steps[k]
			held.Recipient = r.address
			data = codec.EncodeSwapData(held)
		}
		res, err := p.Swap(ctx, caller, data)
		if err != nil {
			return nil, err
		}

		if step.Callback != nil {
			if err := r.runCallback(ctx, op, step.Callback, CallbackRequest{
				Router:  r.address,
				Sender:  caller,
				Pool:    p.Address(),
				Tokens:  []common.Address{res.TokenOut},
				Amounts: []*uint256.Int{res.AmountOut.Clone()},
				Data:    step.CallbackData,
			}); err != nil {
				return nil, err
			}
		}

		if !last {
			if err := r.vault.InternalTransfer(session.As(ctx, r.address), res.TokenOut, res.AmountOut, r.address, pools[k+1].Address()); err != nil {
				return nil, err
			}
		}

		r.log.Debug().
			Int("path", n).
			Int("step", k).
			Str("pool", p.Address().Hex()).
			Str("amount_in", res.AmountIn.Dec()).
			Str("amount_out", res.AmountOut.Dec()).
			Msg("Swap step executed")
		amount = res.AmountOut
	}
	return amount, nil
}

// RemoveLiquidity burns caller's shares of a pool for every reserve token.
func (r *Router) RemoveLiquidity(ctx context.Context, caller common.Address, params RemoveLiquidityParams) ([]*uint256.Int, error) {
	const op = "router.removeLiquidity"
	started := time.Now()
	ctx, end := session.Begin(ctx)
	defer end()
	var amounts []*uint256.Int
	err := r.chain.State.Atomic(ctx, func(ctx context.Context) error {
		if err := r.checkDeadline(op, params.Deadline); err != nil {
			return err
		}
		if err := session.Authorize(ctx, op, caller); err != nil {
			return err
		}
		p, err := r.master.Pool(params.Pool)
		if err != nil {
			return err
		}
		amounts, err = p.RemoveLiquidity(ctx, caller, params.Shares, params.Recipient, params.Mode, params.MinAmounts)
		return err
	})
	r.metrics.RecordCall(op, started, err)
	if err != nil {
		return nil, err
	}
	return amounts, nil
}

// RemoveLiquiditySingle burns caller's shares of a pool for one token.
func (r *Router) RemoveLiquiditySingle(ctx context.Context, caller common.Address, params RemoveLiquiditySingleParams) (*uint256.Int, error) {
	const op = "router.removeLiquiditySingle"
	started := time.Now()
	ctx, end := session.Begin(ctx)
	defer end()
	var paid *uint256.Int
	err := r.chain.State.Atomic(ctx, func(ctx context.Context) error {
		if err := r.checkDeadline(op, params.Deadline); err != nil {
			return err
		}
		if err := session.Authorize(ctx, op, caller); err != nil {
			return err
		}
		p, err := r.master.Pool(params.Pool)
		if err != nil {
			return err
		}
		paid, err = p.RemoveLiquiditySingle(ctx, caller, params.Shares, r.wrapped(params.TokenOut), params.Recipient, params.Mode, params.MinAmount)
		return err
	})
	r.metrics.RecordCall(op, started, err)
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// EnteredPoolsLength returns how many distinct pools account has added
// liquidity to.
func (r *Router) EnteredPoolsLength(account common.Address) int {
	pools, _ := r.entered.Get(account)
	return len(pools)
}

// EnteredPools returns the pools account has added liquidity to, in the
// order first entered.
func (r *Router) EnteredPools(account common.Address) []common.Address {
	pools, _ := r.entered.Get(account)
	return append([]common.Address(nil), pools...)
}

// Accounts returns every account with at least one entered pool, ordered
// by address.
func (r *Router) Accounts() []common.Address {
	var out []common.Address
	r.entered.Range(func(account common.Address, pools []common.Address) bool {
		if len(pools) > 0 {
			out = append(out, account)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].Cmp(out[j]) < 0
	})
	return out
}

func (r *Router) enter(account, p common.Address) {
	pools, _ := r.entered.Get(account)
	if contains(pools, p) {
		return
	}
	next := make([]common.Address, len(pools), len(pools)+1)
	copy(next, pools)
	r.entered.Set(account, append(next, p))
}

func (r *Router) checkDeadline(op string, deadline uint64) error {
	now := r.chain.Now()
	if now > deadline {
		return dexerr.Values(dexerr.Expired, op, new(uint256.Int).SetUint64(deadline), new(uint256.Int).SetUint64(now))
	}
	return nil
}

// pull moves amount of tok from caller into the vault and credits it to
// the pool. The zero address wraps caller's native asset.
func (r *Router) pull(ctx context.Context, caller, tok common.Address, amount *uint256.Int, to common.Address) error {
	wrapped := r.wrapped(tok)
	if tok == token.NativeAddress {
		if err := r.chain.WETH.DepositTo(caller, r.vault.Address(), amount); err != nil {
			return err
		}
	} else {
		t, err := r.chain.Tokens.Lookup(tok)
		if err != nil {
			return err
		}
		if err := t.TransferFrom(r.address, caller, r.vault.Address(), amount); err != nil {
			return err
		}
	}
	return r.vault.Deposit(ctx, wrapped, amount, to)
}

func (r *Router) wrapped(tok common.Address) common.Address {
	if tok == token.NativeAddress {
		return r.chain.WETH.Address()
	}
	return tok
}

func contains(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func addAmounts(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, dexerr.New(dexerr.Overflow, "router.swap")
	}
	return sum, nil
}
