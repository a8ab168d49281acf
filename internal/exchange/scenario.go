package exchange

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"dexcore/internal/codec"
	"dexcore/internal/config"
	"dexcore/internal/pool"
	"dexcore/internal/router"
	"dexcore/internal/token"
	"dexcore/internal/vault"
)

// deadlineWindow is how long scenario calls stay valid, in seconds.
const deadlineWindow = 300

// SwapResult is one executed scenario swap.
type SwapResult struct {
	TokenIn   string
	TokenOut  string
	Pools     []common.Address
	AmountIn  *uint256.Int
	Quoted    *uint256.Int
	AmountOut *uint256.Int
}

// RemovalResult is one executed scenario withdrawal.
type RemovalResult struct {
	Pool    common.Address
	Shares  *uint256.Int
	Amounts []*uint256.Int
}

// ScenarioResult summarizes a scenario run.
type ScenarioResult struct {
	Trader   common.Address
	Tokens   map[string]common.Address
	Pools    []common.Address
	Swaps    []SwapResult
	Removals []RemovalResult
}

type runner struct {
	ex     *Exchange
	cfg    config.ScenarioConfig
	trader common.Address
	tokens map[string]common.Address
	result *ScenarioResult
}

// RunScenario deploys the configured tokens, seeds the configured pools and
// executes the swaps and removals in order on behalf of the trader. It stops
// at the first failing step; steps already executed stay committed.
func (e *Exchange) RunScenario(ctx context.Context, cfg config.ScenarioConfig) (*ScenarioResult, error) {
	r := &runner{
		ex:     e,
		cfg:    cfg,
		trader: common.HexToAddress(cfg.Trader),
		tokens: map[string]common.Address{
			config.NativeSymbol:  token.NativeAddress,
			config.WrappedSymbol: e.Chain.WETH.Address(),
		},
	}
	r.result = &ScenarioResult{Trader: r.trader, Tokens: r.tokens}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"fund", r.fund},
		{"pools", r.createPools},
		{"swaps", r.swap},
		{"removals", r.remove},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return r.result, err
		}
		if err := step.fn(ctx); err != nil {
			return r.result, fmt.Errorf("scenario %s: %w", step.name, err)
		}
	}

	e.log.Info().
		Str("trader", r.trader.Hex()).
		Int("pools", len(r.result.Pools)).
		Int("swaps", len(r.result.Swaps)).
		Int("removals", len(r.result.Removals)).
		Uint64("height", e.Chain.State.Height()).
		Msg("Scenario complete")
	return r.result, nil
}

// fund runs between calls so the genesis writes cannot land inside a call
// made concurrently through the same engine.
func (r *runner) fund(ctx context.Context) error {
	var err error
	r.ex.Chain.State.Exclusive(func() {
		err = r.mintAll()
	})
	return err
}

func (r *runner) mintAll() error {
	if amount := config.Amount(r.cfg.NativeFunding); !amount.IsZero() {
		if err := r.ex.Chain.Native.Fund(r.trader, amount); err != nil {
			return err
		}
	}
	r.ex.Chain.WETH.Approve(r.trader, r.ex.Router.Address(), token.MaxAllowance)

	for _, tc := range r.cfg.Tokens {
		t := r.ex.Chain.DeployToken(tc.Symbol, tc.Decimals)
		if err := t.Mint(r.trader, config.Amount(tc.Mint)); err != nil {
			return fmt.Errorf("minting %s: %w", tc.Symbol, err)
		}
		t.Approve(r.trader, r.ex.Router.Address(), token.MaxAllowance)
		r.tokens[tc.Symbol] = t.Address()

		r.ex.log.Info().
			Str("symbol", tc.Symbol).
			Str("address", t.Address().Hex()).
			Str("minted", tc.Mint).
			Msg("Scenario token deployed")
	}
	return nil
}

func (r *runner) createPools(ctx context.Context) error {
	for i, pc := range r.cfg.Pools {
		kind := parseKind(pc.Kind)
		f, err := r.ex.Factory(kind)
		if err != nil {
			return err
		}
		a, b := r.pooled(pc.TokenA), r.pooled(pc.TokenB)

		var data []byte
		if kind == pool.KindStable {
			data = codec.EncodeStableParams(codec.StableParams{
				TokenA:        a,
				TokenB:        b,
				Amplification: uint256.NewInt(pc.Amplification),
			})
		} else {
			data = codec.EncodePair(a, b)
		}

		p, err := f.CreatePool(ctx, r.trader, data)
		if err != nil {
			return fmt.Errorf("pools[%d]: %w", i, err)
		}

		amountA, amountB := config.Amount(pc.LiquidityA), config.Amount(pc.LiquidityB)
		if err := r.wrapFor(pc.TokenA, amountA); err != nil {
			return err
		}
		if err := r.wrapFor(pc.TokenB, amountB); err != nil {
			return err
		}
		shares, err := r.ex.Router.AddLiquidity(ctx, r.trader, router.AddLiquidityParams{
			Pool: p.Address(),
			Inputs: []router.TokenInput{
				{Token: r.tokens[pc.TokenA], Amount: amountA},
				{Token: r.tokens[pc.TokenB], Amount: amountB},
			},
			Recipient: codec.EncodeRecipient(r.trader),
		})
		if err != nil {
			return fmt.Errorf("pools[%d] liquidity: %w", i, err)
		}
		r.result.Pools = append(r.result.Pools, p.Address())

		r.ex.log.Info().
			Str("pool", p.Address().Hex()).
			Str("kind", kind.String()).
			Str("pair", pc.TokenA+"/"+pc.TokenB).
			Str("shares", shares.Dec()).
			Msg("Scenario pool seeded")
	}
	return nil
}

func (r *runner) swap(ctx context.Context) error {
	for i, sc := range r.cfg.Swaps {
		amount := config.Amount(sc.Amount)
		route, err := r.ex.Finder.BestRoute(r.pooled(sc.TokenIn), r.pooled(sc.TokenOut), amount)
		if err != nil {
			return fmt.Errorf("swaps[%d]: %w", i, err)
		}
		if err := r.wrapFor(sc.TokenIn, amount); err != nil {
			return err
		}

		path := route.SwapPath(r.trader, vault.WithdrawMode(sc.WithdrawMode))
		path.TokenIn = r.tokens[sc.TokenIn]
		minOut := withSlippage(route.AmountOut, sc.SlippageBps)

		out, err := r.ex.Router.Swap(ctx, r.trader, []router.SwapPath{path}, minOut, r.deadline())
		if err != nil {
			return fmt.Errorf("swaps[%d]: %w", i, err)
		}

		pools := make([]common.Address, len(route.Hops))
		for k, hop := range route.Hops {
			pools[k] = hop.Pool
		}
		r.result.Swaps = append(r.result.Swaps, SwapResult{
			TokenIn:   sc.TokenIn,
			TokenOut:  sc.TokenOut,
			Pools:     pools,
			AmountIn:  amount,
			Quoted:    route.AmountOut,
			AmountOut: out,
		})

		r.ex.log.Info().
			Str("token_in", sc.TokenIn).
			Str("token_out", sc.TokenOut).
			Int("hops", len(route.Hops)).
			Str("amount_in", amount.Dec()).
			Str("amount_out", out.Dec()).
			Str("min_out", minOut.Dec()).
			Msg("Scenario swap executed")
	}
	return nil
}

func (r *runner) remove(ctx context.Context) error {
	for i, rc := range r.cfg.Removals {
		f, err := r.ex.Factory(parseKind(rc.Kind))
		if err != nil {
			return err
		}
		addr := f.GetPool(r.pooled(rc.TokenA), r.pooled(rc.TokenB))
		if addr == (common.Address{}) {
			return fmt.Errorf("removals[%d]: no %s pool for %s/%s", i, rc.Kind, rc.TokenA, rc.TokenB)
		}
		p, err := r.ex.Master.Pool(addr)
		if err != nil {
			return fmt.Errorf("removals[%d]: %w", i, err)
		}

		shares := new(uint256.Int).Mul(p.BalanceOf(r.trader), uint256.NewInt(rc.ShareBps))
		shares.Div(shares, uint256.NewInt(10_000))
		if shares.IsZero() {
			return fmt.Errorf("removals[%d]: trader holds no shares of %s", i, addr.Hex())
		}

		res := RemovalResult{Pool: addr, Shares: shares}
		if rc.TokenOut == "" {
			mode := vault.ModeWrapped
			if rc.TokenA == config.NativeSymbol || rc.TokenB == config.NativeSymbol {
				mode = vault.ModeNative
			}
			res.Amounts, err = r.ex.Router.RemoveLiquidity(ctx, r.trader, router.RemoveLiquidityParams{
				Pool:      addr,
				Shares:    shares,
				Recipient: r.trader,
				Mode:      mode,
				Deadline:  r.deadline(),
			})
		} else {
			mode := vault.ModeWrapped
			if rc.TokenOut == config.NativeSymbol {
				mode = vault.ModeNative
			}
			var paid *uint256.Int
			paid, err = r.ex.Router.RemoveLiquiditySingle(ctx, r.trader, router.RemoveLiquiditySingleParams{
				Pool:      addr,
				Shares:    shares,
				TokenOut:  r.tokens[rc.TokenOut],
				Recipient: r.trader,
				Mode:      mode,
				Deadline:  r.deadline(),
			})
			res.Amounts = []*uint256.Int{paid}
		}
		if err != nil {
			return fmt.Errorf("removals[%d]: %w", i, err)
		}
		r.result.Removals = append(r.result.Removals, res)

		r.ex.log.Info().
			Str("pool", addr.Hex()).
			Str("shares", shares.Dec()).
			Int("outputs", len(res.Amounts)).
			Msg("Scenario liquidity removed")
	}
	return nil
}

// pooled returns the address a pool holds for symbol.
func (r *runner) pooled(symbol string) common.Address {
	if symbol == config.NativeSymbol {
		return r.ex.Chain.WETH.Address()
	}
	return r.tokens[symbol]
}

// wrapFor wraps native value so the trader can pay amount of WETH.
func (r *runner) wrapFor(symbol string, amount *uint256.Int) error {
	if symbol != config.WrappedSymbol {
		return nil
	}
	return r.ex.Chain.WETH.Deposit(r.trader, amount)
}

func (r *runner) deadline() uint64 {
	return r.ex.Chain.Now() + deadlineWindow
}

func parseKind(s string) pool.Kind {
	switch s {
	case "crypto":
		return pool.KindCrypto
	case "stable":
		return pool.KindStable
	default:
		return 0
	}
}

// withSlippage lowers quote by bps basis points.
func withSlippage(quote *uint256.Int, bps uint64) *uint256.Int {
	out := new(uint256.Int).Mul(quote, uint256.NewInt(10_000-bps))
	return out.Div(out, uint256.NewInt(10_000))
}
