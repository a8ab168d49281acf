package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"dexcore/internal/chain"
	"dexcore/internal/codec"
	"dexcore/internal/curve"
	"dexcore/internal/dexerr"
	"dexcore/internal/factory"
	"dexcore/internal/pool"
	"dexcore/internal/poolmaster"
	"dexcore/internal/token"
	"dexcore/internal/vault"
)

var (
	bob   = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	alice = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	start = time.Unix(1_700_000_000, 0)
)

func e18(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), curve.Precision)
}

type env struct {
	t      *testing.T
	ctx    context.Context
	clock  *chain.ManualClock
	chain  *chain.Chain
	vault  *vault.Vault
	master *poolmaster.Master
	crypto *factory.Factory
	stable *factory.Factory
	router *Router

	a, b, c *token.Token
}

func setup(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	clock := chain.NewManualClock(start)
	c := chain.New(chain.WithClock(clock))
	v := vault.New(c, c.NextAddress())
	m := poolmaster.New(c, c.NextAddress(), bob)
	e := &env{
		t:      t,
		ctx:    ctx,
		clock:  clock,
		chain:  c,
		vault:  v,
		master: m,
		crypto: factory.NewCryptoFactory(c, v, m, c.NextAddress(), pool.DefaultCryptoParams()),
		stable: factory.NewStableFactory(c, v, m, c.NextAddress(), pool.DefaultStableParams()),
		a:      c.DeployToken("A", 18),
		b:      c.DeployToken("B", 18),
		c:      c.DeployToken("C", 18),
	}
	e.router = New(c, v, m, c.NextAddress())
	require.NoError(t, m.SetFactoryWhitelisted(ctx, bob, e.crypto.Address(), true))
	require.NoError(t, m.SetFactoryWhitelisted(ctx, bob, e.stable.Address(), true))

	for _, who := range []common.Address{bob, alice} {
		for _, tok := range []*token.Token{e.a, e.b, e.c} {
			require.NoError(t, tok.Mint(who, e18(1_000_000)))
			tok.Approve(who, e.router.Address(), token.MaxAllowance)
		}
		require.NoError(t, c.Native.Fund(who, e18(100_000)))
	}
	return e
}

func (e *env) cryptoPool(x, y common.Address) pool.Pool {
	p, err := e.crypto.CreatePool(e.ctx, bob, codec.EncodePair(x, y))
	require.NoError(e.t, err)
	return p
}

func (e *env) stablePool(x, y common.Address, amp uint64) pool.Pool {
	data := codec.EncodeStableParams(codec.StableParams{TokenA: x, TokenB: y, Amplification: uint256.NewInt(amp)})
	p, err := e.stable.CreatePool(e.ctx, bob, data)
	require.NoError(e.t, err)
	return p
}

func (e *env) provide(p pool.Pool, x, y common.Address, amount *uint256.Int) *uint256.Int {
	shares, err := e.router.AddLiquidity(e.ctx, bob, AddLiquidityParams{
		Pool:      p.Address(),
		Inputs:    []TokenInput{{Token: x, Amount: amount}, {Token: y, Amount: amount}},
		Recipient: codec.EncodeRecipient(bob),
	})
	require.NoError(e.t, err)
	return shares
}

func (e *env) deadline() uint64 {
	return uint64(start.Add(time.Minute).Unix())
}

func step(p pool.Pool, tokenOut, to common.Address, mode vault.WithdrawMode) SwapStep {
	return SwapStep{
		Pool: p.Address(),
		Data: codec.EncodeSwapData(codec.SwapData{TokenOut: tokenOut, Recipient: to, Mode: uint8(mode)}),
	}
}

type balances struct {
	records []vault.Balance
	tokens  []*uint256.Int
	native  *uint256.Int
}

func (e *env) balancesOf(who common.Address) balances {
	return balances{
		records: e.vault.Records(),
		tokens:  []*uint256.Int{e.a.BalanceOf(who), e.b.BalanceOf(who), e.c.BalanceOf(who), e.chain.WETH.BalanceOf(who)},
		native:  e.chain.Native.BalanceOf(who),
	}
}

func TestAddLiquidityPullsFromCaller(t *testing.T) {
	e := setup(t)
	p := e.cryptoPool(e.a.Address(), e.b.Address())

	shares := e.provide(p, e.a.Address(), e.b.Address(), e18(10000))
	require.Equal(t, new(uint256.Int).SubUint64(e18(20000), pool.MinimumLiquidity), shares)
	require.Equal(t, shares, p.BalanceOf(bob))
	require.Equal(t, e18(1_000_000-10000), e.a.BalanceOf(bob))
	require.Equal(t, []*uint256.Int{e18(10000), e18(10000)}, p.Reserves())
	require.Equal(t, 1, e.router.EnteredPoolsLength(bob))

	// entering the same pool again does not grow the set
	e.provide(p, e.a.Address(), e.b.Address(), e18(10))
	require.Equal(t, 1, e.router.EnteredPoolsLength(bob))
	require.Equal(t, []common.Address{p.Address()}, e.router.EnteredPools(bob))
	require.Equal(t, []common.Address{bob}, e.router.Accounts())
}

func TestAddLiquidityCreditsDecodedRecipient(t *testing.T) {
	e := setup(t)
	p := e.cryptoPool(e.a.Address(), e.b.Address())

	_, err := e.router.AddLiquidity(e.ctx, bob, AddLiquidityParams{
		Pool:      p.Address(),
		Inputs:    []TokenInput{{Token: e.a.Address(), Amount: e18(100)}, {Token: e.b.Address(), Amount: e18(100)}},
		Recipient: codec.EncodeRecipient(alice),
	})
	require.NoError(t, err)
	require.True(t, p.BalanceOf(bob).IsZero())
	require.False(t, p.BalanceOf(alice).IsZero())
	require.Equal(t, 1, e.router.EnteredPoolsLength(bob))
	require.Zero(t, e.router.EnteredPoolsLength(alice))
}

func TestAddLiquidityWrapsNative(t *testing.T) {
	e := setup(t)
	weth := e.chain.WETH.Address()
	p := e.cryptoPool(e.a.Address(), weth)

	shares, err := e.router.AddLiquidity(e.ctx, bob, AddLiquidityParams{
		Pool:      p.Address(),
		Inputs:    []TokenInput{{Token: e.a.Address(), Amount: e18(100)}, {Token: token.NativeAddress, Amount: e18(100)}},
		Recipient: codec.EncodeRecipient(bob),
	})
	require.NoError(t, err)
	require.False(t, shares.IsZero())
	require.Equal(t, e18(100_000-100), e.chain.Native.BalanceOf(bob))
	require.Equal(t, e18(100), e.chain.WETH.BalanceOf(e.vault.Address()))
}

func TestAddLiquidityMinimumReverts(t *testing.T) {
	e := setup(t)
	p := e.cryptoPool(e.a.Address(), e.b.Address())
	before := e.balancesOf(bob)

	_, err := e.router.AddLiquidity(e.ctx, bob, AddLiquidityParams{
		Pool:         p.Address(),
		Inputs:       []TokenInput{{Token: e.a.Address(), Amount: e18(100)}, {Token: e.b.Address(), Amount: e18(100)}},
		Recipient:    codec.EncodeRecipient(bob),
		MinLiquidity: e18(201),
	})
	require.ErrorIs(t, err, dexerr.ErrSlippage)
	require.Equal(t, before, e.balancesOf(bob))
	require.Zero(t, e.router.EnteredPoolsLength(bob))
	require.True(t, p.TotalSupply().IsZero())
}

func TestAddLiquidityValidation(t *testing.T) {
	e := setup(t)
	p := e.cryptoPool(e.a.Address(), e.b.Address())
	recipient := codec.EncodeRecipient(bob)

	tests := []struct {
		name   string
		params AddLiquidityParams
		want   error
	}{
		{"unregistered pool", AddLiquidityParams{Pool: alice, Inputs: []TokenInput{{e.a.Address(), e18(1)}}, Recipient: recipient}, dexerr.UnregisteredPool},
		{"bad recipient", AddLiquidityParams{Pool: p.Address(), Inputs: []TokenInput{{e.a.Address(), e18(1)}}, Recipient: []byte{1}}, dexerr.InvalidPayload},
		{"foreign token", AddLiquidityParams{Pool: p.Address(), Inputs: []TokenInput{{e.c.Address(), e18(1)}}, Recipient: recipient}, dexerr.UnknownToken},
		{"duplicate token", AddLiquidityParams{Pool: p.Address(), Inputs: []TokenInput{{e.a.Address(), e18(1)}, {e.a.Address(), e18(1)}}, Recipient: recipient}, dexerr.InvalidParameter},
		{"zero amount", AddLiquidityParams{Pool: p.Address(), Inputs: []TokenInput{{e.a.Address(), new(uint256.Int)}}, Recipient: recipient}, dexerr.InvalidAmount},
		{"no inputs", AddLiquidityParams{Pool: p.Address(), Recipient: recipient}, dexerr.InvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.router.AddLiquidity(e.ctx, bob, tt.params)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

// payer is a liquidity callback that funds the pool from its owner's wallet.
type payer struct {
	env   *env
	owner common.Address
	short *uint256.Int // withheld from the last token
	ack   [32]byte
	calls int
}

func (p *payer) OnCallback(ctx context.Context, req CallbackRequest) ([32]byte, error) {
	p.calls++
	for k, t := range req.Tokens {
		amount := req.Amounts[k].Clone()
		if p.short != nil && k == len(req.Tokens)-1 {
			amount.Sub(amount, p.short)
		}
		tok, err := p.env.chain.Tokens.Lookup(t)
		if err != nil {
			return [32]byte{}, err
		}
		if err := tok.Transfer(p.owner, p.env.vault.Address(), amount); err != nil {
			return [32]byte{}, err
		}
		if err := p.env.vault.Deposit(ctx, t, amount, req.Pool); err != nil {
			return [32]byte{}, err
		}
	}
	return p.ack, nil
}

func TestAddLiquidityCallbackPays(t *testing.T) {
	e := setup(t)
	p := e.cryptoPool(e.a.Address(), e.b.Address())
	cb := &payer{env: e, owner: alice, ack: CallbackSuccess}

	shares, err := e.router.AddLiquidity(e.ctx, bob, AddLiquidityParams{
		Pool:      p.Address(),
		Inputs:    []TokenInput{{Token: e.a.Address(), Amount: e18(500)}, {Token: e.b.Address(), Amount: e18(500)}},
		Recipient: codec.EncodeRecipient(bob),
		Callback:  cb,
	})
	require.NoError(t, err)
	require.Equal(t, 1, cb.calls)
	require.Equal(t, shares, p.BalanceOf(bob))
	require.Equal(t, e18(1_000_000), e.a.BalanceOf(bob), "router pulls nothing when a callback pays")
	require.Equal(t, e18(1_000_000-500), e.a.BalanceOf(alice))
}

func TestAddLiquidityCallbackUnderpays(t *testing.T) {
	e := setup(t)
	p := e.cryptoPool(e.a.Address(), e.b.Address())
	cb := &payer{env: e, owner: alice, ack: CallbackSuccess, short: uint256.NewInt(1)}
	before := e.balancesOf(alice)

	_, err := e.router.AddLiquidity(e.ctx, bob, AddLiquidityParams{
		Pool:      p.Address(),
		Inputs:    []TokenInput{{Token: e.a.Address(), Amount: e18(500)}, {Token: e.b.Address(), Amount: e18(500)}},
		Recipient: codec.EncodeRecipient(bob),
		Callback:  cb,
	})
	require.ErrorIs(t, err, dexerr.InsufficientCallbackPayment)
	require.ErrorIs(t, err, dexerr.ErrInsufficientBalance)

	var de *dexerr.Error
	require.ErrorAs(t, err, &de)
	require.Equal(t, e18(500), de.Required)
	require.Equal(t, new(uint256.Int).SubUint64(e18(500), 1), de.Actual)

	// the partial payment is reverted with the call
	require.Equal(t, before, e.balancesOf(alice))
	require.True(t, e.vault.BalanceOf(e.a.Address(), p.Address()).IsZero())
}

func TestAddLiquidityCallbackAck(t *testing.T) {
	e := setup(t)
	p := e.cryptoPool(e.a.Address(), e.b.Address())
	cb := &payer{env: e, owner: alice}

	_, err := e.router.AddLiquidity(e.ctx, bob, AddLiquidityParams{
		Pool:      p.Address(),
		Inputs:    []TokenInput{{Token: e.a.Address(), Amount: e18(500)}, {Token: e.b.Address(), Amount: e18(500)}},
		Recipient: codec.EncodeRecipient(bob),
		Callback:  cb,
	})
	require.ErrorIs(t, err, dexerr.InvalidCallbackAck)
	require.True(t, e.vault.BalanceOf(e.a.Address(), p.Address()).IsZero())
}

func TestCallbackCannotReenterPool(t *testing.T) {
	e := setup(t)
	p := e.cryptoPool(e.a.Address(), e.b.Address())
	e.provide(p, e.a.Address(), e.b.Address(), e18(10000))

	reenter := CallbackFunc(func(ctx context.Context, req CallbackRequest) ([32]byte, error) {
		_, err := e.router.Swap(ctx, req.Sender, []SwapPath{{
			Steps:    []SwapStep{step(p, e.b.Address(), alice, vault.ModeInternal)},
			TokenIn:  e.a.Address(),
			AmountIn: e18(1),
		}}, nil, e.deadline())
		return CallbackSuccess, err
	})

	_, err := e.router.AddLiquidity(e.ctx, bob, AddLiquidityParams{
		Pool:      p.Address(),
		Inputs:    []TokenInput{{Token: e.a.Address(), Amount: e18(1)}},
		Recipient: codec.EncodeRecipient(bob),
		Callback:  reenter,
	})
	require.ErrorIs(t, err, dexerr.ErrReentrancy)

	s := step(p, e.b.Address(), bob, vault.ModeInternal)
	s.Callback = reenter
	_, err = e.router.Swap(e.ctx, bob, []SwapPath{{Steps: []SwapStep{s}, TokenIn: e.a.Address(), AmountIn: e18(1)}}, nil, e.deadline())
	require.ErrorIs(t, err, dexerr.ErrReentrancy)

	// the session is cleared once the call returns
	_, err = e.router.Swap(e.ctx, bob, []SwapPath{{
		Steps:    []SwapStep{step(p, e.b.Address(), bob, vault.ModeInternal)},
		TokenIn:  e.a.Address(),
		AmountIn: e18(1),
	}}, nil, e.deadline())
	require.NoError(t, err)
}

func TestCallbackMayUseOtherPools(t *testing.T) {
	e := setup(t)
	ab := e.cryptoPool(e.a.Address(), e.b.Address())
	bc := e.cryptoPool(e.b.Address(), e.c.Address())
	e.provide(ab, e.a.Address(), e.b.Address(), e18(10000))
	e.provide(bc, e.b.Address(), e.c.Address(), e18(10000))

	var inner *uint256.Int
	s := step(ab, e.b.Address(), bob, vault.ModeInternal)
	s.Callback = CallbackFunc(func(ctx context.Context, req CallbackRequest) ([32]byte, error) {
		out, err := e.router.Swap(ctx, req.Sender, []SwapPath{{
			Steps:    []SwapStep{step(bc, e.c.Address(), bob, vault.ModeInternal)},
			TokenIn:  e.b.Address(),
			AmountIn: e18(1),
		}}, nil, e.deadline())
		inner = out
		return CallbackSuccess, err
	})

	_, err := e.router.Swap(e.ctx, bob, []SwapPath{{Steps: []SwapStep{s}, TokenIn: e.a.Address(), AmountIn: e18(1)}}, nil, e.deadline())
	require.NoError(t, err)
	require.NotNil(t, inner)
	require.Equal(t, inner, e.vault.BalanceOf(e.c.Address(), bob))
}

func TestCallbackCannotDebitOtherAccounts(t *testing.T) {
	e := setup(t)
	ab := e.cryptoPool(e.a.Address(), e.b.Address())
	bc := e.cryptoPool(e.b.Address(), e.c.Address())
	e.provide(ab, e.a.Address(), e.b.Address(), e18(10000))
	e.provide(bc, e.b.Address(), e.c.Address(), e18(10000))
	before := e.balancesOf(alice)
	poolCredit := e.vault.BalanceOf(e.c.Address(), bc.Address())

	attempts := []struct {
		name string
		do   func(ctx context.Context) error
	}{
		{"withdraw a pool's credit", func(ctx context.Context) error {
			return e.vault.Withdraw(ctx, bc.Address(), e.c.Address(), e18(9000), alice)
		}},
		{"move the router's credit", func(ctx context.Context) error {
			return e.vault.InternalTransfer(ctx, e.b.Address(), uint256.NewInt(1), e.router.Address(), alice)
		}},
		{"pay out another pool", func(ctx context.Context) error {
			return e.vault.Transfer(ctx, ab.Address(), e.a.Address(), e18(1), alice, vault.ModeWrapped)
		}},
		{"burn another account's shares", func(ctx context.Context) error {
			_, err := bc.RemoveLiquidity(ctx, bob, e18(1), alice, vault.ModeWrapped, nil)
			return err
		}},
		{"swap for another account", func(ctx context.Context) error {
			_, err := e.router.Swap(ctx, bob, []SwapPath{{
				Steps:    []SwapStep{step(bc, e.c.Address(), alice, vault.ModeWrapped)},
				TokenIn:  e.b.Address(),
				AmountIn: e18(1),
			}}, nil, e.deadline())
			return err
		}},
	}
	for _, tt := range attempts {
		t.Run(tt.name, func(t *testing.T) {
			s := step(ab, e.b.Address(), alice, vault.ModeInternal)
			s.Callback = CallbackFunc(func(ctx context.Context, req CallbackRequest) ([32]byte, error) {
				return CallbackSuccess, tt.do(ctx)
			})
			_, err := e.router.Swap(e.ctx, alice, []SwapPath{{Steps: []SwapStep{s}, TokenIn: e.a.Address(), AmountIn: e18(1)}}, nil, e.deadline())
			require.ErrorIs(t, err, dexerr.Unauthorized)
			require.ErrorIs(t, err, dexerr.ErrAuthorization)
			require.Equal(t, before, e.balancesOf(alice))
			require.Equal(t, poolCredit, e.vault.BalanceOf(e.c.Address(), bc.Address()))
		})
	}

	// the sender's own credit is the callback's to spend
	s := step(ab, e.b.Address(), alice, vault.ModeInternal)
	s.Callback = CallbackFunc(func(ctx context.Context, req CallbackRequest) ([32]byte, error) {
		return CallbackSuccess, e.vault.InternalTransfer(ctx, req.Tokens[0], req.Amounts[0], req.Sender, bob)
	})
	out, err := e.router.Swap(e.ctx, alice, []SwapPath{{Steps: []SwapStep{s}, TokenIn: e.a.Address(), AmountIn: e18(1)}}, nil, e.deadline())
	require.NoError(t, err)
	require.Equal(t, out, e.vault.BalanceOf(e.b.Address(), bob))
	require.True(t, e.vault.BalanceOf(e.b.Address(), alice).IsZero())
}

func TestEnteredPoolsStayEnteredForTheCall(t *testing.T) {
	e := setup(t)
	ab := e.cryptoPool(e.a.Address(), e.b.Address())
	bc := e.cryptoPool(e.b.Address(), e.c.Address())
	e.provide(ab, e.a.Address(), e.b.Address(), e18(10000))
	e.provide(bc, e.b.Address(), e.c.Address(), e18(10000))
	before := e.balancesOf(alice)

	t.Run("earlier step of the path", func(t *testing.T) {
		second := step(bc, e.c.Address(), alice, vault.ModeInternal)
		second.Callback = CallbackFunc(func(ctx context.Context, req CallbackRequest) ([32]byte, error) {
			_, err := e.router.Swap(ctx, req.Sender, []SwapPath{{
				Steps:    []SwapStep{step(ab, e.b.Address(), alice, vault.ModeInternal)},
				TokenIn:  e.a.Address(),
				AmountIn: e18(1),
			}}, nil, e.deadline())
			return CallbackSuccess, err
		})
		_, err := e.router.Swap(e.ctx, alice, []SwapPath{{
			Steps:    []SwapStep{step(ab, e.b.Address(), e.router.Address(), vault.ModeInternal), second},
			TokenIn:  e.a.Address(),
			AmountIn: e18(10),
		}}, nil, e.deadline())
		require.ErrorIs(t, err, dexerr.ErrReentrancy)
		require.Equal(t, before, e.balancesOf(alice))
	})

	t.Run("pool shared by two paths", func(t *testing.T) {
		path := SwapPath{
			Steps:    []SwapStep{step(ab, e.b.Address(), alice, vault.ModeInternal)},
			TokenIn:  e.a.Address(),
			AmountIn: e18(1),
		}
		_, err := e.router.Swap(e.ctx, alice, []SwapPath{path, path}, nil, e.deadline())
		require.ErrorIs(t, err, dexerr.ReentrancyError)
		require.Equal(t, before, e.balancesOf(alice))
	})

	// separate calls do not share marks
	for i := 0; i < 2; i++ {
		_, err := e.router.Swap(e.ctx, alice, []SwapPath{{
			Steps:    []SwapStep{step(ab, e.b.Address(), alice, vault.ModeInternal)},
			TokenIn:  e.a.Address(),
			AmountIn: e18(1),
		}}, nil, e.deadline())
		require.NoError(t, err)
	}
}

func TestIntermediateOutputForwardedAfterCallback(t *testing.T) {
	e := setup(t)
	ab := e.cryptoPool(e.a.Address(), e.b.Address())
	bc := e.cryptoPool(e.b.Address(), e.c.Address())
	e.provide(ab, e.a.Address(), e.b.Address(), e18(10000))
	e.provide(bc, e.b.Address(), e.c.Address(), e18(10000))

	// bc's credit in b beyond its reserve is what the next step would consume
	pendingB := func() *uint256.Int {
		k := 0
		if bc.Tokens()[1] == e.b.Address() {
			k = 1
		}
		credit := e.vault.BalanceOf(e.b.Address(), bc.Address())
		return credit.Sub(credit, bc.Reserves()[k])
	}

	var held, forwarded *uint256.Int
	first := step(ab, e.b.Address(), bc.Address(), vault.ModeInternal)
	first.Callback = CallbackFunc(func(ctx context.Context, req CallbackRequest) ([32]byte, error) {
		held = e.vault.BalanceOf(e.b.Address(), e.router.Address())
		forwarded = pendingB()
		return CallbackSuccess, nil
	})
	mid, err := ab.Quote(e.a.Address(), e.b.Address(), e18(100))
	require.NoError(t, err)

	_, err = e.router.Swap(e.ctx, alice, []SwapPath{{
		Steps:    []SwapStep{first, step(bc, e.c.Address(), alice, vault.ModeInternal)},
		TokenIn:  e.a.Address(),
		AmountIn: e18(100),
	}}, nil, e.deadline())
	require.NoError(t, err)
	require.Equal(t, mid, held)
	require.True(t, forwarded.IsZero())
	require.True(t, e.vault.BalanceOf(e.b.Address(), e.router.Address()).IsZero())
	require.True(t, pendingB().IsZero())
}

func TestCryptoRoundTripKeepsLPValue(t *testing.T) {
	e := setup(t)
	p := e.cryptoPool(e.a.Address(), e.b.Address())
	e.provide(p, e.a.Address(), e.b.Address(), e18(10000))
	walletA, walletB := e.a.BalanceOf(alice), e.b.BalanceOf(alice)

	out, err := e.router.Swap(e.ctx, alice, []SwapPath{{
		Steps:    []SwapStep{step(p, e.b.Address(), alice, vault.ModeWrapped)},
		TokenIn:  e.a.Address(),
		AmountIn: e18(3000),
	}}, nil, e.deadline())
	require.NoError(t, err)
	_, err = e.router.Swap(e.ctx, alice, []SwapPath{{
		Steps:    []SwapStep{step(p, e.a.Address(), alice, vault.ModeWrapped)},
		TokenIn:  e.b.Address(),
		AmountIn: out,
	}}, nil, e.deadline())
	require.NoError(t, err)

	require.Equal(t, walletB, e.b.BalanceOf(alice))
	require.True(t, e.a.BalanceOf(alice).Lt(walletA), "round trip returned %s for %s", e.a.BalanceOf(alice).Dec(), walletA.Dec())
	k := 0
	if p.Tokens()[1] == e.a.Address() {
		k = 1
	}
	require.True(t, p.Reserves()[k].Gt(e18(10000)), "reserve of a %s", p.Reserves()[k].Dec())
}

func TestSwapSingleHop(t *testing.T) {
	e := setup(t)
	p := e.cryptoPool(e.a.Address(), e.b.Address())
	e.provide(p, e.a.Address(), e.b.Address(), e18(10000))

	quote, err := p.Quote(e.a.Address(), e.b.Address(), e18(100))
	require.NoError(t, err)

	out, err := e.router.Swap(e.ctx, bob, []SwapPath{{
		Steps:    []SwapStep{step(p, e.b.Address(), bob, vault.ModeInternal)},
		TokenIn:  e.a.Address(),
		AmountIn: e18(100),
	}}, quote, e.deadline())
	require.NoError(t, err)
	require.Equal(t, quote, out)
	require.Equal(t, quote, e.vault.BalanceOf(e.b.Address(), bob))
}

func TestSwapMultiHop(t *testing.T) {
	for _, viaRouter := range []bool{false, true} {
		e := setup(t)
		ab := e.cryptoPool(e.a.Address(), e.b.Address())
		bc := e.stablePool(e.b.Address(), e.c.Address(), 100)
		e.provide(ab, e.a.Address(), e.b.Address(), e18(10000))
		e.provide(bc, e.b.Address(), e.c.Address(), e18(10000))

		mid, err := ab.Quote(e.a.Address(), e.b.Address(), e18(100))
		require.NoError(t, err)
		want, err := bc.Quote(e.b.Address(), e.c.Address(), mid)
		require.NoError(t, err)

		hop := bc.Address()
		if viaRouter {
			hop = e.router.Address()
		}
		out, err := e.router.Swap(e.ctx, bob, []SwapPath{{
			Steps: []SwapStep{
				step(ab, e.b.Address(), hop, vault.ModeInternal),
				step(bc, e.c.Address(), bob, vault.ModeWrapped),
			},
			TokenIn:  e.a.Address(),
			AmountIn: e18(100),
		}}, want, e.deadline())
		require.NoError(t, err)
		require.Equal(t, want, out)
		require.Equal(t, new(uint256.Int).Add(e18(1_000_000-10000), want), e.c.BalanceOf(bob))
		require.True(t, e.vault.BalanceOf(e.b.Address(), e.router.Address()).IsZero())
	}
}

func TestSwapRejectsExternalIntermediateSteps(t *testing.T) {
	e := setup(t)
	ab := e.cryptoPool(e.a.Address(), e.b.Address())
	bc := e.cryptoPool(e.b.Address(), e.c.Address())
	e.provide(ab, e.a.Address(), e.b.Address(), e18(10000))
	e.provide(bc, e.b.Address(), e.c.Address(), e18(10000))
	before := e.balancesOf(bob)

	tests := []struct {
		name  string
		first SwapStep
	}{
		{"withdraws mid path", step(ab, e.b.Address(), bc.Address(), vault.ModeWrapped)},
		{"pays a wallet mid path", step(ab, e.b.Address(), bob, vault.ModeInternal)},
		{"wrong output token", step(ab, e.a.Address(), bc.Address(), vault.ModeInternal)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.router.Swap(e.ctx, bob, []SwapPath{{
				Steps:    []SwapStep{tt.first, step(bc, e.c.Address(), bob, vault.ModeInternal)},
				TokenIn:  e.a.Address(),
				AmountIn: e18(1),
			}}, nil, e.deadline())
			require.ErrorIs(t, err, dexerr.InvalidPath)
			require.Equal(t, before, e.balancesOf(bob))
		})
	}
}

func TestSwapSlippageLeavesBalancesUnchanged(t *testing.T) {
	e := setup(t)
	p := e.cryptoPool(e.a.Address(), e.b.Address())
	e.provide(p, e.a.Address(), e.b.Address(), e18(10000))
	reserves := p.Reserves()
	before := e.balancesOf(bob)

	quote, err := p.Quote(e.a.Address(), e.b.Address(), e18(100))
	require.NoError(t, err)
	min := new(uint256.Int).AddUint64(quote, 1)

	_, err = e.router.Swap(e.ctx, bob, []SwapPath{{
		Steps:    []SwapStep{step(p, e.b.Address(), bob, vault.ModeWrapped)},
		TokenIn:  e.a.Address(),
		AmountIn: e18(100),
	}}, min, e.deadline())
	require.ErrorIs(t, err, dexerr.ErrSlippage)

	var de *dexerr.Error
	require.True(t, errors.As(err, &de))
	require.Equal(t, min, de.Required)
	require.Equal(t, quote, de.Actual)

	require.Equal(t, before, e.balancesOf(bob))
	require.Equal(t, reserves, p.Reserves())
}

func TestSwapDeadline(t *testing.T) {
	e := setup(t)
	p := e.cryptoPool(e.a.Address(), e.b.Address())
	e.provide(p, e.a.Address(), e.b.Address(), e18(10000))
	now := uint64(start.Unix())

	_, err := e.router.Swap(e.ctx, bob, nil, nil, now-1)
	require.ErrorIs(t, err, dexerr.ErrLiveness)
	require.ErrorIs(t, err, dexerr.Expired)

	path := []SwapPath{{
		Steps:    []SwapStep{step(p, e.b.Address(), bob, vault.ModeInternal)},
		TokenIn:  e.a.Address(),
		AmountIn: e18(1),
	}}
	_, err = e.router.Swap(e.ctx, bob, path, nil, now)
	require.NoError(t, err, "a deadline equal to now is still live")

	e.clock.Advance(time.Second)
	_, err = e.router.Swap(e.ctx, bob, path, nil, now)
	require.ErrorIs(t, err, dexerr.Expired)
}

func TestSwapSumsIndependentPaths(t *testing.T) {
	e := setup(t)
	cp := e.cryptoPool(e.a.Address(), e.b.Address())
	sp := e.stablePool(e.a.Address(), e.b.Address(), 200)
	e.provide(cp, e.a.Address(), e.b.Address(), e18(10000))
	e.provide(sp, e.a.Address(), e.b.Address(), e18(10000))

	q1, err := cp.Quote(e.a.Address(), e.b.Address(), e18(50))
	require.NoError(t, err)
	q2, err := sp.Quote(e.a.Address(), e.b.Address(), e18(70))
	require.NoError(t, err)

	out, err := e.router.Swap(e.ctx, bob, []SwapPath{
		{Steps: []SwapStep{step(cp, e.b.Address(), bob, vault.ModeInternal)}, TokenIn: e.a.Address(), AmountIn: e18(50)},
		{Steps: []SwapStep{step(sp, e.b.Address(), bob, vault.ModeInternal)}, TokenIn: e.a.Address(), AmountIn: e18(70)},
	}, nil, e.deadline())
	require.NoError(t, err)
	require.Equal(t, new(uint256.Int).Add(q1, q2), out)
	require.Equal(t, out, e.vault.BalanceOf(e.b.Address(), bob))
}

func TestSwapStepCallbackSeesOutput(t *testing.T) {
	e := setup(t)
	p := e.cryptoPool(e.a.Address(), e.b.Address())
	e.provide(p, e.a.Address(), e.b.Address(), e18(10000))

	var got CallbackRequest
	s := step(p, e.b.Address(), bob, vault.ModeInternal)
	s.CallbackData = []byte("hello")
	s.Callback = CallbackFunc(func(ctx context.Context, req CallbackRequest) ([32]byte, error) {
		got = req
		return CallbackSuccess, nil
	})

	out, err := e.router.Swap(e.ctx, bob, []SwapPath{{Steps: []SwapStep{s}, TokenIn: e.a.Address(), AmountIn: e18(10)}}, nil, e.deadline())
	require.NoError(t, err)
	require.Equal(t, p.Address(), got.Pool)
	require.Equal(t, []common.Address{e.b.Address()}, got.Tokens)
	require.Equal(t, []*uint256.Int{out}, got.Amounts)
	require.Equal(t, []byte("hello"), got.Data)
}

func TestSwapNativeInAndOut(t *testing.T) {
	e := setup(t)
	weth := e.chain.WETH.Address()
	p := e.cryptoPool(e.a.Address(), weth)
	shares, err := e.router.AddLiquidity(e.ctx, bob, AddLiquidityParams{
		Pool:      p.Address(),
		Inputs:    []TokenInput{{Token: e.a.Address(), Amount: e18(1000)}, {Token: token.NativeAddress, Amount: e18(1000)}},
		Recipient: codec.EncodeRecipient(bob),
	})
	require.NoError(t, err)
	require.False(t, shares.IsZero())

	native := e.chain.Native.BalanceOf(alice)
	out, err := e.router.Swap(e.ctx, alice, []SwapPath{{
		Steps:    []SwapStep{step(p, weth, alice, vault.ModeNative)},
		TokenIn:  e.a.Address(),
		AmountIn: e18(10),
	}}, nil, e.deadline())
	require.NoError(t, err)
	require.Equal(t, new(uint256.Int).Add(native, out), e.chain.Native.BalanceOf(alice))

	spent := e.chain.Native.BalanceOf(alice)
	_, err = e.router.Swap(e.ctx, alice, []SwapPath{{
		Steps:    []SwapStep{step(p, e.a.Address(), alice, vault.ModeWrapped)},
		TokenIn:  token.NativeAddress,
		AmountIn: e18(5),
	}}, nil, e.deadline())
	require.NoError(t, err)
	require.Equal(t, new(uint256.Int).Sub(spent, e18(5)), e.chain.Native.BalanceOf(alice))
}

func TestRemoveLiquidity(t *testing.T) {
	e := setup(t)
	p := e.stablePool(e.a.Address(), e.b.Address(), 100)
	shares := e.provide(p, e.a.Address(), e.b.Address(), e18(1000))

	_, err := e.router.RemoveLiquidity(e.ctx, bob, RemoveLiquidityParams{
		Pool: p.Address(), Shares: shares, Recipient: bob, Mode: vault.ModeWrapped,
		Deadline: uint64(start.Unix()) - 1,
	})
	require.ErrorIs(t, err, dexerr.Expired)

	half := new(uint256.Int).Div(shares, uint256.NewInt(2))
	amounts, err := e.router.RemoveLiquidity(e.ctx, bob, RemoveLiquidityParams{
		Pool: p.Address(), Shares: half, Recipient: bob, Mode: vault.ModeWrapped,
		MinAmounts: []*uint256.Int{e18(499), e18(499)}, Deadline: e.deadline(),
	})
	require.NoError(t, err)
	require.Equal(t, new(uint256.Int).Add(e18(1_000_000-1000), amounts[0]), e.a.BalanceOf(bob))

	remaining := p.BalanceOf(bob)
	paid, err := e.router.RemoveLiquiditySingle(e.ctx, bob, RemoveLiquiditySingleParams{
		Pool: p.Address(), Shares: e18(100), TokenOut: e.b.Address(), Recipient: bob,
		Mode: vault.ModeInternal, MinAmount: e18(99), Deadline: e.deadline(),
	})
	require.NoError(t, err)
	require.Equal(t, paid, e.vault.BalanceOf(e.b.Address(), bob))
	require.Equal(t, new(uint256.Int).Sub(remaining, e18(100)), p.BalanceOf(bob))
}

func TestSwapUnregisteredPool(t *testing.T) {
	e := setup(t)
	_, err := e.router.Swap(e.ctx, bob, []SwapPath{{
		Steps:    []SwapStep{{Pool: alice, Data: codec.EncodeSwapData(codec.SwapData{TokenOut: e.b.Address(), Recipient: bob})}},
		TokenIn:  e.a.Address(),
		AmountIn: e18(1),
	}}, nil, e.deadline())
	require.ErrorIs(t, err, dexerr.UnregisteredPool)
}
