package vault

import (
	"context"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"dexcore/internal/chain"
	"dexcore/internal/dexerr"
	"dexcore/internal/session"
	"dexcore/internal/token"
)

var (
	alice = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	bob   = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	carol = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
)

func setup(t *testing.T) (*chain.Chain, *Vault, *token.Token) {
	t.Helper()
	c := chain.New()
	v := New(c, c.NextAddress())
	tok := c.DeployToken("T0", 18)
	require.NoError(t, tok.Mint(bob, uint256.NewInt(1_000_000)))
	require.NoError(t, tok.Mint(alice, uint256.NewInt(1_000_000)))
	return c, v, tok
}

func TestDepositRequiresExternalTransfer(t *testing.T) {
	_, v, tok := setup(t)
	ctx := context.Background()

	err := v.Deposit(ctx, tok.Address(), uint256.NewInt(10), bob)
	require.ErrorIs(t, err, dexerr.ErrInsufficientBalance)
	require.ErrorIs(t, err, dexerr.InsufficientExternalTransfer)

	require.NoError(t, tok.Transfer(bob, v.Address(), uint256.NewInt(15)))
	require.NoError(t, v.Deposit(ctx, tok.Address(), uint256.NewInt(10), bob))
	require.Equal(t, uint64(10), v.BalanceOf(tok.Address(), bob).Uint64())

	// the remaining 5 can be claimed once, not twice
	surplus, err := v.Unaccounted(tok.Address())
	require.NoError(t, err)
	require.Equal(t, uint64(5), surplus.Uint64())

	err = v.Deposit(ctx, tok.Address(), uint256.NewInt(6), alice)
	var e *dexerr.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, uint64(6), e.Required.Uint64())
	require.Equal(t, uint64(5), e.Actual.Uint64())
	require.True(t, v.BalanceOf(tok.Address(), alice).IsZero())
}

func TestDepositUnknownToken(t *testing.T) {
	_, v, _ := setup(t)
	err := v.Deposit(context.Background(), common.HexToAddress("0xdead"), uint256.NewInt(1), bob)
	require.ErrorIs(t, err, dexerr.ErrValidation)
}

func TestWithdrawAndInternalTransfer(t *testing.T) {
	_, v, tok := setup(t)
	ctx := context.Background()

	require.NoError(t, tok.Transfer(bob, v.Address(), uint256.NewInt(100)))
	require.NoError(t, v.Deposit(ctx, tok.Address(), uint256.NewInt(100), bob))

	require.NoError(t, v.InternalTransfer(ctx, tok.Address(), uint256.NewInt(40), bob, alice))
	require.Equal(t, uint64(60), v.BalanceOf(tok.Address(), bob).Uint64())
	require.Equal(t, uint64(40), v.BalanceOf(tok.Address(), alice).Uint64())

	err := v.InternalTransfer(ctx, tok.Address(), uint256.NewInt(41), alice, bob)
	require.ErrorIs(t, err, dexerr.InsufficientBalance)

	before := tok.BalanceOf(carol)
	require.NoError(t, v.Withdraw(ctx, alice, tok.Address(), uint256.NewInt(40), carol))
	require.Equal(t, new(uint256.Int).Add(before, uint256.NewInt(40)), tok.BalanceOf(carol))
	require.True(t, v.BalanceOf(tok.Address(), alice).IsZero())

	err = v.Withdraw(ctx, alice, tok.Address(), uint256.NewInt(1), carol)
	require.ErrorIs(t, err, dexerr.ErrInsufficientBalance)
	require.Equal(t, uint64(60), v.Reserve(tok.Address()).Uint64())
}

func TestDebitsActForOwnAccount(t *testing.T) {
	c, v, tok := setup(t)
	ctx := context.Background()
	require.NoError(t, tok.Transfer(bob, v.Address(), uint256.NewInt(100)))
	require.NoError(t, v.Deposit(ctx, tok.Address(), uint256.NewInt(100), bob))
	require.NoError(t, c.Native.Fund(bob, uint256.NewInt(10)))
	require.NoError(t, c.WETH.DepositTo(bob, v.Address(), uint256.NewInt(10)))
	require.NoError(t, v.Deposit(ctx, c.WETH.Address(), uint256.NewInt(10), bob))
	records := v.Records()

	asAlice := session.As(ctx, alice)
	debits := map[string]func() error{
		"withdraw": func() error {
			return v.Withdraw(asAlice, bob, tok.Address(), uint256.NewInt(1), alice)
		},
		"internal transfer": func() error {
			return v.InternalTransfer(asAlice, tok.Address(), uint256.NewInt(1), bob, alice)
		},
		"transfer native": func() error {
			return v.Transfer(asAlice, bob, c.WETH.Address(), uint256.NewInt(1), alice, ModeNative)
		},
	}
	for name, debit := range debits {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, debit(), dexerr.Unauthorized)
			require.Equal(t, records, v.Records())
		})
	}

	// crediting others from one's own balance is allowed
	require.NoError(t, v.InternalTransfer(session.As(ctx, bob), tok.Address(), uint256.NewInt(1), bob, alice))
	require.Equal(t, uint64(1), v.BalanceOf(tok.Address(), alice).Uint64())
}

func TestTransferModes(t *testing.T) {
	c, v, tok := setup(t)
	ctx := context.Background()
	weth := c.WETH
	require.NoError(t, c.Native.Fund(bob, uint256.NewInt(1000)))
	require.NoError(t, weth.DepositTo(bob, v.Address(), uint256.NewInt(300)))
	require.NoError(t, v.Deposit(ctx, weth.Address(), uint256.NewInt(300), bob))

	require.NoError(t, v.Transfer(ctx, bob, weth.Address(), uint256.NewInt(100), alice, ModeInternal))
	require.Equal(t, uint64(100), v.BalanceOf(weth.Address(), alice).Uint64())

	require.NoError(t, v.Transfer(ctx, bob, weth.Address(), uint256.NewInt(50), carol, ModeNative))
	require.Equal(t, uint64(50), c.Native.BalanceOf(carol).Uint64())
	require.True(t, weth.BalanceOf(carol).IsZero())

	require.NoError(t, v.Transfer(ctx, bob, weth.Address(), uint256.NewInt(25), carol, ModeWrapped))
	require.Equal(t, uint64(25), weth.BalanceOf(carol).Uint64())
	require.Equal(t, uint64(225), weth.BalanceOf(v.Address()).Uint64())

	// tokens without a native form are withdrawn as is
	require.NoError(t, tok.Transfer(bob, v.Address(), uint256.NewInt(10)))
	require.NoError(t, v.Deposit(ctx, tok.Address(), uint256.NewInt(10), bob))
	require.NoError(t, v.Transfer(ctx, bob, tok.Address(), uint256.NewInt(10), carol, ModeNative))
	require.Equal(t, uint64(10), tok.BalanceOf(carol).Uint64())

	err := v.Transfer(ctx, bob, tok.Address(), uint256.NewInt(0), carol, WithdrawMode(3))
	require.ErrorIs(t, err, dexerr.InvalidPayload)
}

func TestConservation(t *testing.T) {
	c, v, tok := setup(t)
	ctx := context.Background()
	other := c.DeployToken("T1", 6)
	require.NoError(t, other.Mint(bob, uint256.NewInt(1_000_000)))

	accounts := []common.Address{alice, bob, carol}
	tokens := []*token.Token{tok, other}
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		tk := tokens[rng.Intn(len(tokens))]
		from := accounts[rng.Intn(len(accounts))]
		to := accounts[rng.Intn(len(accounts))]
		amount := uint256.NewInt(uint64(rng.Intn(500)))

		switch rng.Intn(3) {
		case 0:
			if tk.BalanceOf(from).Lt(amount) {
				continue
			}
			require.NoError(t, tk.Transfer(from, v.Address(), amount))
			require.NoError(t, v.Deposit(ctx, tk.Address(), amount, to))
		case 1:
			_ = v.Withdraw(ctx, from, tk.Address(), amount, to)
		case 2:
			_ = v.InternalTransfer(ctx, tk.Address(), amount, from, to)
		}

		for _, tk := range tokens {
			sum := new(uint256.Int)
			for _, rec := range v.Records() {
				if rec.Token == tk.Address() {
					sum.Add(sum, rec.Amount)
				}
			}
			require.Equal(t, tk.BalanceOf(v.Address()), sum, "step %d token %s", i, tk.Symbol())
			require.Equal(t, v.Reserve(tk.Address()), sum)
		}
	}
}
