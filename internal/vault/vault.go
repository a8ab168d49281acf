// Package vault is the engine's single ledger of (account, token) balances.
// Pools, the router and users settle with each other by moving credit here;
// external token movement happens only on deposit and withdraw.
package vault

import (
	"context"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dexcore/internal/chain"
	"dexcore/internal/dexerr"
	"dexcore/internal/events"
	"dexcore/internal/session"
	"dexcore/internal/state"
)

// WithdrawMode selects how value leaves a pool or the router.
type WithdrawMode uint8

const (
	// ModeInternal keeps the value as vault credit of the recipient.
	ModeInternal WithdrawMode = 0
	// ModeNative withdraws and unwraps the wrapped native token.
	ModeNative WithdrawMode = 1
	// ModeWrapped withdraws the token as is.
	ModeWrapped WithdrawMode = 2
)

// Valid reports whether m is a known mode.
func (m WithdrawMode) Valid() bool {
	return m <= ModeWrapped
}

type balanceKey struct {
	account common.Address
	token   common.Address
}

// Balance is one record of the ledger.
type Balance struct {
	Account common.Address
	Token   common.Address
	Amount  *uint256.Int
}

// Vault custodies tokens and tracks who they are credited to.
type Vault struct {
	address common.Address
	chain   *chain.Chain

	balances *state.Map[balanceKey, *uint256.Int]
	// reserves is the per-token sum of balances, i.e. the accounted
	// share of what the vault holds externally
	reserves *state.Map[common.Address, *uint256.Int]

	log zerolog.Logger
}

// New creates a vault at address.
func New(c *chain.Chain, address common.Address) *Vault {
	return &Vault{
		address:  address,
		chain:    c,
		balances: state.NewMap[balanceKey, *uint256.Int](c.State),
		reserves: state.NewMap[common.Address, *uint256.Int](c.State),
		log:      log.With().Str("component", "vault").Logger(),
	}
}

// Address returns the vault's account address.
func (v *Vault) Address() common.Address {
	return v.address
}

// BalanceOf returns the credit of account in token.
func (v *Vault) BalanceOf(token, account common.Address) *uint256.Int {
	if b, ok := v.balances.Get(balanceKey{account, token}); ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

// Reserve returns the total credited amount of token.
func (v *Vault) Reserve(token common.Address) *uint256.Int {
	if r, ok := v.reserves.Get(token); ok {
		return r.Clone()
	}
	return new(uint256.Int)
}

// Unaccounted returns how much of token the vault holds externally beyond
// what is credited to accounts.
func (v *Vault) Unaccounted(token common.Address) (*uint256.Int, error) {
	t, err := v.chain.Tokens.Lookup(token)
	if err != nil {
		return nil, err
	}
	held := t.BalanceOf(v.address)
	reserve := v.Reserve(token)
	if held.Lt(reserve) {
		return new(uint256.Int), nil
	}
	return new(uint256.Int).Sub(held, reserve), nil
}

// Deposit credits `to` with amount of token already transferred to the
// vault. It fails with InsufficientExternalTransfer when the vault's
// unaccounted holdings of token are smaller than amount.
func (v *Vault) Deposit(ctx context.Context, token common.Address, amount *uint256.Int, to common.Address) error {
	return v.chain.State.Atomic(ctx, func(ctx context.Context) error {
		surplus, err := v.Unaccounted(token)
		if err != nil {
			return err
		}
		if surplus.Lt(amount) {
			return dexerr.Values(dexerr.InsufficientExternalTransfer, "vault.deposit", amount, surplus)
		}
		if err := v.credit(token, to, amount); err != nil {
			return err
		}

		v.chain.Events.Emit(events.NewDepositLog(v.address, token, to, amount))
		v.log.Debug().
			Str("token", token.Hex()).
			Str("to", to.Hex()).
			Str("amount", amount.Dec()).
			Msg("Deposit credited")
		return nil
	})
}

// Withdraw debits from's credit and transfers the token out of the vault.
// Withdraw, InternalTransfer and Transfer fail with Unauthorized when ctx
// acts for an account other than from.
func (v *Vault) Withdraw(ctx context.Context, from, token common.Address, amount *uint256.Int, to common.Address) error {
	return v.chain.State.Atomic(ctx, func(ctx context.Context) error {
		t, err := v.chain.Tokens.Lookup(token)
		if err != nil {
			return err
		}
		if err := v.debit(ctx, "vault.withdraw", token, from, amount); err != nil {
			return err
		}
		if err := t.Transfer(v.address, to, amount); err != nil {
			return err
		}
		v.chain.Events.Emit(events.NewWithdrawLog(v.address, token, from, to, amount))
		return nil
	})
}

// InternalTransfer moves credit between accounts without moving tokens.
func (v *Vault) InternalTransfer(ctx context.Context, token common.Address, amount *uint256.Int, from, to common.Address) error {
	return v.chain.State.Atomic(ctx, func(ctx context.Context) error {
		if err := v.debit(ctx, "vault.internalTransfer", token, from, amount); err != nil {
			return err
		}
		return v.credit(token, to, amount)
	})
}

// Transfer pays amount of from's credit to `to` according to mode. ModeNative
// unwraps when token is the wrapped native token; any other token has no
// native form and is withdrawn as is.
func (v *Vault) Transfer(ctx context.Context, from, token common.Address, amount *uint256.Int, to common.Address, mode WithdrawMode) error {
	switch mode {
	case ModeInternal:
		return v.InternalTransfer(ctx, token, amount, from, to)
	case ModeWrapped:
		return v.Withdraw(ctx, from, token, amount, to)
	case ModeNative:
		if token != v.chain.WETH.Address() {
			return v.Withdraw(ctx, from, token, amount, to)
		}
		return v.chain.State.Atomic(ctx, func(ctx context.Context) error {
			if err := v.debit(ctx, "vault.withdrawNative", token, from, amount); err != nil {
				return err
			}
			if err := v.chain.WETH.Withdraw(v.address, amount); err != nil {
				return err
			}
			if err := v.chain.Native.Transfer(v.address, to, amount); err != nil {
				return err
			}
			v.chain.Events.Emit(events.NewWithdrawLog(v.address, token, from, to, amount))
			return nil
		})
	default:
		return dexerr.Newf(dexerr.InvalidPayload, "vault.transfer", "unknown withdraw mode %d", mode)
	}
}

// Records returns every non-zero balance ordered by account then token.
func (v *Vault) Records() []Balance {
	out := make([]Balance, 0, v.balances.Len())
	v.balances.Range(func(k balanceKey, amount *uint256.Int) bool {
		if !amount.IsZero() {
			out = append(out, Balance{Account: k.account, Token: k.token, Amount: amount.Clone()})
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Account.Cmp(out[j].Account); c != 0 {
			return c < 0
		}
		return out[i].Token.Cmp(out[j].Token) < 0
	})
	return out
}

func (v *Vault) credit(token, to common.Address, amount *uint256.Int) error {
	key := balanceKey{to, token}
	bal, overflow := new(uint256.Int).AddOverflow(v.BalanceOf(token, to), amount)
	if overflow {
		return dexerr.New(dexerr.Overflow, "vault.credit")
	}
	v.balances.Set(key, bal)
	v.reserves.Set(token, new(uint256.Int).Add(v.Reserve(token), amount))
	return nil
}

// debit draws on from's credit. A call acting for an account may only draw
// on that account.
func (v *Vault) debit(ctx context.Context, op string, token, from common.Address, amount *uint256.Int) error {
	if err := session.Authorize(ctx, op, from); err != nil {
		return err
	}
	bal := v.BalanceOf(token, from)
	if bal.Lt(amount) {
		return dexerr.Values(dexerr.InsufficientBalance, op, amount, bal)
	}
	v.balances.Set(balanceKey{from, token}, new(uint256.Int).Sub(bal, amount))
	v.reserves.Set(token, new(uint256.Int).Sub(v.Reserve(token), amount))
	return nil
}
