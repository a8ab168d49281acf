// Package token provides the in-memory fungible assets the engine settles
// in: ERC20-style tokens, the native asset ledger and a wrapped native token.
package token

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"dexcore/internal/dexerr"
	"dexcore/internal/state"
)

// ERC20 is the token surface the vault and router depend on.
type ERC20 interface {
	Address() common.Address
	Symbol() string
	Decimals() uint8
	TotalSupply() *uint256.Int
	BalanceOf(account common.Address) *uint256.Int
	Allowance(owner, spender common.Address) *uint256.Int
	Approve(owner, spender common.Address, amount *uint256.Int)
	Transfer(from, to common.Address, amount *uint256.Int) error
	TransferFrom(spender, from, to common.Address, amount *uint256.Int) error
}

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// MaxAllowance never decreases on TransferFrom.
var MaxAllowance = new(uint256.Int).SetAllOne()

// Token is a journaled ERC20-style token.
type Token struct {
	address  common.Address
	symbol   string
	decimals uint8

	supply     *state.Value[*uint256.Int]
	balances   *state.Map[common.Address, *uint256.Int]
	allowances *state.Map[allowanceKey, *uint256.Int]
}

// New creates a token at address whose state lives in db.
func New(db *state.DB, address common.Address, symbol string, decimals uint8) *Token {
	return &Token{
		address:    address,
		symbol:     symbol,
		decimals:   decimals,
		supply:     state.NewValue(db, new(uint256.Int)),
		balances:   state.NewMap[common.Address, *uint256.Int](db),
		allowances: state.NewMap[allowanceKey, *uint256.Int](db),
	}
}

func (t *Token) Address() common.Address { return t.address }
func (t *Token) Symbol() string          { return t.symbol }
func (t *Token) Decimals() uint8         { return t.decimals }

// TotalSupply returns the amount minted minus the amount burned.
func (t *Token) TotalSupply() *uint256.Int {
	return t.supply.Get().Clone()
}

// BalanceOf returns the balance held by account.
func (t *Token) BalanceOf(account common.Address) *uint256.Int {
	if b, ok := t.balances.Get(account); ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

// Allowance returns how much spender may move on behalf of owner.
func (t *Token) Allowance(owner, spender common.Address) *uint256.Int {
	if a, ok := t.allowances.Get(allowanceKey{owner, spender}); ok {
		return a.Clone()
	}
	return new(uint256.Int)
}

// Approve sets the allowance of spender over owner's tokens.
func (t *Token) Approve(owner, spender common.Address, amount *uint256.Int) {
	t.allowances.Set(allowanceKey{owner, spender}, amount.Clone())
}

// Transfer moves amount from one account to another.
func (t *Token) Transfer(from, to common.Address, amount *uint256.Int) error {
	return t.move("token.transfer", from, to, amount)
}

// TransferFrom moves amount from `from` to `to`, spending spender's allowance.
func (t *Token) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	key := allowanceKey{from, spender}
	allowed := t.Allowance(from, spender)
	if allowed.Lt(amount) {
		return dexerr.Values(dexerr.InsufficientAllowance, "token.transferFrom", amount, allowed)
	}
	if err := t.move("token.transferFrom", from, to, amount); err != nil {
		return err
	}
	if !allowed.Eq(MaxAllowance) {
		t.allowances.Set(key, new(uint256.Int).Sub(allowed, amount))
	}
	return nil
}

// Mint creates amount new tokens owned by to.
func (t *Token) Mint(to common.Address, amount *uint256.Int) error {
	supply, overflow := new(uint256.Int).AddOverflow(t.supply.Get(), amount)
	if overflow {
		return dexerr.New(dexerr.Overflow, "token.mint")
	}
	t.supply.Set(supply)
	t.balances.Set(to, new(uint256.Int).Add(t.BalanceOf(to), amount))
	return nil
}

// Burn destroys amount tokens held by from.
func (t *Token) Burn(from common.Address, amount *uint256.Int) error {
	bal := t.BalanceOf(from)
	if bal.Lt(amount) {
		return dexerr.Values(dexerr.InsufficientBalance, "token.burn", amount, bal)
	}
	t.balances.Set(from, new(uint256.Int).Sub(bal, amount))
	t.supply.Set(new(uint256.Int).Sub(t.supply.Get(), amount))
	return nil
}

func (t *Token) move(op string, from, to common.Address, amount *uint256.Int) error {
	bal := t.BalanceOf(from)
	if bal.Lt(amount) {
		return dexerr.Values(dexerr.InsufficientBalance, op, amount, bal)
	}
	if from == to || amount.IsZero() {
		return nil
	}
	t.balances.Set(from, new(uint256.Int).Sub(bal, amount))
	t.balances.Set(to, new(uint256.Int).Add(t.BalanceOf(to), amount))
	return nil
}
