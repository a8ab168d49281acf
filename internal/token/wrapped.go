package token

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"dexcore/internal/state"
)

// Wrapped is a token backed one to one by native value it holds.
type Wrapped struct {
	*Token
	native *Native
}

// NewWrapped creates the wrapped native token at address.
func NewWrapped(db *state.DB, native *Native, address common.Address) *Wrapped {
	return &Wrapped{
		Token:  New(db, address, "WETH", 18),
		native: native,
	}
}

// Deposit wraps amount of from's native value into tokens owned by from.
func (w *Wrapped) Deposit(from common.Address, amount *uint256.Int) error {
	return w.DepositTo(from, from, amount)
}

// DepositTo wraps amount of from's native value into tokens owned by to.
func (w *Wrapped) DepositTo(from, to common.Address, amount *uint256.Int) error {
	if err := w.native.Transfer(from, w.address, amount); err != nil {
		return err
	}
	return w.Mint(to, amount)
}

// Withdraw burns amount of from's tokens and returns the native value to from.
func (w *Wrapped) Withdraw(from common.Address, amount *uint256.Int) error {
	if err := w.Burn(from, amount); err != nil {
		return err
	}
	return w.native.Transfer(w.address, from, amount)
}
