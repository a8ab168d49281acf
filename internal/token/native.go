package token

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"dexcore/internal/dexerr"
	"dexcore/internal/state"
)

// NativeAddress stands for the chain's native asset wherever a token
// address is expected.
var NativeAddress = common.Address{}

// Native is the ledger of the chain's native asset.
type Native struct {
	balances *state.Map[common.Address, *uint256.Int]
}

// NewNative creates an empty native ledger.
func NewNative(db *state.DB) *Native {
	return &Native{balances: state.NewMap[common.Address, *uint256.Int](db)}
}

// BalanceOf returns the native balance of account.
func (n *Native) BalanceOf(account common.Address) *uint256.Int {
	if b, ok := n.balances.Get(account); ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

// Transfer moves native value between accounts.
func (n *Native) Transfer(from, to common.Address, amount *uint256.Int) error {
	bal := n.BalanceOf(from)
	if bal.Lt(amount) {
		return dexerr.Values(dexerr.InsufficientBalance, "native.transfer", amount, bal)
	}
	if from == to || amount.IsZero() {
		return nil
	}
	n.balances.Set(from, new(uint256.Int).Sub(bal, amount))
	n.balances.Set(to, new(uint256.Int).Add(n.BalanceOf(to), amount))
	return nil
}

// Fund credits account with newly issued native value (genesis allocation).
func (n *Native) Fund(account common.Address, amount *uint256.Int) error {
	bal, overflow := new(uint256.Int).AddOverflow(n.BalanceOf(account), amount)
	if overflow {
		return dexerr.New(dexerr.Overflow, "native.fund")
	}
	n.balances.Set(account, bal)
	return nil
}
