// Package pool implements the two liquidity pool families: CryptoPool for
// volatile pairs and StablePool for pegged pairs. Pools keep their reserves
// as vault credit and learn their inputs from the credit they hold beyond
// their recorded reserves.
package pool

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"dexcore/internal/vault"
)

// Kind identifies a pool family.
type Kind uint8

const (
	KindCrypto Kind = 1
	KindStable Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindCrypto:
		return "crypto"
	case KindStable:
		return "stable"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MinimumLiquidity is locked forever on the first deposit so the share
// supply can never return to zero.
const MinimumLiquidity = 1000

// DeadAddress holds the locked minimum liquidity.
var DeadAddress = common.HexToAddress("0x000000000000000000000000000000000000dEaD")

// Pool is the contract shared by both families.
type Pool interface {
	Address() common.Address
	Kind() Kind
	Tokens() []common.Address
	Reserves() []*uint256.Int
	TotalSupply() *uint256.Int
	BalanceOf(owner common.Address) *uint256.Int
	Holders() []Share
	Info() Info

	// Quote returns the output Swap would pay for amountIn of tokenIn.
	Quote(tokenIn, tokenOut common.Address, amountIn *uint256.Int) (*uint256.Int, error)
	// Swap consumes the credited input and pays the output described by
	// data, abi(address tokenOut, address to, uint8 mode).
	Swap(ctx context.Context, sender common.Address, data []byte) (*SwapResult, error)

	// QuoteAddLiquidity returns the shares AddLiquidity would mint for amounts.
	QuoteAddLiquidity(amounts []*uint256.Int) (*uint256.Int, error)
	// AddLiquidity mints shares to `to` for every input credited to the pool.
	AddLiquidity(ctx context.Context, sender, to common.Address, minShares *uint256.Int) (*uint256.Int, error)
	// RemoveLiquidity burns owner's shares and pays the proportional reserves.
	RemoveLiquidity(ctx context.Context, owner common.Address, shares *uint256.Int, to common.Address, mode vault.WithdrawMode, minAmounts []*uint256.Int) ([]*uint256.Int, error)
	// QuoteRemoveLiquiditySingle returns what RemoveLiquiditySingle would pay.
	QuoteRemoveLiquiditySingle(shares *uint256.Int, tokenOut common.Address) (*uint256.Int, error)
	// RemoveLiquiditySingle burns owner's shares and pays out one token.
	RemoveLiquiditySingle(ctx context.Context, owner common.Address, shares *uint256.Int, tokenOut, to common.Address, mode vault.WithdrawMode, minAmount *uint256.Int) (*uint256.Int, error)
}

// SwapResult describes a completed swap.
type SwapResult struct {
	TokenIn   common.Address
	TokenOut  common.Address
	AmountIn  *uint256.Int
	AmountOut *uint256.Int
	Recipient common.Address
	Mode      vault.WithdrawMode
}

// Share is one LP balance.
type Share struct {
	Owner  common.Address
	Amount *uint256.Int
}

// Info is a point-in-time view of a pool's record.
type Info struct {
	Address     common.Address
	Kind        Kind
	Tokens      []common.Address
	Reserves    []*uint256.Int
	TotalSupply *uint256.Int
	A           uint64
	Fee         *uint256.Int
	PriceScale  *uint256.Int
	PriceOracle *uint256.Int
}
