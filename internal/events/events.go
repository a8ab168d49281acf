// Package events defines the logs the engine emits, buffers them until the
// emitting call commits, and fans them out to subscribers.
package events

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Event topics (keccak256 hashes of event signatures)
var (
	// PoolCreated(address indexed token0, address indexed token1, address pool, uint8 kind)
	PoolCreatedEventTopic = crypto.Keccak256Hash([]byte("PoolCreated(address,address,address,uint8)"))

	// Sync(uint256 reserve0, uint256 reserve1)
	SyncEventTopic = crypto.Keccak256Hash([]byte("Sync(uint256,uint256)"))

	// Swap(address indexed sender, address indexed to, address tokenIn, address tokenOut, uint256 amountIn, uint256 amountOut)
	SwapEventTopic = crypto.Keccak256Hash([]byte("Swap(address,address,address,address,uint256,uint256)"))

	// Mint(address indexed sender, address indexed to, uint256 shares)
	MintEventTopic = crypto.Keccak256Hash([]byte("Mint(address,address,uint256)"))

	// Burn(address indexed sender, address indexed to, uint256 shares)
	BurnEventTopic = crypto.Keccak256Hash([]byte("Burn(address,address,uint256)"))

	// FactoryWhitelisted(address indexed factory, bool allowed)
	FactoryWhitelistedEventTopic = crypto.Keccak256Hash([]byte("FactoryWhitelisted(address,bool)"))

	// Deposit(address indexed token, address indexed to, uint256 amount)
	DepositEventTopic = crypto.Keccak256Hash([]byte("Deposit(address,address,uint256)"))

	// Withdraw(address indexed token, address indexed from, address to, uint256 amount)
	WithdrawEventTopic = crypto.Keccak256Hash([]byte("Withdraw(address,address,address,uint256)"))
)

var (
	poolCreatedArgs        abi.Arguments
	syncArgs               abi.Arguments
	swapArgs               abi.Arguments
	sharesArgs             abi.Arguments
	factoryWhitelistedArgs abi.Arguments
	depositArgs            abi.Arguments
	withdrawArgs           abi.Arguments
)

func init() {
	addressType, _ := abi.NewType("address", "", nil)
	uint8Type, _ := abi.NewType("uint8", "", nil)
	uint256Type, _ := abi.NewType("uint256", "", nil)
	boolType, _ := abi.NewType("bool", "", nil)

	poolCreatedArgs = abi.Arguments{
		{Type: addressType, Name: "pool"},
		{Type: uint8Type, Name: "kind"},
	}
	syncArgs = abi.Arguments{
		{Type: uint256Type, Name: "reserve0"},
		{Type: uint256Type, Name: "reserve1"},
	}
	swapArgs = abi.Arguments{
		{Type: addressType, Name: "tokenIn"},
		{Type: addressType, Name: "tokenOut"},
		{Type: uint256Type, Name: "amountIn"},
		{Type: uint256Type, Name: "amountOut"},
	}
	sharesArgs = abi.Arguments{
		{Type: uint256Type, Name: "shares"},
	}
	factoryWhitelistedArgs = abi.Arguments{
		{Type: boolType, Name: "allowed"},
	}
	depositArgs = abi.Arguments{
		{Type: uint256Type, Name: "amount"},
	}
	withdrawArgs = abi.Arguments{
		{Type: addressType, Name: "to"},
		{Type: uint256Type, Name: "amount"},
	}
}

// Log is a committed engine log.
type Log struct {
	Address     common.Address
	Topics      []common.Hash
	Data        []byte
	BlockNumber uint64
	Index       uint
}

// LogEntry is the JSON shape of a log as served to stream subscribers,
// matching the eth_subscribe "logs" payload.
type LogEntry struct {
	Address          string   `json:"address"`
	Topics           []string `json:"topics"`
	Data             string   `json:"data"`
	BlockNumber      string   `json:"blockNumber"`
	TransactionHash  string   `json:"transactionHash"`
	TransactionIndex string   `json:"transactionIndex"`
	BlockHash        string   `json:"blockHash"`
	LogIndex         string   `json:"logIndex"`
	Removed          bool     `json:"removed"`
}

// Entry converts l to its wire representation. Every committed call is its
// own block, so the transaction index is always zero and the hashes are
// derived from the block number.
func (l Log) Entry() LogEntry {
	topics := make([]string, len(l.Topics))
	for i, t := range l.Topics {
		topics[i] = t.Hex()
	}
	blockHash := crypto.Keccak256Hash(new(big.Int).SetUint64(l.BlockNumber).Bytes())
	return LogEntry{
		Address:          l.Address.Hex(),
		Topics:           topics,
		Data:             hexutil.Encode(l.Data),
		BlockNumber:      hexutil.EncodeUint64(l.BlockNumber),
		TransactionHash:  crypto.Keccak256Hash(blockHash.Bytes()).Hex(),
		TransactionIndex: "0x0",
		BlockHash:        blockHash.Hex(),
		LogIndex:         hexutil.EncodeUint64(uint64(l.Index)),
	}
}

func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func mustPack(args abi.Arguments, values ...interface{}) []byte {
	data, err := args.Pack(values...)
	if err != nil {
		// argument types are fixed above, a failure is a programming error
		panic(fmt.Sprintf("packing log data: %v", err))
	}
	return data
}

// NewPoolCreatedLog builds the log a factory emits for a new pool.
func NewPoolCreatedLog(factory, token0, token1, pool common.Address, kind uint8) Log {
	return Log{
		Address: factory,
		Topics:  []common.Hash{PoolCreatedEventTopic, addressTopic(token0), addressTopic(token1)},
		Data:    mustPack(poolCreatedArgs, pool, kind),
	}
}

// NewSyncLog builds the log a pool emits after its reserves change.
func NewSyncLog(pool common.Address, reserve0, reserve1 *uint256.Int) Log {
	return Log{
		Address: pool,
		Topics:  []common.Hash{SyncEventTopic},
		Data:    mustPack(syncArgs, reserve0.ToBig(), reserve1.ToBig()),
	}
}

// NewSwapLog builds the log a pool emits for a swap.
func NewSwapLog(pool, sender, to, tokenIn, tokenOut common.Address, amountIn, amountOut *uint256.Int) Log {
	return Log{
		Address: pool,
		Topics:  []common.Hash{SwapEventTopic, addressTopic(sender), addressTopic(to)},
		Data:    mustPack(swapArgs, tokenIn, tokenOut, amountIn.ToBig(), amountOut.ToBig()),
	}
}

// NewMintLog builds the log a pool emits when it mints shares.
func NewMintLog(pool, sender, to common.Address, shares *uint256.Int) Log {
	return Log{
		Address: pool,
		Topics:  []common.Hash{MintEventTopic, addressTopic(sender), addressTopic(to)},
		Data:    mustPack(sharesArgs, shares.ToBig()),
	}
}

// NewBurnLog builds the log a pool emits when it burns shares.
func NewBurnLog(pool, sender, to common.Address, shares *uint256.Int) Log {
	return Log{
		Address: pool,
		Topics:  []common.Hash{BurnEventTopic, addressTopic(sender), addressTopic(to)},
		Data:    mustPack(sharesArgs, shares.ToBig()),
	}
}

// NewFactoryWhitelistedLog builds the log the registry emits on a whitelist change.
func NewFactoryWhitelistedLog(master, factory common.Address, allowed bool) Log {
	return Log{
		Address: master,
		Topics:  []common.Hash{FactoryWhitelistedEventTopic, addressTopic(factory)},
		Data:    mustPack(factoryWhitelistedArgs, allowed),
	}
}

// NewDepositLog builds the log the vault emits when it credits a deposit.
func NewDepositLog(vault, token, to common.Address, amount *uint256.Int) Log {
	return Log{
		Address: vault,
		Topics:  []common.Hash{DepositEventTopic, addressTopic(token), addressTopic(to)},
		Data:    mustPack(depositArgs, amount.ToBig()),
	}
}

// NewWithdrawLog builds the log the vault emits when an asset leaves it.
func NewWithdrawLog(vault, token, from, to common.Address, amount *uint256.Int) Log {
	return Log{
		Address: vault,
		Topics:  []common.Hash{WithdrawEventTopic, addressTopic(token), addressTopic(from)},
		Data:    mustPack(withdrawArgs, to, amount.ToBig()),
	}
}

var topicNames = map[common.Hash]string{
	PoolCreatedEventTopic:        "PoolCreated",
	SyncEventTopic:               "Sync",
	SwapEventTopic:               "Swap",
	MintEventTopic:               "Mint",
	BurnEventTopic:               "Burn",
	FactoryWhitelistedEventTopic: "FactoryWhitelisted",
	DepositEventTopic:            "Deposit",
	WithdrawEventTopic:           "Withdraw",
}

// Name returns the event name of l, or "unknown".
func Name(l Log) string {
	if len(l.Topics) == 0 {
		return "unknown"
	}
	if n, ok := topicNames[l.Topics[0]]; ok {
		return n
	}
	return "unknown"
}
