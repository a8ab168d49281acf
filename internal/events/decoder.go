package events

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// SyncEvent represents a decoded Sync event.
type SyncEvent struct {
	PoolAddress string
	Reserve0    *uint256.Int
	Reserve1    *uint256.Int
	BlockNumber uint64
	LogIndex    uint
}

// PoolCreatedEvent represents a decoded PoolCreated event.
type PoolCreatedEvent struct {
	Factory     string
	Token0      string
	Token1      string
	PoolAddress string
	Kind        uint8
	BlockNumber uint64
	LogIndex    uint
}

// SwapEvent represents a decoded Swap event.
type SwapEvent struct {
	PoolAddress string
	Sender      string
	To          string
	TokenIn     string
	TokenOut    string
	AmountIn    *uint256.Int
	AmountOut   *uint256.Int
	BlockNumber uint64
	LogIndex    uint
}

// LiquidityEvent represents a decoded Mint or Burn event.
type LiquidityEvent struct {
	PoolAddress string
	Sender      string
	To          string
	Shares      *uint256.Int
	Burn        bool
	BlockNumber uint64
	LogIndex    uint
}

// Decoder handles event decoding.
type Decoder struct{}

// NewDecoder creates a new event decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// DecodeSyncEvent decodes a Sync event from a log entry.
func (d *Decoder) DecodeSyncEvent(log *LogEntry) (*SyncEvent, error) {
	if err := expectTopic(log, SyncEventTopic, 1); err != nil {
		return nil, err
	}

	data := common.FromHex(log.Data)
	if len(data) < 64 {
		return nil, fmt.Errorf("data too short: %d bytes", len(data))
	}

	values, err := syncArgs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpacking sync data: %w", err)
	}

	reserve0, err := toUint256(values[0], "reserve0")
	if err != nil {
		return nil, err
	}
	reserve1, err := toUint256(values[1], "reserve1")
	if err != nil {
		return nil, err
	}

	blockNum, logIdx, err := position(log)
	if err != nil {
		return nil, err
	}

	return &SyncEvent{
		PoolAddress: strings.ToLower(log.Address),
		Reserve0:    reserve0,
		Reserve1:    reserve1,
		BlockNumber: blockNum,
		LogIndex:    logIdx,
	}, nil
}

// DecodePoolCreatedEvent decodes a PoolCreated event from a log entry.
func (d *Decoder) DecodePoolCreatedEvent(log *LogEntry) (*PoolCreatedEvent, error) {
	if err := expectTopic(log, PoolCreatedEventTopic, 3); err != nil {
		return nil, err
	}

	// Token0 and Token1 are indexed (in topics[1] and topics[2])
	token0 := common.HexToAddress(log.Topics[1]).Hex()
	token1 := common.HexToAddress(log.Topics[2]).Hex()

	data := common.FromHex(log.Data)
	if len(data) < 64 {
		return nil, fmt.Errorf("data too short for PoolCreated: %d bytes", len(data))
	}

	values, err := poolCreatedArgs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpacking PoolCreated data: %w", err)
	}

	poolAddr, ok := values[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("invalid pool address type")
	}
	kind, ok := values[1].(uint8)
	if !ok {
		return nil, fmt.Errorf("invalid pool kind type")
	}

	blockNum, logIdx, err := position(log)
	if err != nil {
		return nil, err
	}

	return &PoolCreatedEvent{
		Factory:     strings.ToLower(log.Address),
		Token0:      strings.ToLower(token0),
		Token1:      strings.ToLower(token1),
		PoolAddress: strings.ToLower(poolAddr.Hex()),
		Kind:        kind,
		BlockNumber: blockNum,
		LogIndex:    logIdx,
	}, nil
}

// DecodeSwapEvent decodes a Swap event from a log entry.
func (d *Decoder) DecodeSwapEvent(log *LogEntry) (*SwapEvent, error) {
	if err := expectTopic(log, SwapEventTopic, 3); err != nil {
		return nil, err
	}

	values, err := swapArgs.Unpack(common.FromHex(log.Data))
	if err != nil {
		return nil, fmt.Errorf("unpacking Swap data: %w", err)
	}

	tokenIn, ok := values[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("invalid tokenIn type")
	}
	tokenOut, ok := values[1].(common.Address)
	if !ok {
		return nil, fmt.Errorf("invalid tokenOut type")
	}
	amountIn, err := toUint256(values[2], "amountIn")
	if err != nil {
		return nil, err
	}
	amountOut, err := toUint256(values[3], "amountOut")
	if err != nil {
		return nil, err
	}

	blockNum, logIdx, err := position(log)
	if err != nil {
		return nil, err
	}

	return &SwapEvent{
		PoolAddress: strings.ToLower(log.Address),
		Sender:      strings.ToLower(common.HexToAddress(log.Topics[1]).Hex()),
		To:          strings.ToLower(common.HexToAddress(log.Topics[2]).Hex()),
		TokenIn:     strings.ToLower(tokenIn.Hex()),
		TokenOut:    strings.ToLower(tokenOut.Hex()),
		AmountIn:    amountIn,
		AmountOut:   amountOut,
		BlockNumber: blockNum,
		LogIndex:    logIdx,
	}, nil
}

// DecodeLiquidityEvent decodes a Mint or Burn event from a log entry.
func (d *Decoder) DecodeLiquidityEvent(log *LogEntry) (*LiquidityEvent, error) {
	if len(log.Topics) < 3 {
		return nil, fmt.Errorf("insufficient topics for liquidity event: %d", len(log.Topics))
	}

	topic := common.HexToHash(log.Topics[0])
	if topic != MintEventTopic && topic != BurnEventTopic {
		return nil, fmt.Errorf("not a Mint or Burn event: %s", log.Topics[0])
	}

	values, err := sharesArgs.Unpack(common.FromHex(log.Data))
	if err != nil {
		return nil, fmt.Errorf("unpacking shares: %w", err)
	}
	shares, err := toUint256(values[0], "shares")
	if err != nil {
		return nil, err
	}

	blockNum, logIdx, err := position(log)
	if err != nil {
		return nil, err
	}

	return &LiquidityEvent{
		PoolAddress: strings.ToLower(log.Address),
		Sender:      strings.ToLower(common.HexToAddress(log.Topics[1]).Hex()),
		To:          strings.ToLower(common.HexToAddress(log.Topics[2]).Hex()),
		Shares:      shares,
		Burn:        topic == BurnEventTopic,
		BlockNumber: blockNum,
		LogIndex:    logIdx,
	}, nil
}

// IsSyncEvent checks if a log entry is a Sync event.
func IsSyncEvent(log *LogEntry) bool {
	return hasTopic(log, SyncEventTopic)
}

// IsPoolCreatedEvent checks if a log entry is a PoolCreated event.
func IsPoolCreatedEvent(log *LogEntry) bool {
	return hasTopic(log, PoolCreatedEventTopic)
}

// IsSwapEvent checks if a log entry is a Swap event.
func IsSwapEvent(log *LogEntry) bool {
	return hasTopic(log, SwapEventTopic)
}

func hasTopic(log *LogEntry, topic common.Hash) bool {
	if len(log.Topics) < 1 {
		return false
	}
	return common.HexToHash(log.Topics[0]) == topic
}

func expectTopic(log *LogEntry, topic common.Hash, min int) error {
	if len(log.Topics) < min {
		return fmt.Errorf("insufficient topics: %d", len(log.Topics))
	}
	if common.HexToHash(log.Topics[0]) != topic {
		return fmt.Errorf("unexpected event topic: %s", log.Topics[0])
	}
	return nil
}

func position(log *LogEntry) (uint64, uint, error) {
	blockNum, err := hexToUint64(log.BlockNumber)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing block number: %w", err)
	}
	logIdx, err := hexToUint64(log.LogIndex)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing log index: %w", err)
	}
	return blockNum, uint(logIdx), nil
}

func toUint256(v interface{}, name string) (*uint256.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("invalid %s type", name)
	}
	out, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("%s overflows uint256", name)
	}
	return out, nil
}

func hexToUint64(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	var val uint64
	_, err := fmt.Sscanf(s, "%x", &val)
	return val, err
}
