// Package codec encodes and decodes the positional payloads exchanged with
// factories, pools and the router. Payloads use the Ethereum ABI encoding.
package codec

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"dexcore/internal/dexerr"
)

var (
	pairArgs      abi.Arguments
	stableArgs    abi.Arguments
	recipientArgs abi.Arguments
	swapArgs      abi.Arguments
)

func init() {
	addressType, _ := abi.NewType("address", "", nil)
	uint8Type, _ := abi.NewType("uint8", "", nil)
	uint256Type, _ := abi.NewType("uint256", "", nil)

	pairArgs = abi.Arguments{
		{Type: addressType, Name: "tokenA"},
		{Type: addressType, Name: "tokenB"},
	}
	stableArgs = abi.Arguments{
		{Type: addressType, Name: "tokenA"},
		{Type: addressType, Name: "tokenB"},
		{Type: uint256Type, Name: "amplification"},
	}
	recipientArgs = abi.Arguments{
		{Type: addressType, Name: "to"},
	}
	swapArgs = abi.Arguments{
		{Type: addressType, Name: "tokenOut"},
		{Type: addressType, Name: "to"},
		{Type: uint8Type, Name: "withdrawMode"},
	}
}

// SwapData is the per-step instruction a pool decodes on swap.
type SwapData struct {
	TokenOut  common.Address
	Recipient common.Address
	Mode      uint8
}

// StableParams is the creation payload of a stable pool.
type StableParams struct {
	TokenA        common.Address
	TokenB        common.Address
	Amplification *uint256.Int
}

// EncodePair encodes abi(address,address).
func EncodePair(a, b common.Address) []byte {
	data, _ := pairArgs.Pack(a, b)
	return data
}

// DecodePair decodes abi(address,address).
func DecodePair(data []byte) (common.Address, common.Address, error) {
	values, err := unpack(pairArgs, data, "codec.decodePair")
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return values[0].(common.Address), values[1].(common.Address), nil
}

// EncodeStableParams encodes abi(address,address,uint256).
func EncodeStableParams(p StableParams) []byte {
	data, _ := stableArgs.Pack(p.TokenA, p.TokenB, p.Amplification.ToBig())
	return data
}

// DecodeStableParams decodes abi(address,address,uint256).
func DecodeStableParams(data []byte) (StableParams, error) {
	values, err := unpack(stableArgs, data, "codec.decodeStableParams")
	if err != nil {
		return StableParams{}, err
	}
	amp, overflow := uint256.FromBig(values[2].(*big.Int))
	if overflow {
		return StableParams{}, dexerr.New(dexerr.InvalidPayload, "codec.decodeStableParams")
	}
	return StableParams{
		TokenA:        values[0].(common.Address),
		TokenB:        values[1].(common.Address),
		Amplification: amp,
	}, nil
}

// EncodeRecipient encodes abi(address).
func EncodeRecipient(to common.Address) []byte {
	data, _ := recipientArgs.Pack(to)
	return data
}

// DecodeRecipient decodes abi(address).
func DecodeRecipient(data []byte) (common.Address, error) {
	values, err := unpack(recipientArgs, data, "codec.decodeRecipient")
	if err != nil {
		return common.Address{}, err
	}
	return values[0].(common.Address), nil
}

// EncodeSwapData encodes abi(address tokenOut, address to, uint8 mode).
func EncodeSwapData(d SwapData) []byte {
	data, _ := swapArgs.Pack(d.TokenOut, d.Recipient, d.Mode)
	return data
}

// DecodeSwapData decodes abi(address tokenOut, address to, uint8 mode).
func DecodeSwapData(data []byte) (SwapData, error) {
	values, err := unpack(swapArgs, data, "codec.decodeSwapData")
	if err != nil {
		return SwapData{}, err
	}
	return SwapData{
		TokenOut:  values[0].(common.Address),
		Recipient: values[1].(common.Address),
		Mode:      values[2].(uint8),
	}, nil
}

func unpack(args abi.Arguments, data []byte, op string) ([]interface{}, error) {
	if len(data) != 32*len(args) {
		return nil, dexerr.Newf(dexerr.InvalidPayload, op, "want %d bytes, got %d", 32*len(args), len(data))
	}
	values, err := args.Unpack(data)
	if err != nil {
		return nil, dexerr.Wrap(dexerr.InvalidPayload, op, err)
	}
	return values, nil
}
