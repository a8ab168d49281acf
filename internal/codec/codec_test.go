package codec

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"dexcore/internal/dexerr"
)

var (
	tokenA = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	tokenB = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	bob    = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
)

func TestSwapDataLayout(t *testing.T) {
	data := EncodeSwapData(SwapData{TokenOut: tokenB, Recipient: bob, Mode: 1})
	require.Len(t, data, 96)

	// eth_abi.encode(['address','address','uint8'], [tokenB, bob, 1])
	expected := "0x" +
		"000000000000000000000000e7f1725e7734ce288f8367e1bb143e90bb3f0512" +
		"000000000000000000000000f39fd6e51aad88f6f4ce6ab8827279cfffb92266" +
		"0000000000000000000000000000000000000000000000000000000000000001"
	require.Equal(t, expected, hexutil.Encode(data))

	got, err := DecodeSwapData(data)
	require.NoError(t, err)
	require.Equal(t, tokenB, got.TokenOut)
	require.Equal(t, bob, got.Recipient)
	require.Equal(t, uint8(1), got.Mode)
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	tests := []struct {
		name   string
		decode func([]byte) error
		data   []byte
	}{
		{"pair too short", func(b []byte) error { _, _, err := DecodePair(b); return err }, make([]byte, 32)},
		{"recipient empty", func(b []byte) error { _, err := DecodeRecipient(b); return err }, nil},
		{"swap data trailing bytes", func(b []byte) error { _, err := DecodeSwapData(b); return err }, make([]byte, 97)},
		{"stable params missing amp", func(b []byte) error { _, err := DecodeStableParams(b); return err }, EncodePair(tokenA, tokenB)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.decode(tt.data)
			require.ErrorIs(t, err, dexerr.ErrValidation)
			require.ErrorIs(t, err, dexerr.InvalidPayload)
		})
	}
}

func TestSwapDataModeOutOfRange(t *testing.T) {
	data := EncodeSwapData(SwapData{TokenOut: tokenB, Recipient: bob})
	data[95] = 0
	data[94] = 1 // 256 does not fit uint8
	_, err := DecodeSwapData(data)
	require.ErrorIs(t, err, dexerr.InvalidPayload)
}

func TestStableParams(t *testing.T) {
	data := EncodeStableParams(StableParams{TokenA: tokenA, TokenB: tokenB, Amplification: uint256.NewInt(200)})
	got, err := DecodeStableParams(data)
	require.NoError(t, err)
	require.Equal(t, tokenA, got.TokenA)
	require.Equal(t, uint64(200), got.Amplification.Uint64())

	a, b, err := DecodePair(EncodePair(tokenB, tokenA))
	require.NoError(t, err)
	require.Equal(t, tokenB, a)
	require.Equal(t, tokenA, b)

	to, err := DecodeRecipient(EncodeRecipient(bob))
	require.NoError(t, err)
	require.Equal(t, bob, to)
}
