package uniswap

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"AISwap-Executor/internal/vault"
)

var (
	weth = common.HexToAddress("0x4200000000000000000000000000000000000006")
	usdc = common.HexToAddress("0x833589fcd6edb6e08f4c7c32d4f71b54bda02913")
	usdt = common.HexToAddress("0xfde4c96c8593536e31f229ea8f37b2ada2699bb2")
)

func TestPathRoundTrip(t *testing.T) {
	path := vault.Path{
		{TokenIn: weth, Fee: 500, TokenOut: usdc},
		{TokenIn: usdc, Fee: 100, TokenOut: usdt},
	}
	encoded, err := EncodePath(path)
	require.NoError(t, err)
	require.Len(t, encoded, 20+3+20+3+20)
	require.Equal(t, []byte{0x00, 0x01, 0xf4}, encoded[20:23], "fee not big-endian uint24")
	decoded, err := DecodePath(encoded)
	require.NoError(t, err)
	require.Equal(t, path, decoded)

	_, err = DecodePath(encoded[:30])
	require.Error(t, err, "expected error for truncated path")
	_, err = EncodePath(vault.Path{})
	require.Error(t, err, "expected error for empty path")
}

// fakeCaller answers eth_call with ABI-encoded quoter outputs.
type fakeCaller struct {
	lastData []byte
}

func (f *fakeCaller) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x1}, nil
}

func (f *fakeCaller) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	f.lastData = call.Data
	method, err := parsedQuoterABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "quoteExactInputSingle":
		return method.Outputs.Pack(big.NewInt(2090_000000), big.NewInt(12345), uint32(2), big.NewInt(90000))
	case "quoteExactInput":
		return method.Outputs.Pack(big.NewInt(2089_500000), []*big.Int{big.NewInt(1), big.NewInt(2)}, []uint32{1, 3}, big.NewInt(180000))
	default:
		return nil, fmt.Errorf("unexpected method %s", method.Name)
	}
}

func TestQuoterDecodesOutputs(t *testing.T) {
	caller := &fakeCaller{}
	quoter := NewQuoter(common.HexToAddress("0x3d4e44Eb1374240CE5F1B871ab261CD16335B76a"), caller)
	ctx := context.Background()

	quote, err := quoter.QuoteExactInputSingle(ctx, weth, usdc, 3000, big.NewInt(1e18), nil)
	require.NoError(t, err)
	require.Equal(t, "2090000000", quote.AmountOut.String())
	require.EqualValues(t, 2, quote.InitializedTicksCrossed)
	require.EqualValues(t, 90000, quote.GasEstimate.Int64())

	args, err := parsedQuoterABI.Methods["quoteExactInputSingle"].Inputs.Unpack(caller.lastData[4:])
	require.NoError(t, err)
	require.Equal(t, weth, args[0].(common.Address))
	require.EqualValues(t, 3000, args[2].(*big.Int).Int64())

	pathQuote, err := quoter.QuoteExactInput(ctx, vault.Path{
		{TokenIn: weth, Fee: 500, TokenOut: usdc},
		{TokenIn: usdc, Fee: 100, TokenOut: usdt},
	}, big.NewInt(1e18))
	require.NoError(t, err)
	require.Equal(t, "2089500000", pathQuote.AmountOut.String())
	require.Len(t, pathQuote.SqrtPriceX96AfterList, 2)
	require.EqualValues(t, 3, pathQuote.InitializedTicksCrossedList[1])
}

func TestRouterCalldata(t *testing.T) {
	recipient := common.HexToAddress("0x00f1")
	inner, err := packExactInputSingle(vault.ExactInputSingleParams{
		TokenIn:          weth,
		TokenOut:         usdc,
		Fee:              3000,
		Recipient:        recipient,
		AmountIn:         big.NewInt(1e18),
		AmountOutMinimum: big.NewInt(2000_000000),
	})
	require.NoError(t, err)
	method, err := parsedRouterABI.MethodById(inner[:4])
	require.NoError(t, err)
	require.Equal(t, "exactInputSingle", method.Name)

	multi, err := packExactInput(vault.ExactInputParams{
		Path:      vault.Path{{TokenIn: weth, Fee: 500, TokenOut: usdc}},
		Recipient: recipient,
		AmountIn:  big.NewInt(1),
	})
	require.NoError(t, err)
	method, err = parsedRouterABI.MethodById(multi[:4])
	require.NoError(t, err)
	require.Equal(t, "exactInput", method.Name)

	encodedAmount, err := parsedRouterABI.Methods["exactInputSingle"].Outputs.Pack(big.NewInt(2090_000000))
	require.NoError(t, err)
	amount, err := decodeMulticallAmount("exactInputSingle", []any{[][]byte{encodedAmount}})
	require.NoError(t, err)
	require.Equal(t, "2090000000", amount.String())
	_, err = decodeMulticallAmount("exactInputSingle", []any{[][]byte{}})
	require.Error(t, err, "expected error for empty multicall results")
}
