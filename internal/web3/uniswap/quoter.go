package uniswap

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"AISwap-Executor/internal/vault"
)

const quoterABI = `[
  {"type":"function","name":"quoteExactInputSingle","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"fee","type":"uint24"},{"name":"amountIn","type":"uint256"},{"name":"sqrtPriceLimitX96","type":"uint160"}],
   "outputs":[{"name":"amountOut","type":"uint256"},{"name":"sqrtPriceX96After","type":"uint160"},{"name":"initializedTicksCrossed","type":"uint32"},{"name":"gasEstimate","type":"uint256"}]},
  {"type":"function","name":"quoteExactInput","stateMutability":"nonpayable",
   "inputs":[{"name":"path","type":"bytes"},{"name":"amountIn","type":"uint256"}],
   "outputs":[{"name":"amountOut","type":"uint256"},{"name":"sqrtPriceX96AfterList","type":"uint160[]"},{"name":"initializedTicksCrossedList","type":"uint32[]"},{"name":"gasEstimate","type":"uint256"}]}
]`

var parsedQuoterABI = mustParse(quoterABI)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("uniswap: invalid ABI: %v", err))
	}
	return parsed
}

// Quoter calls a QuoterV2 deployment through eth_call.
type Quoter struct {
	address  common.Address
	contract *bind.BoundContract
}

var _ vault.Quoter = (*Quoter)(nil)

// NewQuoter binds the QuoterV2 contract at address.
func NewQuoter(address common.Address, caller bind.ContractCaller) *Quoter {
	return &Quoter{
		address:  address,
		contract: bind.NewBoundContract(address, parsedQuoterABI, caller, nil, nil),
	}
}

// Address returns the quoter contract address.
func (q *Quoter) Address() common.Address { return q.address }

// QuoteExactInputSingle simulates a single-pool swap.
func (q *Quoter) QuoteExactInputSingle(ctx context.Context, tokenIn, tokenOut common.Address, fee uint32, amountIn, sqrtPriceLimitX96 *big.Int) (*vault.Quote, error) {
	if sqrtPriceLimitX96 == nil {
		sqrtPriceLimitX96 = new(big.Int)
	}
	var out []any
	err := q.contract.Call(&bind.CallOpts{Context: ctx}, &out, "quoteExactInputSingle",
		tokenIn, tokenOut, new(big.Int).SetUint64(uint64(fee)), amountIn, sqrtPriceLimitX96)
	if err != nil {
		return nil, fmt.Errorf("quoteExactInputSingle 失败: %w", err)
	}
	if len(out) != 4 {
		return nil, fmt.Errorf("quoteExactInputSingle 返回值数量异常: %d", len(out))
	}
	quote := &vault.Quote{
		AmountOut:         *abi.ConvertType(out[0], new(*big.Int)).(**big.Int),
		SqrtPriceX96After: *abi.ConvertType(out[1], new(*big.Int)).(**big.Int),
		GasEstimate:       *abi.ConvertType(out[3], new(*big.Int)).(**big.Int),
	}
	quote.InitializedTicksCrossed = *abi.ConvertType(out[2], new(uint32)).(*uint32)
	return quote, nil
}

// QuoteExactInput simulates a multi-hop swap along path.
func (q *Quoter) QuoteExactInput(ctx context.Context, path vault.Path, amountIn *big.Int) (*vault.PathQuote, error) {
	encoded, err := EncodePath(path)
	if err != nil {
		return nil, err
	}
	var out []any
	if err := q.contract.Call(&bind.CallOpts{Context: ctx}, &out, "quoteExactInput", encoded, amountIn); err != nil {
		return nil, fmt.Errorf("quoteExactInput 失败: %w", err)
	}
	if len(out) != 4 {
		return nil, fmt.Errorf("quoteExactInput 返回值数量异常: %d", len(out))
	}
	return &vault.PathQuote{
		AmountOut:                   *abi.ConvertType(out[0], new(*big.Int)).(**big.Int),
		SqrtPriceX96AfterList:       *abi.ConvertType(out[1], new([]*big.Int)).(*[]*big.Int),
		InitializedTicksCrossedList: *abi.ConvertType(out[2], new([]uint32)).(*[]uint32),
		GasEstimate:                 *abi.ConvertType(out[3], new(*big.Int)).(**big.Int),
	}, nil
}
