package uniswap

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"AISwap-Executor/internal/vault"
	"AISwap-Executor/internal/web3"
	"AISwap-Executor/internal/web3/erc20"
)

// SwapRouter02 drops the deadline from the swap structs; it is enforced by
// wrapping each call in multicall(deadline, data).
const routerABI = `[
  {"type":"function","name":"exactInputSingle","stateMutability":"payable",
   "inputs":[{"name":"params","type":"tuple","components":[
     {"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"fee","type":"uint24"},
     {"name":"recipient","type":"address"},{"name":"amountIn","type":"uint256"},{"name":"amountOutMinimum","type":"uint256"},
     {"name":"sqrtPriceLimitX96","type":"uint160"}]}],
   "outputs":[{"name":"amountOut","type":"uint256"}]},
  {"type":"function","name":"exactInput","stateMutability":"payable",
   "inputs":[{"name":"params","type":"tuple","components":[
     {"name":"path","type":"bytes"},{"name":"recipient","type":"address"},
     {"name":"amountIn","type":"uint256"},{"name":"amountOutMinimum","type":"uint256"}]}],
   "outputs":[{"name":"amountOut","type":"uint256"}]},
  {"type":"function","name":"multicall","stateMutability":"payable",
   "inputs":[{"name":"deadline","type":"uint256"},{"name":"data","type":"bytes[]"}],
   "outputs":[{"name":"results","type":"bytes[]"}]}
]`

var parsedRouterABI = mustParse(routerABI)

type exactInputSingleArgs struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

type exactInputArgs struct {
	Path             []byte
	Recipient        common.Address
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
}

// Signer holds the funds being swapped. The custody hot wallet implements it.
type Signer interface {
	Address() common.Address
	Transactor(ctx context.Context) (*bind.TransactOpts, error)
	EnsureAllowance(ctx context.Context, token, spender common.Address, amount *big.Int) error
}

// Router executes swaps through SwapRouter02 from the signer's wallet.
type Router struct {
	address  common.Address
	backend  web3.Backend
	signer   Signer
	contract *bind.BoundContract
}

var _ vault.Router = (*Router)(nil)

// NewRouter binds the SwapRouter02 deployment at address.
func NewRouter(address common.Address, backend web3.Backend, signer Signer) *Router {
	return &Router{
		address:  address,
		backend:  backend,
		signer:   signer,
		contract: bind.NewBoundContract(address, parsedRouterABI, backend, backend, backend),
	}
}

// Address returns the router contract address.
func (r *Router) Address() common.Address { return r.address }

// ExactInputSingle swaps through one pool.
func (r *Router) ExactInputSingle(ctx context.Context, p vault.ExactInputSingleParams) (*big.Int, error) {
	inner, err := packExactInputSingle(p)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, "exactInputSingle", p.TokenIn, p.TokenOut, p.Recipient, p.AmountIn, p.Deadline, inner)
}

// ExactInput swaps along a multi-hop path.
func (r *Router) ExactInput(ctx context.Context, p vault.ExactInputParams) (*big.Int, error) {
	inner, err := packExactInput(p)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, "exactInput", p.Path.TokenIn(), p.Path.TokenOut(), p.Recipient, p.AmountIn, p.Deadline, inner)
}

// execute simulates the multicall first so reverts such as "Too little
// received" surface without spending gas, then sends and waits for it.
func (r *Router) execute(ctx context.Context, method string, tokenIn, tokenOut, recipient common.Address, amountIn *big.Int, deadline int64, inner []byte) (*big.Int, error) {
	if err := r.signer.EnsureAllowance(ctx, tokenIn, r.address, amountIn); err != nil {
		return nil, err
	}

	calls := [][]byte{inner}
	var out []any
	if err := r.contract.Call(&bind.CallOpts{Context: ctx, From: r.signer.Address()}, &out, "multicall", big.NewInt(deadline), calls); err != nil {
		return nil, fmt.Errorf("%s 模拟执行失败: %w", method, err)
	}
	simulated, err := decodeMulticallAmount(method, out)
	if err != nil {
		return nil, err
	}

	opts, err := r.signer.Transactor(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := r.contract.Transact(opts, "multicall", big.NewInt(deadline), calls)
	if err != nil {
		return nil, fmt.Errorf("%s 发送交易失败: %w", method, err)
	}
	receipt, err := erc20.WaitSuccess(ctx, r.backend, tx)
	if err != nil {
		return nil, err
	}
	if received := erc20.ReceivedBy(receipt, tokenOut, recipient); received.Sign() > 0 {
		return received, nil
	}
	return simulated, nil
}

func packExactInputSingle(p vault.ExactInputSingleParams) ([]byte, error) {
	limit := p.SqrtPriceLimitX96
	if limit == nil {
		limit = new(big.Int)
	}
	return parsedRouterABI.Pack("exactInputSingle", exactInputSingleArgs{
		TokenIn:           p.TokenIn,
		TokenOut:          p.TokenOut,
		Fee:               new(big.Int).SetUint64(uint64(p.Fee)),
		Recipient:         p.Recipient,
		AmountIn:          p.AmountIn,
		AmountOutMinimum:  orZero(p.AmountOutMinimum),
		SqrtPriceLimitX96: limit,
	})
}

func packExactInput(p vault.ExactInputParams) ([]byte, error) {
	path, err := EncodePath(p.Path)
	if err != nil {
		return nil, err
	}
	return parsedRouterABI.Pack("exactInput", exactInputArgs{
		Path:             path,
		Recipient:        p.Recipient,
		AmountIn:         p.AmountIn,
		AmountOutMinimum: orZero(p.AmountOutMinimum),
	})
}

// decodeMulticallAmount extracts amountOut from the first multicall result.
func decodeMulticallAmount(method string, out []any) (*big.Int, error) {
	if len(out) != 1 {
		return nil, fmt.Errorf("multicall 返回值数量异常: %d", len(out))
	}
	results := *abi.ConvertType(out[0], new([][]byte)).(*[][]byte)
	if len(results) == 0 {
		return nil, fmt.Errorf("multicall 未返回 %s 结果", method)
	}
	values, err := parsedRouterABI.Methods[method].Outputs.Unpack(results[0])
	if err != nil {
		return nil, fmt.Errorf("解析 %s 返回值失败: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s 返回值数量异常: %d", method, len(values))
	}
	return *abi.ConvertType(values[0], new(*big.Int)).(**big.Int), nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
