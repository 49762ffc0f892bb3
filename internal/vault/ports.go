package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ExactInputSingleParams 对应路由合约的单跳精确输入兑换参数。
type ExactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               uint32
	Recipient         common.Address
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
	Deadline          int64
}

// ExactInputParams 对应路由合约的多跳精确输入兑换参数。
type ExactInputParams struct {
	Path             Path
	Recipient        common.Address
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
	Deadline         int64
}

// Router 是外部兑换路由的窄接口。实现返回实际到账的输出数量。
type Router interface {
	Address() common.Address
	ExactInputSingle(ctx context.Context, params ExactInputSingleParams) (*big.Int, error)
	ExactInput(ctx context.Context, params ExactInputParams) (*big.Int, error)
}

// Quote 是 QuoterV2 单跳报价结果。
type Quote struct {
	AmountOut               *big.Int
	SqrtPriceX96After       *big.Int
	InitializedTicksCrossed uint32
	GasEstimate             *big.Int
}

// PathQuote 是 QuoterV2 多跳报价结果，列表按 Hop 顺序排列。
type PathQuote struct {
	AmountOut                   *big.Int
	SqrtPriceX96AfterList       []*big.Int
	InitializedTicksCrossedList []uint32
	GasEstimate                 *big.Int
}

// Quoter 提供只读的报价估算，金库核心不依赖它，由代理策略使用。
type Quoter interface {
	QuoteExactInputSingle(ctx context.Context, tokenIn, tokenOut common.Address, fee uint32, amountIn, sqrtPriceLimitX96 *big.Int) (*Quote, error)
	QuoteExactInput(ctx context.Context, path Path, amountIn *big.Int) (*PathQuote, error)
}

// Custody 表示金库在外部实际持有的代币。
type Custody interface {
	// Address 返回托管账户地址，兑换输出会发送到这里。
	Address() common.Address
	// Pull 从用户处收取其事先授权的资金。
	Pull(ctx context.Context, from, token common.Address, amount *big.Int) error
	// Push 将资金释放给用户。
	Push(ctx context.Context, to, token common.Address, amount *big.Int) error
	// Holdings 返回托管账户持有的代币数量。
	Holdings(ctx context.Context, token common.Address) (*big.Int, error)
}
