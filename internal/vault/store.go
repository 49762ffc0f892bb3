package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Tx 是单个原子操作内可见的状态视图。写入在 Store.Atomic 返回错误时全部撤销。
type Tx interface {
	UserRegistered(ctx context.Context, user common.Address) (bool, error)
	// InsertUser 写入新用户，已存在时返回 ErrAlreadyRegistered。
	InsertUser(ctx context.Context, user common.Address, registeredAt int64) error

	AgentApproved(ctx context.Context, agent common.Address) (bool, error)
	PutAgent(ctx context.Context, agent common.Address, approved bool) error

	Balance(ctx context.Context, user, token common.Address) (*big.Int, error)
	PutBalance(ctx context.Context, user, token common.Address, amount *big.Int) error
	TotalBalance(ctx context.Context, token common.Address) (*big.Int, error)

	// NextNonce 分配一个全局递增的订单序号。
	NextNonce(ctx context.Context) (uint64, error)
	InsertOrder(ctx context.Context, order *ThresholdOrder) error
	// Order 返回订单副本，不存在时返回 ErrOrderNotFound。
	Order(ctx context.Context, id common.Hash) (*ThresholdOrder, error)
	// TransitionOrder 仅当订单当前处于 from 状态时切换到 to，否则返回 ErrAlreadyInactive。
	TransitionOrder(ctx context.Context, id common.Hash, from, to OrderState, at int64) error
	Orders(ctx context.Context, filter OrderFilter) ([]*ThresholdOrder, error)
}

// Store 提供原子操作边界。
type Store interface {
	// Atomic 在单个事务中执行 fn，fn 返回错误时撤销全部写入。
	Atomic(ctx context.Context, fn func(tx Tx) error) error
	// View 以只读方式执行 fn。
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
