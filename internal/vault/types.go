package vault

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OrderState 表示阈值订单所处的生命周期状态。
type OrderState string

const (
	OrderActive    OrderState = "active"
	OrderTriggered OrderState = "triggered"
	OrderCancelled OrderState = "cancelled"
)

// IsValidOrderState 检查给定状态是否为支持的枚举值。
func IsValidOrderState(state OrderState) bool {
	switch state {
	case OrderActive, OrderTriggered, OrderCancelled:
		return true
	default:
		return false
	}
}

// MaxFee 是 uint24 费率档位的上界（不含）。
const MaxFee = 1 << 24

// ThresholdOrder 描述一个“价格穿越阈值后兑换”的挂单。
type ThresholdOrder struct {
	ID             common.Hash    `json:"id"`
	Owner          common.Address `json:"owner"`
	TokenIn        common.Address `json:"token_in"`
	TokenOut       common.Address `json:"token_out"`
	Fee            uint32         `json:"fee"`
	ThresholdPrice *big.Int       `json:"threshold_price"`
	IsAbove        bool           `json:"is_above"`
	State          OrderState     `json:"state"`
	Nonce          uint64         `json:"nonce"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

// Clone 返回订单的深拷贝。
func (o *ThresholdOrder) Clone() *ThresholdOrder {
	if o == nil {
		return nil
	}
	cloned := *o
	cloned.ThresholdPrice = cloneBig(o.ThresholdPrice)
	return &cloned
}

// ThresholdParams 是创建阈值订单的入参。
type ThresholdParams struct {
	TokenIn        common.Address
	TokenOut       common.Address
	Fee            uint32
	ThresholdPrice *big.Int
	IsAbove        bool
}

// SwapRequest 是单跳兑换请求，仅在调用期间存在。
type SwapRequest struct {
	TokenIn          common.Address
	TokenOut         common.Address
	Fee              uint32
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
	Deadline         int64
}

// MultiHopRequest 是多跳兑换请求。
type MultiHopRequest struct {
	Path             Path
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
	Deadline         int64
}

// TriggerRequest 描述代理为满足某个阈值订单而发起的兑换。
// Swap 的代币对必须与订单一致，费率档位允许代理按自身策略调整。
type TriggerRequest struct {
	OrderID      common.Hash
	CurrentPrice *big.Int
	Swap         SwapRequest
}

// OrderFilter 控制订单列表查询。
type OrderFilter struct {
	Owner *common.Address
	State OrderState
	Limit int
}

// SolvencyReport 对比账本总额与托管实际持有量。
type SolvencyReport struct {
	Token    common.Address `json:"token"`
	Ledger   *big.Int       `json:"ledger_total"`
	Holdings *big.Int       `json:"holdings"`
	Solvent  bool           `json:"solvent"`
}

type balanceKey struct {
	user  common.Address
	token common.Address
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
