package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AISwap-Executor/internal/errors"
	"AISwap-Executor/internal/observability/metrics"
)

// ExecuteSwap 由代理代表用户执行单跳兑换并返回实际输出数量。
//
// 执行顺序：校验 → 扣减输入 → 调用路由 → 校验滑点并记入输出。
// 扣减写入原子单元后才调用外部路由，任一步失败都会整体回滚。
func (v *Vault) ExecuteSwap(ctx context.Context, agent, user common.Address, req SwapRequest) (*big.Int, error) {
	var amountOut *big.Int
	err := v.mutate(ctx, "execute_swap", agent, func(ctx context.Context, u *unit) error {
		out, err := v.swapSingle(ctx, u, agent, user, req)
		amountOut = out
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.ObserveSwapVolume(req.TokenIn.Hex(), req.TokenOut.Hex(), bigToFloat(req.AmountIn), bigToFloat(amountOut))
	return amountOut, nil
}

// ExecuteMultiHopSwap 与 ExecuteSwap 语义一致，只对整体输入输出做滑点与截止时间检查。
func (v *Vault) ExecuteMultiHopSwap(ctx context.Context, agent, user common.Address, req MultiHopRequest) (*big.Int, error) {
	var amountOut *big.Int
	err := v.mutate(ctx, "execute_multihop_swap", agent, func(ctx context.Context, u *unit) error {
		if err := v.authorize(ctx, u.tx, agent, roleAgent, nil); err != nil {
			return err
		}
		if err := v.checkDeadline(req.Deadline); err != nil {
			return err
		}
		if err := req.Path.Validate(); err != nil {
			return err
		}
		if err := checkAmount(req.AmountIn, "amount_in"); err != nil {
			return err
		}
		if err := checkMinimum(req.AmountOutMinimum); err != nil {
			return err
		}

		tokenIn, tokenOut := req.Path.TokenIn(), req.Path.TokenOut()
		if err := v.debit(ctx, u.tx, user, tokenIn, req.AmountIn); err != nil {
			return err
		}
		out, err := v.router.ExactInput(ctx, ExactInputParams{
			Path:             req.Path.Clone(),
			Recipient:        v.custody.Address(),
			AmountIn:         cloneBig(req.AmountIn),
			AmountOutMinimum: minimumOrZero(req.AmountOutMinimum),
			Deadline:         req.Deadline,
		})
		if err != nil {
			return externalFailure(err, "router.exact_input")
		}
		u.journal.settle("router.exact_input", tokenIn, req.AmountIn)
		if err := v.settle(ctx, u, agent, user, tokenIn, tokenOut, req.AmountIn, req.AmountOutMinimum, out); err != nil {
			return err
		}
		amountOut = cloneBig(out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ObserveSwapVolume(req.Path.TokenIn().Hex(), req.Path.TokenOut().Hex(), bigToFloat(req.AmountIn), bigToFloat(amountOut))
	return amountOut, nil
}

// TriggerOrder 为阈值订单执行兑换，并在同一原子单元内将订单标记为 triggered。
// 两个代理并发触发同一订单时，只有一个会成功，另一个得到 ErrAlreadyInactive。
func (v *Vault) TriggerOrder(ctx context.Context, agent common.Address, req TriggerRequest) (*big.Int, error) {
	var amountOut *big.Int
	var order *ThresholdOrder
	err := v.mutate(ctx, "trigger_order", agent, func(ctx context.Context, u *unit) error {
		if err := v.authorize(ctx, u.tx, agent, roleAgent, nil); err != nil {
			return err
		}
		var err error
		order, err = u.tx.Order(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if order.State != OrderActive {
			return inactive(order)
		}
		if req.Swap.TokenIn != order.TokenIn || req.Swap.TokenOut != order.TokenOut {
			return ErrInvalidArgument.With(
				xerrors.WithMetadata("field", "swap"),
				xerrors.WithMetadata("reason", "token pair differs from order"),
			)
		}
		current := cloneBig(req.CurrentPrice)
		if current == nil {
			return ErrInvalidAmount.With(xerrors.WithMetadata("field", "current_price"))
		}
		if !crossed(order, current) {
			return ErrInvalidArgument.With(
				xerrors.WithMetadata("field", "current_price"),
				xerrors.WithMetadata("reason", "threshold not crossed"),
			)
		}

		out, err := v.swapSingle(ctx, u, agent, order.Owner, req.Swap)
		if err != nil {
			return err
		}
		if err := v.markTriggered(ctx, u.tx, order.ID); err != nil {
			return err
		}
		u.emit(PriceThresholdTriggered{
			ID:             order.ID,
			CurrentPrice:   current,
			ThresholdPrice: cloneBig(order.ThresholdPrice),
		})
		amountOut = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ObserveSwapVolume(order.TokenIn.Hex(), order.TokenOut.Hex(), bigToFloat(req.Swap.AmountIn), bigToFloat(amountOut))
	return amountOut, nil
}

func (v *Vault) swapSingle(ctx context.Context, u *unit, agent, user common.Address, req SwapRequest) (*big.Int, error) {
	if err := v.authorize(ctx, u.tx, agent, roleAgent, nil); err != nil {
		return nil, err
	}
	if err := v.checkDeadline(req.Deadline); err != nil {
		return nil, err
	}
	if err := checkAmount(req.AmountIn, "amount_in"); err != nil {
		return nil, err
	}
	if err := checkMinimum(req.AmountOutMinimum); err != nil {
		return nil, err
	}
	if err := checkFee(req.Fee); err != nil {
		return nil, err
	}
	if req.TokenIn == req.TokenOut {
		return nil, ErrInvalidArgument.With(xerrors.WithMetadata("field", "token_out"), xerrors.WithMetadata("reason", "same token"))
	}

	if err := v.debit(ctx, u.tx, user, req.TokenIn, req.AmountIn); err != nil {
		return nil, err
	}
	out, err := v.router.ExactInputSingle(ctx, ExactInputSingleParams{
		TokenIn:           req.TokenIn,
		TokenOut:          req.TokenOut,
		Fee:               req.Fee,
		Recipient:         v.custody.Address(),
		AmountIn:          cloneBig(req.AmountIn),
		AmountOutMinimum:  minimumOrZero(req.AmountOutMinimum),
		SqrtPriceLimitX96: new(big.Int),
		Deadline:          req.Deadline,
	})
	if err != nil {
		return nil, externalFailure(err, "router.exact_input_single")
	}
	u.journal.settle("router.exact_input_single", req.TokenIn, req.AmountIn)
	if err := v.settle(ctx, u, agent, user, req.TokenIn, req.TokenOut, req.AmountIn, req.AmountOutMinimum, out); err != nil {
		return nil, err
	}
	return cloneBig(out), nil
}

// settle 校验路由返回值与滑点下限，然后记入输出并登记成交事件。
func (v *Vault) settle(ctx context.Context, u *unit, agent, user, tokenIn, tokenOut common.Address, amountIn, minimum, amountOut *big.Int) error {
	if amountOut == nil || amountOut.Sign() < 0 {
		return xerrors.New(CodeExternalCall, "router returned an invalid amount", xerrors.WithMetadata("target", "router"))
	}
	floor := minimumOrZero(minimum)
	if amountOut.Cmp(floor) < 0 {
		return ErrSlippageExceeded.With(
			xerrors.WithMetadata("amount_out", amountOut.String()),
			xerrors.WithMetadata("amount_out_minimum", floor.String()),
		)
	}
	if err := v.credit(ctx, u.tx, user, tokenOut, amountOut); err != nil {
		return err
	}
	u.emit(TradeExecuted{
		User:      user,
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		AmountIn:  cloneBig(amountIn),
		AmountOut: cloneBig(amountOut),
		Executor:  agent,
	})
	return nil
}

func crossed(order *ThresholdOrder, current *big.Int) bool {
	cmp := current.Cmp(order.ThresholdPrice)
	if order.IsAbove {
		return cmp >= 0
	}
	return cmp <= 0
}

func minimumOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
