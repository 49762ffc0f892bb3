package vault

import (
	"context"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	xerrors "AISwap-Executor/internal/errors"
)

// SetPriceThreshold 创建一个处于 active 状态的阈值订单并返回其 ID。
// 这里不会与当前价格比较，触发条件由外部监控判断。
func (v *Vault) SetPriceThreshold(ctx context.Context, owner common.Address, params ThresholdParams) (common.Hash, error) {
	var id common.Hash
	err := v.mutate(ctx, "set_price_threshold", owner, func(ctx context.Context, u *unit) error {
		if err := v.authorize(ctx, u.tx, owner, roleRegistered, nil); err != nil {
			return err
		}
		if err := validateThreshold(params); err != nil {
			return err
		}
		nonce, err := u.tx.NextNonce(ctx)
		if err != nil {
			return err
		}
		now := v.now().Unix()
		order := &ThresholdOrder{
			ID:             orderID(owner, params, nonce),
			Owner:          owner,
			TokenIn:        params.TokenIn,
			TokenOut:       params.TokenOut,
			Fee:            params.Fee,
			ThresholdPrice: cloneBig(params.ThresholdPrice),
			IsAbove:        params.IsAbove,
			State:          OrderActive,
			Nonce:          nonce,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := u.tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		id = order.ID
		u.emit(PriceThresholdSet{
			ID:             order.ID,
			User:           owner,
			TokenIn:        order.TokenIn,
			TokenOut:       order.TokenOut,
			Fee:            order.Fee,
			ThresholdPrice: cloneBig(order.ThresholdPrice),
			IsAbove:        order.IsAbove,
		})
		return nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	return id, nil
}

// CancelPriceThreshold 由订单所有者取消 active 订单。
func (v *Vault) CancelPriceThreshold(ctx context.Context, owner common.Address, id common.Hash) error {
	return v.mutate(ctx, "cancel_price_threshold", owner, func(ctx context.Context, u *unit) error {
		order, err := u.tx.Order(ctx, id)
		if err != nil {
			return err
		}
		if err := v.authorize(ctx, u.tx, owner, roleOwner, order); err != nil {
			return err
		}
		if order.State != OrderActive {
			return inactive(order)
		}
		if err := u.tx.TransitionOrder(ctx, id, OrderActive, OrderCancelled, v.now().Unix()); err != nil {
			return err
		}
		u.emit(PriceThresholdCancelled{ID: id, User: owner})
		return nil
	})
}

// Order 返回指定订单。
func (v *Vault) Order(ctx context.Context, id common.Hash) (*ThresholdOrder, error) {
	var order *ThresholdOrder
	err := v.view(ctx, func(tx Tx) error {
		var err error
		order, err = tx.Order(ctx, id)
		return err
	})
	return order, err
}

// Orders 按条件列出订单，按创建顺序倒序排列。
func (v *Vault) Orders(ctx context.Context, filter OrderFilter) ([]*ThresholdOrder, error) {
	if filter.State != "" && !IsValidOrderState(filter.State) {
		return nil, ErrInvalidArgument.With(xerrors.WithMetadata("field", "state"))
	}
	var orders []*ThresholdOrder
	err := v.view(ctx, func(tx Tx) error {
		var err error
		orders, err = tx.Orders(ctx, filter)
		return err
	})
	return orders, err
}

// markTriggered 是订单至多执行一次的唯一保证，必须与兑换的余额变化处于同一原子单元。
func (v *Vault) markTriggered(ctx context.Context, tx Tx, id common.Hash) error {
	return tx.TransitionOrder(ctx, id, OrderActive, OrderTriggered, v.now().Unix())
}

func validateThreshold(params ThresholdParams) error {
	if err := checkFee(params.Fee); err != nil {
		return err
	}
	if params.TokenIn == params.TokenOut {
		return ErrInvalidArgument.With(xerrors.WithMetadata("field", "token_out"), xerrors.WithMetadata("reason", "same token"))
	}
	if params.TokenIn == (common.Address{}) || params.TokenOut == (common.Address{}) {
		return ErrInvalidArgument.With(xerrors.WithMetadata("field", "token"), xerrors.WithMetadata("reason", "zero address"))
	}
	if params.ThresholdPrice == nil || params.ThresholdPrice.Sign() < 0 {
		return ErrInvalidAmount.With(xerrors.WithMetadata("field", "threshold_price"))
	}
	if _, overflow := uint256.FromBig(params.ThresholdPrice); overflow {
		return ErrInvalidAmount.With(xerrors.WithMetadata("field", "threshold_price"), xerrors.WithMetadata("reason", "overflow"))
	}
	return nil
}

// orderID 按 abi.encodePacked 的布局计算 keccak256，nonce 保证全局唯一。
func orderID(owner common.Address, params ThresholdParams, nonce uint64) common.Hash {
	fee := []byte{byte(params.Fee >> 16), byte(params.Fee >> 8), byte(params.Fee)}
	direction := []byte{0}
	if params.IsAbove {
		direction[0] = 1
	}
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	return crypto.Keccak256Hash(
		owner.Bytes(),
		params.TokenIn.Bytes(),
		params.TokenOut.Bytes(),
		fee,
		common.LeftPadBytes(params.ThresholdPrice.Bytes(), 32),
		direction,
		n[:],
	)
}

func inactive(order *ThresholdOrder) error {
	return ErrAlreadyInactive.With(
		xerrors.WithMetadata("order_id", order.ID.Hex()),
		xerrors.WithMetadata("state", string(order.State)),
	)
}
