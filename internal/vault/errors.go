package vault

import (
	"math/big"

	"github.com/holiman/uint256"

	xerrors "AISwap-Executor/internal/errors"
)

const (
	CodeUnauthorized        = xerrors.CodeUnauthorized
	CodeAlreadyRegistered   xerrors.Code = "ALREADY_REGISTERED"
	CodeAlreadyInactive     xerrors.Code = "ALREADY_INACTIVE"
	CodeInsufficientBalance xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeInvalidAmount       xerrors.Code = "INVALID_AMOUNT"
	CodeExpiredRequest      xerrors.Code = "EXPIRED_REQUEST"
	CodeSlippageExceeded    xerrors.Code = "SLIPPAGE_EXCEEDED"
	CodeExternalCall        = xerrors.CodeExternalCallFailure
	CodeOrderNotFound       xerrors.Code = "ORDER_NOT_FOUND"
	CodeReentrantCall       xerrors.Code = "REENTRANT_CALL"
)

var (
	// ErrUnauthorized 表示调用者不具备所需角色（管理员、代理或订单所有者）。
	ErrUnauthorized = xerrors.New(CodeUnauthorized, "caller is not authorized")
	// ErrNotOwner 表示调用者不是订单所有者。
	ErrNotOwner = xerrors.New(CodeUnauthorized, "caller is not the order owner", xerrors.WithMetadata("reason", "not_owner"))
	// ErrNotRegistered 表示用户尚未注册。
	ErrNotRegistered = xerrors.New(CodeUnauthorized, "User not registered", xerrors.WithMetadata("reason", "not_registered"))
	// ErrAlreadyRegistered 表示重复注册。
	ErrAlreadyRegistered = xerrors.New(CodeAlreadyRegistered, "User already registered")
	// ErrAlreadyInactive 表示订单已触发或已取消。
	ErrAlreadyInactive = xerrors.New(CodeAlreadyInactive, "order is no longer active")
	// ErrInsufficientBalance 表示账本余额不足。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "insufficient balance")
	// ErrInvalidAmount 表示金额为零、为负或超出 uint256。
	ErrInvalidAmount = xerrors.New(CodeInvalidAmount, "amount must be positive and fit in uint256")
	// ErrExpiredRequest 表示请求截止时间已过。
	ErrExpiredRequest = xerrors.New(CodeExpiredRequest, "request deadline has passed")
	// ErrSlippageExceeded 表示实际成交量低于最小可接受输出。
	ErrSlippageExceeded = xerrors.New(CodeSlippageExceeded, "amount out below minimum")
	// ErrExternalCall 表示兑换路由或托管调用失败。
	ErrExternalCall = xerrors.New(CodeExternalCall, "external call failed")
	// ErrOrderNotFound 表示订单不存在。
	ErrOrderNotFound = xerrors.New(CodeOrderNotFound, "threshold order not found")
	// ErrReentrantCall 表示外部调用期间回调了变更操作。
	ErrReentrantCall = xerrors.New(CodeReentrantCall, "reentrant call rejected")
	// ErrInvalidArgument 表示参数格式错误，例如非法路径或费率。
	ErrInvalidArgument = xerrors.New(xerrors.CodeInvalidArgument, "invalid argument")
)

func init() {
	xerrors.Register(CodeAlreadyRegistered, xerrors.Attributes{
		Message:  "User already registered",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAlreadyInactive, xerrors.Attributes{
		Message:  "order is no longer active",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:  "insufficient balance",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidAmount, xerrors.Attributes{
		Message:  "invalid amount",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeExpiredRequest, xerrors.Attributes{
		Message:   "request deadline has passed",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
	})
	xerrors.Register(CodeSlippageExceeded, xerrors.Attributes{
		Message:   "amount out below minimum",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeOrderNotFound, xerrors.Attributes{
		Message:  "threshold order not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeReentrantCall, xerrors.Attributes{
		Message:  "reentrant call rejected",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// IsRetryable 判断调用方能否在调整参数后重试。
func IsRetryable(err error) bool {
	return xerrors.RetryableError(err)
}

// checkAmount 校验金额为正且不超过 uint256。
func checkAmount(amount *big.Int, field string) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount.With(xerrors.WithMetadata("field", field))
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return ErrInvalidAmount.With(xerrors.WithMetadata("field", field), xerrors.WithMetadata("reason", "overflow"))
	}
	return nil
}

// checkMinimum 允许最小输出为零，但不允许为负或溢出。
func checkMinimum(amount *big.Int) error {
	if amount == nil {
		return nil
	}
	if amount.Sign() < 0 {
		return ErrInvalidAmount.With(xerrors.WithMetadata("field", "amount_out_minimum"))
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return ErrInvalidAmount.With(xerrors.WithMetadata("field", "amount_out_minimum"), xerrors.WithMetadata("reason", "overflow"))
	}
	return nil
}

func checkFee(fee uint32) error {
	if fee >= MaxFee {
		return ErrInvalidArgument.With(xerrors.WithMetadata("field", "fee"))
	}
	return nil
}
