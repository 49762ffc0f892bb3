// Package trigger 实现阈值订单触发任务的排队与执行：价格监控方提交任务，
// 处理器从队列取出后交给代理执行，可重试的失败会重新入队。
package trigger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AISwap-Executor/internal/errors"
)

// Status 表示触发任务的执行状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	// StatusSkipped 表示订单在执行前已不再活跃，任务无需执行。
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusSkipped, StatusFailed:
		return true
	default:
		return false
	}
}

// Done 判断任务是否已到达终态。
func (s Status) Done() bool {
	return s == StatusSucceeded || s == StatusSkipped || s == StatusFailed
}

// Result 记录一次成功触发的兑换参数与成交量。
type Result struct {
	Fee        uint32   `json:"fee"`
	AmountIn   *big.Int `json:"amount_in"`
	MinimumOut *big.Int `json:"minimum_out"`
	AmountOut  *big.Int `json:"amount_out"`
	Deadline   int64    `json:"deadline"`
}

// Job 描述一次订单触发请求及其执行进度。
type Job struct {
	ID           string      `json:"id"`
	OrderID      common.Hash `json:"order_id"`
	CurrentPrice *big.Int    `json:"current_price"`
	Source       string      `json:"source,omitempty"`
	Status       Status      `json:"status"`
	Attempts     int         `json:"attempts"`
	MaxRetries   int         `json:"max_retries"`
	LastError    string      `json:"last_error,omitempty"`
	ErrorCode    string      `json:"error_code,omitempty"`
	Result       *Result     `json:"result,omitempty"`
	CreatedAt    int64       `json:"created_at"`
	UpdatedAt    int64       `json:"updated_at"`
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	clone := *job
	if job.CurrentPrice != nil {
		clone.CurrentPrice = new(big.Int).Set(job.CurrentPrice)
	}
	if job.Result != nil {
		result := *job.Result
		clone.Result = &result
	}
	return &clone
}

const (
	CodeJobValidation xerrors.Code = "TRIGGER_JOB_VALIDATION"
	CodeJobNotFound   xerrors.Code = "TRIGGER_JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "TRIGGER_JOB_CONFLICT"
	CodeJobCompleted  xerrors.Code = "TRIGGER_JOB_COMPLETED"
	CodeJobExhausted  xerrors.Code = "TRIGGER_JOB_EXHAUSTED"
	CodeJobPublish    xerrors.Code = "TRIGGER_JOB_PUBLISH_FAILED"
	CodeJobProcessing xerrors.Code = "TRIGGER_JOB_PROCESSING_FAILED"
)

var (
	ErrJobNotFound  = xerrors.New(CodeJobNotFound, "trigger job not found")
	ErrJobConflict  = xerrors.New(CodeJobConflict, "trigger job is being processed")
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "trigger job already completed")
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "trigger job exhausted its retries")
)

func init() {
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:  "invalid trigger job",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "trigger job not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:  "trigger job is being processed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:  "trigger job already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:  "trigger job exhausted its retries",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish trigger job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:   "failed to process trigger job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}
