package trigger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"AISwap-Executor/internal/agent"
)

// Executor 执行一个已领取的触发任务。
type Executor interface {
	Execute(ctx context.Context, job *Job) (*Result, error)
}

// ExecutorFunc 允许以函数形式实现 Executor。
type ExecutorFunc func(ctx context.Context, job *Job) (*Result, error)

// Execute 实现 Executor。
func (f ExecutorFunc) Execute(ctx context.Context, job *Job) (*Result, error) { return f(ctx, job) }

// Trigger 是代理触发订单的能力。
type Trigger interface {
	Trigger(ctx context.Context, orderID common.Hash, currentPrice *big.Int) (*agent.Execution, error)
}

// AgentExecutor 把任务交给代理的执行策略。
type AgentExecutor struct {
	Agent Trigger
}

// Execute 实现 Executor。
func (e AgentExecutor) Execute(ctx context.Context, job *Job) (*Result, error) {
	exec, err := e.Agent.Trigger(ctx, job.OrderID, job.CurrentPrice)
	if err != nil {
		return nil, err
	}
	return &Result{
		Fee:        exec.Fee,
		AmountIn:   exec.AmountIn,
		MinimumOut: exec.MinimumOut,
		AmountOut:  exec.AmountOut,
		Deadline:   exec.Deadline,
	}, nil
}
