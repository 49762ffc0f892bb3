package trigger

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AISwap-Executor/internal/errors"
	"AISwap-Executor/internal/observability/alerting"
	"AISwap-Executor/internal/observability/metrics"
	"AISwap-Executor/internal/vault"
	"AISwap-Executor/pkg/logger"
)

// 任务结局，同时用作指标标签。
const (
	outcomeSucceeded = "succeeded"
	outcomeSkipped   = "skipped"
	outcomeRetried   = "retried"
	outcomeFailed    = "failed"
)

// Processor 负责从队列消费触发任务并交给执行器。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	now         func() time.Time
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = l
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("trigger"),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理单个任务。只有存储或队列故障才返回错误，交由队列重新投递。
func (p *Processor) Handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) ||
			stdErrors.Is(err, ErrJobExhausted) || stdErrors.Is(err, ErrJobConflict) {
			p.logger.Debug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim")
		return err
	}

	result, execErr := p.executor.Execute(ctx, job)
	if execErr != nil {
		return p.handleFailure(ctx, job, execErr)
	}
	if result == nil {
		result = &Result{}
	}
	if err := p.store.MarkSucceeded(ctx, job.ID, *result); err != nil {
		// 兑换已经提交，订单状态会让重投的任务被跳过。
		p.logger.Error("标记任务成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	metrics.ObserveTriggerJob(outcomeSucceeded)
	logger.Audit().Info("触发任务执行成功",
		slog.String("job_id", job.ID),
		slog.String("order_id", job.OrderID.Hex()),
		slog.Int("attempts", job.Attempts),
		slog.Uint64("fee", uint64(result.Fee)),
		slog.String("amount_out", amountString(result.AmountOut)),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, job *Job, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}

	// 订单已被其他任务触发、取消或不存在：至少一次投递下的正常情况。
	if code == vault.CodeAlreadyInactive || code == vault.CodeOrderNotFound {
		if err := p.store.MarkSkipped(ctx, job.ID, code, execErr.Error()); err != nil {
			p.logger.Error("标记任务跳过状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
			return err
		}
		metrics.ObserveTriggerJob(outcomeSkipped)
		logger.Audit().Info("触发任务已跳过",
			slog.String("job_id", job.ID),
			slog.String("order_id", job.OrderID.Hex()),
			slog.String("error_code", string(code)),
		)
		return nil
	}

	retryable := xerrors.RetryableError(execErr)
	terminal := !retryable || job.Attempts >= job.MaxRetries
	if err := p.store.MarkFailed(ctx, job.ID, code, execErr.Error(), terminal); err != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	logger.Audit().Warn("触发任务执行失败",
		slog.String("job_id", job.ID),
		slog.String("order_id", job.OrderID.Hex()),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	stage := "retry"
	switch {
	case !retryable:
		stage = "non_retryable"
	case terminal:
		stage = "exhausted"
	}
	if terminal || xerrors.ShouldAlert(execErr) {
		p.emitAlert(ctx, job, code, execErr, stage)
	}

	if terminal {
		metrics.ObserveTriggerJob(outcomeFailed)
		return nil
	}
	metrics.ObserveTriggerJob(outcomeRetried)
	if p.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务生产者")
	}
	if err := p.producer.Publish(ctx, job.ID); err != nil {
		return xerrors.Wrap(CodeJobPublish, err, fmt.Sprintf("任务 %s 重投失败", job.ID))
	}
	p.logger.Debug("任务已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		for k, v := range xerrors.MetadataOf(cause) {
			metadata[k] = v
		}
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   xerrors.SeverityOf(cause),
		JobID:      job.ID,
		Attempts:   job.Attempts,
		MaxRetries: job.MaxRetries,
		Metadata:   metadata,
		OccurredAt: p.now(),
	}
	if job.OrderID != (common.Hash{}) {
		event.OrderID = job.OrderID.Hex()
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
