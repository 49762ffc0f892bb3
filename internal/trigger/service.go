package trigger

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "AISwap-Executor/internal/errors"
	"AISwap-Executor/internal/vault"
	"AISwap-Executor/pkg/logger"
)

// SubmitRequest 是价格监控方提交的触发请求。
type SubmitRequest struct {
	// ID 可选，用作幂等键。
	ID           string
	OrderID      common.Hash
	CurrentPrice *big.Int
	Source       string
}

// OrderReader 用于提交前确认订单存在且仍然活跃。
type OrderReader interface {
	Order(ctx context.Context, id common.Hash) (*vault.ThresholdOrder, error)
}

// Service 负责任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
	orders     OrderReader
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithOrderReader 在入队前校验订单状态。
func WithOrderReader(reader OrderReader) ServiceOption {
	return func(s *Service) {
		s.orders = reader
	}
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Service{store: store, producer: producer, maxRetries: maxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 创建一个新的触发任务并推送到队列。相同 ID 的重复提交返回已有任务。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "触发服务未初始化")
	}
	if req.OrderID == (common.Hash{}) {
		return nil, xerrors.New(CodeJobValidation, "订单 ID 不能为空", xerrors.WithMetadata("field", "order_id"))
	}
	if req.CurrentPrice == nil || req.CurrentPrice.Sign() < 0 {
		return nil, xerrors.New(CodeJobValidation, "当前价格必须为非负整数", xerrors.WithMetadata("field", "current_price"))
	}
	if s.orders != nil {
		order, err := s.orders.Order(ctx, req.OrderID)
		if err != nil {
			return nil, err
		}
		if order.State != vault.OrderActive {
			return nil, vault.ErrAlreadyInactive.With(
				xerrors.WithMetadata("order_id", req.OrderID.Hex()),
				xerrors.WithMetadata("state", string(order.State)),
			)
		}
	}

	jobID := strings.TrimSpace(req.ID)
	if jobID != "" {
		job, err := s.store.Get(ctx, jobID)
		if err == nil {
			return job, nil
		}
		if !stdErrors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	} else {
		jobID = uuid.NewString()
	}

	job := &Job{
		ID:           jobID,
		OrderID:      req.OrderID,
		CurrentPrice: new(big.Int).Set(req.CurrentPrice),
		Source:       req.Source,
		Status:       StatusPending,
		MaxRetries:   s.maxRetries,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if stdErrors.Is(err, ErrJobConflict) {
			if existing, getErr := s.store.Get(ctx, jobID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, jobID); err != nil {
		logger.L().Error("触发任务入队失败", slog.Any("error", err), slog.String("job_id", jobID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布触发任务到队列失败")
		_ = s.store.MarkFailed(ctx, jobID, CodeJobPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("触发任务入队成功",
		slog.String("job_id", jobID),
		slog.String("order_id", req.OrderID.Hex()),
		slog.String("current_price", req.CurrentPrice.String()),
		slog.String("source", req.Source),
		slog.Int("max_retries", job.MaxRetries),
	)
	return cloneJob(job), nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// WaitUntilDone 轮询直到任务进入终态或 ctx 结束。
func (s *Service) WaitUntilDone(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
