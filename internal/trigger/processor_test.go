package trigger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"AISwap-Executor/internal/observability/alerting"
	"AISwap-Executor/internal/vault"
)

type scriptedExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	// errs 依次返回，用尽后执行成功。
	mu   sync.Mutex
	errs []error
}

func (s *scriptedExecutor) Execute(ctx context.Context, job *Job) (*Result, error) {
	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.processed.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	return &Result{Fee: 3000, AmountIn: big.NewInt(1), AmountOut: job.CurrentPrice}, nil
}

type alertSink struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *alertSink) Notify(_ context.Context, event alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *alertSink) stages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, ev := range a.events {
		out = append(out, ev.Metadata["stage"])
	}
	return out
}

type pipeline struct {
	service   *Service
	processor *Processor
	store     *MemoryStore
	alerts    *alertSink
}

func startPipeline(t *testing.T, exec Executor, workers int, opts ...ServiceOption) *pipeline {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	alerts := &alertSink{}
	p := &pipeline{
		service:   NewService(store, queue, 3, opts...),
		processor: NewProcessor(exec, store, queue, queue, WithWorkerCount(workers), WithAlertDispatcher(alerts)),
		store:     store,
		alerts:    alerts,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

func (p *pipeline) submitAndWait(t *testing.T, order byte) *Job {
	t.Helper()
	job, err := p.service.Submit(context.Background(), SubmitRequest{
		OrderID:      common.BytesToHash([]byte{order}),
		CurrentPrice: big.NewInt(2090),
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := p.service.WaitUntilDone(ctx, job.ID, 5*time.Millisecond)
	require.NoError(t, err)
	return done
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	exec := &scriptedExecutor{latency: 5 * time.Millisecond}
	p := startPipeline(t, exec, 8)

	total := 100
	for i := 0; i < total; i++ {
		_, err := p.service.Submit(context.Background(), SubmitRequest{
			OrderID:      common.BigToHash(big.NewInt(int64(i + 1))),
			CurrentPrice: big.NewInt(int64(i)),
		})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		stats, err := p.service.Stats(context.Background())
		return err == nil && stats.Succeeded == total
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, int32(total), exec.processed.Load())
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	exec := &scriptedExecutor{errs: []error{vault.ErrSlippageExceeded, vault.ErrExpiredRequest}}
	p := startPipeline(t, exec, 1)

	job := p.submitAndWait(t, 1)
	require.Equal(t, StatusSucceeded, job.Status)
	require.Equal(t, 3, job.Attempts)
	require.Equal(t, uint32(3000), job.Result.Fee)
	require.Empty(t, job.LastError)
	// 滑点与过期都不需要告警。
	require.Empty(t, p.alerts.stages())
}

func TestProcessorGivesUpAfterMaxRetries(t *testing.T) {
	exec := &scriptedExecutor{errs: []error{vault.ErrExternalCall, vault.ErrExternalCall, vault.ErrExternalCall, vault.ErrExternalCall}}
	p := startPipeline(t, exec, 2)

	job := p.submitAndWait(t, 1)
	require.Equal(t, StatusFailed, job.Status)
	require.Equal(t, 3, job.Attempts)
	require.Equal(t, string(vault.CodeExternalCall), job.ErrorCode)
	require.Equal(t, int32(3), exec.processed.Load())
	require.Equal(t, []string{"retry", "retry", "exhausted"}, p.alerts.stages())
}

func TestProcessorStopsOnNonRetryable(t *testing.T) {
	exec := &scriptedExecutor{errs: []error{vault.ErrInsufficientBalance}}
	p := startPipeline(t, exec, 1)

	job := p.submitAndWait(t, 1)
	require.Equal(t, StatusFailed, job.Status)
	require.Equal(t, 1, job.Attempts)
	require.Equal(t, []string{"non_retryable"}, p.alerts.stages())
}

func TestProcessorSkipsInactiveOrders(t *testing.T) {
	exec := &scriptedExecutor{errs: []error{vault.ErrAlreadyInactive, vault.ErrOrderNotFound}}
	p := startPipeline(t, exec, 1)

	for i := 0; i < 2; i++ {
		job := p.submitAndWait(t, byte(i+1))
		require.Equal(t, StatusSkipped, job.Status)
		require.Equal(t, 1, job.Attempts)
	}
	require.Empty(t, p.alerts.stages())
}

func TestHandleIgnoresUnknownAndFinishedJobs(t *testing.T) {
	store := NewMemoryStore()
	exec := &scriptedExecutor{}
	p := NewProcessor(exec, store, nil, nil)
	ctx := context.Background()

	require.NoError(t, p.Handle(ctx, "missing"))
	require.NoError(t, store.Create(ctx, newJob("done", 1, 3)))
	require.NoError(t, store.MarkSucceeded(ctx, "done", Result{}))
	require.NoError(t, p.Handle(ctx, "done"))
	require.Zero(t, exec.processed.Load())

	require.Error(t, NewProcessor(exec, store, nil, nil).Start(ctx))
}

type orderBook map[common.Hash]vault.OrderState

func (o orderBook) Order(_ context.Context, id common.Hash) (*vault.ThresholdOrder, error) {
	state, ok := o[id]
	if !ok {
		return nil, vault.ErrOrderNotFound
	}
	return &vault.ThresholdOrder{ID: id, State: state}, nil
}

func TestServiceSubmitValidation(t *testing.T) {
	ctx := context.Background()
	active := common.BytesToHash([]byte{1})
	cancelled := common.BytesToHash([]byte{2})
	queue := NewMemoryQueue(8)
	svc := NewService(NewMemoryStore(), queue, 0, WithOrderReader(orderBook{
		active:    vault.OrderActive,
		cancelled: vault.OrderCancelled,
	}))

	_, err := svc.Submit(ctx, SubmitRequest{CurrentPrice: big.NewInt(1)})
	require.ErrorContains(t, err, string(CodeJobValidation))
	_, err = svc.Submit(ctx, SubmitRequest{OrderID: active})
	require.ErrorContains(t, err, string(CodeJobValidation))
	_, err = svc.Submit(ctx, SubmitRequest{OrderID: cancelled, CurrentPrice: big.NewInt(1)})
	require.ErrorIs(t, err, vault.ErrAlreadyInactive)
	_, err = svc.Submit(ctx, SubmitRequest{OrderID: common.BytesToHash([]byte{3}), CurrentPrice: big.NewInt(1)})
	require.ErrorIs(t, err, vault.ErrOrderNotFound)

	first, err := svc.Submit(ctx, SubmitRequest{ID: "monitor-42", OrderID: active, CurrentPrice: big.NewInt(7)})
	require.NoError(t, err)
	require.Equal(t, 3, first.MaxRetries)
	second, err := svc.Submit(ctx, SubmitRequest{ID: "monitor-42", OrderID: active, CurrentPrice: big.NewInt(8)})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, int64(7), second.CurrentPrice.Int64())
	require.Equal(t, 1, queue.Len())

	require.NoError(t, queue.Close())
	_, err = svc.Submit(ctx, SubmitRequest{OrderID: active, CurrentPrice: big.NewInt(1)})
	require.ErrorContains(t, err, string(CodeJobPublish))
	failed, err := svc.List(ctx, WithStatuses(StatusFailed))
	require.NoError(t, err)
	require.Len(t, failed, 1)
}
