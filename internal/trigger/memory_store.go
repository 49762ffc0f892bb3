package trigger

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AISwap-Executor/internal/errors"
)

// MemoryStore 以内存方式保存任务状态。
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	seq  int64
	now  func() time.Time
	// order 记录插入顺序，用于同一秒内的稳定排序。
	order map[string]int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]*Job),
		order: make(map[string]int64),
		now:   time.Now,
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return xerrors.New(CodeJobValidation, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrJobConflict.With(xerrors.WithMetadata("job_id", job.ID))
	}
	now := m.now().Unix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	m.seq++
	m.order[job.ID] = m.seq
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

// Get 返回任务。
func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound.With(xerrors.WithMetadata("job_id", id))
	}
	return cloneJob(job), nil
}

// Claim 将任务状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound.With(xerrors.WithMetadata("job_id", id))
	}
	switch {
	case job.Status.Done():
		return cloneJob(job), ErrJobCompleted
	case job.Status == StatusRunning:
		return cloneJob(job), ErrJobConflict
	case job.Attempts >= job.MaxRetries:
		return cloneJob(job), ErrJobExhausted
	}
	job.Status = StatusRunning
	job.Attempts++
	job.UpdatedAt = m.now().Unix()
	return cloneJob(job), nil
}

// MarkSucceeded 记录成功结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result Result) error {
	return m.update(id, func(job *Job) {
		job.Status = StatusSucceeded
		job.Result = &result
		job.LastError = ""
		job.ErrorCode = ""
	})
}

// MarkSkipped 记录无需执行的任务。
func (m *MemoryStore) MarkSkipped(_ context.Context, id string, code xerrors.Code, reason string) error {
	return m.update(id, func(job *Job) {
		job.Status = StatusSkipped
		job.LastError = reason
		job.ErrorCode = string(code)
	})
}

// MarkFailed 标记任务失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	return m.update(id, func(job *Job) {
		job.Status = StatusPending
		if terminal {
			job.Status = StatusFailed
		}
		job.LastError = lastError
		job.ErrorCode = string(code)
	})
}

func (m *MemoryStore) update(id string, fn func(job *Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound.With(xerrors.WithMetadata("job_id", id))
	}
	fn(job)
	job.UpdatedAt = m.now().Unix()
	return nil
}

// List 返回最近创建的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	opts.applyDefaults()

	results := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if opts.matches(job) {
			results = append(results, cloneJob(job))
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return m.order[results[i].ID] > m.order[results[j].ID]
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的任务数量。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	opts.applyDefaults()

	stats := Stats{}
	for _, job := range m.jobs {
		if !opts.matches(job) {
			continue
		}
		stats.Total++
		switch job.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusSkipped:
			stats.Skipped++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }
